package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAuthMissing ReasonCode = "auth_missing"
	ReasonAuthInvalid ReasonCode = "auth_invalid"
	ReasonAuthExpired ReasonCode = "auth_expired"

	ReasonProviderOpen   ReasonCode = "provider_open"
	ReasonProviderSend   ReasonCode = "provider_send"
	ReasonSessionNotOpen ReasonCode = "provider_session_closed"

	ReasonMalformedAudioFrame ReasonCode = "malformed_audio_frame"
	ReasonTransportSend       ReasonCode = "transport_send"
)
