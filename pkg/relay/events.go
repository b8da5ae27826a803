package relay

import (
	"time"

	"github.com/voxrelay/voxrelay/pkg/stt"
)

// Server → client event names.
const (
	EventConnected     = "connected"
	EventRejected      = "rejected"
	EventTranscription = "transcription"
	EventError         = "error"
	EventStopped       = "stopped"
)

// Client → server event names.
const (
	ClientEventAudioChunk = "audio_chunk"
	ClientEventStop       = "stop"
)

// ServerEvent is the JSON envelope pushed to the client. Optional fields are
// omitted per event type; transcription events always carry is_final and
// confidence.
type ServerEvent struct {
	Event      string    `json:"event"`
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id,omitempty"`
	AuthType   string    `json:"auth_type,omitempty"`
	Language   string    `json:"language,omitempty"`
	Message    string    `json:"message,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Text       string    `json:"text,omitempty"`
	IsFinal    *bool     `json:"is_final,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// ClientEvent is the JSON envelope received from the client. Audio carries a
// base64-encoded chunk of 16-bit linear PCM, 16 kHz, mono.
type ClientEvent struct {
	Event string `json:"event"`
	Audio string `json:"audio,omitempty"`
}

func ConnectedEvent(userID, authType, language string) ServerEvent {
	return ServerEvent{
		Event:     EventConnected,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		AuthType:  authType,
		Language:  language,
		Message:   "successfully connected to audio streaming service",
	}
}

func RejectedEvent(reason string) ServerEvent {
	return ServerEvent{
		Event:     EventRejected,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
	}
}

func TranscriptionEvent(tr stt.Transcript) ServerEvent {
	isFinal := tr.IsFinal
	confidence := tr.Confidence
	ts := tr.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ServerEvent{
		Event:      EventTranscription,
		Timestamp:  ts,
		Text:       tr.Text,
		IsFinal:    &isFinal,
		Confidence: &confidence,
	}
}

func ErrorEvent(message string) ServerEvent {
	return ServerEvent{
		Event:     EventError,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
}

func StoppedEvent() ServerEvent {
	return ServerEvent{
		Event:     EventStopped,
		Timestamp: time.Now().UTC(),
		Message:   "streaming stopped successfully",
	}
}

// ClientConn is the relay's view of one connected client. Emit must be safe
// for concurrent use; implementations enqueue rather than block.
type ClientConn interface {
	Emit(ev ServerEvent) error
	Close() error
}
