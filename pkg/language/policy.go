package language

import (
	"log/slog"
	"strings"
)

// DefaultCode is used when no default is configured.
const DefaultCode = "en"

// Supported returns the language codes accepted for live transcription
// (the set covered by Deepgram's nova-2 streaming model).
func Supported() []string {
	return []string{
		"en", "es", "fr", "it", "de", "pt", "nl", "hi", "ja", "ko",
		"zh", "sv", "no", "da", "fi", "pl", "ru", "tr", "ar", "el",
		"he", "cs", "uk", "ro", "hu", "id", "ms", "th", "vi",
	}
}

// Policy resolves a client-supplied language hint to a supported code.
// Resolve is total: it never fails, falling back to the default.
type Policy struct {
	def       string
	supported map[string]struct{}
	logger    *slog.Logger
}

func NewPolicy(def string, supported []string, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	if len(supported) == 0 {
		supported = Supported()
	}
	set := make(map[string]struct{}, len(supported))
	for _, code := range supported {
		code = normalize(code)
		if code != "" {
			set[code] = struct{}{}
		}
	}
	def = normalize(def)
	if def == "" {
		def = DefaultCode
	}
	// The default must itself be usable.
	set[def] = struct{}{}
	return &Policy{def: def, supported: set, logger: logger}
}

// Resolve returns the requested code when supported, the default otherwise.
func (p *Policy) Resolve(requested string) string {
	code := normalize(requested)
	if code == "" {
		p.logger.Debug("language_fallback",
			slog.String("language", p.def),
			slog.String("reason", "no language requested"))
		return p.def
	}
	if _, ok := p.supported[code]; !ok {
		p.logger.Warn("language_fallback",
			slog.String("requested", code),
			slog.String("language", p.def),
			slog.String("reason", "unsupported language"))
		return p.def
	}
	return code
}

// Default returns the configured fallback code.
func (p *Policy) Default() string { return p.def }

func normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
