package stt

import (
	"context"
	"time"
)

// Transcript is a single hypothesis emitted by the provider. Interim
// transcripts may be revised; final ones are locked in.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Timestamp  time.Time
}

type EventKind string

const (
	// KindTranscript carries a Transcript.
	KindTranscript EventKind = "transcript"
	// KindError carries a terminal provider error. Emitted at most once
	// per session; the session is dead afterwards.
	KindError EventKind = "error"
	// KindClosed signals the provider closed the session from its side.
	KindClosed EventKind = "closed"
)

// Event is what a streaming session pushes onto its Events channel. The
// channel preserves the provider's emission order; consumers must drain it
// from a single goroutine per session.
type Event struct {
	Kind       EventKind
	Transcript Transcript
	Err        error
}

// Config contains vendor-agnostic streaming session configuration.
// Audio is 16-bit signed linear PCM, mono; SampleRate defaults to 16000.
type Config struct {
	ConnectionID string
	Language     string
	SampleRate   int
	Interim      bool
}

// StreamingSTT is the contract for a live transcription session with one
// provider. A session is exclusively owned by one connection.
type StreamingSTT interface {
	// Name returns the adapter name for logging/metrics.
	Name() string
	// Start establishes the live provider session. It must not be called
	// twice on the same session.
	Start(ctx context.Context) error
	// SendAudio forwards a raw PCM chunk. Fails if the session is not open.
	SendAudio(pcm []byte) error
	// Close shuts the session down. Idempotent; closing an already-closed
	// session is a no-op. The Events channel is closed afterwards.
	Close() error
	// Events returns the session's ordered event stream.
	Events() <-chan Event
}

// Factory builds a fresh session for one connection.
type Factory func(cfg Config) StreamingSTT
