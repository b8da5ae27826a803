package metrics

import "time"

// Event is a single observation emitted by the relay or transport.
type Event struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev Event)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}

// Observation names recorded by the relay.
const (
	EventConnectionOpened   = "connection_opened"
	EventConnectionRejected = "connection_rejected"
	EventConnectionClosed   = "connection_closed"
	EventAudioIn            = "audio_in"
	EventTranscriptOut      = "transcript_out"
)
