package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/pkg/errorsx"
	"github.com/voxrelay/voxrelay/pkg/stt"
)

type Config struct {
	ConnectionID string
	// Transcript, when set, is emitted as a final result after the first
	// audio chunk (preceded by InterimTranscript when EmitInterim is set).
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	// FailStart makes Start return an error, for provider-open failure paths.
	FailStart bool
	// StartDelay stalls Start, for open-timeout paths.
	StartDelay time.Duration
}

// StreamingSTT is an in-memory provider session for tests and local runs.
type StreamingSTT struct {
	cfg Config
	out chan stt.Event

	mu         sync.Mutex
	started    bool
	closed     bool
	emitted    bool
	closeCalls int
	sent       [][]byte
}

func New(cfg Config) *StreamingSTT {
	return &StreamingSTT{cfg: cfg, out: make(chan stt.Event, 32)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.cfg.StartDelay > 0 {
		select {
		case <-time.After(s.cfg.StartDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.cfg.FailStart {
		return errors.New("mock session refused to open")
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closed {
		return nil
	}
	s.closed = true
	s.started = false
	close(s.out)
	return nil
}

func (s *StreamingSTT) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return errorsx.Reasoned(errorsx.ReasonSessionNotOpen, "session not open")
	}
	s.sent = append(s.sent, append([]byte(nil), pcm...))

	if s.emitted || s.cfg.Transcript == "" {
		return nil
	}
	s.emitted = true
	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.out <- stt.Event{Kind: stt.KindTranscript, Transcript: stt.Transcript{
			Text:       interim,
			Confidence: 0.5,
			Timestamp:  time.Now().UTC(),
		}}
	}
	s.out <- stt.Event{Kind: stt.KindTranscript, Transcript: stt.Transcript{
		Text:       s.cfg.Transcript,
		IsFinal:    true,
		Confidence: 0.99,
		Timestamp:  time.Now().UTC(),
	}}
	return nil
}

func (s *StreamingSTT) Events() <-chan stt.Event { return s.out }

// Push injects an event, preserving injection order. No-op once closed.
func (s *StreamingSTT) Push(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.out <- ev
}

// PushTranscript injects a transcript event.
func (s *StreamingSTT) PushTranscript(text string, isFinal bool, confidence float64) {
	s.Push(stt.Event{Kind: stt.KindTranscript, Transcript: stt.Transcript{
		Text:       text,
		IsFinal:    isFinal,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}})
}

// Fail injects the session's terminal error.
func (s *StreamingSTT) Fail(err error) {
	s.Push(stt.Event{Kind: stt.KindError, Err: err})
}

// CloseCalls counts Close invocations, including idempotent ones.
func (s *StreamingSTT) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Sent returns copies of all forwarded chunks.
func (s *StreamingSTT) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Started reports whether the session is open.
func (s *StreamingSTT) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
