package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/voxrelay/voxrelay/pkg/errorsx"
	"github.com/voxrelay/voxrelay/pkg/logging"
	"github.com/voxrelay/voxrelay/pkg/stt"
)

const (
	defaultModel      = "nova-2"
	defaultSampleRate = 16000
	defaultEncoding   = "linear16"
)

type Config struct {
	APIKey       string
	Model        string
	Language     string
	SampleRate   int
	Encoding     string
	Interim      bool
	ConnectionID string
}

// StreamingSTT relays one connection's audio to a Deepgram live session and
// translates SDK callbacks into ordered stt.Events.
type StreamingSTT struct {
	cfg      Config
	dgClient *client.WSCallback
	ctx      context.Context
	cancel   context.CancelFunc

	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	out    chan stt.Event
	logger *slog.Logger

	mu         sync.Mutex
	closed     bool
	errEmitted bool
	metaLogged bool
}

func New(cfg Config) *StreamingSTT {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Encoding == "" {
		cfg.Encoding = defaultEncoding
	}
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan stt.Event, 256),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Close can race a slow open, so shared fields are only touched under mu.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errorsx.Reasoned(errorsx.ReasonSessionNotOpen, "session already closed")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()
	sessionCtx := s.ctx
	reader := s.pipeReader
	s.mu.Unlock()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		SmartFormat:    true,
		Punctuate:      true,
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("connection_id", s.cfg.ConnectionID),
		slog.String("model", s.cfg.Model),
		slog.String("language", s.cfg.Language),
		slog.Int("sample_rate", s.cfg.SampleRate))

	cb := &callback{parent: s}
	dgClient, err := client.NewWSUsingCallback(sessionCtx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		s.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("connection_id", s.cfg.ConnectionID))
		return errorsx.Wrap(err, errorsx.ReasonProviderOpen)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		dgClient.Stop()
		return errorsx.Reasoned(errorsx.ReasonSessionNotOpen, "session closed during open")
	}
	s.dgClient = dgClient
	s.mu.Unlock()

	if connected := dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed",
			slog.String("connection_id", s.cfg.ConnectionID))
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonProviderOpen)
	}

	s.logger.Info("deepgram_connected",
		slog.String("connection_id", s.cfg.ConnectionID),
		slog.String("model", s.cfg.Model))

	go func() {
		if err := dgClient.Stream(reader); err != nil && sessionCtx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("connection_id", s.cfg.ConnectionID))
		}
	}()

	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	writer := s.pipeWriter
	dgClient := s.dgClient
	s.mu.Unlock()

	s.logger.Info("closing deepgram connection",
		slog.String("connection_id", s.cfg.ConnectionID))

	if cancel != nil {
		cancel()
	}
	if writer != nil {
		_ = writer.Close()
	}
	if dgClient != nil {
		dgClient.Stop()
	}

	s.mu.Lock()
	close(s.out)
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) SendAudio(pcm []byte) error {
	s.mu.Lock()
	writer := s.pipeWriter
	closed := s.closed
	s.mu.Unlock()

	if writer == nil || closed {
		return errorsx.Reasoned(errorsx.ReasonSessionNotOpen, "session not open")
	}

	s.logger.Debug("forwarding audio to deepgram",
		slog.Int("size_bytes", len(pcm)),
		slog.String("connection_id", s.cfg.ConnectionID))

	if _, err := writer.Write(pcm); err != nil {
		s.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("connection_id", s.cfg.ConnectionID))
		return errorsx.Wrap(err, errorsx.ReasonProviderSend)
	}
	return nil
}

func (s *StreamingSTT) Events() <-chan stt.Event { return s.out }

// push delivers an event unless the session is closed. Holding the lock
// during the send keeps close(out) from racing an in-flight push.
func (s *StreamingSTT) push(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- ev:
	default:
		s.logger.Warn("deepgram_out_channel_full",
			slog.String("connection_id", s.cfg.ConnectionID))
	}
}

// --- Callback Implementation ---

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("connection_id", c.parent.cfg.ConnectionID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal

	c.parent.logger.Debug("transcript_received",
		slog.String("connection_id", c.parent.cfg.ConnectionID),
		slog.Bool("is_final", isFinal))

	c.parent.push(stt.Event{Kind: stt.KindTranscript, Transcript: stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    isFinal,
		Confidence: alt.Confidence,
		Timestamp:  time.Now().UTC(),
	}})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("connection_id", c.parent.cfg.ConnectionID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("connection_id", c.parent.cfg.ConnectionID))
	c.parent.push(stt.Event{Kind: stt.KindClosed})
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("connection_id", c.parent.cfg.ConnectionID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))

	c.parent.mu.Lock()
	already := c.parent.errEmitted
	c.parent.errEmitted = true
	c.parent.mu.Unlock()
	if already {
		return nil
	}
	c.parent.push(stt.Event{Kind: stt.KindError,
		Err: fmt.Errorf("deepgram error %s: %s", er.ErrCode, er.ErrMsg)})
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("connection_id", c.parent.cfg.ConnectionID))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
