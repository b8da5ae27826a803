package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxrelay/voxrelay/pkg/auth"
	"github.com/voxrelay/voxrelay/pkg/errorsx"
	"github.com/voxrelay/voxrelay/pkg/language"
	"github.com/voxrelay/voxrelay/pkg/logging"
	"github.com/voxrelay/voxrelay/pkg/metrics"
	"github.com/voxrelay/voxrelay/pkg/stt"
)

const (
	defaultOpenTimeout = 10 * time.Second
	defaultSampleRate  = 16000
)

// Teardown causes, tagged on the connection_closed metric.
const (
	causeStop           = "stop"
	causeDisconnect     = "disconnect"
	causeProviderError  = "provider_error"
	causeProviderClosed = "provider_closed"
)

type Options struct {
	Authenticator auth.Authenticator
	Languages     *language.Policy
	Provider      stt.Factory
	Observer      metrics.Observer
	Logger        *slog.Logger
	// OpenTimeout bounds provider session bring-up; a session that does not
	// open in time is treated as a provider-open failure.
	OpenTimeout time.Duration
	SampleRate  int
}

// Relay orchestrates the per-connection lifecycle: authenticate, resolve
// language, open a provider session, register, forward audio, relay
// transcript events, and tear everything down exactly once.
type Relay struct {
	authenticator auth.Authenticator
	languages     *language.Policy
	provider      stt.Factory
	registry      *Registry
	observer      metrics.Observer
	logger        *slog.Logger
	openTimeout   time.Duration
	sampleRate    int
}

func New(opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	openTimeout := opts.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}
	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	return &Relay{
		authenticator: opts.Authenticator,
		languages:     opts.Languages,
		provider:      opts.Provider,
		registry:      NewRegistry(),
		observer:      observer,
		logger:        logging.NewComponentLogger(logger, "relay"),
		openTimeout:   openTimeout,
		sampleRate:    sampleRate,
	}
}

// Registry exposes the connection store for administrative access.
func (r *Relay) Registry() *Registry { return r.registry }

// Connect runs the connection handshake. On failure a rejected event is
// emitted and no registry entry or provider session survives; on success the
// returned id identifies the connection for the inbound event methods.
func (r *Relay) Connect(ctx context.Context, client ClientConn, credential, langHint string) (string, error) {
	id := uuid.NewString()

	identity, err := r.authenticator.Authenticate(ctx, credential)
	if err != nil {
		reason := auth.FailureMessage(err)
		r.logger.Warn("connection_rejected",
			slog.String("connection_id", id),
			slog.String("reason", reason),
			slog.String("reason_code", string(errorsx.Reason(err))))
		_ = client.Emit(RejectedEvent(reason))
		r.observer.RecordEvent(metrics.Event{
			Name: metrics.EventConnectionRejected,
			Time: time.Now(),
			Tags: map[string]string{"reason_code": string(errorsx.Reason(err))},
		})
		return "", err
	}

	lang := r.languages.Resolve(langHint)

	session := r.provider(stt.Config{
		ConnectionID: id,
		Language:     lang,
		SampleRate:   r.sampleRate,
		Interim:      true,
	})
	if err := r.openSession(ctx, session); err != nil {
		r.logger.Error("provider_open_failed",
			slog.String("connection_id", id),
			slog.String("user_id", identity.UserID),
			slog.String("error", err.Error()))
		_ = client.Emit(RejectedEvent("failed to initialize transcription service"))
		r.observer.RecordEvent(metrics.Event{
			Name: metrics.EventConnectionRejected,
			Time: time.Now(),
			Tags: map[string]string{"reason_code": string(errorsx.ReasonProviderOpen)},
		})
		return "", errorsx.Wrap(err, errorsx.ReasonProviderOpen)
	}

	c := newConnection(id, identity, lang, client, session, r.logger)
	c.mu.Lock()
	c.providerOpen = true
	_ = c.transitionLocked(StateOpen)
	c.mu.Unlock()
	r.registry.Register(c)

	go r.pump(c)

	c.emit(ConnectedEvent(identity.UserID, identity.Method, lang))
	r.logger.Info("connection_opened",
		slog.String("connection_id", id),
		slog.String("user_id", identity.UserID),
		slog.String("auth_type", identity.Method),
		slog.String("language", lang))
	r.observer.RecordEvent(metrics.Event{
		Name: metrics.EventConnectionOpened,
		Time: time.Now(),
		Tags: map[string]string{"connection_id": id, "user_id": identity.UserID, "language": lang},
	})
	return id, nil
}

// openSession bounds provider bring-up so a stuck open never leaves the
// connection half-open. The session keeps its own lifetime context: the
// handshake request context must not cancel a session that outlives it.
func (r *Relay) openSession(ctx context.Context, session stt.StreamingSTT) error {
	sessionCtx := context.WithoutCancel(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- session.Start(sessionCtx) }()

	timer := time.NewTimer(r.openTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			_ = session.Close()
			return err
		}
		return nil
	case <-timer.C:
		_ = session.Close()
		return fmt.Errorf("provider session open timed out after %s", r.openTimeout)
	}
}

// HandleAudio decodes and forwards one inbound chunk. Malformed payloads and
// transient send failures are reported to the client and leave the
// connection open. The returned error is non-nil only for an unknown id.
func (r *Relay) HandleAudio(id, payload string) error {
	c, ok := r.registry.Get(id)
	if !ok {
		return errorsx.Reasoned(errorsx.ReasonSessionNotOpen, "unknown connection %s", id)
	}

	if strings.TrimSpace(payload) == "" {
		r.logger.Warn("empty_audio_chunk", slog.String("connection_id", id))
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		r.logger.Warn("malformed_audio_chunk",
			slog.String("connection_id", id),
			slog.String("reason_code", string(errorsx.ReasonMalformedAudioFrame)))
		c.emit(ErrorEvent("invalid audio data format"))
		return nil
	}

	if !c.acceptsAudio() {
		c.emit(ErrorEvent("transcription service not ready"))
		return nil
	}

	if err := c.provider.SendAudio(raw); err != nil {
		// A single send failure is not fatal; the provider signals terminal
		// errors through its event stream.
		r.logger.Warn("provider_send_failed",
			slog.String("connection_id", id),
			slog.String("reason_code", string(errorsx.ReasonProviderSend)),
			slog.String("error", err.Error()))
		c.emit(ErrorEvent("error processing audio data"))
		return nil
	}

	r.logger.Debug("audio_forwarded",
		slog.String("connection_id", id),
		slog.Int("size_bytes", len(raw)))
	r.observer.RecordEvent(metrics.Event{
		Name:  metrics.EventAudioIn,
		Time:  time.Now(),
		Value: float64(len(raw)),
		Tags:  map[string]string{"connection_id": id},
	})
	return nil
}

// Stop handles an explicit client stop request. Stopping an unknown or
// already-stopped connection is a no-op.
func (r *Relay) Stop(id string) {
	c, ok := r.registry.Get(id)
	if !ok {
		r.logger.Debug("stop_for_unknown_connection", slog.String("connection_id", id))
		return
	}
	r.teardown(c, causeStop)
}

// Disconnect handles transport-level disconnection. Safe to call after Stop.
func (r *Relay) Disconnect(id string) {
	c, ok := r.registry.Get(id)
	if !ok {
		return
	}
	r.teardown(c, causeDisconnect)
}

// pump drains the provider's event stream for one connection, preserving
// arrival order. It is the only goroutine forwarding transcripts for this
// connection, so clients see events exactly as the provider emitted them.
func (r *Relay) pump(c *Connection) {
	for ev := range c.provider.Events() {
		switch ev.Kind {
		case stt.KindTranscript:
			c.emit(TranscriptionEvent(ev.Transcript))
			r.observer.RecordEvent(metrics.Event{
				Name:  metrics.EventTranscriptOut,
				Time:  time.Now(),
				Value: 1,
				Tags: map[string]string{
					"connection_id": c.ID,
					"is_final":      fmt.Sprintf("%t", ev.Transcript.IsFinal),
				},
			})
		case stt.KindError:
			r.logger.Error("provider_session_error",
				slog.String("connection_id", c.ID),
				slog.String("error", ev.Err.Error()))
			c.emit(ErrorEvent("transcription service error"))
			r.teardown(c, causeProviderError)
		case stt.KindClosed:
			r.logger.Info("provider_session_closed",
				slog.String("connection_id", c.ID))
		}
	}
	// The stream is gone either way; make sure the registry entry follows.
	r.teardown(c, causeProviderClosed)
}

// teardown is the single close path. Stop, disconnect, and provider errors
// can race; the Once guarantees one provider close and one registry removal.
func (r *Relay) teardown(c *Connection, cause string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.transitionLocked(StateClosing)
		open := c.providerOpen
		c.providerOpen = false
		c.mu.Unlock()

		if open {
			if err := c.provider.Close(); err != nil {
				r.logger.Warn("provider_close_failed",
					slog.String("connection_id", c.ID),
					slog.String("error", err.Error()))
			}
		}
		r.registry.Remove(c.ID)

		if cause == causeStop {
			c.emit(StoppedEvent())
		}

		c.mu.Lock()
		_ = c.transitionLocked(StateClosed)
		c.mu.Unlock()

		r.logger.Info("connection_closed",
			slog.String("connection_id", c.ID),
			slog.String("user_id", c.Identity.UserID),
			slog.String("cause", cause))
		r.observer.RecordEvent(metrics.Event{
			Name: metrics.EventConnectionClosed,
			Time: time.Now(),
			Tags: map[string]string{"connection_id": c.ID, "cause": cause},
		})
	})
}
