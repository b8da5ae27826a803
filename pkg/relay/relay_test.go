package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/pkg/auth"
	"github.com/voxrelay/voxrelay/pkg/errorsx"
	"github.com/voxrelay/voxrelay/pkg/language"
	"github.com/voxrelay/voxrelay/pkg/metrics"
	"github.com/voxrelay/voxrelay/pkg/providers/mock"
	"github.com/voxrelay/voxrelay/pkg/stt"
)

type captureClient struct {
	mu     sync.Mutex
	events []ServerEvent
	closed bool
}

func (c *captureClient) Emit(ev ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureClient) snapshot() []ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ServerEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *captureClient) count(name string) int {
	n := 0
	for _, ev := range c.snapshot() {
		if ev.Event == name {
			n++
		}
	}
	return n
}

func (c *captureClient) waitFor(t *testing.T, name string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.count(name) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events, got %d", want, name, c.count(name))
}

type staticAuth struct {
	identity auth.Identity
	err      error
}

func (s staticAuth) Name() string { return "static" }

func (s staticAuth) Authenticate(context.Context, string) (auth.Identity, error) {
	if s.err != nil {
		return auth.Identity{}, s.err
	}
	return s.identity, nil
}

func okAuth() staticAuth {
	return staticAuth{identity: auth.Identity{UserID: "auth0|user-1", Method: "jwt"}}
}

func newTestRelay(t *testing.T, authenticator auth.Authenticator, factory stt.Factory) (*Relay, *metrics.MemoryObserver) {
	t.Helper()
	obs := metrics.NewMemoryObserver()
	r := New(Options{
		Authenticator: authenticator,
		Languages:     language.NewPolicy("en", nil, nil),
		Provider:      factory,
		Observer:      obs,
		OpenTimeout:   time.Second,
	})
	return r, obs
}

func pcmChunk(t *testing.T) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString([]byte{0x00, 0x01, 0x02, 0x03})
}

func TestConnectEmitsConnectedWithResolvedLanguage(t *testing.T) {
	session := mock.New(mock.Config{})
	r, _ := newTestRelay(t, okAuth(), func(cfg stt.Config) stt.StreamingSTT {
		if cfg.Language != "it" {
			t.Errorf("expected provider language it, got %s", cfg.Language)
		}
		if cfg.SampleRate != 16000 {
			t.Errorf("expected 16kHz sample rate, got %d", cfg.SampleRate)
		}
		return session
	})
	client := &captureClient{}

	id, err := r.Connect(context.Background(), client, "token", "it")
	if err != nil {
		t.Fatalf("connect error: %v", err)
	}
	if id == "" {
		t.Fatalf("expected connection id")
	}
	if r.Registry().Len() != 1 {
		t.Fatalf("expected one registered connection, got %d", r.Registry().Len())
	}

	client.waitFor(t, EventConnected, 1)
	ev := client.snapshot()[0]
	if ev.Language != "it" || ev.UserID != "auth0|user-1" || ev.AuthType != "jwt" {
		t.Fatalf("unexpected connected payload %+v", ev)
	}
}

func TestConnectFallsBackToDefaultLanguage(t *testing.T) {
	r, _ := newTestRelay(t, okAuth(), func(cfg stt.Config) stt.StreamingSTT {
		if cfg.Language != "en" {
			t.Errorf("expected fallback language en, got %s", cfg.Language)
		}
		return mock.New(mock.Config{})
	})
	client := &captureClient{}

	if _, err := r.Connect(context.Background(), client, "token", "xx"); err != nil {
		t.Fatalf("connect error: %v", err)
	}
	client.waitFor(t, EventConnected, 1)
	if got := client.snapshot()[0].Language; got != "en" {
		t.Fatalf("expected language en, got %s", got)
	}
}

func TestConnectRejectsBadCredentialWithoutProviderSession(t *testing.T) {
	factoryCalls := 0
	r, obs := newTestRelay(t, staticAuth{err: auth.ErrExpiredCredential}, func(stt.Config) stt.StreamingSTT {
		factoryCalls++
		return mock.New(mock.Config{})
	})
	client := &captureClient{}

	_, err := r.Connect(context.Background(), client, "stale-token", "en")
	if !errorsx.HasReason(err, errorsx.ReasonAuthExpired) {
		t.Fatalf("expected expired credential, got %v", err)
	}
	if factoryCalls != 0 {
		t.Fatalf("provider session must not be opened on auth failure")
	}
	if r.Registry().Len() != 0 {
		t.Fatalf("no registry entry expected on rejection")
	}
	client.waitFor(t, EventRejected, 1)
	if reason := client.snapshot()[0].Reason; reason != "authentication token has expired" {
		t.Fatalf("unexpected rejection reason %q", reason)
	}
	if obs.Count(metrics.EventConnectionRejected) != 1 {
		t.Fatalf("expected rejection metric")
	}
}

func TestConnectRejectsOnProviderOpenFailure(t *testing.T) {
	session := mock.New(mock.Config{FailStart: true})
	r, _ := newTestRelay(t, okAuth(), func(stt.Config) stt.StreamingSTT { return session })
	client := &captureClient{}

	_, err := r.Connect(context.Background(), client, "token", "en")
	if !errorsx.HasReason(err, errorsx.ReasonProviderOpen) {
		t.Fatalf("expected provider open failure, got %v", err)
	}
	if r.Registry().Len() != 0 {
		t.Fatalf("no registry entry expected on open failure")
	}
	client.waitFor(t, EventRejected, 1)
}

func TestConnectTimesOutSlowProviderOpen(t *testing.T) {
	session := mock.New(mock.Config{StartDelay: time.Second})
	obs := metrics.NewMemoryObserver()
	r := New(Options{
		Authenticator: okAuth(),
		Languages:     language.NewPolicy("en", nil, nil),
		Provider:      func(stt.Config) stt.StreamingSTT { return session },
		Observer:      obs,
		OpenTimeout:   20 * time.Millisecond,
	})
	client := &captureClient{}

	_, err := r.Connect(context.Background(), client, "token", "en")
	if !errorsx.HasReason(err, errorsx.ReasonProviderOpen) {
		t.Fatalf("expected provider open failure, got %v", err)
	}
	if r.Registry().Len() != 0 {
		t.Fatalf("no registry entry expected after open timeout")
	}
}

func TestAudioForwardedAndMalformedChunkIsNonFatal(t *testing.T) {
	session := mock.New(mock.Config{})
	r, _ := newTestRelay(t, okAuth(), func(stt.Config) stt.StreamingSTT { return session })
	client := &captureClient{}

	id, err := r.Connect(context.Background(), client, "token", "en")
	if err != nil {
		t.Fatalf("connect error: %v", err)
	}

	if err := r.HandleAudio(id, "not-base64!!"); err != nil {
		t.Fatalf("malformed chunk must not error the handler: %v", err)
	}
	client.waitFor(t, EventError, 1)
	if msg := client.snapshot()[1].Message; msg != "invalid audio data format" {
		t.Fatalf("unexpected error message %q", msg)
	}

	// The connection stays open: a subsequent valid chunk still flows.
	if err := r.HandleAudio(id, pcmChunk(t)); err != nil {
		t.Fatalf("valid chunk after malformed one failed: %v", err)
	}
	if got := len(session.Sent()); got != 1 {
		t.Fatalf("expected one forwarded chunk, got %d", got)
	}
	if r.Registry().Len() != 1 {
		t.Fatalf("connection must remain registered")
	}
}

func TestTranscriptOrderPreserved(t *testing.T) {
	session := mock.New(mock.Config{})
	r, _ := newTestRelay(t, okAuth(), func(stt.Config) stt.StreamingSTT { return session })
	client := &captureClient{}

	if _, err := r.Connect(context.Background(), client, "token", "en"); err != nil {
		t.Fatalf("connect error: %v", err)
	}

	session.PushTranscript("hel", false, 0.41)
	session.PushTranscript("hello", true, 0.93)

	client.waitFor(t, EventTranscription, 2)
	var got []ServerEvent
	for _, ev := range client.snapshot() {
		if ev.Event == EventTranscription {
			got = append(got, ev)
		}
	}
	if got[0].Text != "hel" || *got[0].IsFinal {
		t.Fatalf("unexpected first transcript %+v", got[0])
	}
	if got[1].Text != "hello" || !*got[1].IsFinal {
		t.Fatalf("unexpected second transcript %+v", got[1])
	}
	if *got[1].Confidence != 0.93 {
		t.Fatalf("confidence not forwarded: %+v", got[1])
	}
}

func TestStopIsIdempotent(t *testing.T) {
	session := mock.New(mock.Config{})
	r, obs := newTestRelay(t, okAuth(), func(stt.Config) stt.StreamingSTT { return session })
	client := &captureClient{}

	id, err := r.Connect(context.Background(), client, "token", "en")
	if err != nil {
		t.Fatalf("connect error: %v", err)
	}

	r.Stop(id)
	r.Stop(id)
	r.Disconnect(id)

	if r.Registry().Len() != 0 {
		t.Fatalf("expected registry entry removed")
	}
	if got := session.CloseCalls(); got != 1 {
		t.Fatalf("expected exactly one provider close, got %d", got)
	}
	client.waitFor(t, EventStopped, 1)
	if got := client.count(EventStopped); got != 1 {
		t.Fatalf("expected exactly one stopped event, got %d", got)
	}
	if obs.Count(metrics.EventConnectionClosed) != 1 {
		t.Fatalf("expected one close metric")
	}
}

func TestStopAndDisconnectRace(t *testing.T) {
	session := mock.New(mock.Config{})
	r, _ := newTestRelay(t, okAuth(), func(stt.Config) stt.StreamingSTT { return session })
	client := &captureClient{}

	id, err := r.Connect(context.Background(), client, "token", "en")
	if err != nil {
		t.Fatalf("connect error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.Stop(id) }()
	go func() { defer wg.Done(); r.Disconnect(id) }()
	wg.Wait()

	if r.Registry().Len() != 0 {
		t.Fatalf("expected registry entry removed")
	}
	if got := session.CloseCalls(); got != 1 {
		t.Fatalf("expected exactly one provider close, got %d", got)
	}
	if got := client.count(EventStopped); got > 1 {
		t.Fatalf("expected at most one stopped event, got %d", got)
	}
}

func TestProviderErrorTearsDownSession(t *testing.T) {
	session := mock.New(mock.Config{})
	r, _ := newTestRelay(t, okAuth(), func(stt.Config) stt.StreamingSTT { return session })
	client := &captureClient{}

	id, err := r.Connect(context.Background(), client, "token", "en")
	if err != nil {
		t.Fatalf("connect error: %v", err)
	}

	session.Fail(errors.New("quota exceeded"))

	client.waitFor(t, EventError, 1)
	deadline := time.Now().Add(2 * time.Second)
	for r.Registry().Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Registry().Len() != 0 {
		t.Fatalf("expected registry entry removed after provider error")
	}
	if got := session.CloseCalls(); got != 1 {
		t.Fatalf("expected exactly one provider close, got %d", got)
	}
	// Audio after teardown is refused with an unknown-connection error.
	if err := r.HandleAudio(id, pcmChunk(t)); err == nil {
		t.Fatalf("expected error for audio after teardown")
	}
}

func TestConnectionsAreIsolated(t *testing.T) {
	sessionA := mock.New(mock.Config{})
	sessionB := mock.New(mock.Config{})
	sessions := []stt.StreamingSTT{sessionA, sessionB}
	i := 0
	r, _ := newTestRelay(t, okAuth(), func(stt.Config) stt.StreamingSTT {
		s := sessions[i]
		i++
		return s
	})
	clientA := &captureClient{}
	clientB := &captureClient{}

	idA, err := r.Connect(context.Background(), clientA, "token", "en")
	if err != nil {
		t.Fatalf("connect A error: %v", err)
	}
	idB, err := r.Connect(context.Background(), clientB, "token", "en")
	if err != nil {
		t.Fatalf("connect B error: %v", err)
	}

	// Kill A's provider session; B must keep forwarding.
	sessionA.Fail(errors.New("provider blew up"))
	clientA.waitFor(t, EventError, 1)

	if err := r.HandleAudio(idB, pcmChunk(t)); err != nil {
		t.Fatalf("audio on B failed after A's error: %v", err)
	}
	if got := len(sessionB.Sent()); got != 1 {
		t.Fatalf("expected B's chunk forwarded, got %d", got)
	}
	_ = idA
}

func TestHandleAudioUnknownConnection(t *testing.T) {
	r, _ := newTestRelay(t, okAuth(), func(stt.Config) stt.StreamingSTT {
		return mock.New(mock.Config{})
	})
	if err := r.HandleAudio("missing", pcmChunk(t)); !errorsx.HasReason(err, errorsx.ReasonSessionNotOpen) {
		t.Fatalf("expected session-not-open error, got %v", err)
	}
}
