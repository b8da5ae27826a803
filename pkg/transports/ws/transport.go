package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxrelay/voxrelay/pkg/errorsx"
	"github.com/voxrelay/voxrelay/pkg/logging"
	"github.com/voxrelay/voxrelay/pkg/relay"
)

// Handler is the relay-side contract the transport drives. Connect runs the
// handshake; the remaining methods deliver inbound client events.
type Handler interface {
	Connect(ctx context.Context, client relay.ClientConn, credential, langHint string) (string, error)
	HandleAudio(id, payload string) error
	Stop(id string)
	Disconnect(id string)
}

type Config struct {
	Addr           string   `mapstructure:"addr"`
	Path           string   `mapstructure:"path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	SendQueue      int      `mapstructure:"send_queue"`
	ReadLimit      int64    `mapstructure:"read_limit"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/audio-stream"
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport serves the client-facing WebSocket endpoint. Each upgraded
// connection gets its own read loop and a writer goroutine with a bounded
// send queue, so one slow client never stalls another.
type Transport struct {
	cfg      Config
	handler  Handler
	upgrader websocket.Upgrader
	server   *http.Server
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	draining atomic.Bool
}

func New(cfg Config, handler Handler, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg:     cfg,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:   logging.NewComponentLogger(logger, "ws_transport"),
		sessions: make(map[string]*session),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "websocket" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("ws_transport_server_error", slog.String("error", err.Error()))
		}
	}()
	t.logger.Info("ws_transport_listening",
		slog.String("addr", t.cfg.Addr),
		slog.String("path", t.cfg.Path))
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, sess := range t.sessions {
		_ = sess.Close()
	}
	t.sessions = make(map[string]*session)
	t.mu.Unlock()
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	credential := bearerToken(r)
	langHint := r.URL.Query().Get("lang")

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := newSession(conn, t.cfg.SendQueue, t.logger)
	go sess.writeLoop()

	id, err := t.handler.Connect(r.Context(), sess, credential, langHint)
	if err != nil {
		// The rejection event is already queued; draining the queue closes
		// the socket behind it.
		_ = sess.Close()
		return
	}
	t.attach(id, sess)
	defer func() {
		t.handler.Disconnect(id)
		t.detach(id)
	}()

	conn.SetReadLimit(t.cfg.ReadLimit)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var evt relay.ClientEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			_ = sess.Emit(relay.ErrorEvent("invalid message format"))
			continue
		}
		switch evt.Event {
		case relay.ClientEventAudioChunk:
			if err := t.handler.HandleAudio(id, evt.Audio); err != nil {
				_ = sess.Emit(relay.ErrorEvent("connection not initialized"))
			}
		case relay.ClientEventStop:
			t.handler.Stop(id)
		default:
			t.logger.Debug("unknown_client_event",
				slog.String("connection_id", id),
				slog.String("event", evt.Event))
		}
	}
}

func (t *Transport) attach(id string, sess *session) {
	t.mu.Lock()
	t.sessions[id] = sess
	t.mu.Unlock()
}

func (t *Transport) detach(id string) {
	t.mu.Lock()
	sess := t.sessions[id]
	delete(t.sessions, id)
	t.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

// bearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter for clients that cannot set headers
// during the WebSocket handshake.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// session is the per-socket writer. Emit enqueues without blocking; the
// write loop owns the socket and closes it after the queue drains.
type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newSession(conn *websocket.Conn, queue int, logger *slog.Logger) *session {
	return &session{
		conn:   conn,
		sendCh: make(chan []byte, queue),
		logger: logger,
	}
}

func (s *session) Emit(ev relay.ServerEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errorsx.Reasoned(errorsx.ReasonTransportSend, "session closed")
	}
	select {
	case s.sendCh <- b:
		return nil
	default:
		return errorsx.Reasoned(errorsx.ReasonTransportSend, "send queue full")
	}
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.sendCh)
	s.mu.Unlock()
	return nil
}

func (s *session) writeLoop() {
	for msg := range s.sendCh {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
	_ = s.conn.Close()
}

var _ relay.ClientConn = (*session)(nil)
