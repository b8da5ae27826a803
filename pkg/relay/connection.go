package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/pkg/auth"
	"github.com/voxrelay/voxrelay/pkg/stt"
)

// State is the lifecycle phase of one connection.
type State int

const (
	// StateConnecting covers authentication and provider bring-up.
	StateConnecting State = iota
	// StateOpen is steady-state audio flow.
	StateOpen
	// StateClosing is the transient teardown phase.
	StateClosing
	// StateClosed is terminal; the connection is gone from the registry.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// InvalidTransitionError reports a disallowed state change.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

var validTransitions = map[State][]State{
	StateConnecting: {StateOpen, StateClosing, StateClosed},
	StateOpen:       {StateClosing},
	StateClosing:    {StateClosed},
	StateClosed:     {},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Connection is the per-socket state owned by the registry. Identity and
// language are fixed at connect time; state and the provider-open flag are
// mutated under mu because inbound frames and provider events for the same
// connection can run concurrently.
type Connection struct {
	ID          string
	Identity    auth.Identity
	Language    string
	ConnectedAt time.Time

	client   ClientConn
	provider stt.StreamingSTT
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	providerOpen bool
	closeOnce    sync.Once
}

func newConnection(id string, identity auth.Identity, language string, client ClientConn, provider stt.StreamingSTT, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ID:          id,
		Identity:    identity,
		Language:    language,
		ConnectedAt: time.Now().UTC(),
		client:      client,
		provider:    provider,
		logger:      logger,
		state:       StateConnecting,
	}
}

// State returns the current lifecycle phase.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(to)
}

func (c *Connection) transitionLocked(to State) error {
	if !transitionValid(c.state, to) {
		return &InvalidTransitionError{From: c.state, To: to}
	}
	c.logger.Debug("connection_state_change",
		slog.String("connection_id", c.ID),
		slog.String("from", c.state.String()),
		slog.String("to", to.String()))
	c.state = to
	return nil
}

// acceptsAudio reports whether an inbound chunk may be forwarded.
func (c *Connection) acceptsAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen && c.providerOpen
}

// emit pushes an event to the client unless the connection is already
// terminal. Emission failures are logged, never fatal.
func (c *Connection) emit(ev ServerEvent) {
	c.mu.Lock()
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return
	}
	if err := c.client.Emit(ev); err != nil {
		c.logger.Warn("client_emit_failed",
			slog.String("connection_id", c.ID),
			slog.String("event", ev.Event),
			slog.String("error", err.Error()))
	}
}
