package supervisor

import (
	"errors"
	"time"

	"github.com/latoulicious/jockie/pkg/engine"
)

// State is the lifecycle state of the engine connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateDegraded
	StateReconnectWait
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateReconnectWait:
		return "reconnect_wait"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Event describes one state transition.
type Event struct {
	From    State
	To      State
	Attempt int
	// Delay is the backoff before the next connect, set on ReconnectWait.
	Delay  time.Duration
	Reason string
	Err    error
	LinkID string
	At     time.Time
}

// Status is a consistent snapshot of the supervisor.
type Status struct {
	State             State
	Attempt           int
	LinkID            string
	SessionID         string
	KeepaliveFailures int
	Since             time.Time
}

// EventHandler receives engine events from the current link.
type EventHandler func(engine.Event)

var (
	ErrNotStarted            = errors.New("supervisor not started")
	ErrClosed                = errors.New("supervisor closed")
	ErrReconnectInProgress   = errors.New("connect already in progress")
	errClosedBeforeReady     = errors.New("link closed before ready acknowledgment")
	errKeepaliveThreshold    = errors.New("keepalive failure threshold reached")
	errEventStreamTerminated = errors.New("engine event stream ended")
)

type lossNotice struct {
	gen    uint64
	reason string
	err    error
}
