package engine

import (
	"errors"
	"fmt"
)

// ConnectErrorKind classifies why a link could not be established.
type ConnectErrorKind int

const (
	ConnectTimeout ConnectErrorKind = iota
	ConnectAuthRejected
	ConnectUnreachable
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectTimeout:
		return "timeout"
	case ConnectAuthRejected:
		return "auth_rejected"
	case ConnectUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ConnectError is returned when dialing the engine or waiting for its ready
// acknowledgment fails.
type ConnectError struct {
	Kind    ConnectErrorKind
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	msg := "engine connect"
	if e.Address != "" {
		msg += " " + e.Address
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", msg, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", msg, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is matches any ConnectError of the same kind.
func (e *ConnectError) Is(target error) bool {
	t, ok := target.(*ConnectError)
	return ok && t.Kind == e.Kind
}

// LinkErrorKind classifies command dispatch failures.
type LinkErrorKind int

const (
	LinkNotReady LinkErrorKind = iota
	LinkTransportClosed
)

func (k LinkErrorKind) String() string {
	switch k {
	case LinkNotReady:
		return "not_ready"
	case LinkTransportClosed:
		return "transport_closed"
	default:
		return "unknown"
	}
}

// LinkError is returned when a command cannot be delivered on a link.
type LinkError struct {
	Kind LinkErrorKind
	Op   string
	Err  error
}

func (e *LinkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("engine %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Is matches any LinkError of the same kind.
func (e *LinkError) Is(target error) bool {
	t, ok := target.(*LinkError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrConnectTimeout   = &ConnectError{Kind: ConnectTimeout}
	ErrAuthRejected     = &ConnectError{Kind: ConnectAuthRejected}
	ErrUnreachable      = &ConnectError{Kind: ConnectUnreachable}
	ErrNotReady         = &LinkError{Kind: LinkNotReady}
	ErrTransportClosed  = &LinkError{Kind: LinkTransportClosed}
	ErrUnsupportedFrame = errors.New("unsupported engine frame")
)

// EngineError is a non-2xx reply from the engine's REST API. The link itself
// is still usable.
type EngineError struct {
	Status  int
	Message string
	Path    string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine replied %d on %s: %s", e.Status, e.Path, e.Message)
}

// IsLinkFailure reports whether err means the link carrying it is gone.
func IsLinkFailure(err error) bool {
	return errors.Is(err, ErrTransportClosed)
}
