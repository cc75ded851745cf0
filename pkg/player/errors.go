package player

import (
	"errors"
	"fmt"
)

// RegistryErrorKind classifies why a guild session could not be served.
type RegistryErrorKind int

const (
	// EngineUnavailable means the engine link is not Ready; the supervisor
	// is still retrying.
	EngineUnavailable RegistryErrorKind = iota
	// ReconnectAbandoned means the supervisor gave up and needs an operator
	// to force a reconnect.
	ReconnectAbandoned
	// SessionClosed means the session was removed while the call was running.
	SessionClosed
)

func (k RegistryErrorKind) String() string {
	switch k {
	case EngineUnavailable:
		return "engine_unavailable"
	case ReconnectAbandoned:
		return "reconnect_abandoned"
	case SessionClosed:
		return "session_closed"
	default:
		return "unknown"
	}
}

// RegistryError is returned when a command cannot reach the engine.
type RegistryError struct {
	Kind RegistryErrorKind
	Err  error
}

func (e *RegistryError) Error() string {
	if e.Err == nil {
		return "player: " + e.Kind.String()
	}
	return fmt.Sprintf("player: %s: %v", e.Kind, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// Is matches any RegistryError of the same kind.
func (e *RegistryError) Is(target error) bool {
	t, ok := target.(*RegistryError)
	return ok && t.Kind == e.Kind
}

// PlaybackErrorKind classifies user-facing playback failures.
type PlaybackErrorKind int

const (
	NothingPlaying PlaybackErrorKind = iota
	InvalidVolume
	SearchEmpty
	LoadFailed
	InvalidPosition
	QueueEmpty
	NotInVoice
	WrongChannel
	InvalidLoopMode
)

func (k PlaybackErrorKind) String() string {
	switch k {
	case NothingPlaying:
		return "nothing_playing"
	case InvalidVolume:
		return "invalid_volume"
	case SearchEmpty:
		return "search_empty"
	case LoadFailed:
		return "load_failed"
	case InvalidPosition:
		return "invalid_position"
	case QueueEmpty:
		return "queue_empty"
	case NotInVoice:
		return "not_in_voice"
	case WrongChannel:
		return "wrong_channel"
	case InvalidLoopMode:
		return "invalid_loop_mode"
	default:
		return "unknown"
	}
}

// PlaybackError is returned to the caller for user-facing messaging.
type PlaybackError struct {
	Kind   PlaybackErrorKind
	Detail string
	Err    error
}

func (e *PlaybackError) Error() string {
	msg := "playback: " + e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// Is matches any PlaybackError of the same kind.
func (e *PlaybackError) Is(target error) bool {
	t, ok := target.(*PlaybackError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrEngineUnavailable  = &RegistryError{Kind: EngineUnavailable}
	ErrReconnectAbandoned = &RegistryError{Kind: ReconnectAbandoned}
	ErrSessionClosed      = &RegistryError{Kind: SessionClosed}

	ErrNothingPlaying  = &PlaybackError{Kind: NothingPlaying}
	ErrInvalidVolume   = &PlaybackError{Kind: InvalidVolume}
	ErrSearchEmpty     = &PlaybackError{Kind: SearchEmpty}
	ErrLoadFailed      = &PlaybackError{Kind: LoadFailed}
	ErrInvalidPosition = &PlaybackError{Kind: InvalidPosition}
	ErrQueueEmpty      = &PlaybackError{Kind: QueueEmpty}
	ErrNotInVoice      = &PlaybackError{Kind: NotInVoice}
	ErrWrongChannel    = &PlaybackError{Kind: WrongChannel}
	ErrInvalidLoopMode = &PlaybackError{Kind: InvalidLoopMode}
)

// IsUnavailable reports whether err means the engine cannot be used right
// now, for either reason.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrEngineUnavailable) || errors.Is(err, ErrReconnectAbandoned)
}
