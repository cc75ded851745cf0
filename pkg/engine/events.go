package engine

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// EventKind tags the closed set of events a link produces.
type EventKind int

const (
	EventReady EventKind = iota
	EventStatus
	EventTrackStart
	EventTrackEnd
	EventTrackException
	EventVoiceClosed
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventStatus:
		return "status"
	case EventTrackStart:
		return "track_start"
	case EventTrackEnd:
		return "track_end"
	case EventTrackException:
		return "track_exception"
	case EventVoiceClosed:
		return "voice_closed"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a notification received on a link.
type Event interface {
	Kind() EventKind
}

// GuildEvent is an event addressed to one guild's player.
type GuildEvent interface {
	Event
	Guild() snowflake.ID
}

// EndReason explains why a track stopped.
type EndReason string

const (
	EndFinished EndReason = "finished"
	EndSkipped  EndReason = "skipped"
	EndErrored  EndReason = "errored"
	EndStopped  EndReason = "stopped"
	EndReplaced EndReason = "replaced"
	EndCleanup  EndReason = "cleanup"
)

func parseEndReason(s string) EndReason {
	switch s {
	case "finished":
		return EndFinished
	case "loadFailed":
		return EndErrored
	case "stopped":
		return EndStopped
	case "replaced":
		return EndReplaced
	case "cleanup":
		return EndCleanup
	default:
		return EndReason(s)
	}
}

// ReadyEvent is the engine's acknowledgment that the session is usable.
type ReadyEvent struct {
	SessionID string
	Resumed   bool
}

// StatusEvent is a periodic node statistics update.
type StatusEvent struct {
	Players        int
	PlayingPlayers int
	Uptime         time.Duration
}

// TrackStartEvent is emitted when a player starts a track.
type TrackStartEvent struct {
	GuildID     snowflake.ID
	Track       Track
	Correlation string
}

// TrackEndEvent is emitted when a player's track ends.
type TrackEndEvent struct {
	GuildID     snowflake.ID
	Track       Track
	Correlation string
	Reason      EndReason
}

// TrackExceptionEvent is emitted when a track fails during playback. Stuck
// tracks are reported as exceptions too.
type TrackExceptionEvent struct {
	GuildID     snowflake.ID
	Track       Track
	Correlation string
	Message     string
	Severity    string
	Cause       string
}

// VoiceClosedEvent means the engine's voice socket for a guild was closed.
type VoiceClosedEvent struct {
	GuildID  snowflake.ID
	Code     int
	Reason   string
	ByRemote bool
}

// ClosedEvent is the last event of a link.
type ClosedEvent struct {
	Code   int
	Reason string
}

func (ReadyEvent) Kind() EventKind          { return EventReady }
func (StatusEvent) Kind() EventKind         { return EventStatus }
func (TrackStartEvent) Kind() EventKind     { return EventTrackStart }
func (TrackEndEvent) Kind() EventKind       { return EventTrackEnd }
func (TrackExceptionEvent) Kind() EventKind { return EventTrackException }
func (VoiceClosedEvent) Kind() EventKind    { return EventVoiceClosed }
func (ClosedEvent) Kind() EventKind         { return EventClosed }

func (e TrackStartEvent) Guild() snowflake.ID     { return e.GuildID }
func (e TrackEndEvent) Guild() snowflake.ID       { return e.GuildID }
func (e TrackExceptionEvent) Guild() snowflake.ID { return e.GuildID }
func (e VoiceClosedEvent) Guild() snowflake.ID    { return e.GuildID }
