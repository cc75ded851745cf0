package player

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/latoulicious/jockie/pkg/engine"
	"github.com/latoulicious/jockie/pkg/supervisor"
)

// LoopMode selects what happens when a track finishes.
type LoopMode int

const (
	LoopOff LoopMode = iota
	LoopTrack
	LoopQueue
)

func (m LoopMode) String() string {
	switch m {
	case LoopOff:
		return "off"
	case LoopTrack:
		return "track"
	case LoopQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// ParseLoopMode accepts off, track (or song) and queue.
func ParseLoopMode(s string) (LoopMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none":
		return LoopOff, nil
	case "track", "song":
		return LoopTrack, nil
	case "queue", "all":
		return LoopQueue, nil
	default:
		return LoopOff, &PlaybackError{Kind: InvalidLoopMode, Detail: fmt.Sprintf("%q (use off, track or queue)", s)}
	}
}

// Item is a queued track and who asked for it.
type Item struct {
	Track       engine.Track
	RequestedBy snowflake.ID
	AddedAt     time.Time
}

// Snapshot is a copy of a session's state.
type Snapshot struct {
	GuildID      snowflake.ID
	Current      *Item
	Queue        []Item
	Loop         LoopMode
	Volume       int
	Paused       bool
	VoiceChannel snowflake.ID
}

// Engine is the part of the supervisor that sessions use. Sessions fetch the
// link for every command and never keep it.
type Engine interface {
	Status() supervisor.Status
	CurrentLink() (engine.Link, bool)
	ReportFailure(link engine.Link, err error)
	ForceReconnect() error
}

// VoiceConnector joins and leaves voice channels on the chat platform.
type VoiceConnector interface {
	Join(ctx context.Context, guildID, channelID snowflake.ID) error
	Leave(ctx context.Context, guildID snowflake.ID) error
}

// TrackObserver is told about track lifecycle changes, e.g. to keep history.
type TrackObserver interface {
	TrackStarted(guildID snowflake.ID, item Item)
	TrackEnded(guildID snowflake.ID, item Item, reason engine.EndReason)
}

// Observers fans notifications out to several observers in order. They are
// called with the session lock held and must not block.
type Observers []TrackObserver

func (o Observers) TrackStarted(guildID snowflake.ID, item Item) {
	for _, obs := range o {
		obs.TrackStarted(guildID, item)
	}
}

func (o Observers) TrackEnded(guildID snowflake.ID, item Item, reason engine.EndReason) {
	for _, obs := range o {
		obs.TrackEnded(guildID, item, reason)
	}
}

// Config holds playback limits.
type Config struct {
	MaxPlaylistTracks int           `env:"MAX_PLAYLIST_TRACKS" envDefault:"50"`
	SearchPrefix      string        `env:"SEARCH_PREFIX" envDefault:"ytsearch:"`
	QueuePreview      int           `env:"QUEUE_PREVIEW" envDefault:"10"`
	DefaultVolume     int           `env:"DEFAULT_VOLUME" envDefault:"100"`
	CommandTimeout    time.Duration `env:"COMMAND_TIMEOUT" envDefault:"10s"`
}

// DefaultConfig returns the defaults used by the bot.
func DefaultConfig() Config {
	return Config{
		MaxPlaylistTracks: 50,
		SearchPrefix:      "ytsearch:",
		QueuePreview:      10,
		DefaultVolume:     100,
		CommandTimeout:    10 * time.Second,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []string
	if c.MaxPlaylistTracks < 1 {
		errs = append(errs, "max_playlist_tracks must be at least 1")
	}
	if c.QueuePreview < 1 {
		errs = append(errs, "queue_preview must be at least 1")
	}
	if c.DefaultVolume < MinVolume || c.DefaultVolume > MaxVolume {
		errs = append(errs, fmt.Sprintf("default_volume must be within [%d, %d]", MinVolume, MaxVolume))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, "command_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("player config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Volume bounds, inclusive.
const (
	MinVolume = 0
	MaxVolume = 200
)

func unavailable(eng Engine) error {
	if eng.Status().State == supervisor.StateExhausted {
		return ErrReconnectAbandoned
	}
	return ErrEngineUnavailable
}
