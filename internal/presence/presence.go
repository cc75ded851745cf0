// Package presence keeps the bot's Discord status in line with the music
// server connection and what is playing.
package presence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"

	"github.com/latoulicious/jockie/pkg/engine"
	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/player"
	"github.com/latoulicious/jockie/pkg/supervisor"
)

// Updater is the part of a discordgo session that sets the status.
type Updater interface {
	UpdateStatusComplex(usd discordgo.UpdateStatusData) error
}

// GuildCounter reports how many servers the bot is in.
type GuildCounter func() int

// SessionGuilds counts the guilds in a session's state cache.
func SessionGuilds(s *discordgo.Session) GuildCounter {
	return func() int {
		if s.State == nil {
			return 0
		}
		s.State.RLock()
		defer s.State.RUnlock()
		return len(s.State.Guilds)
	}
}

const refreshInterval = 5 * time.Minute

type trackNote struct {
	guildID snowflake.ID
	title   string
	started bool
}

// Manager manages the bot's presence. It implements player.TrackObserver.
type Manager struct {
	updater Updater
	guilds  GuildCounter
	status  string
	logger  logging.Logger

	notes chan trackNote

	mu      sync.Mutex
	state   supervisor.State
	playing map[snowflake.ID]string
	latest  snowflake.ID
	applied string
}

var _ player.TrackObserver = (*Manager)(nil)

// NewManager creates a presence manager. status is shown while idle.
func NewManager(updater Updater, guilds GuildCounter, status string, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if guilds == nil {
		guilds = func() int { return 0 }
	}
	return &Manager{
		updater: updater,
		guilds:  guilds,
		status:  status,
		logger:  logger.With(logging.String("component", "presence")),
		notes:   make(chan trackNote, 64),
		state:   supervisor.StateDisconnected,
		playing: make(map[snowflake.ID]string),
	}
}

// TrackStarted records a track start. It never blocks.
func (m *Manager) TrackStarted(guildID snowflake.ID, item player.Item) {
	m.note(trackNote{guildID: guildID, title: item.Track.Title, started: true})
}

// TrackEnded records a track end. It never blocks.
func (m *Manager) TrackEnded(guildID snowflake.ID, _ player.Item, _ engine.EndReason) {
	m.note(trackNote{guildID: guildID})
}

func (m *Manager) note(n trackNote) {
	select {
	case m.notes <- n:
	default:
	}
}

// Run applies presence changes until ctx is done. Supervisor transitions
// come from events; a nil channel is allowed.
func (m *Manager) Run(ctx context.Context, events <-chan supervisor.Event) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	m.Refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.mu.Lock()
			m.state = ev.To
			m.mu.Unlock()
			m.Refresh()
		case n := <-m.notes:
			m.apply(n)
			m.Refresh()
		case <-ticker.C:
			m.mu.Lock()
			m.applied = ""
			m.mu.Unlock()
			m.Refresh()
		}
	}
}

func (m *Manager) apply(n trackNote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.started {
		m.playing[n.guildID] = n.title
		m.latest = n.guildID
		return
	}
	delete(m.playing, n.guildID)
}

// Refresh pushes the current presence if it changed.
func (m *Manager) Refresh() {
	data, key := m.build()

	m.mu.Lock()
	if key == m.applied {
		m.mu.Unlock()
		return
	}
	m.applied = key
	m.mu.Unlock()

	if err := m.updater.UpdateStatusComplex(data); err != nil {
		m.logger.Warn("Failed to update bot presence", logging.Error(err))
		m.mu.Lock()
		m.applied = ""
		m.mu.Unlock()
	}
}

func (m *Manager) build() (discordgo.UpdateStatusData, string) {
	m.mu.Lock()
	state := m.state
	title, playing := m.playing[m.latest]
	if !playing {
		for guildID, t := range m.playing {
			m.latest, title, playing = guildID, t, true
			break
		}
	}
	m.mu.Unlock()

	switch {
	case state != supervisor.StateReady:
		return discordgo.UpdateStatusData{
			Status: string(discordgo.StatusIdle),
			Activities: []*discordgo.Activity{{
				Name: "music server " + state.String(),
				Type: discordgo.ActivityTypeWatching,
			}},
		}, "engine:" + state.String()
	case playing:
		return discordgo.UpdateStatusData{
			Status: string(discordgo.StatusOnline),
			Activities: []*discordgo.Activity{{
				Name: title,
				Type: discordgo.ActivityTypeListening,
			}},
		}, "music:" + title
	default:
		guilds := strconv.Itoa(m.guilds())
		return discordgo.UpdateStatusData{
			Status: string(discordgo.StatusOnline),
			Activities: []*discordgo.Activity{{
				Name:  m.status,
				Type:  discordgo.ActivityTypeWatching,
				State: "in " + guilds + " servers",
			}},
		}, "default:" + guilds
	}
}
