package player

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/disgoorg/snowflake/v2"

	"github.com/latoulicious/jockie/pkg/engine"
	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/metrics"
	"github.com/latoulicious/jockie/pkg/supervisor"
)

// Registry owns every guild session.
type Registry struct {
	cfg      Config
	engine   Engine
	voice    VoiceConnector
	logger   logging.Logger
	metrics  metrics.Recorder
	observer TrackObserver

	mu       sync.RWMutex
	sessions map[snowflake.ID]*Session

	dispatch map[engine.EventKind]func(context.Context, engine.Event)
}

// Option configures a Registry.
type Option func(*Registry)

// WithVoiceConnector sets the connector used to join and leave voice.
func WithVoiceConnector(v VoiceConnector) Option {
	return func(r *Registry) { r.voice = v }
}

// WithObserver sets the receiver of track lifecycle changes.
func WithObserver(o TrackObserver) Option {
	return func(r *Registry) { r.observer = o }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty registry backed by eng.
func NewRegistry(cfg Config, eng Engine, logger logging.Logger, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if eng == nil {
		return nil, errors.New("registry requires an engine")
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	r := &Registry{
		cfg:      cfg,
		engine:   eng,
		logger:   logger.With(logging.String("component", "player")),
		sessions: make(map[snowflake.ID]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.NewCollector(logger, nil)
	}

	r.dispatch = map[engine.EventKind]func(context.Context, engine.Event){
		engine.EventTrackStart:     r.onTrackStart,
		engine.EventTrackEnd:       r.onTrackEnd,
		engine.EventTrackException: r.onTrackException,
		engine.EventVoiceClosed:    r.onVoiceClosed,
	}
	return r, nil
}

// GetOrCreate returns the guild's session, creating it if needed. It fails
// while the engine is not Ready.
func (r *Registry) GetOrCreate(guildID snowflake.ID) (*Session, error) {
	if _, ok := r.engine.CurrentLink(); !ok {
		return nil, unavailable(r.engine)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[guildID]; ok {
		return s, nil
	}

	s := newSession(guildID, r.engine, r.cfg, r.logger, r.metrics, r.observer)
	r.sessions[guildID] = s
	r.metrics.RecordGauge("player_sessions", float64(len(r.sessions)), nil)
	r.logger.Info("Created guild session", logging.String("guild_id", guildID.String()))
	return s, nil
}

// Get looks up a session without creating one.
func (r *Registry) Get(guildID snowflake.ID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[guildID]
	return s, ok
}

// Remove tears down the guild's session: the queue is dropped, the engine
// player destroyed and the voice channel left. Removing an unknown guild is a
// no-op.
func (r *Registry) Remove(ctx context.Context, guildID snowflake.ID) error {
	r.mu.Lock()
	s, ok := r.sessions[guildID]
	delete(r.sessions, guildID)
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	s.close(ctx)
	r.metrics.RecordGauge("player_sessions", float64(count), nil)
	r.logger.Info("Removed guild session", logging.String("guild_id", guildID.String()))

	if r.voice != nil {
		if err := r.voice.Leave(ctx, guildID); err != nil {
			return fmt.Errorf("leave voice in guild %s: %w", guildID, err)
		}
	}
	return nil
}

// Close removes every session.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, s := range r.snapshot() {
		if err := r.Remove(ctx, s.guildID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// RegistryStats summarizes the sessions.
type RegistryStats struct {
	Sessions int
	Playing  int
	Queued   int
}

// Stats counts sessions, playing sessions and queued tracks.
func (r *Registry) Stats() RegistryStats {
	var st RegistryStats
	for _, s := range r.snapshot() {
		st.Sessions++
		if s.isPlaying() {
			st.Playing++
		}
		st.Queued += s.queueLength()
	}
	return st
}

// HandleEvent routes an engine event to the session of its guild. It is
// meant to be registered as the supervisor's event handler.
func (r *Registry) HandleEvent(ev engine.Event) {
	handle, ok := r.dispatch[ev.Kind()]
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
	defer cancel()
	handle(ctx, ev)
}

func (r *Registry) route(ev engine.GuildEvent) (*Session, bool) {
	s, ok := r.Get(ev.Guild())
	if !ok {
		r.logger.Debug("No session for engine event",
			logging.String("guild_id", ev.Guild().String()),
			logging.String("kind", ev.Kind().String()),
		)
	}
	return s, ok
}

func (r *Registry) onTrackStart(_ context.Context, ev engine.Event) {
	e := ev.(engine.TrackStartEvent)
	if s, ok := r.route(e); ok {
		s.onTrackStart(e)
	}
}

func (r *Registry) onTrackEnd(ctx context.Context, ev engine.Event) {
	e := ev.(engine.TrackEndEvent)
	if s, ok := r.route(e); ok {
		s.onTrackEnd(ctx, e)
	}
}

func (r *Registry) onTrackException(ctx context.Context, ev engine.Event) {
	e := ev.(engine.TrackExceptionEvent)
	r.metrics.RecordCounter("player_track_exceptions_total", 1, map[string]string{"severity": e.Severity})
	if s, ok := r.route(e); ok {
		s.onTrackException(ctx, e)
	}
}

func (r *Registry) onVoiceClosed(_ context.Context, ev engine.Event) {
	e := ev.(engine.VoiceClosedEvent)
	r.metrics.RecordCounter("player_voice_closed_total", 1, nil)
	r.logger.Warn("Engine voice connection closed",
		logging.String("guild_id", e.GuildID.String()),
		logging.Int("code", e.Code),
		logging.String("reason", e.Reason),
		logging.Bool("by_remote", e.ByRemote),
	)
}

// ResumeAll restarts playback in every session on the current link. It
// returns the number of sessions that resumed without error.
func (r *Registry) ResumeAll(ctx context.Context) int {
	resumed := 0
	for _, s := range r.snapshot() {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
		err := s.resume(cctx)
		cancel()
		if err != nil {
			r.logger.Warn("Failed to resume session",
				logging.String("guild_id", s.guildID.String()),
				logging.Error(err),
			)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		r.logger.Info("Resumed sessions after reconnect", logging.Int("sessions", resumed))
	}
	return resumed
}

// StartIdle starts the queue head in every session that has nothing playing.
// It returns the number of sessions that started a track.
func (r *Registry) StartIdle(ctx context.Context) int {
	started := 0
	for _, s := range r.snapshot() {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
		ok, err := s.startIdle(cctx)
		cancel()
		if err != nil {
			r.logger.Warn("Failed to start queued track",
				logging.String("guild_id", s.guildID.String()),
				logging.Error(err),
			)
			continue
		}
		if ok {
			started++
		}
	}
	if started > 0 {
		r.logger.Info("Started queued tracks after engine recovered", logging.Int("sessions", started))
	}
	return started
}

// WatchSupervisor resumes sessions each time the engine link comes back, and
// starts waiting queues when a degraded link recovers. It blocks until ctx is
// done or events is closed.
func (r *Registry) WatchSupervisor(ctx context.Context, events <-chan supervisor.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.To != supervisor.StateReady {
				continue
			}
			switch ev.From {
			case supervisor.StateConnecting:
				r.ResumeAll(ctx)
			case supervisor.StateDegraded:
				r.StartIdle(ctx)
			}
		}
	}
}

// joinVoice puts the bot in channelID unless it already is there. A session
// bound to another channel is not moved.
func (r *Registry) joinVoice(ctx context.Context, s *Session, channelID snowflake.ID) error {
	current := s.VoiceChannel()
	if current == channelID {
		return nil
	}
	if current != 0 {
		return &PlaybackError{Kind: WrongChannel, Detail: fmt.Sprintf("already in channel %s", current)}
	}
	if r.voice != nil {
		if err := r.voice.Join(ctx, s.guildID, channelID); err != nil {
			return fmt.Errorf("join voice channel %s: %w", channelID, err)
		}
	}
	s.setVoiceChannel(channelID)
	return nil
}
