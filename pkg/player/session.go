package player

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"

	"github.com/latoulicious/jockie/pkg/engine"
	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/metrics"
)

// Session is one guild's playback state. Commands and engine events for the
// guild are serialized on mu.
type Session struct {
	guildID  snowflake.ID
	engine   Engine
	cfg      Config
	logger   logging.Logger
	metrics  metrics.Recorder
	observer TrackObserver

	mu          sync.Mutex
	queue       []Item
	current     *Item
	correlation string
	skipping    bool
	// cleared marks the current play as removed by Clear; it is not repeated.
	cleared bool
	loop        LoopMode
	volume      int
	paused      bool
	voice       voiceState
	closed      bool
}

type voiceState struct {
	channelID snowflake.ID
	sessionID string
	token     string
	endpoint  string
}

func (v voiceState) complete() bool {
	return v.sessionID != "" && v.token != "" && v.endpoint != ""
}

// EnqueueResult describes what Enqueue did.
type EnqueueResult struct {
	Added int
	// Dropped counts tracks cut by the playlist limit.
	Dropped int
	// Position is the 1-based queue position of the first added track, or 0
	// if it started playing right away.
	Position int
	Started  *Item
}

func newSession(guildID snowflake.ID, eng Engine, cfg Config, logger logging.Logger, recorder metrics.Recorder, observer TrackObserver) *Session {
	return &Session{
		guildID:  guildID,
		engine:   eng,
		cfg:      cfg,
		logger:   logger.With(logging.String("guild_id", guildID.String())),
		metrics:  recorder,
		observer: observer,
		volume:   cfg.DefaultVolume,
	}
}

// GuildID returns the guild this session belongs to.
func (s *Session) GuildID() snowflake.ID {
	return s.guildID
}

func (s *Session) linkLocked() (engine.Link, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	link, ok := s.engine.CurrentLink()
	if !ok {
		return nil, unavailable(s.engine)
	}
	return link, nil
}

// sendFailed converts a failed command. Link failures are handed to the
// supervisor and surface as EngineUnavailable.
func (s *Session) sendFailed(link engine.Link, op string, err error) error {
	if engine.IsLinkFailure(err) {
		s.engine.ReportFailure(link, err)
		return &RegistryError{Kind: EngineUnavailable, Err: err}
	}
	if errors.Is(err, engine.ErrNotReady) {
		return &RegistryError{Kind: EngineUnavailable, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Enqueue appends items and starts playback if the session is idle. Lists
// longer than the playlist limit are truncated.
func (s *Session) Enqueue(ctx context.Context, items []Item) (EnqueueResult, error) {
	var res EnqueueResult
	if len(items) == 0 {
		return res, ErrSearchEmpty
	}
	if len(items) > s.cfg.MaxPlaylistTracks {
		res.Dropped = len(items) - s.cfg.MaxPlaylistTracks
		items = items[:s.cfg.MaxPlaylistTracks]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	link, err := s.linkLocked()
	if err != nil {
		return res, err
	}

	res.Added = len(items)
	res.Position = len(s.queue) + 1
	s.queue = append(s.queue, items...)
	s.metrics.RecordCounter("player_tracks_enqueued_total", int64(len(items)), nil)
	s.logger.Debug("Tracks enqueued", logging.Int("added", len(items)), logging.Int("queue_length", len(s.queue)))

	if s.current != nil {
		return res, nil
	}

	started, err := s.startNextLocked(ctx, link)
	if started != nil {
		res.Started = started
		res.Position--
	}
	return res, err
}

// startNextLocked plays the queue head. Tracks the engine refuses are dropped
// and the next one is tried. On a link failure the head stays current so it
// can be replayed after reconnecting.
func (s *Session) startNextLocked(ctx context.Context, link engine.Link) (*Item, error) {
	var lastErr error
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]

		err := s.playLocked(ctx, link, next, false)
		if err == nil {
			started := next
			return &started, nil
		}
		if IsUnavailable(err) {
			return nil, err
		}
		s.logger.Warn("Engine refused track, trying next",
			logging.String("title", next.Track.Title),
			logging.Error(err),
		)
		lastErr = err
	}
	return nil, lastErr
}

func (s *Session) playLocked(ctx context.Context, link engine.Link, item Item, paused bool) error {
	s.current = &item
	s.correlation = uuid.NewString()
	s.skipping = false
	s.cleared = false
	s.paused = paused

	volume := s.volume
	err := link.Send(ctx, s.guildID, engine.Play{
		Track:       item.Track,
		Correlation: s.correlation,
		Volume:      &volume,
		Paused:      paused,
	})
	if err == nil {
		s.metrics.RecordCounter("player_plays_total", 1, nil)
		s.logger.Info("Playing track",
			logging.String("title", item.Track.Title),
			logging.String("correlation", s.correlation),
		)
		return nil
	}

	err = s.sendFailed(link, "play", err)
	if IsUnavailable(err) {
		// stays current; replayed once the engine is back
		return err
	}
	s.current = nil
	s.correlation = ""
	return &PlaybackError{Kind: LoadFailed, Detail: item.Track.Title, Err: err}
}

// Skip stops the current track. The engine's end event advances the queue.
func (s *Session) Skip(ctx context.Context) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, err := s.linkLocked()
	if err != nil {
		return Item{}, err
	}
	if s.current == nil {
		return Item{}, ErrNothingPlaying
	}

	skipped := *s.current
	if err := link.Send(ctx, s.guildID, engine.Stop{}); err != nil {
		return skipped, s.sendFailed(link, "skip", err)
	}
	s.skipping = true
	s.metrics.RecordCounter("player_skips_total", 1, nil)
	return skipped, nil
}

// Pause pauses or resumes the current track.
func (s *Session) Pause(ctx context.Context, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, err := s.linkLocked()
	if err != nil {
		return err
	}
	if s.current == nil {
		return ErrNothingPlaying
	}
	if err := link.Send(ctx, s.guildID, engine.Pause{Paused: paused}); err != nil {
		return s.sendFailed(link, "pause", err)
	}
	s.paused = paused
	return nil
}

// SetVolume sets the volume, which must be within [MinVolume, MaxVolume].
// The value also applies to later tracks.
func (s *Session) SetVolume(ctx context.Context, volume int) error {
	if volume < MinVolume || volume > MaxVolume {
		return &PlaybackError{Kind: InvalidVolume, Detail: fmt.Sprintf("%d is outside [%d, %d]", volume, MinVolume, MaxVolume)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	link, err := s.linkLocked()
	if err != nil {
		return err
	}
	if s.current != nil {
		if err := link.Send(ctx, s.guildID, engine.SetVolume{Volume: volume}); err != nil {
			return s.sendFailed(link, "volume", err)
		}
	}
	s.volume = volume
	return nil
}

// Stop clears the queue and stops the current track.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, err := s.linkLocked()
	if err != nil {
		return err
	}
	if s.current != nil {
		if err := link.Send(ctx, s.guildID, engine.Stop{}); err != nil {
			return s.sendFailed(link, "stop", err)
		}
	}

	s.queue = nil
	s.current = nil
	s.correlation = ""
	s.skipping = false
	s.cleared = false
	s.paused = false
	return nil
}

// Clear empties the queue and leaves the current track playing. The current
// track is not repeated or put back by a loop mode once it ends. It returns
// the number of removed items.
func (s *Session) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	s.queue = nil
	if s.current != nil {
		s.cleared = true
	}
	return n
}

// Shuffle randomizes the queue order.
func (s *Session) Shuffle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return ErrQueueEmpty
	}
	rand.Shuffle(len(s.queue), func(i, j int) {
		s.queue[i], s.queue[j] = s.queue[j], s.queue[i]
	})
	return nil
}

// Remove deletes the item at a 1-based queue position.
func (s *Session) Remove(position int) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if position < 1 || position > len(s.queue) {
		return Item{}, &PlaybackError{Kind: InvalidPosition, Detail: fmt.Sprintf("%d (queue has %d)", position, len(s.queue))}
	}
	removed := s.queue[position-1]
	s.queue = append(s.queue[:position-1], s.queue[position:]...)
	return removed, nil
}

// SetLoop changes the loop mode.
func (s *Session) SetLoop(mode LoopMode) error {
	if mode < LoopOff || mode > LoopQueue {
		return ErrInvalidLoopMode
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop = mode
	return nil
}

// Loop returns the loop mode.
func (s *Session) Loop() LoopMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop
}

// NowPlaying returns the current item.
func (s *Session) NowPlaying() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Item{}, false
	}
	return *s.current, true
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		GuildID:      s.guildID,
		Queue:        append([]Item(nil), s.queue...),
		Loop:         s.loop,
		Volume:       s.volume,
		Paused:       s.paused,
		VoiceChannel: s.voice.channelID,
	}
	if s.current != nil {
		cur := *s.current
		snap.Current = &cur
	}
	return snap
}

// VoiceChannel returns the channel the bot is in for this guild, or 0.
func (s *Session) VoiceChannel() snowflake.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice.channelID
}

func (s *Session) setVoiceChannel(channelID snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voice.channelID = channelID
}

// SetVoiceState records the bot's own voice state for this guild. A zero
// channel means the bot left voice.
func (s *Session) SetVoiceState(ctx context.Context, channelID snowflake.ID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if channelID == 0 {
		s.voice = voiceState{}
		return nil
	}
	s.voice.channelID = channelID
	s.voice.sessionID = sessionID
	return s.syncVoiceLocked(ctx)
}

// SetVoiceServer records the voice server credentials and forwards them to
// the engine once the voice session id is known.
func (s *Session) SetVoiceServer(ctx context.Context, token, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.voice.token = token
	s.voice.endpoint = endpoint
	return s.syncVoiceLocked(ctx)
}

func (s *Session) syncVoiceLocked(ctx context.Context) error {
	if !s.voice.complete() {
		return nil
	}
	link, err := s.linkLocked()
	if err != nil {
		return err
	}
	return s.sendVoiceLocked(ctx, link)
}

func (s *Session) sendVoiceLocked(ctx context.Context, link engine.Link) error {
	err := link.Send(ctx, s.guildID, engine.VoiceUpdate{
		Token:     s.voice.token,
		Endpoint:  s.voice.endpoint,
		SessionID: s.voice.sessionID,
	})
	if err != nil {
		return s.sendFailed(link, "voice update", err)
	}
	return nil
}

// matchesLocked reports whether a track event belongs to the current play.
func (s *Session) matchesLocked(correlation string, track engine.Track) bool {
	if s.current == nil {
		return false
	}
	if correlation != "" {
		return correlation == s.correlation
	}
	return track.Encoded == s.current.Track.Encoded
}

func (s *Session) onTrackStart(ev engine.TrackStartEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.matchesLocked(ev.Correlation, ev.Track) {
		return
	}
	if s.observer != nil {
		s.observer.TrackStarted(s.guildID, *s.current)
	}
}

func (s *Session) onTrackEnd(ctx context.Context, ev engine.TrackEndEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.matchesLocked(ev.Correlation, ev.Track) {
		s.logger.Debug("Ignoring end of a track that is not current",
			logging.String("title", ev.Track.Title),
			logging.String("reason", string(ev.Reason)),
		)
		return
	}

	reason := ev.Reason
	if reason == engine.EndStopped && s.skipping {
		reason = engine.EndSkipped
	}
	s.finishLocked(ctx, reason)
}

func (s *Session) onTrackException(ctx context.Context, ev engine.TrackExceptionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.matchesLocked(ev.Correlation, ev.Track) {
		return
	}

	s.logger.Warn("Track failed during playback",
		logging.String("title", ev.Track.Title),
		logging.String("message", ev.Message),
		logging.String("severity", ev.Severity),
		logging.String("cause", ev.Cause),
	)
	s.finishLocked(ctx, engine.EndErrored)
}

// finishLocked applies the end of the current track and advances the queue
// for Finished, Skipped and Errored. Skipped and Errored tracks are never
// repeated, an Errored track is not put back in a looping queue, and neither
// is a track whose queue was cleared while it played.
func (s *Session) finishLocked(ctx context.Context, reason engine.EndReason) {
	finished := *s.current
	cleared := s.cleared
	s.current = nil
	s.correlation = ""
	s.skipping = false
	s.cleared = false
	s.paused = false

	s.metrics.RecordCounter("player_tracks_ended_total", 1, map[string]string{"reason": string(reason)})
	if s.observer != nil {
		s.observer.TrackEnded(s.guildID, finished, reason)
	}

	switch reason {
	case engine.EndFinished, engine.EndSkipped, engine.EndErrored:
	default:
		s.logger.Debug("Track ended without advancing", logging.String("reason", string(reason)))
		return
	}

	switch {
	case cleared:
	case s.loop == LoopTrack && reason == engine.EndFinished:
		s.queue = append([]Item{finished}, s.queue...)
	case s.loop == LoopQueue && reason != engine.EndErrored:
		s.queue = append(s.queue, finished)
	}

	if len(s.queue) == 0 {
		s.logger.Debug("Queue finished, session idle")
		return
	}

	link, ok := s.engine.CurrentLink()
	if !ok {
		s.logger.Info("Engine unavailable, next track waits for reconnect", logging.Int("queue_length", len(s.queue)))
		return
	}
	if _, err := s.startNextLocked(ctx, link); err != nil {
		s.logger.Warn("Auto-advance failed", logging.Error(err))
	}
}

// resume re-sends voice state and restarts playback on a new link.
func (s *Session) resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, err := s.linkLocked()
	if err != nil {
		return err
	}
	if s.voice.complete() {
		if err := s.sendVoiceLocked(ctx, link); err != nil {
			return err
		}
	}

	switch {
	case s.current != nil:
		return s.playLocked(ctx, link, *s.current, s.paused)
	case len(s.queue) > 0:
		_, err := s.startNextLocked(ctx, link)
		return err
	}
	return nil
}

// startIdle plays the queue head if nothing is playing. It covers a track
// that ended while the engine was briefly unavailable on the same link.
func (s *Session) startIdle(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.current != nil || len(s.queue) == 0 {
		return false, nil
	}
	link, err := s.linkLocked()
	if err != nil {
		return false, err
	}
	if _, err := s.startNextLocked(ctx, link); err != nil {
		return false, err
	}
	return true, nil
}

// close tears the session down. Later commands fail with SessionClosed and
// late engine events are ignored.
func (s *Session) close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	s.current = nil
	s.correlation = ""
	s.voice = voiceState{}

	link, ok := s.engine.CurrentLink()
	if !ok {
		return
	}
	if err := link.Send(ctx, s.guildID, engine.Destroy{}); err != nil {
		s.logger.Debug("Failed to destroy engine player", logging.Error(err))
		if engine.IsLinkFailure(err) {
			s.engine.ReportFailure(link, err)
		}
	}
}

func (s *Session) isPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *Session) queueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
