package player

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/latoulicious/jockie/pkg/engine"
	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/supervisor"
)

// Controller is the entry point for chat commands. Every method returns a
// value for the presentation layer or a typed error.
type Controller struct {
	registry *Registry
	cfg      Config
	logger   logging.Logger
}

// NewController creates a controller over registry.
func NewController(registry *Registry, logger logging.Logger) *Controller {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Controller{
		registry: registry,
		cfg:      registry.cfg,
		logger:   logger.With(logging.String("component", "controller")),
	}
}

// PlayRequest is a play command from a user.
type PlayRequest struct {
	GuildID        snowflake.ID
	VoiceChannelID snowflake.ID
	RequestedBy    snowflake.ID
	Query          string
}

// PlayResult is what a play command did.
type PlayResult struct {
	Tracks       []engine.Track
	PlaylistName string
	EnqueueResult
}

// QueueView is the visible part of a queue.
type QueueView struct {
	Current  *Item
	Upcoming []Item
	Total    int
	Loop     LoopMode
	Volume   int
	Paused   bool
}

// Stats is the admin overview.
type Stats struct {
	RegistryStats
	Engine supervisor.Status
}

// Play resolves the query, joins the caller's voice channel and queues the
// result. Queries that are not URLs are searched with the configured prefix
// and only the first hit is used.
func (c *Controller) Play(ctx context.Context, req PlayRequest) (PlayResult, error) {
	var res PlayResult

	if req.VoiceChannelID == 0 {
		return res, ErrNotInVoice
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return res, &PlaybackError{Kind: SearchEmpty, Detail: "empty query"}
	}

	s, err := c.registry.GetOrCreate(req.GuildID)
	if err != nil {
		return res, err
	}
	if err := c.registry.joinVoice(ctx, s, req.VoiceChannelID); err != nil {
		return res, err
	}

	loaded, err := c.resolve(ctx, query)
	if err != nil {
		return res, err
	}

	tracks := loaded.Tracks
	if loaded.Type == engine.LoadSearch {
		tracks = tracks[:1]
	}
	now := time.Now()
	items := make([]Item, 0, len(tracks))
	for _, t := range tracks {
		items = append(items, Item{Track: t, RequestedBy: req.RequestedBy, AddedAt: now})
	}

	res.EnqueueResult, err = s.Enqueue(ctx, items)
	res.PlaylistName = loaded.PlaylistName
	res.Tracks = tracks[:res.Added]
	if err != nil {
		return res, err
	}

	c.logger.Info("Play command handled",
		logging.String("guild_id", req.GuildID.String()),
		logging.String("query", query),
		logging.Int("added", res.Added),
		logging.Bool("started", res.Started != nil),
	)
	return res, nil
}

func (c *Controller) resolve(ctx context.Context, query string) (*engine.LoadResult, error) {
	link, ok := c.registry.engine.CurrentLink()
	if !ok {
		return nil, unavailable(c.registry.engine)
	}

	identifier := query
	if !isURL(query) {
		identifier = c.cfg.SearchPrefix + query
	}

	loaded, err := link.LoadTracks(ctx, identifier)
	if err != nil {
		if engine.IsLinkFailure(err) {
			c.registry.engine.ReportFailure(link, err)
			return nil, &RegistryError{Kind: EngineUnavailable, Err: err}
		}
		return nil, &PlaybackError{Kind: LoadFailed, Detail: query, Err: err}
	}

	switch loaded.Type {
	case engine.LoadEmpty:
		return nil, &PlaybackError{Kind: SearchEmpty, Detail: query}
	case engine.LoadError:
		return nil, &PlaybackError{Kind: LoadFailed, Detail: loaded.Message}
	}
	if len(loaded.Tracks) == 0 {
		return nil, &PlaybackError{Kind: SearchEmpty, Detail: query}
	}
	return loaded, nil
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// session returns the guild's existing session, checking the engine first.
func (c *Controller) session(guildID snowflake.ID) (*Session, error) {
	if _, ok := c.registry.engine.CurrentLink(); !ok {
		return nil, unavailable(c.registry.engine)
	}
	s, ok := c.registry.Get(guildID)
	if !ok {
		return nil, ErrNothingPlaying
	}
	return s, nil
}

// Skip skips the current track.
func (c *Controller) Skip(ctx context.Context, guildID snowflake.ID) (Item, error) {
	s, err := c.session(guildID)
	if err != nil {
		return Item{}, err
	}
	return s.Skip(ctx)
}

// Pause pauses or resumes playback.
func (c *Controller) Pause(ctx context.Context, guildID snowflake.ID, paused bool) error {
	s, err := c.session(guildID)
	if err != nil {
		return err
	}
	return s.Pause(ctx, paused)
}

// Stop clears the queue and stops playback.
func (c *Controller) Stop(ctx context.Context, guildID snowflake.ID) error {
	s, err := c.session(guildID)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

// Leave removes the guild's session and leaves voice.
func (c *Controller) Leave(ctx context.Context, guildID snowflake.ID) error {
	if _, ok := c.registry.Get(guildID); !ok {
		return ErrNothingPlaying
	}
	return c.registry.Remove(ctx, guildID)
}

// SetVolume sets the playback volume.
func (c *Controller) SetVolume(ctx context.Context, guildID snowflake.ID, volume int) error {
	if volume < MinVolume || volume > MaxVolume {
		return ErrInvalidVolume
	}
	s, err := c.session(guildID)
	if err != nil {
		return err
	}
	return s.SetVolume(ctx, volume)
}

// ShowQueue returns the current track and the first queued items.
func (c *Controller) ShowQueue(guildID snowflake.ID) QueueView {
	s, ok := c.registry.Get(guildID)
	if !ok {
		return QueueView{Volume: c.cfg.DefaultVolume}
	}

	snap := s.Snapshot()
	view := QueueView{
		Current: snap.Current,
		Total:   len(snap.Queue),
		Loop:    snap.Loop,
		Volume:  snap.Volume,
		Paused:  snap.Paused,
	}
	n := len(snap.Queue)
	if n > c.cfg.QueuePreview {
		n = c.cfg.QueuePreview
	}
	view.Upcoming = snap.Queue[:n]
	return view
}

// SetLoop changes the loop mode.
func (c *Controller) SetLoop(guildID snowflake.ID, mode LoopMode) error {
	s, ok := c.registry.Get(guildID)
	if !ok {
		return ErrNothingPlaying
	}
	return s.SetLoop(mode)
}

// Loop returns the loop mode.
func (c *Controller) Loop(guildID snowflake.ID) (LoopMode, error) {
	s, ok := c.registry.Get(guildID)
	if !ok {
		return LoopOff, ErrNothingPlaying
	}
	return s.Loop(), nil
}

// NowPlaying returns the current item.
func (c *Controller) NowPlaying(guildID snowflake.ID) (Item, error) {
	s, ok := c.registry.Get(guildID)
	if !ok {
		return Item{}, ErrNothingPlaying
	}
	item, ok := s.NowPlaying()
	if !ok {
		return Item{}, ErrNothingPlaying
	}
	return item, nil
}

// Clear empties the queue.
func (c *Controller) Clear(guildID snowflake.ID) (int, error) {
	s, ok := c.registry.Get(guildID)
	if !ok {
		return 0, ErrQueueEmpty
	}
	n := s.Clear()
	if n == 0 {
		return 0, ErrQueueEmpty
	}
	return n, nil
}

// Shuffle randomizes the queue.
func (c *Controller) Shuffle(guildID snowflake.ID) error {
	s, ok := c.registry.Get(guildID)
	if !ok {
		return ErrQueueEmpty
	}
	return s.Shuffle()
}

// Remove deletes the queued item at a 1-based position.
func (c *Controller) Remove(guildID snowflake.ID, position int) (Item, error) {
	s, ok := c.registry.Get(guildID)
	if !ok {
		return Item{}, ErrQueueEmpty
	}
	return s.Remove(position)
}

// Stats returns session counts and the engine connection status.
func (c *Controller) Stats() Stats {
	return Stats{
		RegistryStats: c.registry.Stats(),
		Engine:        c.registry.engine.Status(),
	}
}

// Available reports whether the engine can take commands.
func (c *Controller) Available() bool {
	_, ok := c.registry.engine.CurrentLink()
	return ok
}

// Reconnect forces the supervisor to reconnect. It is the way out of an
// abandoned reconnect.
func (c *Controller) Reconnect() error {
	c.logger.Info("Operator requested engine reconnect")
	return c.registry.engine.ForceReconnect()
}
