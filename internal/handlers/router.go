// Package handlers turns Discord gateway events into player commands and
// renders the results back as chat replies.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"

	"github.com/latoulicious/jockie/pkg/database"
	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/player"
	"github.com/latoulicious/jockie/pkg/scrapper"
)

// Request is one command invocation, independent of whether it came from a
// prefixed message or a slash command.
type Request struct {
	GuildID        snowflake.ID
	ChannelID      snowflake.ID
	UserID         snowflake.ID
	VoiceChannelID snowflake.ID
}

// Reply is what gets sent back to the channel.
type Reply struct {
	Content string
	Embed   *discordgo.MessageEmbed
}

// History is the playback journal as seen by the history command.
type History interface {
	RecentHistory(ctx context.Context, guildID snowflake.ID, limit int) ([]database.PlaybackEntry, error)
}

// Lyrics looks up song lyrics.
type Lyrics interface {
	SearchLyrics(ctx context.Context, query string) (*scrapper.LyricsResult, error)
}

type commandFunc func(ctx context.Context, req Request, args []string) Reply

type command struct {
	name        string
	aliases     []string
	usage       string
	description string
	ownerOnly   bool
	run         commandFunc
}

// Router maps command names to player operations.
type Router struct {
	controller *player.Controller
	history    History
	lyrics     Lyrics
	prefix     string
	ownerID    snowflake.ID
	timeout    time.Duration
	logger     logging.Logger

	commands []*command
	byName   map[string]*command
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithHistory enables the history command.
func WithHistory(h History) RouterOption {
	return func(r *Router) { r.history = h }
}

// WithLyrics enables the lyrics command.
func WithLyrics(l Lyrics) RouterOption {
	return func(r *Router) { r.lyrics = l }
}

// WithOwner sets the user allowed to run operator commands.
func WithOwner(id snowflake.ID) RouterOption {
	return func(r *Router) { r.ownerID = id }
}

// WithTimeout bounds each command.
func WithTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.timeout = d }
}

// NewRouter creates a router for commands starting with prefix.
func NewRouter(controller *player.Controller, prefix string, logger logging.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	r := &Router{
		controller: controller,
		prefix:     prefix,
		timeout:    15 * time.Second,
		logger:     logger.With(logging.String("component", "handlers")),
		byName:     make(map[string]*command),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.register()
	return r
}

func (r *Router) register() {
	r.commands = []*command{
		{name: "play", aliases: []string{"p"}, usage: "<url or search>", description: "Play a track or playlist, or search and play the first hit", run: r.play},
		{name: "skip", aliases: []string{"s", "next"}, description: "Skip the current track", run: r.skip},
		{name: "pause", description: "Pause playback", run: r.pause},
		{name: "resume", aliases: []string{"unpause"}, description: "Resume playback", run: r.resume},
		{name: "stop", description: "Stop playback and clear the queue", run: r.stop},
		{name: "leave", aliases: []string{"dc", "disconnect"}, description: "Stop and leave the voice channel", run: r.leave},
		{name: "volume", aliases: []string{"vol"}, usage: "[0-200]", description: "Show or set the volume", run: r.volume},
		{name: "queue", aliases: []string{"q"}, description: "Show the queue", run: r.queue},
		{name: "nowplaying", aliases: []string{"np"}, description: "Show the current track", run: r.nowPlaying},
		{name: "loop", usage: "[off|track|queue]", description: "Show or set the loop mode", run: r.loop},
		{name: "clear", description: "Remove every queued track", run: r.clear},
		{name: "shuffle", description: "Shuffle the queue", run: r.shuffle},
		{name: "remove", aliases: []string{"rm"}, usage: "<position>", description: "Remove a queued track", run: r.remove},
		{name: "lyrics", aliases: []string{"ly"}, usage: "[song]", description: "Show lyrics for a song or the current track", run: r.songLyrics},
		{name: "history", usage: "[count]", description: "Show recently played tracks", run: r.recent},
		{name: "stats", description: "Show sessions and music server status", run: r.stats},
		{name: "reconnect", description: "Reconnect to the music server", ownerOnly: true, run: r.reconnect},
		{name: "help", aliases: []string{"h"}, description: "Show this help", run: r.help},
	}
	for _, c := range r.commands {
		r.byName[c.name] = c
		for _, a := range c.aliases {
			r.byName[a] = c
		}
	}
}

// Parse splits a prefixed message into a command name and its arguments. It
// returns ok=false if content is not a command.
func (r *Router) Parse(content string) (name string, args []string, ok bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, r.prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, r.prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// Known reports whether name is a command or alias.
func (r *Router) Known(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Execute runs a command and returns the reply.
func (r *Router) Execute(ctx context.Context, req Request, name string, args []string) Reply {
	cmd, ok := r.byName[name]
	if !ok {
		return Reply{Content: fmt.Sprintf("Unknown command. Try `%shelp`.", r.prefix)}
	}
	if cmd.ownerOnly {
		if r.ownerID == 0 {
			return Reply{Content: "❌ Bot owner ID not configured."}
		}
		if req.UserID != r.ownerID {
			return Reply{Content: "❌ You don't have permission to use this command."}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	reply := cmd.run(ctx, req, args)
	r.logger.Debug("Command executed",
		logging.String("command", cmd.name),
		logging.String("guild_id", req.GuildID.String()),
		logging.String("user_id", req.UserID.String()),
		logging.Duration("duration", time.Since(start)),
	)
	return reply
}

func (r *Router) fail(cmd string, req Request, err error) Reply {
	if !isUserError(err) {
		r.logger.Error("Command failed",
			logging.String("command", cmd),
			logging.String("guild_id", req.GuildID.String()),
			logging.Error(err),
		)
	}
	return Reply{Content: "❌ " + userMessage(err, r.prefix)}
}

func (r *Router) play(ctx context.Context, req Request, args []string) Reply {
	if len(args) == 0 {
		return Reply{Content: fmt.Sprintf("Usage: `%splay <url or search>`", r.prefix)}
	}
	res, err := r.controller.Play(ctx, player.PlayRequest{
		GuildID:        req.GuildID,
		VoiceChannelID: req.VoiceChannelID,
		RequestedBy:    req.UserID,
		Query:          strings.Join(args, " "),
	})
	if err != nil && res.Added == 0 {
		return r.fail("play", req, err)
	}
	reply := Reply{Content: playSummary(res)}
	if err != nil {
		reply.Content += "\n⚠️ " + userMessage(err, r.prefix)
	}
	return reply
}

func (r *Router) skip(ctx context.Context, req Request, _ []string) Reply {
	item, err := r.controller.Skip(ctx, req.GuildID)
	if err != nil {
		return r.fail("skip", req, err)
	}
	return Reply{Content: fmt.Sprintf("⏭️ Skipped **%s**", item.Track.Title)}
}

func (r *Router) pause(ctx context.Context, req Request, _ []string) Reply {
	if err := r.controller.Pause(ctx, req.GuildID, true); err != nil {
		return r.fail("pause", req, err)
	}
	return Reply{Content: "⏸️ Paused."}
}

func (r *Router) resume(ctx context.Context, req Request, _ []string) Reply {
	if err := r.controller.Pause(ctx, req.GuildID, false); err != nil {
		return r.fail("resume", req, err)
	}
	return Reply{Content: "▶️ Resumed."}
}

func (r *Router) stop(ctx context.Context, req Request, _ []string) Reply {
	if err := r.controller.Stop(ctx, req.GuildID); err != nil {
		return r.fail("stop", req, err)
	}
	return Reply{Content: "⏹️ Stopped playback and cleared the queue."}
}

func (r *Router) leave(ctx context.Context, req Request, _ []string) Reply {
	if err := r.controller.Leave(ctx, req.GuildID); err != nil {
		return r.fail("leave", req, err)
	}
	return Reply{Content: "👋 Left the voice channel."}
}

func (r *Router) volume(ctx context.Context, req Request, args []string) Reply {
	if len(args) == 0 {
		view := r.controller.ShowQueue(req.GuildID)
		return Reply{Content: fmt.Sprintf("🔊 Volume is **%d**.", view.Volume)}
	}
	v, err := parseVolume(args[0])
	if err != nil {
		return r.fail("volume", req, err)
	}
	if err := r.controller.SetVolume(ctx, req.GuildID, v); err != nil {
		return r.fail("volume", req, err)
	}
	return Reply{Content: fmt.Sprintf("🔊 Volume set to **%d**.", v)}
}

func (r *Router) queue(_ context.Context, req Request, _ []string) Reply {
	return Reply{Embed: queueEmbed(r.controller.ShowQueue(req.GuildID))}
}

func (r *Router) nowPlaying(_ context.Context, req Request, _ []string) Reply {
	item, err := r.controller.NowPlaying(req.GuildID)
	if err != nil {
		return Reply{Embed: nothingPlayingEmbed(r.prefix)}
	}
	return Reply{Embed: nowPlayingEmbed(item, r.controller.ShowQueue(req.GuildID))}
}

func (r *Router) loop(_ context.Context, req Request, args []string) Reply {
	if len(args) == 0 {
		mode, err := r.controller.Loop(req.GuildID)
		if err != nil {
			return r.fail("loop", req, err)
		}
		return Reply{Content: fmt.Sprintf("🔁 Loop mode is **%s**.", mode)}
	}
	mode, err := player.ParseLoopMode(args[0])
	if err != nil {
		return r.fail("loop", req, err)
	}
	if err := r.controller.SetLoop(req.GuildID, mode); err != nil {
		return r.fail("loop", req, err)
	}
	return Reply{Content: fmt.Sprintf("🔁 Loop mode set to **%s**.", mode)}
}

func (r *Router) clear(_ context.Context, req Request, _ []string) Reply {
	n, err := r.controller.Clear(req.GuildID)
	if err != nil {
		return r.fail("clear", req, err)
	}
	return Reply{Content: fmt.Sprintf("🗑️ Removed %d %s from the queue.", n, plural(n, "track", "tracks"))}
}

func (r *Router) shuffle(_ context.Context, req Request, _ []string) Reply {
	if err := r.controller.Shuffle(req.GuildID); err != nil {
		return r.fail("shuffle", req, err)
	}
	view := r.controller.ShowQueue(req.GuildID)
	if len(view.Upcoming) > 0 {
		return Reply{Content: fmt.Sprintf("🔀 Queue shuffled. Up next: **%s**", view.Upcoming[0].Track.Title)}
	}
	return Reply{Content: "🔀 Queue shuffled."}
}

func (r *Router) remove(_ context.Context, req Request, args []string) Reply {
	if len(args) == 0 {
		return Reply{Content: fmt.Sprintf("Usage: `%sremove <position>`", r.prefix)}
	}
	pos, err := parsePosition(args[0])
	if err != nil {
		return r.fail("remove", req, err)
	}
	item, err := r.controller.Remove(req.GuildID, pos)
	if err != nil {
		return r.fail("remove", req, err)
	}
	return Reply{Content: fmt.Sprintf("✅ Removed **%s** from the queue.", item.Track.Title)}
}

const (
	defaultHistory = 10
	maxHistory     = 25
)

func (r *Router) recent(ctx context.Context, req Request, args []string) Reply {
	if r.history == nil {
		return Reply{Content: "📭 Playback history is disabled."}
	}
	limit := defaultHistory
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return Reply{Content: fmt.Sprintf("Usage: `%shistory [1-%d]`", r.prefix, maxHistory)}
		}
		limit = min(n, maxHistory)
	}
	entries, err := r.history.RecentHistory(ctx, req.GuildID, limit)
	if err != nil {
		return r.fail("history", req, err)
	}
	return Reply{Embed: historyEmbed(entries)}
}

func (r *Router) songLyrics(ctx context.Context, req Request, args []string) Reply {
	if r.lyrics == nil {
		return Reply{Content: "📭 Lyrics search is disabled."}
	}
	query := strings.Join(args, " ")
	if query == "" {
		item, err := r.controller.NowPlaying(req.GuildID)
		if err != nil {
			return Reply{Content: fmt.Sprintf("Nothing is playing. Usage: `%slyrics <song title>`", r.prefix)}
		}
		query = item.Track.Title
	}
	res, err := r.lyrics.SearchLyrics(ctx, query)
	switch {
	case errors.Is(err, scrapper.ErrNotFound), errors.Is(err, scrapper.ErrEmptyQuery):
		return Reply{Embed: lyricsNotFoundEmbed(scrapper.CleanTitle(query))}
	case err != nil:
		return r.fail("lyrics", req, err)
	}
	return Reply{Embed: lyricsEmbed(res)}
}

func (r *Router) stats(_ context.Context, _ Request, _ []string) Reply {
	return Reply{Embed: statsEmbed(r.controller.Stats())}
}

func (r *Router) reconnect(_ context.Context, req Request, _ []string) Reply {
	if err := r.controller.Reconnect(); err != nil {
		return r.fail("reconnect", req, err)
	}
	return Reply{Content: "🔌 Reconnecting to the music server."}
}

func (r *Router) help(_ context.Context, _ Request, _ []string) Reply {
	lines := make([]string, 0, len(r.commands))
	for _, c := range r.commands {
		line := "• `" + r.prefix + c.name
		if c.usage != "" {
			line += " " + c.usage
		}
		line += "` - " + c.description
		if len(c.aliases) > 0 {
			aliases := append([]string(nil), c.aliases...)
			sort.Strings(aliases)
			line += " (" + strings.Join(aliases, ", ") + ")"
		}
		lines = append(lines, line)
	}
	return Reply{Embed: helpEmbed(lines)}
}

func parseVolume(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSuffix(s, "%"))
	if err != nil || v < player.MinVolume || v > player.MaxVolume {
		return 0, player.ErrInvalidVolume
	}
	return v, nil
}

func parsePosition(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "#"))
	if err != nil || n < 1 {
		return 0, &player.PlaybackError{Kind: player.InvalidPosition, Detail: fmt.Sprintf("%q", s)}
	}
	return n, nil
}

func playSummary(res player.PlayResult) string {
	switch {
	case res.PlaylistName != "":
		msg := fmt.Sprintf("✅ Queued **%d** %s from **%s**", res.Added, plural(res.Added, "track", "tracks"), res.PlaylistName)
		if res.Dropped > 0 {
			msg += fmt.Sprintf(" (%d skipped, playlist limit)", res.Dropped)
		}
		if res.Started != nil {
			msg += fmt.Sprintf("\n🎶 Now playing: **%s**", res.Started.Track.Title)
		}
		return msg
	case res.Started != nil:
		return fmt.Sprintf("🎶 Now playing: **%s**", res.Started.Track.Title)
	case len(res.Tracks) > 0:
		return fmt.Sprintf("✅ Added **%s** to the queue (position %d)", res.Tracks[0].Title, res.Position)
	default:
		return "✅ Added to the queue."
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
