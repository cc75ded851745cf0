package handlers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/latoulicious/jockie/pkg/database"
	"github.com/latoulicious/jockie/pkg/player"
	"github.com/latoulicious/jockie/pkg/scrapper"
	"github.com/latoulicious/jockie/pkg/supervisor"
)

const (
	colorOK      = 0x00ff00
	colorIdle    = 0x808080
	colorInfo    = 0x7289DA
	colorWarning = 0xffa500
	colorError   = 0xff0000
	footerText   = "jockie"
)

// userMessage maps a command error to text safe to show in chat.
func userMessage(err error, prefix string) string {
	var pe *player.PlaybackError
	switch {
	case errors.Is(err, player.ErrReconnectAbandoned):
		return fmt.Sprintf("The music server is unreachable and retries have stopped. The bot owner can run `%sreconnect`.", prefix)
	case errors.Is(err, player.ErrEngineUnavailable):
		return "The music server is reconnecting. Try again in a moment."
	case errors.Is(err, player.ErrSessionClosed):
		return "The player for this server was just shut down."
	case errors.Is(err, supervisor.ErrReconnectInProgress):
		return "A reconnect is already in progress."
	case errors.Is(err, supervisor.ErrClosed), errors.Is(err, supervisor.ErrNotStarted):
		return "The music server connection is not running."
	case errors.As(err, &pe):
		return playbackMessage(pe)
	default:
		return "Something went wrong. Try again later."
	}
}

func playbackMessage(pe *player.PlaybackError) string {
	switch pe.Kind {
	case player.NothingPlaying:
		return "Nothing is playing."
	case player.InvalidVolume:
		return fmt.Sprintf("Volume must be a number between %d and %d.", player.MinVolume, player.MaxVolume)
	case player.SearchEmpty:
		return "No results found."
	case player.LoadFailed:
		if pe.Detail != "" {
			return "Couldn't load that: " + pe.Detail
		}
		return "Couldn't load that."
	case player.InvalidPosition:
		return "That position is not in the queue."
	case player.QueueEmpty:
		return "The queue is empty."
	case player.NotInVoice:
		return "Join a voice channel first."
	case player.WrongChannel:
		return "I'm already playing in another voice channel."
	case player.InvalidLoopMode:
		return "Loop mode must be off, track or queue."
	default:
		return "Something went wrong. Try again later."
	}
}

// isUserError reports whether err is caused by the request rather than by
// the bot, so it need not be logged as a failure.
func isUserError(err error) bool {
	var pe *player.PlaybackError
	return errors.As(err, &pe) && pe.Kind != player.LoadFailed
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0:00"
	}
	total := int(d.Seconds())
	h, m, s := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func trackLength(item player.Item) string {
	if item.Track.IsStream {
		return "live"
	}
	return formatDuration(item.Track.Duration)
}

func trackLine(item player.Item) string {
	title := item.Track.Title
	if title == "" {
		title = item.Track.Identifier
	}
	if item.Track.URI != "" {
		title = fmt.Sprintf("[%s](%s)", title, item.Track.URI)
	}
	return fmt.Sprintf("%s `%s`", title, trackLength(item))
}

func mention(item player.Item) string {
	if item.RequestedBy == 0 {
		return "unknown"
	}
	return "<@" + item.RequestedBy.String() + ">"
}

func queueEmbed(view player.QueueView) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:     "🎵 Music Queue",
		Color:     colorInfo,
		Timestamp: time.Now().Format(time.RFC3339),
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Loop: %s | Volume: %d", view.Loop, view.Volume),
		},
	}

	if view.Current == nil && view.Total == 0 {
		embed.Description = "📭 Queue is empty."
		embed.Color = colorIdle
		return embed
	}

	var b strings.Builder
	if view.Current != nil {
		state := "Now Playing"
		if view.Paused {
			state = "Paused"
		}
		fmt.Fprintf(&b, "🎶 **%s:** %s (requested by %s)\n\n", state, trackLine(*view.Current), mention(*view.Current))
	}
	if len(view.Upcoming) > 0 {
		b.WriteString("📋 **Up Next:**\n")
		for i, item := range view.Upcoming {
			fmt.Fprintf(&b, "%d. %s\n", i+1, trackLine(item))
		}
		if more := view.Total - len(view.Upcoming); more > 0 {
			fmt.Fprintf(&b, "...and %d more\n", more)
		}
	} else {
		b.WriteString("📋 Nothing queued.\n")
	}
	embed.Description = b.String()
	return embed
}

func nothingPlayingEmbed(prefix string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "🎵 Now Playing",
		Description: "Nothing is currently playing",
		Color:       colorIdle,
		Timestamp:   time.Now().Format(time.RFC3339),
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Use %splay to start playing music", prefix),
		},
	}
}

func nowPlayingEmbed(item player.Item, view player.QueueView) *discordgo.MessageEmbed {
	status := "🟢 Playing"
	if view.Paused {
		status = "⏸️ Paused"
	}
	embed := &discordgo.MessageEmbed{
		Title:       "🎵 Now Playing",
		Description: fmt.Sprintf("**%s**", item.Track.Title),
		URL:         item.Track.URI,
		Color:       colorOK,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Requested by", Value: mention(item), Inline: true},
			{Name: "Duration", Value: trackLength(item), Inline: true},
			{Name: "Status", Value: status, Inline: true},
			{Name: "Loop", Value: view.Loop.String(), Inline: true},
			{Name: "Volume", Value: fmt.Sprintf("%d", view.Volume), Inline: true},
			{Name: "Up next", Value: fmt.Sprintf("%d queued", view.Total), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: footerText},
	}
	if item.Track.Author != "" {
		embed.Description += "\nby " + item.Track.Author
	}
	if item.Track.ArtworkURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: item.Track.ArtworkURL}
	}
	return embed
}

func statsEmbed(st player.Stats) *discordgo.MessageEmbed {
	color := colorOK
	switch st.Engine.State {
	case supervisor.StateReady:
	case supervisor.StateExhausted:
		color = colorError
	default:
		color = colorWarning
	}

	engineValue := st.Engine.State.String()
	if st.Engine.Attempt > 0 {
		engineValue += fmt.Sprintf(" (attempt %d)", st.Engine.Attempt)
	}
	since := "-"
	if !st.Engine.Since.IsZero() {
		since = time.Since(st.Engine.Since).Round(time.Second).String()
	}

	return &discordgo.MessageEmbed{
		Title:     "📊 Player Stats",
		Color:     color,
		Timestamp: time.Now().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Music server", Value: engineValue, Inline: true},
			{Name: "In state for", Value: since, Inline: true},
			{Name: "Keepalive failures", Value: fmt.Sprintf("%d", st.Engine.KeepaliveFailures), Inline: true},
			{Name: "Sessions", Value: fmt.Sprintf("%d", st.Sessions), Inline: true},
			{Name: "Playing", Value: fmt.Sprintf("%d", st.Playing), Inline: true},
			{Name: "Queued tracks", Value: fmt.Sprintf("%d", st.Queued), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: footerText},
	}
}

func historyEmbed(entries []database.PlaybackEntry) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:     "🕘 Recently Played",
		Color:     colorInfo,
		Timestamp: time.Now().Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: footerText},
	}

	var b strings.Builder
	n := 0
	for _, e := range entries {
		if e.Event != database.PlaybackStarted {
			continue
		}
		n++
		title := e.Title
		if e.URI != "" {
			title = fmt.Sprintf("[%s](%s)", e.Title, e.URI)
		}
		fmt.Fprintf(&b, "%d. %s <t:%d:R>\n", n, title, e.OccurredAt.Unix())
	}
	if n == 0 {
		embed.Description = "📭 Nothing played yet."
		embed.Color = colorIdle
		return embed
	}
	embed.Description = b.String()
	return embed
}

func lyricsEmbed(res *scrapper.LyricsResult) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "🎵 Lyrics Found",
		Description: fmt.Sprintf("**%s**", res.Title),
		Color:       colorOK,
		Timestamp:   time.Now().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: "Source: " + res.Source},
	}
	if res.Artist != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "🎤 Artist", Value: res.Artist, Inline: true})
	}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "📝 Lyrics", Value: res.Lyrics})
	if res.URL != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "🔗 Source",
			Value: fmt.Sprintf("[View on %s](%s)", res.Source, res.URL),
		})
	}
	return embed
}

func lyricsNotFoundEmbed(query string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "❌ Lyrics Not Found",
		Description: fmt.Sprintf("Could not find lyrics for: **%s**", query),
		Color:       colorError,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "💡 Tips",
				Value: "• Try using the original Japanese title\n• Check spelling and try alternative titles",
			},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: footerText},
	}
}

func helpEmbed(lines []string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "jockie",
		Description: "Here are all the available commands:\n\n" + strings.Join(lines, "\n"),
		Color:       colorOK,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "💡 Tips",
				Value: strings.Join([]string{
					"• Join a voice channel **before** using music commands",
					"• Anything that is not a link is searched and the first result is played",
				}, "\n"),
			},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: footerText},
	}
}
