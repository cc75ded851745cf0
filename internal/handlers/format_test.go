package handlers

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/jockie/pkg/engine"
	"github.com/latoulicious/jockie/pkg/player"
	"github.com/latoulicious/jockie/pkg/supervisor"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00"},
		{-time.Second, "0:00"},
		{59 * time.Second, "0:59"},
		{3*time.Minute + 5*time.Second, "3:05"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
		{1500 * time.Millisecond, "0:01"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in), tt.in.String())
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"abandoned", player.ErrReconnectAbandoned, "`!reconnect`"},
		{"unavailable", &player.RegistryError{Kind: player.EngineUnavailable, Err: errors.New("eof")}, "reconnecting"},
		{"closed session", player.ErrSessionClosed, "shut down"},
		{"reconnect in progress", supervisor.ErrReconnectInProgress, "already in progress"},
		{"wrapped playback", fmt.Errorf("play: %w", player.ErrNotInVoice), "Join a voice channel first."},
		{"load failed detail", &player.PlaybackError{Kind: player.LoadFailed, Detail: "video unavailable"}, "Couldn't load that: video unavailable"},
		{"unknown", errors.New("boom"), "Something went wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, userMessage(tt.err, "!"), tt.want)
		})
	}
}

func TestIsUserError(t *testing.T) {
	assert.True(t, isUserError(player.ErrQueueEmpty))
	assert.True(t, isUserError(fmt.Errorf("x: %w", player.ErrInvalidVolume)))
	assert.False(t, isUserError(player.ErrLoadFailed))
	assert.False(t, isUserError(player.ErrEngineUnavailable))
	assert.False(t, isUserError(errors.New("boom")))
}

func TestQueueEmbed(t *testing.T) {
	current := player.Item{Track: engine.Track{Title: "Live Set", IsStream: true, URI: "https://example.com/live"}, RequestedBy: 40}
	view := player.QueueView{
		Current:  &current,
		Upcoming: []player.Item{{Track: engine.Track{Title: "Next", Duration: 90 * time.Second}}},
		Total:    4,
		Loop:     player.LoopQueue,
		Volume:   75,
		Paused:   true,
	}

	embed := queueEmbed(view)
	assert.Contains(t, embed.Description, "**Paused:** [Live Set](https://example.com/live) `live` (requested by <@40>)")
	assert.Contains(t, embed.Description, "1. Next `1:30`")
	assert.Contains(t, embed.Description, "...and 3 more")
	assert.Equal(t, "Loop: queue | Volume: 75", embed.Footer.Text)

	view.Upcoming = nil
	view.Total = 0
	embed = queueEmbed(view)
	assert.Contains(t, embed.Description, "Nothing queued.")
}

func TestPlaySummary(t *testing.T) {
	started := &player.Item{Track: engine.Track{Title: "A"}}

	msg := playSummary(player.PlayResult{
		PlaylistName:  "Mix",
		EnqueueResult: player.EnqueueResult{Added: 50, Dropped: 10, Started: started},
	})
	assert.Equal(t, "✅ Queued **50** tracks from **Mix** (10 skipped, playlist limit)\n🎶 Now playing: **A**", msg)

	msg = playSummary(player.PlayResult{EnqueueResult: player.EnqueueResult{Added: 1}})
	assert.Equal(t, "✅ Added to the queue.", msg)
}

func TestStatsEmbedColor(t *testing.T) {
	tests := []struct {
		state supervisor.State
		color int
	}{
		{supervisor.StateReady, colorOK},
		{supervisor.StateReconnectWait, colorWarning},
		{supervisor.StateExhausted, colorError},
	}
	for _, tt := range tests {
		embed := statsEmbed(player.Stats{Engine: supervisor.Status{State: tt.state, Attempt: 2}})
		assert.Equal(t, tt.color, embed.Color, tt.state.String())
		assert.Equal(t, tt.state.String()+" (attempt 2)", embed.Fields[0].Value)
	}
}

func TestSlashArgs(t *testing.T) {
	opts := []*discordgo.ApplicationCommandInteractionDataOption{
		{Name: "query", Type: discordgo.ApplicationCommandOptionString, Value: "lofi beats"},
	}
	assert.Equal(t, []string{"lofi beats"}, slashArgs("play", opts))

	// Integer options arrive as float64 from the gateway JSON.
	opts = []*discordgo.ApplicationCommandInteractionDataOption{
		{Name: "position", Type: discordgo.ApplicationCommandOptionInteger, Value: float64(3)},
		{Name: "ignored", Type: discordgo.ApplicationCommandOptionString, Value: "x"},
	}
	assert.Equal(t, []string{"3"}, slashArgs("remove", opts))

	require.Empty(t, slashArgs("volume", nil))
}
