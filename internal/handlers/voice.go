package handlers

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"

	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/player"
)

const voiceEventTimeout = 10 * time.Second

// VoiceConnector joins and leaves voice channels through the gateway only.
// Audio is sent by the engine, so no local voice connection is opened.
type VoiceConnector struct {
	session *discordgo.Session
	logger  logging.Logger
}

var _ player.VoiceConnector = (*VoiceConnector)(nil)

// NewVoiceConnector creates a VoiceConnector on s.
func NewVoiceConnector(s *discordgo.Session, logger logging.Logger) *VoiceConnector {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &VoiceConnector{session: s, logger: logger.With(logging.String("component", "voice"))}
}

// Join asks the gateway to put the bot in channelID, self-deafened.
func (v *VoiceConnector) Join(ctx context.Context, guildID, channelID snowflake.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.logger.Debug("Joining voice channel",
		logging.String("guild_id", guildID.String()),
		logging.String("channel_id", channelID.String()),
	)
	return v.session.ChannelVoiceJoinManual(guildID.String(), channelID.String(), false, true)
}

// Leave asks the gateway to disconnect the bot from voice in guildID.
func (v *VoiceConnector) Leave(ctx context.Context, guildID snowflake.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.logger.Debug("Leaving voice channel", logging.String("guild_id", guildID.String()))
	return v.session.ChannelVoiceJoinManual(guildID.String(), "", false, false)
}

// OnVoiceStateUpdate forwards the bot's own voice session to its guild
// session. A disconnect removes the session.
func (h *Handler) OnVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.VoiceState == nil || s.State.User == nil || vs.UserID != s.State.User.ID {
		return
	}
	guildID, err := snowflake.Parse(vs.GuildID)
	if err != nil {
		return
	}
	sess, ok := h.registry.Get(guildID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), voiceEventTimeout)
	defer cancel()

	if vs.ChannelID == "" {
		h.logger.Info("Disconnected from voice, removing session", logging.String("guild_id", vs.GuildID))
		if err := h.registry.Remove(ctx, guildID); err != nil {
			h.logger.Warn("Failed to remove session", logging.String("guild_id", vs.GuildID), logging.Error(err))
		}
		return
	}

	channelID, err := snowflake.Parse(vs.ChannelID)
	if err != nil {
		return
	}
	if err := sess.SetVoiceState(ctx, channelID, vs.SessionID); err != nil {
		h.logger.Warn("Failed to forward voice state",
			logging.String("guild_id", vs.GuildID),
			logging.Error(err),
		)
	}
}

// OnVoiceServerUpdate forwards voice server credentials to the guild session.
func (h *Handler) OnVoiceServerUpdate(_ *discordgo.Session, e *discordgo.VoiceServerUpdate) {
	guildID, err := snowflake.Parse(e.GuildID)
	if err != nil {
		return
	}
	sess, ok := h.registry.Get(guildID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), voiceEventTimeout)
	defer cancel()
	if err := sess.SetVoiceServer(ctx, e.Token, e.Endpoint); err != nil {
		h.logger.Warn("Failed to forward voice server",
			logging.String("guild_id", e.GuildID),
			logging.Error(err),
		)
	}
}

// OnGuildDelete removes the session of a guild the bot was removed from.
// Outages, reported as unavailable guilds, are ignored.
func (h *Handler) OnGuildDelete(_ *discordgo.Session, e *discordgo.GuildDelete) {
	if e.Guild == nil || e.Unavailable {
		return
	}
	guildID, err := snowflake.Parse(e.ID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), voiceEventTimeout)
	defer cancel()
	if err := h.registry.Remove(ctx, guildID); err != nil {
		h.logger.Warn("Failed to remove session for deleted guild",
			logging.String("guild_id", e.ID),
			logging.Error(err),
		)
	}
}
