package handlers

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"

	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/player"
)

// Handler wires gateway events to the router and the session registry.
type Handler struct {
	router   *Router
	registry *player.Registry
	logger   logging.Logger
}

// New creates a Handler.
func New(router *Router, registry *player.Registry, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Handler{
		router:   router,
		registry: registry,
		logger:   logger.With(logging.String("component", "gateway")),
	}
}

// Register adds every gateway handler to s.
func (h *Handler) Register(s *discordgo.Session) {
	s.AddHandler(h.OnMessageCreate)
	s.AddHandler(h.OnInteractionCreate)
	s.AddHandler(h.OnVoiceStateUpdate)
	s.AddHandler(h.OnVoiceServerUpdate)
	s.AddHandler(h.OnGuildDelete)
}

// OnMessageCreate runs prefixed commands.
func (h *Handler) OnMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	name, args, ok := h.router.Parse(m.Content)
	if !ok {
		if mentionsUser(m.Message, s.State.User) {
			s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("Hi! Try `%shelp` to see what I can play.", h.router.prefix))
		}
		return
	}
	if !h.router.Known(name) {
		return
	}

	req, err := newRequest(s.State, m.GuildID, m.ChannelID, m.Author.ID)
	if err != nil {
		h.logger.Warn("Ignoring message with invalid ids", logging.Error(err))
		return
	}

	reply := h.router.Execute(context.Background(), req, name, args)
	if err := sendReply(s, m.ChannelID, reply); err != nil {
		h.logger.Error("Failed to send reply",
			logging.String("channel_id", m.ChannelID),
			logging.Error(err),
		)
	}
}

func mentionsUser(m *discordgo.Message, u *discordgo.User) bool {
	if u == nil {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == u.ID {
			return true
		}
	}
	return false
}

func sendReply(s *discordgo.Session, channelID string, reply Reply) error {
	if reply.Embed != nil {
		_, err := s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content: reply.Content,
			Embeds:  []*discordgo.MessageEmbed{reply.Embed},
		})
		return err
	}
	_, err := s.ChannelMessageSend(channelID, reply.Content)
	return err
}

// newRequest builds a Request, looking up the user's voice channel in the
// gateway state cache.
func newRequest(state *discordgo.State, guildID, channelID, userID string) (Request, error) {
	var req Request
	var err error
	if req.GuildID, err = snowflake.Parse(guildID); err != nil {
		return req, fmt.Errorf("guild id: %w", err)
	}
	if req.ChannelID, err = snowflake.Parse(channelID); err != nil {
		return req, fmt.Errorf("channel id: %w", err)
	}
	if req.UserID, err = snowflake.Parse(userID); err != nil {
		return req, fmt.Errorf("user id: %w", err)
	}
	req.VoiceChannelID = userVoiceChannel(state, guildID, userID)
	return req, nil
}

func userVoiceChannel(state *discordgo.State, guildID, userID string) snowflake.ID {
	if state == nil {
		return 0
	}
	vs, err := state.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return 0
	}
	id, err := snowflake.Parse(vs.ChannelID)
	if err != nil {
		return 0
	}
	return id
}
