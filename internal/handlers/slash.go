package handlers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"

	"github.com/latoulicious/jockie/pkg/logging"
)

// slashOptions lists the options of commands that take arguments. Options
// are turned back into positional arguments in this order.
var slashOptions = map[string][]*discordgo.ApplicationCommandOption{
	"play": {
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "query",
			Description: "Link or search terms",
			Required:    true,
		},
	},
	"volume": {
		{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "level",
			Description: "Volume from 0 to 200",
			MaxValue:    200,
		},
	},
	"loop": {
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "mode",
			Description: "Loop mode",
			Choices: []*discordgo.ApplicationCommandOptionChoice{
				{Name: "off", Value: "off"},
				{Name: "track", Value: "track"},
				{Name: "queue", Value: "queue"},
			},
		},
	},
	"remove": {
		{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "position",
			Description: "Queue position, starting at 1",
			Required:    true,
		},
	},
	"lyrics": {
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "song",
			Description: "Song title, defaults to the current track",
		},
	},
	"history": {
		{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "count",
			Description: "How many tracks to show",
			MaxValue:    maxHistory,
		},
	},
}

// SlashCommands returns the application command definitions for every
// router command.
func (r *Router) SlashCommands() []*discordgo.ApplicationCommand {
	out := make([]*discordgo.ApplicationCommand, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, &discordgo.ApplicationCommand{
			Name:        c.name,
			Description: c.description,
			Options:     slashOptions[c.name],
		})
	}
	return out
}

// RegisterSlashCommands replaces the application's commands with the
// router's. An empty guildID registers them globally.
func RegisterSlashCommands(s *discordgo.Session, r *Router, guildID string, logger logging.Logger) error {
	if s.State.User == nil {
		return fmt.Errorf("register slash commands: session is not open")
	}
	created, err := s.ApplicationCommandBulkOverwrite(s.State.User.ID, guildID, r.SlashCommands())
	if err != nil {
		return fmt.Errorf("register slash commands: %w", err)
	}
	logger.Info("Registered slash commands",
		logging.Int("count", len(created)),
		logging.String("guild_id", guildID),
	)
	return nil
}

// DeleteSlashCommands removes every application command.
func DeleteSlashCommands(s *discordgo.Session, guildID string, logger logging.Logger) error {
	if s.State.User == nil {
		return fmt.Errorf("delete slash commands: session is not open")
	}
	cmds, err := s.ApplicationCommands(s.State.User.ID, guildID)
	if err != nil {
		return fmt.Errorf("fetch slash commands: %w", err)
	}
	for _, cmd := range cmds {
		if err := s.ApplicationCommandDelete(s.State.User.ID, guildID, cmd.ID); err != nil {
			return fmt.Errorf("delete slash command %s: %w", cmd.Name, err)
		}
		logger.Info("Deleted slash command", logging.String("command", cmd.Name))
	}
	return nil
}

// slashArgs flattens interaction options into positional arguments.
func slashArgs(name string, opts []*discordgo.ApplicationCommandInteractionDataOption) []string {
	byName := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		byName[o.Name] = o
	}
	var args []string
	for _, def := range slashOptions[name] {
		o, ok := byName[def.Name]
		if !ok {
			continue
		}
		switch o.Type {
		case discordgo.ApplicationCommandOptionInteger:
			args = append(args, strconv.FormatInt(o.IntValue(), 10))
		case discordgo.ApplicationCommandOptionString:
			args = append(args, o.StringValue())
		default:
			args = append(args, fmt.Sprint(o.Value))
		}
	}
	return args
}

// OnInteractionCreate runs slash commands.
func (h *Handler) OnInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if i.GuildID == "" || i.Member == nil || i.Member.User == nil || i.Member.User.Bot {
		return
	}

	data := i.ApplicationCommandData()
	if !h.router.Known(data.Name) {
		return
	}

	// Track lookups can exceed the three second response window.
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		h.logger.Error("Failed to acknowledge interaction", logging.Error(err))
		return
	}

	req, err := newRequest(s.State, i.GuildID, i.ChannelID, i.Member.User.ID)
	if err != nil {
		h.logger.Warn("Ignoring interaction with invalid ids", logging.Error(err))
		return
	}

	reply := h.router.Execute(context.Background(), req, data.Name, slashArgs(data.Name, data.Options))
	edit := &discordgo.WebhookEdit{Content: &reply.Content}
	if reply.Embed != nil {
		edit.Embeds = &[]*discordgo.MessageEmbed{reply.Embed}
	}
	if _, err := s.InteractionResponseEdit(i.Interaction, edit); err != nil {
		h.logger.Error("Failed to send interaction response",
			logging.String("command", data.Name),
			logging.Error(err),
		)
	}
}
