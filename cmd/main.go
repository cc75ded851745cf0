package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"
	"github.com/spf13/pflag"

	"github.com/latoulicious/jockie/internal/config"
	"github.com/latoulicious/jockie/internal/handlers"
	"github.com/latoulicious/jockie/internal/presence"
	"github.com/latoulicious/jockie/pkg/cron"
	"github.com/latoulicious/jockie/pkg/database"
	"github.com/latoulicious/jockie/pkg/engine"
	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/metrics"
	"github.com/latoulicious/jockie/pkg/player"
	"github.com/latoulicious/jockie/pkg/scrapper"
	"github.com/latoulicious/jockie/pkg/supervisor"
)

const shutdownTimeout = 15 * time.Second

type flags struct {
	envFile          string
	logLevel         string
	registerCommands bool
	deleteCommands   bool
	commandGuild     string
}

func main() {
	var f flags
	pflag.StringVar(&f.envFile, "env-file", config.DefaultEnvFile, "file to load environment variables from")
	pflag.StringVar(&f.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	pflag.BoolVar(&f.registerCommands, "register-commands", false, "register slash commands after connecting")
	pflag.BoolVar(&f.deleteCommands, "delete-commands", false, "delete all slash commands and exit")
	pflag.StringVar(&f.commandGuild, "command-guild", "", "register or delete slash commands in this guild only")
	pflag.Parse()

	cfg, err := config.LoadConfig(f.envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}

	logger := logging.New(cfg.Log)
	defer logger.Close()
	logging.NewStdLogAdapter(logger).SetAsStdLogger()

	if err := run(cfg, f, logger); err != nil {
		logger.Error("Bot exited with error", logging.Error(err))
		logger.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, f flags, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(logger, map[string]string{"service": "jockie"})

	// Create a new Discord session using the provided token
	dg, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentGuildVoiceStates |
		discordgo.IntentMessageContent

	if f.deleteCommands {
		if err := dg.Open(); err != nil {
			return fmt.Errorf("open discord session: %w", err)
		}
		defer dg.Close()
		return handlers.DeleteSlashCommands(dg, f.commandGuild, logger)
	}

	connector := engine.NewConnector(cfg.Engine, logger)
	sup, err := supervisor.New(cfg.Supervisor, connector, logger, collector)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}

	var journal *database.Journal
	if cfg.JournalEnabled {
		journal, err = database.Open(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
	}

	presenceManager := presence.NewManager(dg, presence.SessionGuilds(dg), cfg.Discord.Status, logger)
	observers := player.Observers{presenceManager}
	if journal != nil {
		observers = append(observers, journal)
	}

	registry, err := player.NewRegistry(cfg.Player, sup, logger,
		player.WithVoiceConnector(handlers.NewVoiceConnector(dg, logger)),
		player.WithObserver(observers),
		player.WithMetrics(collector),
	)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	controller := player.NewController(registry, logger)

	routerOpts := []handlers.RouterOption{handlers.WithTimeout(cfg.Player.CommandTimeout)}
	if journal != nil {
		routerOpts = append(routerOpts, handlers.WithHistory(journal))
	}
	if cfg.Lyrics.Enabled {
		routerOpts = append(routerOpts, handlers.WithLyrics(scrapper.NewLyricsScraper(logger, cfg.Lyrics.Options()...)))
	}
	if cfg.Discord.OwnerID != "" {
		routerOpts = append(routerOpts, handlers.WithOwner(snowflake.MustParse(cfg.Discord.OwnerID)))
	}
	router := handlers.NewRouter(controller, cfg.Discord.Prefix, logger, routerOpts...)
	handlers.New(router, registry, logger).Register(dg)

	// Open a websocket connection to Discord and begin listening.
	if err := dg.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	defer dg.Close()

	botID, err := snowflake.Parse(dg.State.User.ID)
	if err != nil {
		return fmt.Errorf("parse bot user id: %w", err)
	}
	connector.SetUserID(botID)

	if f.registerCommands {
		if err := handlers.RegisterSlashCommands(dg, router, f.commandGuild, logger); err != nil {
			logger.Error("Failed to register slash commands", logging.Error(err))
		}
	}

	sup.SetEventHandler(registry.HandleEvent)
	resumeEvents, unsubscribeResume := sup.Subscribe()
	defer unsubscribeResume()
	go registry.WatchSupervisor(ctx, resumeEvents)

	presenceEvents, unsubscribePresence := sup.Subscribe()
	defer unsubscribePresence()
	go presenceManager.Run(ctx, presenceEvents)

	var scheduler *cron.Scheduler
	if journal != nil {
		journalEvents, unsubscribeJournal := sup.Subscribe()
		defer unsubscribeJournal()
		go journal.WatchSupervisor(ctx, journalEvents)

		scheduler = cron.NewScheduler(cfg.Cron.JobTimeout, logger, collector)
		if err := cron.RegisterMaintenance(scheduler, cfg.Cron, journal, collector); err != nil {
			return fmt.Errorf("register maintenance jobs: %w", err)
		}
		scheduler.Start()
	}

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	logger.Info("Bot is running. Press CTRL-C to exit.",
		logging.String("user", dg.State.User.Username),
		logging.String("engine", cfg.Engine.Address),
		logging.Bool("journal", journal != nil),
	)
	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Sessions go first so their engine players are destroyed while the link
	// is still up.
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Warn("Failed to close sessions", logging.Error(err))
	}
	if err := sup.Close(); err != nil {
		logger.Warn("Failed to close supervisor", logging.Error(err))
	}
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn("Failed to stop scheduler", logging.Error(err))
		}
	}
	if journal != nil {
		if err := cron.MetricsFlushJob(journal, collector, logger)(shutdownCtx); err != nil {
			logger.Warn("Failed to flush final metrics", logging.Error(err))
		}
	}
	return nil
}
