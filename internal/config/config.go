package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"

	"github.com/latoulicious/jockie/pkg/cron"
	"github.com/latoulicious/jockie/pkg/database"
	"github.com/latoulicious/jockie/pkg/engine"
	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/player"
	"github.com/latoulicious/jockie/pkg/scrapper"
	"github.com/latoulicious/jockie/pkg/supervisor"
)

// DefaultEnvFile is read when present; its absence is not an error.
const DefaultEnvFile = ".env"

var ErrDiscordTokenNotSet = errors.New("DISCORD_TOKEN is not set")

// Discord holds chat gateway settings.
type Discord struct {
	Token  string `env:"TOKEN"`
	Prefix string `env:"PREFIX" envDefault:"!"`
	Status string `env:"STATUS" envDefault:"!help"`

	// OwnerID may run operator commands such as reconnect.
	OwnerID string `env:"OWNER_ID"`
}

// Config is the whole process configuration. It is read once at startup.
type Config struct {
	Discord        Discord           `envPrefix:"DISCORD_"`
	Engine         engine.Options    `envPrefix:"ENGINE_"`
	Supervisor     supervisor.Config `envPrefix:"SUPERVISOR_"`
	Player         player.Config     `envPrefix:"PLAYER_"`
	Log            logging.Config    `envPrefix:"LOG_"`
	Database       database.Config   `envPrefix:"DATABASE_"`
	Cron           cron.Config       `envPrefix:"CRON_"`
	Lyrics         scrapper.Config   `envPrefix:"LYRICS_"`
	JournalEnabled bool              `env:"JOURNAL_ENABLED" envDefault:"true"`
}

// LoadConfig loads envFile into the environment, then parses the environment
// into a validated Config. Variables already set win over the file.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !(envFile == DefaultEnvFile && errors.Is(err, fs.ErrNotExist)) {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Discord.Token) == "" {
		errs = append(errs, ErrDiscordTokenNotSet)
	}
	if strings.TrimSpace(c.Discord.Prefix) == "" {
		errs = append(errs, errors.New("DISCORD_PREFIX must not be empty"))
	}
	if c.Discord.OwnerID != "" {
		if _, err := snowflake.Parse(c.Discord.OwnerID); err != nil {
			errs = append(errs, fmt.Errorf("DISCORD_OWNER_ID is not a valid id: %w", err))
		}
	}
	if c.Engine.Address == "" {
		errs = append(errs, errors.New("ENGINE_ADDRESS must not be empty"))
	}
	if c.Engine.Password == "" {
		errs = append(errs, errors.New("ENGINE_PASSWORD must not be empty"))
	}
	if c.Engine.RequestTimeout <= 0 || c.Engine.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("engine timeouts must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.Log.Format))
	}

	if err := c.Supervisor.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Player.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Lyrics.Enabled && c.Lyrics.Timeout <= 0 {
		errs = append(errs, errors.New("LYRICS_TIMEOUT must be positive"))
	}
	if c.JournalEnabled {
		if err := c.Database.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("database config: %w", err))
		}
		if err := c.Cron.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
