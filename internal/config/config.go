package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

// Config holds all configuration for the application.
type Config struct {
	ConfigFile flags.Filename `long:"config" env:"CONFIG_FILE" description:"Optional ini file with the options below"`

	// Server
	ListenAddr string `long:"listen" env:"LISTEN_ADDR" default:":3000" description:"HTTP listen address"`
	PublicURL  string `long:"public-url" env:"PUBLIC_URL" default:"http://127.0.0.1:3000" description:"Public base URL used for the OAuth client ID and redirect"`
	LogLevel   string `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Minimum log level"`

	Database struct {
		Driver        string `long:"db-driver" env:"DB_DRIVER" default:"sqlite" choice:"sqlite" choice:"postgres" description:"Database driver"`
		DSN           string `long:"db-dsn" env:"DATABASE_URL" default:"bluesky-readwise.db" description:"Database file (sqlite) or connection string (postgres)"`
		EncryptionKey string `long:"encryption-key" env:"ENCRYPTION_KEY" description:"Base64 encoded 32 byte key that seals stored tokens"`
	} `group:"Database Options"`

	OAuth struct {
		StoreMode  string        `long:"oauth-store" env:"OAUTH_STORE" default:"memory" choice:"memory" choice:"redis" description:"Pending login storage backend"`
		RedisURL   string        `long:"redis-url" env:"REDIS_URL" default:"redis://localhost:6379/0" description:"Redis URL for the redis login store"`
		PendingTTL time.Duration `long:"oauth-pending-ttl" env:"OAUTH_PENDING_TTL" default:"10m" description:"How long a started login stays valid"`
		SessionTTL time.Duration `long:"session-ttl" env:"SESSION_TTL" default:"720h" description:"Browser session lifetime"`
	} `group:"OAuth Options"`

	Bluesky struct {
		BotHandle      string `long:"bot-handle" env:"BOT_HANDLE" description:"Handle of the bot account that answers direct messages"`
		BotAppPassword string `long:"bot-app-password" env:"BOT_APP_PASSWORD" description:"App password for the bot account"`
		PDSHost        string `long:"pds-host" env:"BLUESKY_PDS" default:"https://bsky.social" description:"PDS the bot logs in to"`
		AppViewHost    string `long:"appview-host" env:"BLUESKY_APPVIEW" default:"https://public.api.bsky.app" description:"AppView used for handle resolution"`
	} `group:"Bluesky Options"`

	Readwise struct {
		BaseURL string `long:"readwise-url" env:"READWISE_URL" default:"https://readwise.io/api" description:"Readwise API base URL"`
	} `group:"Readwise Options"`

	Intervals struct {
		Bookmarks      time.Duration `long:"bookmark-interval" env:"BOOKMARK_INTERVAL" default:"30s" description:"Bookmark poll interval per user"`
		Messages       time.Duration `long:"dm-interval" env:"DM_INTERVAL" default:"10s" description:"Direct message poll interval"`
		ManagerRefresh time.Duration `long:"sync-refresh" env:"SYNC_REFRESH" default:"1m" description:"How often the set of syncing users is reloaded"`
	} `group:"Polling Options"`
}

// BotEnabled reports whether bot credentials were supplied.
func (c *Config) BotEnabled() bool {
	return c.Bluesky.BotHandle != "" && c.Bluesky.BotAppPassword != ""
}

// Level returns the configured slog level.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Load reads configuration from command line flags and environment
// variables, then from the ini file named by --config if one was given.
// Command line flags take precedence over the file.
func Load(args []string) (*Config, error) {
	var cfg Config

	parser := flags.NewParser(&cfg, flags.Default)
	parser.Usage = "[OPTIONS]"
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if cfg.ConfigFile != "" {
		ini := flags.NewIniParser(parser)
		if err := ini.ParseFile(string(cfg.ConfigFile)); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// Re-apply command line flags over the file values.
		if _, err := parser.ParseArgs(args); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")

	if c.Database.EncryptionKey == "" {
		return errors.New("--encryption-key is required (or set ENCRYPTION_KEY)")
	}
	if (c.Bluesky.BotHandle == "") != (c.Bluesky.BotAppPassword == "") {
		return errors.New("--bot-handle and --bot-app-password must be set together")
	}
	for name, d := range map[string]time.Duration{
		"bookmark-interval": c.Intervals.Bookmarks,
		"dm-interval":       c.Intervals.Messages,
		"sync-refresh":      c.Intervals.ManagerRefresh,
		"oauth-pending-ttl": c.OAuth.PendingTTL,
		"session-ttl":       c.OAuth.SessionTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("--%s must be positive", name)
		}
	}
	return nil
}

// IsHelp reports whether err came from a --help request.
func IsHelp(err error) bool {
	return flags.WroteHelp(err)
}
