// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Storage drivers.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	StoreDriver      string
	StatePath        string
	DatabasePath     string
	DatabaseURL      string

	PollInterval   time.Duration
	InitialDelay   time.Duration
	FetchTimeout   time.Duration
	SendTimeout    time.Duration
	CommandTimeout time.Duration
	FetchWorkers   int
	SendRate       float64

	LogLevel     string
	LogFormat    string
	AllowedUsers []int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		token = os.Getenv("BOT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	cfg := &Config{
		TelegramBotToken: token,
		StoreDriver:      envOrDefault("STORE_DRIVER", DriverFile),
		StatePath:        envOrDefault("STATE_PATH", "./data/feeds.json"),
		DatabasePath:     envOrDefault("DATABASE_PATH", "./data/bot.db"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "auto"),
	}

	switch cfg.StoreDriver {
	case DriverFile, DriverSQLite:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER %q, use: file, sqlite, postgres", cfg.StoreDriver)
	}

	durations := []struct {
		key   string
		def   int
		floor int
		dst   *time.Duration
	}{
		{"POLL_INTERVAL", 300, 1, &cfg.PollInterval},
		{"INITIAL_DELAY", 10, 0, &cfg.InitialDelay},
		{"FETCH_TIMEOUT", 30, 1, &cfg.FetchTimeout},
		{"SEND_TIMEOUT", 10, 1, &cfg.SendTimeout},
		{"COMMAND_TIMEOUT", 60, 1, &cfg.CommandTimeout},
	}
	for _, d := range durations {
		secs, err := intFromEnv(d.key, d.def, d.floor)
		if err != nil {
			return nil, err
		}
		*d.dst = time.Duration(secs) * time.Second
	}

	workers, err := intFromEnv("FETCH_WORKERS", 4, 1)
	if err != nil {
		return nil, err
	}
	cfg.FetchWorkers = workers

	cfg.SendRate = 20
	if raw := os.Getenv("SEND_RATE"); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil || rate <= 0 {
			return nil, fmt.Errorf("invalid SEND_RATE %q: must be a positive number", raw)
		}
		cfg.SendRate = rate
	}

	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			cfg.AllowedUsers = append(cfg.AllowedUsers, uid)
		}
	}

	return cfg, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	return len(c.AllowedUsers) == 0 || slices.Contains(c.AllowedUsers, userID)
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intFromEnv(key string, def, minVal int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n < minVal {
		return 0, fmt.Errorf("invalid %s %d: must be at least %d", key, n, minVal)
	}
	return n, nil
}
