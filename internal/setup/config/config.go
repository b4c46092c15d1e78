package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigFileNotFound = errors.New("could not find config file in any config path")
	ErrMissingCredentials = errors.New("config file is missing platform credentials")
)

// Config represents the entire application configuration.
type Config struct {
	Credentials Credentials `koanf:"credentials"`
	Paths       Paths       `koanf:"paths"`
	Redis       Redis       `koanf:"redis"`
	HTTP        HTTP        `koanf:"http"`
	Engine      Engine      `koanf:"engine"`
	Scheduler   Scheduler   `koanf:"scheduler"`
	Cache       Cache       `koanf:"cache"`
	Debug       Debug       `koanf:"debug"`
}

// Credentials contains the platform session used by the client.
// The session cookie is established out of band; the daemon never performs
// password logins.
type Credentials struct {
	// Account username, used for logging only.
	Username string `koanf:"username"`
	// Session cookie value. Fatal at startup when empty.
	SessionID string `koanf:"session_id"`
}

// Paths contains filesystem locations for durable state.
type Paths struct {
	// Directory holding the ledger state files.
	StateDir string `koanf:"state_dir"`
	// Directory for session log output.
	LogDir string `koanf:"log_dir"`
	// SQLite database recording executed actions.
	HistoryDB string `koanf:"history_db"`
}

// Redis contains Redis connection configuration.
type Redis struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// HTTP contains transport tuning for the platform client.
type HTTP struct {
	// Request timeout in milliseconds.
	RequestTimeout int `koanf:"request_timeout"`
	// Maximum retry attempts per request.
	RetryMax int `koanf:"retry_max"`
	// Initial retry delay in milliseconds.
	RetryDelay int `koanf:"retry_delay"`
	// Maximum retry delay in milliseconds.
	RetryMaxDelay int `koanf:"retry_max_delay"`
	// Requests allowed through a half-open circuit breaker.
	BreakerMaxRequests int `koanf:"breaker_max_requests"`
	// Circuit breaker counting window in milliseconds.
	BreakerInterval int `koanf:"breaker_interval"`
	// Circuit breaker open-state duration in milliseconds.
	BreakerTimeout int `koanf:"breaker_timeout"`
	// HTTP response cache expiry in minutes.
	ResponseCacheMinutes int `koanf:"response_cache_minutes"`
}

// Engine contains per-action thresholds.
type Engine struct {
	// Discovery refills the candidate queue up to this length.
	MinQueueLength int `koanf:"min_queue_length"`
	// Auto-followed accounts above this count are unfollowed oldest-first.
	MaxFollowing int `koanf:"max_following"`
	// Auto-follows older than this many days are unfollowed.
	MaxFollowDays int `koanf:"max_follow_days"`
	// Private accounts that accepted but did not follow back within this
	// many hours are unfollowed.
	MaxUnreturnedHours int `koanf:"max_unreturned_hours"`
	// Cap on unfollows per bulk-unfollow invocation.
	UnfollowBatchCap int `koanf:"unfollow_batch_cap"`
	// Bounds of the random media sample for like actions.
	LikeMin int `koanf:"like_min"`
	LikeMax int `koanf:"like_max"`
	// Number of freshly discovered candidates to prefetch profiles for.
	PrefetchCount int `koanf:"prefetch_count"`
}

// Scheduler contains loop pacing configuration.
type Scheduler struct {
	// Target number of cycles per day.
	DailyRate int `koanf:"daily_rate"`
	// Standard deviation of the inter-cycle sleep in seconds.
	SleepSigmaSeconds int `koanf:"sleep_sigma_seconds"`
	// Probability of invalidating the follower view each cycle.
	InvalidateProbability float64 `koanf:"invalidate_probability"`
	// Pause after a feedback signal, in minutes.
	FeedbackCooldownMinutes int `koanf:"feedback_cooldown_minutes"`
}

// Cache contains user-info cache configuration.
type Cache struct {
	// Profile snapshot expiry in days.
	ProfileTTLDays int `koanf:"profile_ttl_days"`
}

// Debug contains debug-related configuration.
type Debug struct {
	// Log level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
	// Maximum log sessions to keep.
	MaxLogsToKeep int `koanf:"max_logs_to_keep"`
}

// LoadConfig loads tendril.toml from the first matching search path and
// validates the parts the daemon cannot run without.
func LoadConfig() (*Config, error) {
	k := koanf.New(".")

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPaths := []string{
		".tendril",
		homeDir + "/.tendril",
		"/etc/tendril",
		"config",
		".",
	}

	loaded := false

	for _, path := range configPaths {
		if err := k.Load(file.Provider(path+"/tendril.toml"), toml.Parser()); err == nil {
			loaded = true
			break
		}
	}

	if !loaded {
		return nil, fmt.Errorf("%w: tendril.toml", ErrConfigFileNotFound)
	}

	config := defaults()
	if err := k.Unmarshal("", config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Credentials.SessionID == "" {
		return nil, fmt.Errorf("%w: credentials.session_id", ErrMissingCredentials)
	}

	return config, nil
}

// defaults returns the configuration used when a key is absent from the file.
// The empirically tuned scheduler values from the original deployment are
// defaults, not constants; operators override them per account.
func defaults() *Config {
	return &Config{
		Paths: Paths{
			StateDir:  "state",
			LogDir:    "logs",
			HistoryDB: "state/history.db",
		},
		Redis: Redis{
			Host: "127.0.0.1",
			Port: 6379,
		},
		HTTP: HTTP{
			RequestTimeout:       15000,
			RetryMax:             2,
			RetryDelay:           1000,
			RetryMaxDelay:        5000,
			BreakerMaxRequests:   1,
			BreakerInterval:      60000,
			BreakerTimeout:       30000,
			ResponseCacheMinutes: 60,
		},
		Engine: Engine{
			MinQueueLength:     100,
			MaxFollowing:       1440,
			MaxFollowDays:      4,
			MaxUnreturnedHours: 96,
			UnfollowBatchCap:   10,
			LikeMin:            2,
			LikeMax:            4,
			PrefetchCount:      8,
		},
		Scheduler: Scheduler{
			DailyRate:               400,
			SleepSigmaSeconds:       60,
			InvalidateProbability:   0.01,
			FeedbackCooldownMinutes: 120,
		},
		Cache: Cache{
			ProfileTTLDays: 60,
		},
		Debug: Debug{
			LogLevel:      "info",
			MaxLogsToKeep: 10,
		},
	}
}
