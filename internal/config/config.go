package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	JWTSecret   string `env:"JWT_SECRET,required,notEmpty"`
	JWTIssuer   string `env:"JWT_ISSUER"`
	JWTAudience string `env:"JWT_AUDIENCE"`

	RingTimeoutSeconds        int `env:"RING_TIMEOUT_SECONDS" envDefault:"40"`
	NegotiationTimeoutSeconds int `env:"NEGOTIATION_TIMEOUT_SECONDS" envDefault:"20"`
	HeartbeatIntervalSeconds  int `env:"HEARTBEAT_INTERVAL_SECONDS" envDefault:"15"`
	PresenceTimeoutSeconds    int `env:"PRESENCE_TIMEOUT_SECONDS" envDefault:"45"`
	StaleSessionHeartbeats    int `env:"STALE_SESSION_HEARTBEATS" envDefault:"4"`
	TerminalRetentionSeconds  int `env:"TERMINAL_RETENTION_SECONDS" envDefault:"120"`

	TransportMaxRetries  int `env:"TRANSPORT_MAX_RETRIES" envDefault:"5"`
	TransportRetryBaseMS int `env:"TRANSPORT_RETRY_BASE_MS" envDefault:"200"`
	CandidateBufferLimit int `env:"CANDIDATE_BUFFER_LIMIT" envDefault:"128"`

	HistoryRetentionDays int `env:"HISTORY_RETENTION_DAYS" envDefault:"90"`
	RateLimitPerMin      int `env:"RATE_LIMIT_PER_MIN" envDefault:"600"`

	// AllowedOrigins lists the browser origins allowed to open the signaling
	// socket. Empty allows any origin.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSeconds) * time.Second
}

func (c *Config) NegotiationTimeout() time.Duration {
	return time.Duration(c.NegotiationTimeoutSeconds) * time.Second
}

// HeartbeatInterval is both the client heartbeat cadence and the server's
// keepalive cadence on the event stream and the signaling socket.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) PresenceTimeout() time.Duration {
	return time.Duration(c.PresenceTimeoutSeconds) * time.Second
}

// StaleSessionAfter is how long a non-terminal session may go without any
// signaling activity before the sweep forces it to error.
func (c *Config) StaleSessionAfter() time.Duration {
	return time.Duration(c.StaleSessionHeartbeats) * c.HeartbeatInterval()
}

func (c *Config) TerminalRetention() time.Duration {
	return time.Duration(c.TerminalRetentionSeconds) * time.Second
}

func (c *Config) TransportRetryBase() time.Duration {
	return time.Duration(c.TransportRetryBaseMS) * time.Millisecond
}

func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	positive := map[string]int{
		"RING_TIMEOUT_SECONDS":        c.RingTimeoutSeconds,
		"NEGOTIATION_TIMEOUT_SECONDS": c.NegotiationTimeoutSeconds,
		"HEARTBEAT_INTERVAL_SECONDS":  c.HeartbeatIntervalSeconds,
		"PRESENCE_TIMEOUT_SECONDS":    c.PresenceTimeoutSeconds,
		"STALE_SESSION_HEARTBEATS":    c.StaleSessionHeartbeats,
		"TRANSPORT_RETRY_BASE_MS":     c.TransportRetryBaseMS,
		"CANDIDATE_BUFFER_LIMIT":      c.CandidateBufferLimit,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.TransportMaxRetries < 0 {
		return fmt.Errorf("TRANSPORT_MAX_RETRIES must not be negative")
	}
	// Server keepalives run every heartbeat interval; a single late beat
	// must not expire a connected user.
	if c.PresenceTimeoutSeconds < 2*c.HeartbeatIntervalSeconds {
		return fmt.Errorf("PRESENCE_TIMEOUT_SECONDS (%d) must be at least twice HEARTBEAT_INTERVAL_SECONDS (%d)",
			c.PresenceTimeoutSeconds, c.HeartbeatIntervalSeconds)
	}

	if isProduction {
		if err := validateSecret("JWT_SECRET", c.JWTSecret); err != nil {
			return err
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in production: in-process pub/sub does not span replicas")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if len(c.AllowedOrigins) == 0 {
			log.Warn().Msg("ALLOWED_ORIGINS is empty in production: signaling sockets accept any origin")
		}
		if c.DatabaseURL == "" {
			log.Warn().Msg("DATABASE_URL is empty in production: call history will not be recorded")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
