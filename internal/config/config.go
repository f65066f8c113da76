package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakTokens = []string{
	"change-me", "dev-token-change-me", "secret", "admin", "password",
}

type Config struct {
	Port              int    `env:"PORT" envDefault:"8080"`
	DatabaseURL       string `env:"DATABASE_URL,required"`
	RedisURL          string `env:"REDIS_URL,required"`
	TelematicsBaseURL string `env:"TELEMATICS_BASE_URL,required"`
	TelematicsAPIKey  string `env:"TELEMATICS_API_KEY"`
	TechnicianToken   string `env:"TECHNICIAN_API_TOKEN,required"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`

	PollIntervalSeconds int `env:"POLL_INTERVAL_SECONDS" envDefault:"60"`
	StatusTimeoutSecs   int `env:"STATUS_TIMEOUT_SECONDS" envDefault:"30"`
	MaxPollAttempts     int `env:"MAX_POLL_ATTEMPTS" envDefault:"10"`

	// When true, a remote command awaiting acknowledgment blocks the
	// polling loop from starting. Matches the installer workflow where
	// the technician does one thing at a time.
	CommandsBlockPolling bool `env:"COMMANDS_BLOCK_POLLING" envDefault:"true"`
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) StatusTimeout() time.Duration {
	return time.Duration(c.StatusTimeoutSecs) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.PollIntervalSeconds < 1 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be at least 1")
	}
	if c.MaxPollAttempts < 1 {
		return fmt.Errorf("MAX_POLL_ATTEMPTS must be at least 1")
	}
	if !strings.HasPrefix(c.TelematicsBaseURL, "http://") &&
		!strings.HasPrefix(c.TelematicsBaseURL, "https://") {
		return fmt.Errorf("TELEMATICS_BASE_URL must be an http(s) URL")
	}

	if isProduction {
		if err := validateToken("TECHNICIAN_API_TOKEN", c.TechnicianToken); err != nil {
			return err
		}
		if strings.HasPrefix(c.TelematicsBaseURL, "http://") {
			log.Warn().Msg("TELEMATICS_BASE_URL uses http:// in production: consider https://")
		}
		if c.TelematicsAPIKey == "" {
			log.Warn().Msg("TELEMATICS_API_KEY is empty in production: status endpoint calls will be unauthenticated")
		}
	}

	return nil
}

func validateToken(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakTokens {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong token in production", name)
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
