package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	Env            string `env:"ENVIRONMENT" envDefault:"development"`
	ServerPort     int    `env:"SERVER_PORT" envDefault:"8080"`
	ServerDNS      string `env:"SERVER_DNS" envDefault:"http://localhost:8080"`
	BasicAuthCreds string `env:"BASIC_AUTH_CREDS"`

	Database struct {
		Driver string `env:"DB_DRIVER" envDefault:"sqlite"`
		DSN    string `env:"DB_DSN" envDefault:"campwatch.sqlite"`
	}

	Mailgun struct {
		Domain      string `env:"MAILGUN_DOMAIN"`
		APIKey      string `env:"MAILGUN_API_KEY"`
		SenderFrom  string `env:"MAILGUN_SENDER_FROM" envDefault:"Campwatch <noreply@campwatch.local>"`
		TimeoutSecs int    `env:"MAILGUN_TIMEOUT_SECS" envDefault:"10"`
		APIBase     string `env:"MAILGUN_API_BASE"`

		WebhookSigningKey string `env:"MAILGUN_WEBHOOK_SIGNING_KEY"`
	}

	RecGov struct {
		BaseURL         string `env:"RECGOV_BASE_URL" envDefault:"https://www.recreation.gov/api"`
		UserAgent       string `env:"RECGOV_USER_AGENT" envDefault:"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"`
		TimeoutSecs     int    `env:"RECGOV_TIMEOUT_SECS" envDefault:"30"`
		MinIntervalSecs int    `env:"RECGOV_MIN_INTERVAL_SECS" envDefault:"5"`
		MaxCallsPerHour int    `env:"RECGOV_MAX_CALLS_PER_HOUR" envDefault:"1000"`
	}

	Scheduler Scheduler

	log   *zap.Logger
	creds map[string]string
}

// Scheduler holds the polling knobs. Durations are in whole units to keep the env simple.
type Scheduler struct {
	WakeupIntervalSecs        int `env:"SCHEDULER_WAKEUP_INTERVAL_SECS" envDefault:"30"`
	Concurrency               int `env:"SCHEDULER_CONCURRENCY" envDefault:"5"`
	BaseIntervalMins          int `env:"SCHEDULER_BASE_INTERVAL_MINS" envDefault:"15"`
	MinIntervalMins           int `env:"SCHEDULER_MIN_INTERVAL_MINS" envDefault:"5"`
	MaxIntervalMins           int `env:"SCHEDULER_MAX_INTERVAL_MINS" envDefault:"60"`
	MaxBackoffMins            int `env:"SCHEDULER_MAX_BACKOFF_MINS" envDefault:"240"`
	RateLimitBackoffMins      int `env:"SCHEDULER_RATE_LIMIT_BACKOFF_MINS" envDefault:"60"`
	ClaimTimeoutMins          int `env:"SCHEDULER_CLAIM_TIMEOUT_MINS" envDefault:"10"`
	PollTimeoutSecs           int `env:"SCHEDULER_POLL_TIMEOUT_SECS" envDefault:"120"`
	AvailabilityRetentionDays int `env:"SCHEDULER_AVAILABILITY_RETENTION_DAYS" envDefault:"1"`
}

func (s Scheduler) WakeupInterval() time.Duration {
	return time.Duration(s.WakeupIntervalSecs) * time.Second
}

func (s Scheduler) PollTimeout() time.Duration {
	return time.Duration(s.PollTimeoutSecs) * time.Second
}

func NewConfig(lc fx.Lifecycle, log *zap.Logger) (*Config, error) {
	cfg := &Config{log: log}
	if err := cfg.load(); err != nil {
		return nil, err
	}

	creds, err := cfg.parseCreds()
	if err != nil {
		if cfg.Env == "development" {
			cfg.log.Sugar().Infof("%s (credentials will be set to default in development env)", err)
			creds = map[string]string{"admin": "password"}
		} else {
			return nil, err
		}
	}
	cfg.creds = creds

	return cfg, nil
}

func (cfg *Config) load() error {
	// Production relies on the real environment only.
	if os.Getenv("ENVIRONMENT") != "production" {
		if err := godotenv.Load(); err != nil && cfg.log != nil {
			cfg.log.Sugar().Debugw("No .env file loaded", "err", err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (cfg *Config) GetCreds() map[string]string {
	return cfg.creds
}

func (cfg *Config) MailgunEnabled() bool {
	return cfg.Mailgun.Domain != "" && cfg.Mailgun.APIKey != ""
}

func (cfg *Config) parseCreds() (map[string]string, error) {
	if cfg.BasicAuthCreds == "" {
		return nil, errors.New("BASIC_AUTH_CREDS envvar must be populated")
	}

	creds := strings.Split(cfg.BasicAuthCreds, ",")
	if len(creds) == 0 {
		return nil, errors.New("BASIC_AUTH_CREDS envvar should be filled with comma-separated values -- user1:pass1,user2:pass2")
	}

	result := make(map[string]string)
	for _, cred := range creds {
		userPass := strings.Split(cred, ":")
		if len(userPass) != 2 {
			return nil, fmt.Errorf("failed to parse '%s', each credential should be delimited by a colon -- user1:pass1,user2:pass2", cred)
		}

		user, pass := userPass[0], userPass[1]
		result[strings.Trim(user, " ")] = strings.Trim(pass, " ")
	}

	return result, nil
}
