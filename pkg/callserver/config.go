package callserver

import (
	"errors"
	"fmt"
	"time"
)

// Config is the environment-driven configuration of the call service.
type Config struct {
	TwilioAccountSID  string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken   string `env:"TWILIO_AUTH_TOKEN"`
	TwilioPhoneNumber string `env:"TWILIO_PHONE_NUMBER"`

	// ServerURL is the public HTTP origin the provider calls back on.
	ServerURL string `env:"SERVER_URL" envDefault:"http://localhost:8000"`
	// ServerHost is the public host the provider opens media streams to.
	ServerHost string `env:"SERVER_HOST" envDefault:"localhost:8000"`
	Port       int    `env:"PORT" envDefault:"8000"`

	CallStore     string        `env:"CALL_STORE" envDefault:"memory"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	CallTTL       time.Duration `env:"CALL_TTL" envDefault:"24h"`
	DatabaseURL   string        `env:"DATABASE_URL"`

	StreamPauseSeconds  int           `env:"STREAM_PAUSE_SECONDS" envDefault:"40"`
	AudioNoticeInterval time.Duration `env:"AUDIO_NOTICE_INTERVAL" envDefault:"250ms"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Validate checks the settings needed to place real calls.
func (c Config) Validate() error {
	var errs []error
	if c.TwilioAccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID not configured"))
	}
	if c.TwilioAuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN not configured"))
	}
	if c.TwilioPhoneNumber == "" {
		errs = append(errs, errors.New("TWILIO_PHONE_NUMBER not configured"))
	}
	switch c.CallStore {
	case "memory", "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL required for postgres call store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CALL_STORE %q", c.CallStore))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
