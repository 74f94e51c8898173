package telephony

import "time"

// Config is the environment-driven configuration of a call session client.
type Config struct {
	APIURL              string        `env:"API_URL" envDefault:"http://localhost:8000"`
	PollInterval        time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	AutoCloseDelay      time.Duration `env:"AUTO_CLOSE_DELAY" envDefault:"3s"`
	AudioActivityPolicy string        `env:"AUDIO_ACTIVITY_POLICY" envDefault:"sticky"`
	ConnectTimeout      time.Duration `env:"CONNECT_TIMEOUT" envDefault:"15s"`
	InitiateTimeout     time.Duration `env:"INITIATE_TIMEOUT" envDefault:"30s"`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"info"`
}

// SessionConfig converts c into a SessionConfig; the remaining fields keep
// their defaults.
func (c Config) SessionConfig() SessionConfig {
	return SessionConfig{
		PollInterval:    c.PollInterval,
		ConnectTimeout:  c.ConnectTimeout,
		InitiateTimeout: c.InitiateTimeout,
		AudioPolicy:     ParseAudioActivityPolicy(c.AudioActivityPolicy),
	}
}
