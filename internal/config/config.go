package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	// Call registry housekeeping.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	CallTTL       time.Duration `mapstructure:"call_ttl"`

	// Redelivery schedule for call-ended notifications.
	EndResendDelays []time.Duration `mapstructure:"end_resend_delays"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("sweep_interval", "60s")
	v.SetDefault("call_ttl", "1h")
	v.SetDefault("end_resend_delays", []string{"300ms", "600ms", "1s"})

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// ClientConfig drives the call client binary: where the relay lives and
// the timing knobs of the session controller and transport manager.
type ClientConfig struct {
	ServerURL   string `mapstructure:"server_url"`
	FallbackURL string `mapstructure:"fallback_url"`
	Identity    string `mapstructure:"identity"`

	PresenceTimeout  time.Duration `mapstructure:"presence_timeout"`
	Debounce         time.Duration `mapstructure:"debounce"`
	RestartGrace     time.Duration `mapstructure:"restart_grace"`
	DisconnectGrace  time.Duration `mapstructure:"disconnect_grace"`
	MaxNegotiations  int           `mapstructure:"max_negotiations"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	RetriesPerRoute  int           `mapstructure:"retries_per_route"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	FlushSpacing     time.Duration `mapstructure:"flush_spacing"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	MaxProbeFailures int           `mapstructure:"max_probe_failures"`
	TeardownDelay    time.Duration `mapstructure:"teardown_delay"`
	UICloseDelay     time.Duration `mapstructure:"ui_close_delay"`

	// Redelivery schedule for critical signaling messages.
	ResendDelays []time.Duration `mapstructure:"resend_delays"`
}

func LoadClient() (*ClientConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/client.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("fallback_url", "")
	v.SetDefault("presence_timeout", "5s")
	v.SetDefault("debounce", "300ms")
	v.SetDefault("restart_grace", "2s")
	v.SetDefault("disconnect_grace", "15s")
	v.SetDefault("max_negotiations", 3)
	v.SetDefault("attempt_timeout", "6s")
	v.SetDefault("retries_per_route", 3)
	v.SetDefault("retry_delay", "2s")
	v.SetDefault("flush_spacing", "50ms")
	v.SetDefault("probe_interval", "25s")
	v.SetDefault("max_probe_failures", 3)
	v.SetDefault("teardown_delay", "300ms")
	v.SetDefault("ui_close_delay", "1s")
	v.SetDefault("resend_delays", []string{"300ms", "600ms", "1s"})

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
