package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	AppID      string        `mapstructure:"app_id"`
	ControlKey string        `mapstructure:"control_key"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	ICEServers []string      `mapstructure:"ice_servers"`

	Presence PresenceConfig `mapstructure:"presence"`
	Render   RenderConfig   `mapstructure:"render"`
	Screen   ScreenConfig   `mapstructure:"screen"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Client   ClientConfig   `mapstructure:"client"`
	Log      LogConfig      `mapstructure:"log"`
}

type PresenceConfig struct {
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type RenderConfig struct {
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type ScreenConfig struct {
	Quiescence time.Duration `mapstructure:"quiescence"`
}

type PolicyConfig struct {
	AutoDisableCamera bool `mapstructure:"auto_disable_camera"`
}

type ClientConfig struct {
	ServerURL        string        `mapstructure:"server_url"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads .env (optional), then config/config.<CONFIG_ENV>.yaml, then
// STAGE_* environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg("read .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("STAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("presence", cfg.Presence.Driver).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("app_id", "stage")
	v.SetDefault("control_key", "")
	v.SetDefault("token_ttl", "10m")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("presence.driver", "memory")
	v.SetDefault("presence.dsn", "stage.db")
	v.SetDefault("presence.poll_interval", "3s")
	v.SetDefault("render.retry_attempts", 3)
	v.SetDefault("render.retry_delay", "160ms")
	v.SetDefault("screen.quiescence", "1500ms")
	v.SetDefault("policy.auto_disable_camera", true)
	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.subscribe_timeout", "15s")
	v.SetDefault("log.level", "info")
}

func (c *Config) Validate() error {
	switch c.Presence.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown presence driver %q", c.Presence.Driver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.TokenTTL <= 0 {
		return errors.New("config: token_ttl must be positive")
	}
	if c.Secret == "" {
		return errors.New("config: secret must not be empty")
	}
	return nil
}
