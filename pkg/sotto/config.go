package sotto

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Audio       AudioConfig     `mapstructure:"audio"`
	Queues      QueuesConfig    `mapstructure:"queues"`
	Transport   TransportConfig `mapstructure:"transport"`
	Controls    ControlsConfig  `mapstructure:"controls"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	LogFormat   string          `mapstructure:"log_format"`
}

type AudioConfig struct {
	SampleRate int           `mapstructure:"sample_rate"`
	Channels   int           `mapstructure:"channels"`
	FrameSize  int           `mapstructure:"frame_size"`
	ChunkSize  int           `mapstructure:"chunk_size"`
	PaceMS     int           `mapstructure:"pace_ms"`
	JoinMS     int           `mapstructure:"join_timeout_ms"`
	PollMS     int           `mapstructure:"poll_ms"`
	Pace       time.Duration `mapstructure:"-"`
	Join       time.Duration `mapstructure:"-"`
	Poll       time.Duration `mapstructure:"-"`
}

type QueuesConfig struct {
	OutboundCapacity int `mapstructure:"outbound_capacity"`
	InboundCapacity  int `mapstructure:"inbound_capacity"`
	FairnessRatio    int `mapstructure:"fairness_ratio"`
}

type TransportConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// ControlsConfig names the key bindings and how each control arbitrates.
// Modes: query_hold, query_toggle, context_toggle.
type ControlsConfig struct {
	Bindings map[string]string `mapstructure:"bindings"`
	Keys     map[string]string `mapstructure:"keys"`
	QuitKey  string            `mapstructure:"quit_key"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Buffer  int  `mapstructure:"buffer"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.frame_size", 1024)
	v.SetDefault("audio.chunk_size", 4096)
	v.SetDefault("audio.pace_ms", 50)
	v.SetDefault("audio.join_timeout_ms", 500)
	v.SetDefault("audio.poll_ms", 100)
	v.SetDefault("queues.outbound_capacity", 256)
	v.SetDefault("queues.inbound_capacity", 128)
	v.SetDefault("queues.fairness_ratio", 3)
	v.SetDefault("transport.provider", "ws")
	v.SetDefault("controls.bindings.query", "query_toggle")
	v.SetDefault("controls.bindings.context", "context_toggle")
	v.SetDefault("controls.keys.space", "query")
	v.SetDefault("controls.keys.c", "context")
	v.SetDefault("controls.quit_key", "q")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.buffer", 1024)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg.Audio.Pace = time.Duration(cfg.Audio.PaceMS) * time.Millisecond
	cfg.Audio.Join = time.Duration(cfg.Audio.JoinMS) * time.Millisecond
	cfg.Audio.Poll = time.Duration(cfg.Audio.PollMS) * time.Millisecond

	expandEnvStrings(&cfg)
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transport.Provider) == "" {
		return fmt.Errorf("transport.provider is required")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	if c.Audio.FrameSize <= 0 {
		return fmt.Errorf("audio.frame_size must be positive")
	}
	if c.Audio.ChunkSize <= 0 {
		return fmt.Errorf("audio.chunk_size must be positive")
	}
	for control, mode := range c.Controls.Bindings {
		switch mode {
		case "query_hold", "query_toggle", "context_toggle":
		default:
			return fmt.Errorf("controls.bindings.%s: unknown mode %q", control, mode)
		}
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
