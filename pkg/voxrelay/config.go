package voxrelay

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Languages     LanguageConfig      `mapstructure:"languages"`
	Relay         RelayConfig         `mapstructure:"relay"`
	STT           VendorConfig        `mapstructure:"stt"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type AuthConfig struct {
	JWT     JWTAuthConfig     `mapstructure:"jwt"`
	APIKeys APIKeysAuthConfig `mapstructure:"api_keys"`
}

type JWTAuthConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	JWKSURL          string `mapstructure:"jwks_url"`
	Issuer           string `mapstructure:"issuer"`
	Audience         string `mapstructure:"audience"`
	RefreshIntervalS int    `mapstructure:"refresh_interval_s"`
}

type APIKeysAuthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Keys maps an accepted key to the user id it authenticates.
	Keys map[string]string `mapstructure:"keys"`
}

type LanguageConfig struct {
	Default   string   `mapstructure:"default"`
	Supported []string `mapstructure:"supported"`
}

type RelayConfig struct {
	OpenTimeoutMS int `mapstructure:"open_timeout_ms"`
	SampleRate    int `mapstructure:"sample_rate"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ObservabilityConfig struct {
	ArtifactsDir string `mapstructure:"artifacts_dir"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("auth.jwt.enabled", false)
	v.SetDefault("auth.jwt.refresh_interval_s", 300)
	v.SetDefault("auth.api_keys.enabled", false)
	v.SetDefault("languages.default", "en")
	v.SetDefault("relay.open_timeout_ms", 10000)
	v.SetDefault("relay.sample_rate", 16000)
	v.SetDefault("stt.provider", "deepgram")
	v.SetDefault("transports.provider", "websocket")
	v.SetDefault("observability.artifacts_dir", "")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)
	cfg.STT.Settings = expandSettings(cfg.STT.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.STT.Provider) == "" {
		return fmt.Errorf("stt.provider is required")
	}
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if !c.Auth.JWT.Enabled && !c.Auth.APIKeys.Enabled {
		return fmt.Errorf("at least one auth strategy must be enabled")
	}
	if c.Auth.JWT.Enabled && strings.TrimSpace(c.Auth.JWT.JWKSURL) == "" {
		return fmt.Errorf("auth.jwt.jwks_url is required when jwt auth is enabled")
	}
	if c.Auth.APIKeys.Enabled && len(c.Auth.APIKeys.Keys) == 0 {
		return fmt.Errorf("auth.api_keys.keys is required when api key auth is enabled")
	}
	if strings.TrimSpace(c.Languages.Default) == "" {
		return fmt.Errorf("languages.default is required")
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
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
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
