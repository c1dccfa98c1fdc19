package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "OXDN"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabasePath       = "oxdn.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultCookieName         = "oxdn_session"
	defaultTokenTTLMinutes    = 60
	defaultRealtimeDriver     = "memory"
	defaultStaticRoot         = "."
	defaultOnlineStaleMinutes = 5
	defaultAwayStaleMinutes   = 30
	defaultAllowedOrigins     = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabaseDriver     string
	DatabasePath       string
	DatabaseDSN        string
	LogLevel           string
	LogFormat          string
	AuthSigningSecret  string
	AuthTokenTTL       time.Duration
	AuthCookieName     string
	GoogleClientID     string
	GoogleJWKSURL      string
	RealtimeDriver     string
	RedisURL           string
	StaticRoot         string
	OnlineStaleAfter   time.Duration
	AwayStaleAfter     time.Duration
	SweepInterval      time.Duration
	CORSAllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("google.client_id", "")
	configViper.SetDefault("google.jwks_url", "")
	configViper.SetDefault("realtime.driver", defaultRealtimeDriver)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("static.root", defaultStaticRoot)
	configViper.SetDefault("presence.online_stale_minutes", defaultOnlineStaleMinutes)
	configViper.SetDefault("presence.away_stale_minutes", defaultAwayStaleMinutes)
	configViper.SetDefault("sweeper.interval_seconds", 0)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthTokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AuthCookieName:     configViper.GetString("auth.cookie_name"),
		GoogleClientID:     strings.TrimSpace(configViper.GetString("google.client_id")),
		GoogleJWKSURL:      strings.TrimSpace(configViper.GetString("google.jwks_url")),
		RealtimeDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("realtime.driver"))),
		RedisURL:           strings.TrimSpace(configViper.GetString("redis.url")),
		StaticRoot:         configViper.GetString("static.root"),
		OnlineStaleAfter:   time.Duration(configViper.GetInt("presence.online_stale_minutes")) * time.Minute,
		AwayStaleAfter:     time.Duration(configViper.GetInt("presence.away_stale_minutes")) * time.Minute,
		SweepInterval:      time.Duration(configViper.GetInt("sweeper.interval_seconds")) * time.Second,
		CORSAllowedOrigins: splitList(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	switch c.RealtimeDriver {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("redis.url is required for the redis realtime driver")
		}
	case "postgres":
		if c.DatabaseDriver != "postgres" {
			return fmt.Errorf("the postgres realtime driver requires database.driver=postgres")
		}
	default:
		return fmt.Errorf("realtime.driver must be memory, redis or postgres, got %q", c.RealtimeDriver)
	}
	if c.OnlineStaleAfter <= 0 || c.AwayStaleAfter <= 0 {
		return fmt.Errorf("presence staleness thresholds must be positive")
	}
	if c.AwayStaleAfter < c.OnlineStaleAfter {
		return fmt.Errorf("presence.away_stale_minutes must not be shorter than presence.online_stale_minutes")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweeper.interval_seconds must not be negative")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
