package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/noah-isme/setu-sync/internal/realtime"
)

// Feed sources.
const (
	FeedSourceService  = "service"
	FeedSourcePostgres = "postgres"
)

// Config holds runtime configuration values for the sync service.
type Config struct {
	AppName            string
	AppEnv             string
	AppPort            string
	DatabaseDriver     string
	DatabaseURL        string
	RedisURL           string
	NATSURL            string
	ChannelBase        string
	FeedSource         string
	NotifyChannel      string
	JWTSecret          string
	ProfileCacheTTL    time.Duration
	TypingThrottle     time.Duration
	StopTypingDelay    time.Duration
	TypingExpiry       time.Duration
	PresenceHeartbeat  time.Duration
	PageSize           int
	HandlerConcurrency int
	SSETimeout         time.Duration
	MessageRateLimit   int
	ShutdownTimeout    time.Duration
	CORSOrigins        string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Timings returns the realtime engine durations.
func (c Config) Timings() realtime.Timings {
	return realtime.Timings{
		TypingThrottle:    c.TypingThrottle,
		StopTypingDelay:   c.StopTypingDelay,
		TypingExpiry:      c.TypingExpiry,
		PresenceHeartbeat: c.PresenceHeartbeat,
	}
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("SETU")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	v.SetDefault("app.name", "Setu Sync")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("channel_base", "setu")
	v.SetDefault("feed.source", FeedSourceService)
	v.SetDefault("feed.notify_channel", "setu_changes")
	v.SetDefault("profile.cache_ttl", "5m")
	v.SetDefault("typing.throttle_ms", 2000)
	v.SetDefault("typing.stop_delay_ms", 3000)
	v.SetDefault("typing.expiry_ms", 4000)
	v.SetDefault("presence.heartbeat", "60s")
	v.SetDefault("history.page_size", 50)
	v.SetDefault("handler.concurrency", 32)
	v.SetDefault("sse.timeout", "30s")
	v.SetDefault("messages.rate_limit", 20)
	v.SetDefault("shutdown.timeout", "5s")
	v.SetDefault("cors.origins", "*")

	durations := map[string]time.Duration{}
	for _, key := range []string{"profile.cache_ttl", "presence.heartbeat", "sse.timeout", "shutdown.timeout"} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		durations[key] = parsed
	}

	millis := map[string]time.Duration{}
	for _, key := range []string{"typing.throttle_ms", "typing.stop_delay_ms", "typing.expiry_ms"} {
		value := v.GetInt(key)
		if value <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		millis[key] = time.Duration(value) * time.Millisecond
	}

	cfg := Config{
		AppName:            v.GetString("app.name"),
		AppEnv:             v.GetString("app.env"),
		AppPort:            v.GetString("app.port"),
		DatabaseDriver:     strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:        v.GetString("database.url"),
		RedisURL:           v.GetString("redis.url"),
		NATSURL:            v.GetString("nats.url"),
		ChannelBase:        v.GetString("channel_base"),
		FeedSource:         strings.ToLower(v.GetString("feed.source")),
		NotifyChannel:      v.GetString("feed.notify_channel"),
		JWTSecret:          v.GetString("jwt.secret"),
		ProfileCacheTTL:    durations["profile.cache_ttl"],
		TypingThrottle:     millis["typing.throttle_ms"],
		StopTypingDelay:    millis["typing.stop_delay_ms"],
		TypingExpiry:       millis["typing.expiry_ms"],
		PresenceHeartbeat:  durations["presence.heartbeat"],
		PageSize:           v.GetInt("history.page_size"),
		HandlerConcurrency: v.GetInt("handler.concurrency"),
		SSETimeout:         durations["sse.timeout"],
		MessageRateLimit:   v.GetInt("messages.rate_limit"),
		ShutdownTimeout:    durations["shutdown.timeout"],
		CORSOrigins:        v.GetString("cors.origins"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}

	switch cfg.FeedSource {
	case FeedSourceService:
	case FeedSourcePostgres:
		if cfg.DatabaseDriver != "postgres" {
			return Config{}, fmt.Errorf("feed source %q requires the postgres driver", cfg.FeedSource)
		}
	default:
		return Config{}, fmt.Errorf("unsupported feed source %q", cfg.FeedSource)
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.HandlerConcurrency <= 0 {
		cfg.HandlerConcurrency = 32
	}
	if cfg.MessageRateLimit <= 0 {
		cfg.MessageRateLimit = 20
	}

	return cfg, nil
}
