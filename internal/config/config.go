package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration for the tick engine process.
type Config struct {
	Engine        EngineConfig
	API           APIConfig
	Feed          FeedConfig
	Observability ObservabilityConfig
}

// EngineConfig mirrors the configuration table of the core engine:
// partitions, queue capacity, moving-average window, sliding-window
// duration, anomaly threshold and recent-anomaly retention.
type EngineConfig struct {
	Partitions                int
	ChannelCapacity           int
	MovingAverageWindow       int
	SlidingWindowMilliseconds int
	AnomalyThresholdPercent   float64
	RecentAnomaliesCapacity   int
}

// APIConfig configures the HTTP/WebSocket query layer.
type APIConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	EnableCORS      bool
	EnableWebSocket bool
	AllowedOrigins  []string
}

// FeedConfig configures the Redis pub/sub tick transport.
type FeedConfig struct {
	RedisURL        string
	Channel         string
	BreakerMaxFails uint32
	BreakerTimeout  time.Duration
}

type ObservabilityConfig struct {
	ServiceName string
	LogLevel    string
	LogFormat   string
}

// tomlOverlay mirrors Config but with every field optional, so a
// checked-in base file only needs to set the keys it wants to override.
type tomlOverlay struct {
	Engine struct {
		Partitions                *int
		ChannelCapacity           *int
		MovingAverageWindow       *int
		SlidingWindowMilliseconds *int
		AnomalyThresholdPercent   *float64
		RecentAnomaliesCapacity   *int
	}
	API struct {
		Host            *string
		Port            *string
		ReadTimeout     *string
		WriteTimeout    *string
		EnableCORS      *bool
		EnableWebSocket *bool
		AllowedOrigins  []string
	}
	Feed struct {
		RedisURL        *string
		Channel         *string
		BreakerMaxFails *uint32
		BreakerTimeout  *string
	}
	Observability struct {
		ServiceName *string
		LogLevel    *string
		LogFormat   *string
	}
}

// Load builds a Config from defaults, an optional TOML file named by
// TICKENGINE_CONFIG_FILE (if set and present), and environment
// variables, in that order of increasing precedence: env vars always
// win over the file, and the file always wins over the built-in
// default for any key it sets.
func Load() (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			Partitions:                getIntEnv("PARTITIONS", 0),
			ChannelCapacity:           getIntEnv("CHANNEL_CAPACITY", 100_000),
			MovingAverageWindow:       getIntEnv("MOVING_AVERAGE_WINDOW", 64),
			SlidingWindowMilliseconds: getIntEnv("SLIDING_WINDOW_MILLISECONDS", 1000),
			AnomalyThresholdPercent:   getFloatEnv("ANOMALY_THRESHOLD_PERCENT", 2.0),
			RecentAnomaliesCapacity:   getIntEnv("RECENT_ANOMALIES_CAPACITY", 10_000),
		},
		API: APIConfig{
			Host:            getEnv("API_HOST", "0.0.0.0"),
			Port:            getEnv("API_PORT", "8080"),
			ReadTimeout:     getDurationEnv("API_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationEnv("API_WRITE_TIMEOUT", 15*time.Second),
			EnableCORS:      getBoolEnv("API_ENABLE_CORS", true),
			EnableWebSocket: getBoolEnv("API_ENABLE_WEBSOCKET", true),
			AllowedOrigins:  getSliceEnv("API_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Feed: FeedConfig{
			RedisURL:        getEnv("FEED_REDIS_URL", "redis://localhost:6379"),
			Channel:         getEnv("FEED_CHANNEL", "ticks"),
			BreakerMaxFails: uint32(getIntEnv("FEED_BREAKER_MAX_FAILS", 5)),
			BreakerTimeout:  getDurationEnv("FEED_BREAKER_TIMEOUT", 30*time.Second),
		},
		Observability: ObservabilityConfig{
			ServiceName: getEnv("OTEL_SERVICE_NAME", "tickengine"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "json"),
		},
	}

	if path := os.Getenv("TICKENGINE_CONFIG_FILE"); path != "" {
		if err := applyTOMLOverlay(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
		// Re-apply env vars on top of the file so env always wins,
		// but only for keys the caller actually set.
		overrideFromEnv(cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func applyTOMLOverlay(cfg *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	var overlay tomlOverlay
	if _, err := toml.DecodeFile(path, &overlay); err != nil {
		return err
	}

	if v := overlay.Engine.Partitions; v != nil {
		cfg.Engine.Partitions = *v
	}
	if v := overlay.Engine.ChannelCapacity; v != nil {
		cfg.Engine.ChannelCapacity = *v
	}
	if v := overlay.Engine.MovingAverageWindow; v != nil {
		cfg.Engine.MovingAverageWindow = *v
	}
	if v := overlay.Engine.SlidingWindowMilliseconds; v != nil {
		cfg.Engine.SlidingWindowMilliseconds = *v
	}
	if v := overlay.Engine.AnomalyThresholdPercent; v != nil {
		cfg.Engine.AnomalyThresholdPercent = *v
	}
	if v := overlay.Engine.RecentAnomaliesCapacity; v != nil {
		cfg.Engine.RecentAnomaliesCapacity = *v
	}

	if v := overlay.API.Host; v != nil {
		cfg.API.Host = *v
	}
	if v := overlay.API.Port; v != nil {
		cfg.API.Port = *v
	}
	if v := overlay.API.ReadTimeout; v != nil {
		if d, err := time.ParseDuration(*v); err == nil {
			cfg.API.ReadTimeout = d
		}
	}
	if v := overlay.API.WriteTimeout; v != nil {
		if d, err := time.ParseDuration(*v); err == nil {
			cfg.API.WriteTimeout = d
		}
	}
	if v := overlay.API.EnableCORS; v != nil {
		cfg.API.EnableCORS = *v
	}
	if v := overlay.API.EnableWebSocket; v != nil {
		cfg.API.EnableWebSocket = *v
	}
	if len(overlay.API.AllowedOrigins) > 0 {
		cfg.API.AllowedOrigins = overlay.API.AllowedOrigins
	}

	if v := overlay.Feed.RedisURL; v != nil {
		cfg.Feed.RedisURL = *v
	}
	if v := overlay.Feed.Channel; v != nil {
		cfg.Feed.Channel = *v
	}
	if v := overlay.Feed.BreakerMaxFails; v != nil {
		cfg.Feed.BreakerMaxFails = *v
	}
	if v := overlay.Feed.BreakerTimeout; v != nil {
		if d, err := time.ParseDuration(*v); err == nil {
			cfg.Feed.BreakerTimeout = d
		}
	}

	if v := overlay.Observability.ServiceName; v != nil {
		cfg.Observability.ServiceName = *v
	}
	if v := overlay.Observability.LogLevel; v != nil {
		cfg.Observability.LogLevel = *v
	}
	if v := overlay.Observability.LogFormat; v != nil {
		cfg.Observability.LogFormat = *v
	}

	return nil
}

// overrideFromEnv re-applies every environment variable Load already
// consulted, so that an env var set alongside a config file always
// takes precedence over the file's value.
func overrideFromEnv(cfg *Config) {
	if _, ok := os.LookupEnv("PARTITIONS"); ok {
		cfg.Engine.Partitions = getIntEnv("PARTITIONS", cfg.Engine.Partitions)
	}
	if _, ok := os.LookupEnv("CHANNEL_CAPACITY"); ok {
		cfg.Engine.ChannelCapacity = getIntEnv("CHANNEL_CAPACITY", cfg.Engine.ChannelCapacity)
	}
	if _, ok := os.LookupEnv("MOVING_AVERAGE_WINDOW"); ok {
		cfg.Engine.MovingAverageWindow = getIntEnv("MOVING_AVERAGE_WINDOW", cfg.Engine.MovingAverageWindow)
	}
	if _, ok := os.LookupEnv("SLIDING_WINDOW_MILLISECONDS"); ok {
		cfg.Engine.SlidingWindowMilliseconds = getIntEnv("SLIDING_WINDOW_MILLISECONDS", cfg.Engine.SlidingWindowMilliseconds)
	}
	if _, ok := os.LookupEnv("ANOMALY_THRESHOLD_PERCENT"); ok {
		cfg.Engine.AnomalyThresholdPercent = getFloatEnv("ANOMALY_THRESHOLD_PERCENT", cfg.Engine.AnomalyThresholdPercent)
	}
	if _, ok := os.LookupEnv("RECENT_ANOMALIES_CAPACITY"); ok {
		cfg.Engine.RecentAnomaliesCapacity = getIntEnv("RECENT_ANOMALIES_CAPACITY", cfg.Engine.RecentAnomaliesCapacity)
	}

	if _, ok := os.LookupEnv("API_HOST"); ok {
		cfg.API.Host = getEnv("API_HOST", cfg.API.Host)
	}
	if _, ok := os.LookupEnv("API_PORT"); ok {
		cfg.API.Port = getEnv("API_PORT", cfg.API.Port)
	}
	if _, ok := os.LookupEnv("API_READ_TIMEOUT"); ok {
		cfg.API.ReadTimeout = getDurationEnv("API_READ_TIMEOUT", cfg.API.ReadTimeout)
	}
	if _, ok := os.LookupEnv("API_WRITE_TIMEOUT"); ok {
		cfg.API.WriteTimeout = getDurationEnv("API_WRITE_TIMEOUT", cfg.API.WriteTimeout)
	}
	if _, ok := os.LookupEnv("API_ENABLE_CORS"); ok {
		cfg.API.EnableCORS = getBoolEnv("API_ENABLE_CORS", cfg.API.EnableCORS)
	}
	if _, ok := os.LookupEnv("API_ENABLE_WEBSOCKET"); ok {
		cfg.API.EnableWebSocket = getBoolEnv("API_ENABLE_WEBSOCKET", cfg.API.EnableWebSocket)
	}
	if _, ok := os.LookupEnv("API_ALLOWED_ORIGINS"); ok {
		cfg.API.AllowedOrigins = getSliceEnv("API_ALLOWED_ORIGINS", cfg.API.AllowedOrigins)
	}

	if _, ok := os.LookupEnv("FEED_REDIS_URL"); ok {
		cfg.Feed.RedisURL = getEnv("FEED_REDIS_URL", cfg.Feed.RedisURL)
	}
	if _, ok := os.LookupEnv("FEED_CHANNEL"); ok {
		cfg.Feed.Channel = getEnv("FEED_CHANNEL", cfg.Feed.Channel)
	}
	if _, ok := os.LookupEnv("FEED_BREAKER_MAX_FAILS"); ok {
		cfg.Feed.BreakerMaxFails = uint32(getIntEnv("FEED_BREAKER_MAX_FAILS", int(cfg.Feed.BreakerMaxFails)))
	}
	if _, ok := os.LookupEnv("FEED_BREAKER_TIMEOUT"); ok {
		cfg.Feed.BreakerTimeout = getDurationEnv("FEED_BREAKER_TIMEOUT", cfg.Feed.BreakerTimeout)
	}

	if _, ok := os.LookupEnv("OTEL_SERVICE_NAME"); ok {
		cfg.Observability.ServiceName = getEnv("OTEL_SERVICE_NAME", cfg.Observability.ServiceName)
	}
	if _, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Observability.LogLevel = getEnv("LOG_LEVEL", cfg.Observability.LogLevel)
	}
	if _, ok := os.LookupEnv("LOG_FORMAT"); ok {
		cfg.Observability.LogFormat = getEnv("LOG_FORMAT", cfg.Observability.LogFormat)
	}
}

// validate enforces the fail-fast startup constraints on the engine
// configuration table: partitions may be zero (meaning "available
// hardware execution contexts") but never negative, and every other
// tunable must be strictly positive except the anomaly retention
// capacity, which has a hard floor of 100.
func (c *Config) validate() error {
	if c.Engine.Partitions < 0 {
		return fmt.Errorf("engine.partitions must be >= 0, got %d", c.Engine.Partitions)
	}
	if c.Engine.ChannelCapacity <= 0 {
		return fmt.Errorf("engine.channel_capacity must be > 0, got %d", c.Engine.ChannelCapacity)
	}
	if c.Engine.MovingAverageWindow <= 0 {
		return fmt.Errorf("engine.moving_average_window must be > 0, got %d", c.Engine.MovingAverageWindow)
	}
	if c.Engine.SlidingWindowMilliseconds <= 0 {
		return fmt.Errorf("engine.sliding_window_milliseconds must be > 0, got %d", c.Engine.SlidingWindowMilliseconds)
	}
	if c.Engine.AnomalyThresholdPercent <= 0 {
		return fmt.Errorf("engine.anomaly_threshold_percent must be > 0, got %f", c.Engine.AnomalyThresholdPercent)
	}
	if c.Engine.RecentAnomaliesCapacity < 100 {
		return fmt.Errorf("engine.recent_anomalies_capacity must be >= 100, got %d", c.Engine.RecentAnomaliesCapacity)
	}
	return nil
}

// Helper functions for environment variable parsing.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, item := range parts {
			item = strings.TrimSpace(item)
			if item != "" {
				result = append(result, item)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
