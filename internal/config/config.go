package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the EarthRing sync client
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Reconnect ReconnectConfig
	Streaming StreamingConfig
	Cache     CacheConfig
	Entities  EntityConfig
	Buffer    BufferConfig
	Logging   LoggingConfig
	Profiling ProfilingConfig
}

// ServerConfig holds connection settings for the authoritative server
type ServerConfig struct {
	URL              string        `validate:"required,url"`
	Protocol         string        `validate:"required"`
	HandshakeTimeout time.Duration `validate:"gt=0"`
	WriteTimeout     time.Duration `validate:"gt=0"`
	PongWait         time.Duration `validate:"gt=0"`
	PingInterval     time.Duration `validate:"gt=0"`
	SendTimeout      time.Duration `validate:"gt=0"`
	HealthAddr       string
}

// AuthConfig holds the credentials used for automatic login
type AuthConfig struct {
	Username string
	Password string
}

// ReconnectConfig holds reconnection backoff configuration
type ReconnectConfig struct {
	BaseDelay        time.Duration `validate:"gt=0"`
	MaxAttempts      int           `validate:"gte=0,lte=30"`
	WatchdogInterval time.Duration `validate:"gt=0"`
	AutoReconnect    bool
}

// StreamingConfig holds chunk streaming configuration
type StreamingConfig struct {
	LoadRadius      int           `validate:"gte=0,lte=32"`
	MaxInFlight     int           `validate:"gt=0"`
	RequestInterval time.Duration `validate:"gt=0"`
	LoadTimeout     time.Duration `validate:"gt=0"`
	RequestTimeout  time.Duration `validate:"gt=0"`
	MaxChunkRetries int           `validate:"gte=0"`
	UnloadMargin    int           `validate:"gte=0"`
	AssemblyTimeout time.Duration `validate:"gt=0"`
}

// CacheConfig holds correlation cache configuration
type CacheConfig struct {
	TTL           time.Duration `validate:"gt=0"`
	MaxEntries    int           `validate:"gt=0"`
	SweepInterval time.Duration `validate:"gt=0"`
	FetchTimeout  time.Duration `validate:"gt=0"`
}

// EntityConfig holds remote entity synchronization configuration
type EntityConfig struct {
	InterpolationRate float64       `validate:"gt=0"`
	StaleTTL          time.Duration `validate:"gt=0"`
	UpdateInterval    time.Duration `validate:"gt=0"`
	PingInterval      time.Duration `validate:"gt=0"`
}

// BufferConfig holds pre-authentication buffer configuration
type BufferConfig struct {
	PreAuthCapacity int `validate:"gt=0"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// ProfilingConfig toggles the sync-core profiler
type ProfilingConfig struct {
	Enabled bool
}

// Load reads configuration from environment variables and .env file
// It returns a Config struct with all settings populated
// The .env file is loaded from the current working directory
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found (this is OK if using environment variables): %v", err)
	}

	config := Default()
	config.Server.URL = getEnv("SERVER_URL", config.Server.URL)
	config.Server.Protocol = getEnv("SERVER_PROTOCOL", config.Server.Protocol)
	config.Server.HandshakeTimeout = getDurationEnv("SERVER_HANDSHAKE_TIMEOUT", config.Server.HandshakeTimeout)
	config.Server.WriteTimeout = getDurationEnv("SERVER_WRITE_TIMEOUT", config.Server.WriteTimeout)
	config.Server.PongWait = getDurationEnv("SERVER_PONG_WAIT", config.Server.PongWait)
	config.Server.PingInterval = getDurationEnv("SERVER_PING_INTERVAL", config.Server.PingInterval)
	config.Server.SendTimeout = getDurationEnv("SERVER_SEND_TIMEOUT", config.Server.SendTimeout)
	config.Server.HealthAddr = getEnv("HEALTH_ADDR", config.Server.HealthAddr)

	config.Auth.Username = getEnv("AUTH_USERNAME", "")
	config.Auth.Password = getEnv("AUTH_PASSWORD", "")

	config.Reconnect.BaseDelay = getDurationEnv("RECONNECT_BASE_DELAY", config.Reconnect.BaseDelay)
	config.Reconnect.MaxAttempts = getIntEnv("RECONNECT_MAX_ATTEMPTS", config.Reconnect.MaxAttempts)
	config.Reconnect.WatchdogInterval = getDurationEnv("RECONNECT_WATCHDOG_INTERVAL", config.Reconnect.WatchdogInterval)
	config.Reconnect.AutoReconnect = getBoolEnv("RECONNECT_AUTO", config.Reconnect.AutoReconnect)

	config.Streaming.LoadRadius = getIntEnv("CHUNK_LOAD_RADIUS", config.Streaming.LoadRadius)
	config.Streaming.MaxInFlight = getIntEnv("CHUNK_MAX_IN_FLIGHT", config.Streaming.MaxInFlight)
	config.Streaming.RequestInterval = getDurationEnv("CHUNK_REQUEST_INTERVAL", config.Streaming.RequestInterval)
	config.Streaming.LoadTimeout = getDurationEnv("CHUNK_LOAD_TIMEOUT", config.Streaming.LoadTimeout)
	config.Streaming.RequestTimeout = getDurationEnv("CHUNK_REQUEST_TIMEOUT", config.Streaming.RequestTimeout)
	config.Streaming.MaxChunkRetries = getIntEnv("CHUNK_MAX_RETRIES", config.Streaming.MaxChunkRetries)
	config.Streaming.UnloadMargin = getIntEnv("CHUNK_UNLOAD_MARGIN", config.Streaming.UnloadMargin)
	config.Streaming.AssemblyTimeout = getDurationEnv("CHUNK_ASSEMBLY_TIMEOUT", config.Streaming.AssemblyTimeout)

	config.Cache.TTL = getDurationEnv("CACHE_TTL", config.Cache.TTL)
	config.Cache.MaxEntries = getIntEnv("CACHE_MAX_ENTRIES", config.Cache.MaxEntries)
	config.Cache.SweepInterval = getDurationEnv("CACHE_SWEEP_INTERVAL", config.Cache.SweepInterval)
	config.Cache.FetchTimeout = getDurationEnv("CACHE_FETCH_TIMEOUT", config.Cache.FetchTimeout)

	config.Entities.InterpolationRate = getFloatEnv("ENTITY_INTERPOLATION_RATE", config.Entities.InterpolationRate)
	config.Entities.StaleTTL = getDurationEnv("ENTITY_STALE_TTL", config.Entities.StaleTTL)
	config.Entities.UpdateInterval = getDurationEnv("ENTITY_UPDATE_INTERVAL", config.Entities.UpdateInterval)
	config.Entities.PingInterval = getDurationEnv("PING_INTERVAL", config.Entities.PingInterval)

	config.Buffer.PreAuthCapacity = getIntEnv("PREAUTH_BUFFER_CAPACITY", config.Buffer.PreAuthCapacity)

	config.Logging.Level = getEnv("LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("LOG_FORMAT", config.Logging.Format)
	config.Logging.OutputPath = getEnv("LOG_OUTPUT_PATH", config.Logging.OutputPath)

	config.Profiling.Enabled = getBoolEnv("PROFILING_ENABLED", config.Profiling.Enabled)

	if path := getEnv("SERVERS_FILE", ""); path != "" {
		directory, err := LoadServerDirectory(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load server directory: %w", err)
		}
		if name := getEnv("SERVER_NAME", ""); name != "" {
			entry, err := directory.Lookup(name)
			if err != nil {
				return nil, err
			}
			entry.Apply(&config.Server)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Default returns the built-in configuration values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:              "ws://127.0.0.1:8080/ws",
			Protocol:         "earthring-v1",
			HandshakeTimeout: 45 * time.Second,
			WriteTimeout:     10 * time.Second,
			PongWait:         60 * time.Second,
			PingInterval:     30 * time.Second,
			SendTimeout:      5 * time.Second,
			HealthAddr:       "127.0.0.1:8090",
		},
		Reconnect: ReconnectConfig{
			BaseDelay:        3 * time.Second,
			MaxAttempts:      5,
			WatchdogInterval: 3 * time.Second,
			AutoReconnect:    true,
		},
		Streaming: StreamingConfig{
			LoadRadius:      3,
			MaxInFlight:     4,
			RequestInterval: 50 * time.Millisecond,
			LoadTimeout:     10 * time.Second,
			RequestTimeout:  5 * time.Second,
			MaxChunkRetries: 5,
			UnloadMargin:    1,
			AssemblyTimeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			TTL:           time.Minute,
			MaxEntries:    100,
			SweepInterval: time.Minute,
			FetchTimeout:  5 * time.Second,
		},
		Entities: EntityConfig{
			InterpolationRate: 10,
			StaleTTL:          30 * time.Second,
			UpdateInterval:    50 * time.Millisecond,
			PingInterval:      5 * time.Second,
		},
		Buffer: BufferConfig{
			PreAuthCapacity: 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if (c.Auth.Username == "") != (c.Auth.Password == "") {
		return fmt.Errorf("AUTH_USERNAME and AUTH_PASSWORD must be set together")
	}
	if c.Streaming.RequestTimeout <= c.Streaming.RequestInterval {
		return fmt.Errorf("CHUNK_REQUEST_TIMEOUT must exceed CHUNK_REQUEST_INTERVAL")
	}
	return nil
}

// HasCredentials reports whether automatic login credentials are configured
func (c *AuthConfig) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

var validate = validator.New()

// Helper functions for environment variable access

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: invalid integer value for %s: %s, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return intValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("Warning: invalid float value for %s: %s, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return floatValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: invalid boolean value for %s: %s, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return boolValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: invalid duration value for %s: %s, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return duration
}
