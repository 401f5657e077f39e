package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"naskahsync/internal/autosave"
	"naskahsync/internal/connection"
	"naskahsync/internal/lock"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string
	DBSSLMode  string
	DBMigrate  bool

	ServerAddr string
	JWTSecret  string
	LogLevel   string

	// Observability
	JaegerEndpoint string

	// Section locks
	LockTTL       time.Duration
	LockHeartbeat time.Duration

	// Auto-save
	AutosaveDebounce  time.Duration
	RetryDelays       []time.Duration
	MaxRetries        int
	MaxReplayAttempts int
	QueueDir          string

	// Realtime connection
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	PresenceActive    time.Duration
	PresenceIdle      time.Duration

	// Editing client
	APIURL   string
	APIToken string
}

// Load reads the server configuration from the environment, after a .env
// file if one exists, and validates it.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient is Load for the editing client, which needs an API token
// instead of the signing secret.
func LoadClient() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateTuning(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load() (*Config, error) {
	_ = godotenv.Load()

	retryDelays, err := getEnvDurations("AUTOSAVE_RETRY_DELAYS", autosave.DefaultRetryDelays)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBUser:     getEnv("user", "postgres"),
		DBPassword: getEnv("password", ""),
		DBHost:     getEnv("host", "localhost"),
		DBPort:     getEnv("port", "5432"),
		DBName:     getEnv("dbname", "postgres"),
		DBSSLMode:  getEnv("DB_SSLMODE", "require"),
		DBMigrate:  getEnvBool("DB_MIGRATE", true),

		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		JWTSecret:  getEnv("SUPABASE_JWT_SECRET", ""),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),

		LockTTL:       getEnvDuration("LOCK_TTL", lock.DefaultTTL),
		LockHeartbeat: getEnvDuration("LOCK_HEARTBEAT_INTERVAL", lock.DefaultHeartbeatInterval),

		AutosaveDebounce:  getEnvDuration("AUTOSAVE_DEBOUNCE", autosave.DefaultDebounce),
		RetryDelays:       retryDelays,
		MaxRetries:        getEnvInt("AUTOSAVE_MAX_RETRIES", autosave.DefaultMaxRetries),
		MaxReplayAttempts: getEnvInt("AUTOSAVE_MAX_REPLAY_ATTEMPTS", autosave.DefaultMaxReplayAttempts),
		QueueDir:          getEnv("SAVE_QUEUE_DIR", ".naskahsync/queue"),

		ReconnectBase:     getEnvDuration("RECONNECT_BASE_DELAY", connection.DefaultBaseDelay),
		ReconnectMax:      getEnvDuration("RECONNECT_MAX_DELAY", connection.DefaultMaxDelay),
		ReconnectAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", connection.DefaultMaxAttempts),
		PresenceActive:    getEnvDuration("PRESENCE_ACTIVE_WINDOW", connection.DefaultActiveWindow),
		PresenceIdle:      getEnvDuration("PRESENCE_IDLE_WINDOW", connection.DefaultIdleWindow),

		APIURL:   getEnv("NASKAH_API_URL", "http://localhost:8080"),
		APIToken: getEnv("NASKAH_TOKEN", ""),
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("SUPABASE_JWT_SECRET is required"))
	}
	errs = append(errs, c.validateTuning())
	return errors.Join(errs...)
}

func (c *Config) validateTuning() error {
	var errs []error
	if err := c.LockConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxRetries < 1 {
		errs = append(errs, errors.New("AUTOSAVE_MAX_RETRIES must be at least 1"))
	}
	if c.MaxReplayAttempts < 1 {
		errs = append(errs, errors.New("AUTOSAVE_MAX_REPLAY_ATTEMPTS must be at least 1"))
	}
	if c.ReconnectMax < c.ReconnectBase {
		errs = append(errs, errors.New("RECONNECT_MAX_DELAY must not be below RECONNECT_BASE_DELAY"))
	}
	if c.PresenceIdle <= c.PresenceActive {
		errs = append(errs, errors.New("PRESENCE_IDLE_WINDOW must be longer than PRESENCE_ACTIVE_WINDOW"))
	}
	return errors.Join(errs...)
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// WebSocketURL is the hub endpoint next to APIURL.
func (c *Config) WebSocketURL() string {
	u := strings.TrimRight(c.APIURL, "/") + "/ws"
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

func (c *Config) LockConfig() lock.Config {
	return lock.Config{TTL: c.LockTTL, HeartbeatInterval: c.LockHeartbeat}
}

func (c *Config) AutosaveConfig() autosave.Config {
	return autosave.Config{
		Debounce:          c.AutosaveDebounce,
		RetryDelays:       c.RetryDelays,
		MaxRetries:        c.MaxRetries,
		MaxReplayAttempts: c.MaxReplayAttempts,
	}
}

func (c *Config) ConnectionConfig() connection.Config {
	return connection.Config{
		BaseDelay:    c.ReconnectBase,
		MaxDelay:     c.ReconnectMax,
		MaxAttempts:  c.ReconnectAttempts,
		ActiveWindow: c.PresenceActive,
		IdleWindow:   c.PresenceIdle,
	}
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := getEnv(key, ""); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := getEnv(key, ""); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvDurations parses a comma separated list such as "1s,2s,4s".
func getEnvDurations(key string, defaultValue []time.Duration) ([]time.Duration, error) {
	value := getEnv(key, "")
	if value == "" {
		return append([]time.Duration(nil), defaultValue...), nil
	}
	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, d)
	}
	return out, nil
}
