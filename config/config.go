// Package config provides configuration for agentlink clients and the local
// fake agent server.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/agentlink/protocol"
	"github.com/xiaot623/gogo/agentlink/realtime"
)

// Config holds the agentlink configuration.
type Config struct {
	// Agent service settings
	Endpoint        string `yaml:"endpoint"`
	EndpointPattern string `yaml:"endpoint_pattern"` // empty means the hosted service pattern

	// Reconnection settings
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelayRaw string        `yaml:"reconnect_delay"`
	ReconnectDelay    time.Duration `yaml:"-"`

	ContinuationMode string `yaml:"continuation_mode"`
	Debug            bool   `yaml:"debug"`

	// WebSocket settings
	WebSocket WebSocketConfig `yaml:"websocket"`

	// Fake agent server settings
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"` // token the fake agent accepts, empty accepts any

	// Transcript database, empty disables recording
	RecordPath string `yaml:"record_path"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// WebSocketConfig holds transport timeouts. Raw fields carry the YAML
// duration strings.
type WebSocketConfig struct {
	PingIntervalRaw     string `yaml:"ping_interval"`
	WriteTimeoutRaw     string `yaml:"write_timeout"`
	ReadTimeoutRaw      string `yaml:"read_timeout"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	MaxMessageSize      int64  `yaml:"max_message_size"`

	PingInterval     time.Duration `yaml:"-"`
	WriteTimeout     time.Duration `yaml:"-"`
	ReadTimeout      time.Duration `yaml:"-"`
	HandshakeTimeout time.Duration `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		ReconnectAttempts: realtime.DefaultReconnectAttempts,
		ReconnectDelay:    realtime.DefaultReconnectDelay,
		ContinuationMode:  string(protocol.ContinuationAuto),
		WebSocket: WebSocketConfig{
			PingInterval:     realtime.DefaultPingInterval,
			WriteTimeout:     realtime.DefaultWriteTimeout,
			ReadTimeout:      realtime.DefaultReadTimeout,
			HandshakeTimeout: realtime.DefaultHandshakeTimeout,
			MaxMessageSize:   realtime.DefaultMaxMessageSize,
		},
		Port:     8090,
		LogLevel: "info",
	}
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := defaults()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML configuration file. Environment variables in the
// format ${VAR_NAME} are expanded first, and the AGENTLINK_*/WS_* variables
// override values from the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Endpoint = getEnv("AGENTLINK_ENDPOINT", c.Endpoint)
	c.EndpointPattern = getEnv("AGENTLINK_ENDPOINT_PATTERN", c.EndpointPattern)
	c.ReconnectAttempts = getEnvInt("AGENTLINK_RECONNECT_ATTEMPTS", c.ReconnectAttempts)
	c.ReconnectDelay = getEnvMillis("AGENTLINK_RECONNECT_DELAY_MS", c.ReconnectDelay)
	c.ContinuationMode = getEnv("AGENTLINK_CONTINUATION_MODE", c.ContinuationMode)
	c.Debug = getEnvBool("AGENTLINK_DEBUG", c.Debug)

	c.WebSocket.PingInterval = getEnvMillis("WS_PING_INTERVAL_MS", c.WebSocket.PingInterval)
	c.WebSocket.WriteTimeout = getEnvMillis("WS_WRITE_TIMEOUT_MS", c.WebSocket.WriteTimeout)
	c.WebSocket.ReadTimeout = getEnvMillis("WS_READ_TIMEOUT_MS", c.WebSocket.ReadTimeout)
	c.WebSocket.HandshakeTimeout = getEnvMillis("WS_HANDSHAKE_TIMEOUT_MS", c.WebSocket.HandshakeTimeout)
	c.WebSocket.MaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(c.WebSocket.MaxMessageSize)))

	c.Port = getEnvInt("FAKE_AGENT_PORT", c.Port)
	c.APIKey = getEnv("API_KEY", c.APIKey)
	c.RecordPath = getEnv("AGENTLINK_RECORD_DB", c.RecordPath)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate checks that the configuration can produce a working session.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !protocol.ContinuationMode(c.ContinuationMode).Valid() {
		return fmt.Errorf("continuation_mode must be auto or manual, got %q", c.ContinuationMode)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts must not be negative")
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect_delay must not be negative")
	}
	if c.EndpointPattern != "" {
		if _, err := regexp.Compile(c.EndpointPattern); err != nil {
			return fmt.Errorf("endpoint_pattern: %w", err)
		}
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("websocket.max_message_size must be positive")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SessionOptions converts the configuration into realtime session options.
func (c *Config) SessionOptions() (realtime.Options, error) {
	if err := c.Validate(); err != nil {
		return realtime.Options{}, err
	}

	opts := realtime.DefaultOptions(c.Endpoint)
	if c.EndpointPattern != "" {
		opts.EndpointPattern = regexp.MustCompile(c.EndpointPattern)
	}
	opts.ReconnectAttempts = c.ReconnectAttempts
	opts.ReconnectDelay = c.ReconnectDelay
	opts.ContinuationMode = protocol.ContinuationMode(c.ContinuationMode)
	opts.Debug = c.Debug
	opts.PingInterval = c.WebSocket.PingInterval
	opts.WriteTimeout = c.WebSocket.WriteTimeout
	opts.ReadTimeout = c.WebSocket.ReadTimeout
	opts.HandshakeTimeout = c.WebSocket.HandshakeTimeout
	opts.MaxMessageSize = c.WebSocket.MaxMessageSize
	opts.Logger = c.Logger()
	return opts, nil
}

// Logger builds a text logger at the configured level. Debug forces the
// debug level.
func (c *Config) Logger() *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	if c.Debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect_delay", cfg.ReconnectDelayRaw, &cfg.ReconnectDelay},
		{"websocket.ping_interval", cfg.WebSocket.PingIntervalRaw, &cfg.WebSocket.PingInterval},
		{"websocket.write_timeout", cfg.WebSocket.WriteTimeoutRaw, &cfg.WebSocket.WriteTimeout},
		{"websocket.read_timeout", cfg.WebSocket.ReadTimeoutRaw, &cfg.WebSocket.ReadTimeout},
		{"websocket.handshake_timeout", cfg.WebSocket.HandshakeTimeoutRaw, &cfg.WebSocket.HandshakeTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	return time.Duration(getEnvInt(key, int(defaultVal/time.Millisecond))) * time.Millisecond
}
