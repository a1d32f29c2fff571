package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// MemoryDatabasePath selects the in-memory store instead of SQLite.
const MemoryDatabasePath = ":memory:"

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	Logging LoggingSection `toml:"logging"`
}

type ServerSection struct {
	HTTPPort       int      `toml:"http_port"`
	TCPPort        int      `toml:"tcp_port"`
	MetricsPort    int      `toml:"metrics_port"`
	SSHPort        int      `toml:"ssh_port"`
	SSHHostKey     string   `toml:"ssh_host_key"`
	DatabasePath   string   `toml:"database_path"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type LimitsSection struct {
	MaxFrameBytes       int `toml:"max_frame_bytes"`
	MaxMessageLength    int `toml:"max_message_length"`
	MaxUsernameLength   int `toml:"max_username_length"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
	PingIntervalSeconds int `toml:"ping_interval_seconds"`
	BcryptCost          int `toml:"bcrypt_cost"`
}

type LoggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:       8080,
			TCPPort:        0,
			MetricsPort:    9090,
			SSHPort:        0,
			SSHHostKey:     "~/.friendchat/ssh_host_key",
			DatabasePath:   "~/.friendchat/friendchat.db",
			AllowedOrigins: []string{"*"},
		},
		Limits: LimitsSection{
			MaxFrameBytes:       64 * 1024,
			MaxMessageLength:    4096,
			MaxUsernameLength:   50,
			WriteTimeoutSeconds: 10,
			PingIntervalSeconds: 30,
			BcryptCost:          10,
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only location still lets us run on defaults
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: FRIENDCHAT_SECTION_KEY
// Example: FRIENDCHAT_SERVER_HTTP_PORT=8081
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt("FRIENDCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("FRIENDCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("FRIENDCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envInt("FRIENDCHAT_SERVER_SSH_PORT", &config.Server.SSHPort)
	envString("FRIENDCHAT_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envString("FRIENDCHAT_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	if val := os.Getenv("FRIENDCHAT_SERVER_ALLOWED_ORIGINS"); val != "" {
		origins := strings.Split(val, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		config.Server.AllowedOrigins = origins
	}

	envInt("FRIENDCHAT_LIMITS_MAX_FRAME_BYTES", &config.Limits.MaxFrameBytes)
	envInt("FRIENDCHAT_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("FRIENDCHAT_LIMITS_MAX_USERNAME_LENGTH", &config.Limits.MaxUsernameLength)
	envInt("FRIENDCHAT_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	envInt("FRIENDCHAT_LIMITS_PING_INTERVAL_SECONDS", &config.Limits.PingIntervalSeconds)
	envInt("FRIENDCHAT_LIMITS_BCRYPT_COST", &config.Limits.BcryptCost)

	envString("FRIENDCHAT_LOGGING_LEVEL", &config.Logging.Level)
	envString("FRIENDCHAT_LOGGING_FORMAT", &config.Logging.Format)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# FriendChat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# FRIENDCHAT_SECTION_KEY (e.g., FRIENDCHAT_SERVER_HTTP_PORT=8081)

[server]
# Public HTTP port serving /ws (WebSocket) and /health
http_port = 8080

# Raw TCP port speaking newline-delimited JSON
# Set to 0 to disable
tcp_port = 0

# Internal Prometheus port serving /metrics and /health
# Do not expose publicly. Set to 0 to disable
metrics_port = 9090

# SSH port; log in with your account password and speak the TCP framing
# over the session channel. Set to 0 to disable
ssh_port = 0

# SSH host key, generated on first start if missing
ssh_host_key = "~/.friendchat/ssh_host_key"

# Path to SQLite database file, or ":memory:" for a non-persistent store
database_path = "~/.friendchat/friendchat.db"

# Browser origins allowed to open WebSocket connections ("*" allows any)
# Clients that send no Origin header are always allowed
allowed_origins = ["*"]

[limits]
# Largest accepted inbound frame in bytes
max_frame_bytes = 65536

# Maximum private message length in characters
max_message_length = 4096

# Maximum username length in characters
max_username_length = 50

# Seconds a single write may block before the connection is dropped
write_timeout_seconds = 10

# Seconds between WebSocket keepalive pings (must be below 60)
ping_interval_seconds = 30

# bcrypt work factor for stored passwords
bcrypt_cost = 10

[logging]
# One of: trace, debug, info, warn, error
level = "info"

# "text" or "json"
format = "text"
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the
// defaults, except the optional ports where 0 disables the listener.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.HTTPPort = c.Server.HTTPPort
	cfg.TCPPort = c.Server.TCPPort
	cfg.MetricsPort = c.Server.MetricsPort
	cfg.SSHPort = c.Server.SSHPort
	if c.Server.SSHHostKey != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if len(c.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = c.Server.AllowedOrigins
	}
	if c.Limits.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = c.Limits.MaxFrameBytes
	}
	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxUsernameLength > 0 {
		cfg.MaxUsernameLength = c.Limits.MaxUsernameLength
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}
	if c.Limits.PingIntervalSeconds > 0 {
		cfg.PingInterval = time.Duration(c.Limits.PingIntervalSeconds) * time.Second
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	if c.Server.DatabasePath == MemoryDatabasePath {
		return MemoryDatabasePath, nil
	}
	return expandHome(c.Server.DatabasePath)
}
