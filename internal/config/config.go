// Package config provides configuration parsing and validation for pakedrop.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/pakedrop/internal/crypto"
)

// Config represents the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Transfer TransferConfig `yaml:"transfer"`
	Presence PresenceConfig `yaml:"presence"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// OriginPatterns lists hosts allowed to open websockets cross-origin.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig contains upload storage settings.
type StorageConfig struct {
	Dir              string        `yaml:"dir"`
	MaxFileSize      ByteSize      `yaml:"max_file_size"`
	PartialRetention time.Duration `yaml:"partial_retention"`
	Catalog          CatalogConfig `yaml:"catalog"`
}

// CatalogConfig contains SQLite file catalog settings.
type CatalogConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to .pakedrop.db inside the storage directory.
	Path string `yaml:"path"`
}

// TransferConfig contains key exchange and chunk transfer settings.
type TransferConfig struct {
	ChunkSize         ByteSize      `yaml:"chunk_size"`
	RateLimit         ByteSize      `yaml:"rate_limit"`
	AllowPlaintext    bool          `yaml:"allow_plaintext"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	SessionRetention  time.Duration `yaml:"session_retention"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	// Password is the shared secret for key exchange. When empty the
	// transfer id is used.
	Password string `yaml:"password"`
}

// PresenceConfig contains presence channel settings.
type PresenceConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PingInterval time.Duration `yaml:"ping_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// MetricsConfig contains Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Chunk size bounds.
const (
	MinChunkSize ByteSize = 1 << 10
	MaxChunkSize ByteSize = 16 << 20
)

// Broadcast interval bounds.
const (
	MinBroadcastInterval = 100 * time.Millisecond
	MaxBroadcastInterval = 300 * time.Millisecond
)

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8000",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Dir:              "./uploads",
			MaxFileSize:      1 << 30, // 1 GiB
			PartialRetention: 24 * time.Hour,
			Catalog: CatalogConfig{
				Enabled: true,
			},
		},
		Transfer: TransferConfig{
			ChunkSize:         1 << 20, // 1 MiB
			BroadcastInterval: 200 * time.Millisecond,
			SessionRetention:  10 * time.Minute,
			HandshakeTimeout:  30 * time.Second,
		},
		Presence: PresenceConfig{
			Enabled:      true,
			PingInterval: 20 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Address == "" {
		errs = append(errs, "server.address is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Storage.Dir == "" {
		errs = append(errs, "storage.dir is required")
	}
	if c.Storage.MaxFileSize < 0 {
		errs = append(errs, "storage.max_file_size must not be negative")
	}

	if c.Transfer.ChunkSize < MinChunkSize || c.Transfer.ChunkSize > MaxChunkSize {
		errs = append(errs, fmt.Sprintf("transfer.chunk_size must be between %s and %s", MinChunkSize, MaxChunkSize))
	}
	if c.Transfer.BroadcastInterval < MinBroadcastInterval || c.Transfer.BroadcastInterval > MaxBroadcastInterval {
		errs = append(errs, fmt.Sprintf("transfer.broadcast_interval must be between %s and %s", MinBroadcastInterval, MaxBroadcastInterval))
	}
	if c.Transfer.SessionRetention <= 0 {
		errs = append(errs, "transfer.session_retention must be positive")
	}
	if c.Transfer.HandshakeTimeout <= 0 {
		errs = append(errs, "transfer.handshake_timeout must be positive")
	}
	if c.Transfer.RateLimit < 0 {
		errs = append(errs, "transfer.rate_limit must not be negative")
	}

	if c.Presence.Enabled {
		if c.Presence.PingInterval <= 0 {
			errs = append(errs, "presence.ping_interval must be positive")
		}
		if c.Presence.IdleTimeout <= c.Presence.PingInterval {
			errs = append(errs, "presence.idle_timeout must be greater than ping_interval")
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// CatalogPath returns the catalog database path, or "" when the catalog is
// disabled.
func (c *Config) CatalogPath() string {
	if !c.Storage.Catalog.Enabled {
		return ""
	}
	if c.Storage.Catalog.Path != "" {
		return c.Storage.Catalog.Path
	}
	return filepath.Join(c.Storage.Dir, ".pakedrop.db")
}

// FrameLimit returns the largest encrypted frame a peer may send.
func (c *Config) FrameLimit() int {
	return int(c.Transfer.ChunkSize) + crypto.FrameOverhead
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Transfer.Password != "" {
		redacted.Transfer.Password = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Transfer.Password != ""
}
