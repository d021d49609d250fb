package wire

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSendQueue is the number of packets that may wait for the writer.
const DefaultSendQueue = 64

// Config holds connection settings, usually read from a YAML file:
//
//	limits:
//	  max_frame: 65536
//	  max_write: 16384
//	log_level: info
//	request_timeout: 30s
//	send_queue: 64
type Config struct {
	Limits         Limits   `yaml:"limits"`
	LogLevel       string   `yaml:"log_level"`
	RequestTimeout Duration `yaml:"request_timeout"`
	SendQueue      int      `yaml:"send_queue"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// DefaultConfig returns the settings used when no file is given.
// A zero RequestTimeout means requests wait until their context ends.
func DefaultConfig() Config {
	return Config{
		Limits:    DefaultLimits(),
		LogLevel:  "info",
		SendQueue: DefaultSendQueue,
	}
}

// LoadConfig reads a YAML config file, expands environment variables,
// fills unset fields with defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config file not found: %s", path)
		}
		return Config{}, fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	return ParseConfig([]byte(ExpandEnv(string(data))))
}

// ParseConfig decodes YAML config bytes, applying defaults and validation.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid YAML config: %w", err)
	}

	defaults := DefaultConfig()
	if cfg.Limits.MaxFrame == 0 {
		cfg.Limits.MaxFrame = defaults.Limits.MaxFrame
	}
	if cfg.Limits.MaxWrite == 0 {
		cfg.Limits.MaxWrite = defaults.Limits.MaxWrite
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.SendQueue == 0 {
		cfg.SendQueue = defaults.SendQueue
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field of the config.
func (c Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("invalid limits: %w", err)
	}
	if c.SendQueue < 0 {
		return fmt.Errorf("send_queue must not be negative, got %d", c.SendQueue)
	}
	if c.RequestTimeout.Duration < 0 {
		return fmt.Errorf("request_timeout must not be negative, got %s", c.RequestTimeout.Duration)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} patterns with environment
// values. Unset variables without a default expand to the empty string.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		if value, ok := os.LookupEnv(groups[1]); ok && value != "" {
			return value
		}
		if len(groups) >= 3 && groups[2] != "" {
			return groups[2]
		}
		return ""
	})
}
