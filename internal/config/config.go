// Package config loads toolgate server configuration.
//
// Precedence, highest first: environment, YAML file, defaults. Environment
// keys are TOOLGATE_<KEY> for every field (TOOLGATE_SESSION_TTL_S sets
// session_ttl_s); the shared DSNs and the OpenAI key are also read
// unprefixed.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/triage-ai/palisade/toolgate/internal/engine"
)

const (
	envPrefix         = "TOOLGATE_"
	envConfigPath     = "TOOLGATE_CONFIG"
	maxConfigFileSize = 1 << 20
)

// Policy backends.
const (
	PolicyBackendDefault  = "default"
	PolicyBackendFile     = "file"
	PolicyBackendPostgres = "postgres"
)

// unprefixed are the environment variables read without TOOLGATE_.
var unprefixed = map[string]bool{
	"CLICKHOUSE_DSN": true,
	"POSTGRES_DSN":   true,
	"OPENAI_API_KEY": true,
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete server configuration.
type Config struct {
	Port        string `koanf:"port"`
	MetricsAddr string `koanf:"metrics_addr"`
	LogLevel    string `koanf:"log_level"`

	PolicyBackend  string `koanf:"policy_backend"`
	PolicyFile     string `koanf:"policy_file"`
	PolicyWatch    bool   `koanf:"policy_watch"`
	PolicyRefreshS int    `koanf:"policy_refresh_s"`
	Satisfaction   string `koanf:"satisfaction_mode"`

	SessionTTLS int `koanf:"session_ttl_s"`

	WorkspaceRoot   string              `koanf:"workspace_root"`
	Commands        map[string][]string `koanf:"commands"`
	CommandTimeoutS int                 `koanf:"command_timeout_s"`
	MaxReadBytes    int64               `koanf:"max_read_bytes"`

	ClickHouseDSN string `koanf:"clickhouse_dsn"`
	AuditLog      bool   `koanf:"audit_log"` // also log events written to ClickHouse
	PostgresDSN   string `koanf:"postgres_dsn"`
	AuthCacheTTLS int    `koanf:"auth_cache_ttl_s"`
	AuthFailOpen  bool   `koanf:"auth_fail_open"`

	OpenAIAPIKey  string  `koanf:"openai_api_key"`
	OpenAIModel   string  `koanf:"openai_model"`
	OpenAIBaseURL string  `koanf:"openai_base_url"`
	ModelRPS      float64 `koanf:"model_rps"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:            "50054",
		MetricsAddr:     ":9464",
		LogLevel:        "info",
		PolicyWatch:     true,
		PolicyRefreshS:  30,
		Satisfaction:    engine.SatisfyOnCompletion.String(),
		SessionTTLS:     3600,
		WorkspaceRoot:   ".",
		CommandTimeoutS: 300,
		MaxReadBytes:    4 << 20,
		AuthCacheTTLS:   30,
		AuthFailOpen:    true,
		ModelRPS:        2,
	}
}

// Load reads configuration from the YAML file at path, or from
// $TOOLGATE_CONFIG when path is empty, then from the environment, and
// validates the result. A missing file is an error only when named.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, fmt.Errorf("Load: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("Load: parse %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("Load: environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	if cfg.PolicyBackend == "" {
		cfg.PolicyBackend = PolicyBackendDefault
		if cfg.PolicyFile != "" {
			cfg.PolicyBackend = PolicyBackendFile
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps an environment variable onto a config key, or "" to skip it.
func envKey(s string) string {
	if strings.HasPrefix(s, envPrefix) {
		if s == envConfigPath {
			return ""
		}
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}
	if unprefixed[s] {
		return strings.ToLower(s)
	}
	return ""
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), maxConfigFileSize)
	}
	return io.ReadAll(f)
}

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error

	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("port %q is not a valid TCP port", c.Port))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel))
	}
	if _, err := engine.ParseSatisfactionMode(c.Satisfaction); err != nil {
		errs = append(errs, err)
	}
	if c.SessionTTLS < 0 {
		errs = append(errs, errors.New("session_ttl_s must not be negative"))
	}
	if c.CommandTimeoutS <= 0 {
		errs = append(errs, errors.New("command_timeout_s must be positive"))
	}

	switch c.PolicyBackend {
	case PolicyBackendDefault:
	case PolicyBackendFile:
		if c.PolicyFile == "" {
			errs = append(errs, errors.New("policy_backend file requires policy_file"))
		}
	case PolicyBackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("policy_backend postgres requires postgres_dsn"))
		}
		if c.PolicyRefreshS <= 0 {
			errs = append(errs, errors.New("policy_refresh_s must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("policy_backend %q must be default, file or postgres", c.PolicyBackend))
	}

	for name, argv := range c.Commands {
		if len(argv) == 0 {
			errs = append(errs, fmt.Errorf("commands.%s is empty", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// SatisfactionMode returns the parsed satisfaction mode. Call after Validate.
func (c *Config) SatisfactionMode() engine.SatisfactionMode {
	m, _ := engine.ParseSatisfactionMode(c.Satisfaction)
	return m
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLS) * time.Second
}

func (c *Config) PolicyRefresh() time.Duration {
	return time.Duration(c.PolicyRefreshS) * time.Second
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutS) * time.Second
}

func (c *Config) AuthCacheTTL() time.Duration {
	return time.Duration(c.AuthCacheTTLS) * time.Second
}
