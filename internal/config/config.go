// Package config loads the designer service configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"designer/internal/backoff"
	"designer/internal/remote"
)

const (
	defaultDirName  = ".designer"
	defaultFileName = "config.yaml"

	// EnvPath overrides the config file location.
	EnvPath = "DESIGNER_CONFIG"
)

// Storage backends for the offline store.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Remote  remote.Config `yaml:"remote"`
	Secrets SecretsConfig `yaml:"secrets"`
	Metrics MetricsConfig `yaml:"metrics"`
	MCP     MCPConfig     `yaml:"mcp"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"` // sqlite file or directory for the file backend
	Quota   int64  `yaml:"quota"`
	Codec   string `yaml:"codec"` // json or cbor
}

type QueueConfig struct {
	DebounceWindow time.Duration  `yaml:"debounceWindow"`
	FlushDelay     time.Duration  `yaml:"flushDelay"`
	AutoFlush      *bool          `yaml:"autoFlush"`
	ResumeOnInit   *bool          `yaml:"resumeOnInit"`
	MaxParallel    int            `yaml:"maxParallel"`
	Retry          backoff.Policy `yaml:"retry"`
	SweepSpec      string         `yaml:"sweep"`
}

type SecretsConfig struct {
	Kind string `yaml:"kind"` // env or keychain
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the /metrics endpoint
}

type MCPConfig struct {
	RequireApproval *bool         `yaml:"requireApproval"` // for clear_project_queue and delete_project
	ApprovalTimeout time.Duration `yaml:"approvalTimeout"`
	// ApprovalDB is the SQLite file approvals are exchanged through when the
	// offline store is not SQLite.
	ApprovalDB string `yaml:"approvalDb"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultDir is where the config file and local data live by default.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return defaultDirName
	}
	return filepath.Join(home, defaultDirName)
}

// ResolvePath picks the config file: the explicit path, then DESIGNER_CONFIG,
// then the default location. The bool reports whether the file must exist.
func ResolvePath(explicit string) (string, bool) {
	if strings.TrimSpace(explicit) != "" {
		return expandUserPath(explicit), true
	}
	if env := strings.TrimSpace(os.Getenv(EnvPath)); env != "" {
		return expandUserPath(env), true
	}
	return filepath.Join(DefaultDir(), defaultFileName), false
}

// Load reads the file at path. When required is false a missing file yields
// the defaults.
func Load(path string, required bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML after expanding ${VAR} references, then applies
// defaults and validates. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendSQLite
	}
	if c.Storage.Codec == "" {
		c.Storage.Codec = "json"
	}
	if c.Storage.Path == "" {
		switch c.Storage.Backend {
		case BackendSQLite:
			c.Storage.Path = filepath.Join(DefaultDir(), "offline.db")
		case BackendFile:
			c.Storage.Path = filepath.Join(DefaultDir(), "offline")
		}
	}
	c.Storage.Path = expandUserPath(c.Storage.Path)

	if c.Queue.DebounceWindow <= 0 {
		c.Queue.DebounceWindow = 500 * time.Millisecond
	}
	if c.Queue.FlushDelay <= 0 {
		c.Queue.FlushDelay = time.Second
	}
	if c.Queue.AutoFlush == nil {
		c.Queue.AutoFlush = boolPtr(true)
	}
	if c.Queue.ResumeOnInit == nil {
		c.Queue.ResumeOnInit = boolPtr(true)
	}
	if c.Queue.MaxParallel <= 0 {
		c.Queue.MaxParallel = 4
	}
	def := backoff.Default()
	if c.Queue.Retry.Initial <= 0 {
		c.Queue.Retry.Initial = def.Initial
	}
	if c.Queue.Retry.Max <= 0 {
		c.Queue.Retry.Max = def.Max
	}
	if c.Queue.Retry.Factor == 0 {
		c.Queue.Retry.Factor = def.Factor
	}
	if c.Queue.SweepSpec == "" {
		c.Queue.SweepSpec = "@every 30s"
	}

	if c.Remote.Driver == "" {
		c.Remote.Driver = remote.DriverHTTP
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Secrets.Kind == "" {
		c.Secrets.Kind = "env"
	}

	if c.MCP.RequireApproval == nil {
		c.MCP.RequireApproval = boolPtr(true)
	}
	if c.MCP.ApprovalTimeout <= 0 {
		c.MCP.ApprovalTimeout = 2 * time.Minute
	}
	if c.MCP.ApprovalDB == "" {
		c.MCP.ApprovalDB = filepath.Join(DefaultDir(), "approvals.db")
	}
	c.MCP.ApprovalDB = expandUserPath(c.MCP.ApprovalDB)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log.format %q: want json or console", c.Log.Format)
	}
	switch c.Storage.Backend {
	case BackendSQLite, BackendFile, BackendMemory:
	default:
		return fmt.Errorf("invalid storage.backend %q", c.Storage.Backend)
	}
	switch c.Storage.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("invalid storage.codec %q: want json or cbor", c.Storage.Codec)
	}
	if c.Storage.Quota < 0 {
		return fmt.Errorf("invalid storage.quota %d", c.Storage.Quota)
	}
	if c.Queue.Retry.Max < c.Queue.Retry.Initial {
		return fmt.Errorf("queue.retry.max (%s) is below queue.retry.initial (%s)", c.Queue.Retry.Max, c.Queue.Retry.Initial)
	}
	if c.Queue.Retry.Jitter < 0 || c.Queue.Retry.Jitter > 1 {
		return fmt.Errorf("queue.retry.jitter must be between 0 and 1, got %v", c.Queue.Retry.Jitter)
	}
	if _, err := cron.ParseStandard(c.Queue.SweepSpec); err != nil {
		return fmt.Errorf("invalid queue.sweep %q: %w", c.Queue.SweepSpec, err)
	}

	switch c.Remote.Driver {
	case remote.DriverHTTP:
		if strings.TrimSpace(c.Remote.BaseURL) == "" {
			return errors.New("remote.baseUrl is required for the http driver")
		}
	case remote.DriverPostgres, remote.DriverMySQL, remote.DriverMongoDB:
		if strings.TrimSpace(c.Remote.Host) == "" {
			return fmt.Errorf("remote.host is required for the %s driver", c.Remote.Driver)
		}
	case remote.DriverSQLite:
		if strings.TrimSpace(c.Remote.Host) == "" {
			return errors.New("remote.host must be the database file for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported remote.driver %q", c.Remote.Driver)
	}

	switch c.Secrets.Kind {
	case "env", "keychain":
	default:
		return fmt.Errorf("invalid secrets.kind %q: want env or keychain", c.Secrets.Kind)
	}
	return nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return path
}

func boolPtr(b bool) *bool { return &b }
