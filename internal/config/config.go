package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains filesystem locations and bind addresses.
type Paths struct {
	StateDir        string `toml:"state_dir"`
	LogDir          string `toml:"log_dir"`
	SocketPath      string `toml:"socket_path"`
	DescriptorsPath string `toml:"descriptors_path"`
	MetricsBind     string `toml:"metrics_bind"`
	APIToken        string `toml:"api_token"`
}

// Engine contains request manager settings.
type Engine struct {
	Workers          int    `toml:"workers"`
	DequeueWaitMS    int    `toml:"dequeue_wait_ms"`
	DedupPolicy      string `toml:"dedup_policy"`
	SystemUIDs       []int  `toml:"system_uids"`
	OutcomeCacheSize int    `toml:"outcome_cache_size"`
	ResolveCacheSize int    `toml:"resolve_cache_size"`
}

// RateLimit contains token bucket parameters. Rates are tokens per second.
type RateLimit struct {
	ClientRate        float64 `toml:"client_rate"`
	ClientBurst       int     `toml:"client_burst"`
	GlobalRate        float64 `toml:"global_rate"`
	GlobalBurst       int     `toml:"global_burst"`
	MaxActiveRequests int     `toml:"max_active_requests"`
}

// Liveness contains pulse monitor and garbage collector timing, in seconds.
type Liveness struct {
	PulseInterval     int  `toml:"pulse_interval"`
	DeadClientTimeout int  `toml:"dead_client_timeout"`
	GCRetryInterval   int  `toml:"gc_retry_interval"`
	GCBatchSize       int  `toml:"gc_batch_size"`
	ProbeProcess      bool `toml:"probe_process"`
}

// Recovery contains crash recovery settings.
type Recovery struct {
	Enabled        bool `toml:"enabled"`
	ReconnectGrace int  `toml:"reconnect_grace"`
}

// Topology contains hardware discovery settings.
type Topology struct {
	SysfsRoot    string `toml:"sysfs_root"`
	WatchHotplug bool   `toml:"watch_hotplug"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format             string            `toml:"format"`
	Level              string            `toml:"level"`
	RetentionDays      int               `toml:"retention_days"`
	ComponentOverrides map[string]string `toml:"component_overrides"`
}

// Config encapsulates all configuration values for restune.
//
// Configuration sections by subsystem:
//   - Paths: state, log and socket locations, descriptor file, metrics bind
//   - Engine: worker pool size, dequeue wait, duplicate policy, system uids
//   - RateLimit: per-client and global token buckets
//   - Liveness: pulse interval, dead client timeout, garbage collector pacing
//   - Recovery: crash recovery journal and reconnect grace window
//   - Topology: sysfs root and cpu hotplug watching
//   - Logging: log format, level, retention and per-component levels
type Config struct {
	Paths     Paths     `toml:"paths"`
	Engine    Engine    `toml:"engine"`
	RateLimit RateLimit `toml:"rate_limit"`
	Liveness  Liveness  `toml:"liveness"`
	Recovery  Recovery  `toml:"recovery"`
	Topology  Topology  `toml:"topology"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("restune.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, filepath.Dir(c.Paths.SocketPath)} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RecoveryDBPath is the crash recovery journal location.
func (c *Config) RecoveryDBPath() string {
	return filepath.Join(c.Paths.StateDir, "recovery.db")
}

// LockPath is the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "restuned.lock")
}

// PIDPath is the daemon pid file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "restuned.pid")
}

// DequeueWait bounds how long an idle worker blocks on the request queue.
func (c *Config) DequeueWait() time.Duration {
	return time.Duration(c.Engine.DequeueWaitMS) * time.Millisecond
}

// PulseInterval is the pulse monitor sweep period.
func (c *Config) PulseInterval() time.Duration {
	return time.Duration(c.Liveness.PulseInterval) * time.Second
}

// DeadClientTimeout is the inactivity after which a client is considered dead.
func (c *Config) DeadClientTimeout() time.Duration {
	return time.Duration(c.Liveness.DeadClientTimeout) * time.Second
}

// GCRetryInterval is how often the garbage collector retries failed teardowns.
func (c *Config) GCRetryInterval() time.Duration {
	return time.Duration(c.Liveness.GCRetryInterval) * time.Second
}

// ReconnectGrace is how long recovered tunings wait for their client after a restart.
func (c *Config) ReconnectGrace() time.Duration {
	return time.Duration(c.Recovery.ReconnectGrace) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
