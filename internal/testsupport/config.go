package testsupport

import (
	"path/filepath"
	"testing"

	"restune/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.SocketPath = filepath.Join(base, "state", "restune.sock")
	cfgVal.Paths.DescriptorsPath = filepath.Join(base, "descriptors.yaml")
	cfgVal.Topology.SysfsRoot = filepath.Join(base, "sys")
	cfgVal.Topology.WatchHotplug = false
	cfgVal.Liveness.ProbeProcess = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithDedupPolicy sets the engine duplicate policy.
func WithDedupPolicy(policy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Engine.DedupPolicy = policy
	}
}

// WithRecovery toggles the crash recovery journal.
func WithRecovery(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Recovery.Enabled = enabled
	}
}

// WithSystemUIDs overrides the uids treated as system clients.
func WithSystemUIDs(uids ...int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Engine.SystemUIDs = uids
	}
}

// WithMetricsBind enables the metrics listener.
func WithMetricsBind(addr string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.MetricsBind = addr
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}

// WithAPIToken sets the bearer token guarding the JSON API.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.APIToken = token
	}
}
