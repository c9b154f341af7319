package daemon

import (
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"

	"restune/internal/arbiter"
	"restune/internal/clients"
	"restune/internal/config"
	"restune/internal/dedup"
	"restune/internal/engine"
	"restune/internal/gc"
	"restune/internal/logging"
	"restune/internal/mapper"
	"restune/internal/metrics"
	"restune/internal/pulse"
	"restune/internal/queue"
	"restune/internal/ratelimit"
	"restune/internal/receiver"
	"restune/internal/recovery"
	"restune/internal/registry"
	"restune/internal/topology"
)

// NewComponents wires the runtime graph from configuration. reg must be
// frozen; store and m may be nil. clk drives every timer; nil uses wall time.
func NewComponents(cfg *config.Config, reg *registry.Registry, store *recovery.Store, m *metrics.Metrics, clk clock.Clock, logger *slog.Logger) (Components, error) {
	if cfg == nil || reg == nil {
		return Components{}, fmt.Errorf("components require config and registry")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}

	scoped := func(component string) *slog.Logger {
		return logging.WithComponentLevel(logger, component, cfg.Logging.ComponentOverrides)
	}

	topo, err := topology.Detect(cfg.Topology.SysfsRoot)
	if err != nil {
		logging.WarnWithContext(logger, "cpu topology unavailable; per-core resources will not resolve", "topology_detect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check "+cfg.Topology.SysfsRoot+"/devices/system/cpu/online"),
			logging.String(logging.FieldImpact, "core and cluster tunings fail with unresolved_resource"),
		)
		topo = &topology.Topology{}
	}
	resolver, err := mapper.New(reg, topo, cfg.Engine.ResolveCacheSize)
	if err != nil {
		return Components{}, fmt.Errorf("create mapper: %w", err)
	}

	clientStore := clients.NewStore(clk)
	limiter := ratelimit.New(ratelimit.Settings{
		ClientRate:  cfg.RateLimit.ClientRate,
		ClientBurst: cfg.RateLimit.ClientBurst,
		GlobalRate:  cfg.RateLimit.GlobalRate,
		GlobalBurst: cfg.RateLimit.GlobalBurst,
		MaxActive:   cfg.RateLimit.MaxActiveRequests,
	}, clk)

	mgr, err := engine.New(engine.Deps{
		Registry: reg,
		Mapper:   resolver,
		Dedup:    dedup.New(),
		Limiter:  limiter,
		Queue:    queue.New(clk),
		Arbiter:  arbiter.New(),
		Clients:  clientStore,
		Store:    store,
	}, engine.Options{
		Workers:          cfg.Engine.Workers,
		DequeueWait:      cfg.DequeueWait(),
		DedupPolicy:      cfg.Engine.DedupPolicy,
		OutcomeCacheSize: cfg.Engine.OutcomeCacheSize,
		Clock:            clk,
		Metrics:          m,
		Logger:           scoped("engine"),
	})
	if err != nil {
		return Components{}, fmt.Errorf("create request manager: %w", err)
	}

	recv, err := receiver.New(mgr, clientStore, scoped("receiver"), receiver.Options{
		SystemUIDs: cfg.Engine.SystemUIDs,
		Clock:      clk,
	})
	if err != nil {
		return Components{}, fmt.Errorf("create receiver: %w", err)
	}

	collector := gc.New(mgr, clientStore, limiter, scoped("gc"), gc.Options{
		RetryInterval: cfg.GCRetryInterval(),
		BatchSize:     cfg.Liveness.GCBatchSize,
		Clock:         clk,
		Metrics:       m,
	})
	var probe pulse.ProcessProbe
	if cfg.Liveness.ProbeProcess {
		probe = pulse.ProcessAlive
	}
	monitor := pulse.New(clientStore, collector, scoped("pulse"), pulse.Options{
		Interval: cfg.PulseInterval(),
		Timeout:  cfg.DeadClientTimeout(),
		Probe:    probe,
		Clock:    clk,
		Metrics:  m,
	})

	return Components{
		Engine:   mgr,
		Receiver: recv,
		Clients:  clientStore,
		Mapper:   resolver,
		Pulse:    monitor,
		GC:       collector,
		Store:    store,
		Metrics:  m,
	}, nil
}
