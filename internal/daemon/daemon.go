package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"restune/internal/api"
	"restune/internal/clients"
	"restune/internal/config"
	"restune/internal/engine"
	"restune/internal/gc"
	"restune/internal/logging"
	"restune/internal/mapper"
	"restune/internal/metrics"
	"restune/internal/pulse"
	"restune/internal/receiver"
	"restune/internal/recovery"
	"restune/internal/topology"
	"restune/internal/tuning"
)

// Components are the collaborators the daemon runs. Store and Metrics may be nil.
type Components struct {
	Engine   *engine.Manager
	Receiver *receiver.Receiver
	Clients  *clients.Store
	Mapper   *mapper.Mapper
	Pulse    *pulse.Monitor
	GC       *gc.Collector
	Store    *recovery.Store
	Metrics  *metrics.Metrics
}

// Daemon coordinates the background services and enforces single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	comps  Components

	lockPath string
	lock     *flock.Flock
	api      *apiServer
	hotplug  *topology.HotplugWatcher

	mu        sync.Mutex
	running   atomic.Bool
	stopped   bool
	startedAt atomic.Int64
	report    engine.RecoveryReport
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New constructs a daemon around already built components.
func New(cfg *config.Config, comps Components, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || comps.Engine == nil || comps.Receiver == nil || comps.Clients == nil ||
		comps.Mapper == nil || comps.Pulse == nil || comps.GC == nil {
		return nil, errors.New("daemon requires config, engine, receiver, client store, mapper, pulse monitor and collector")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	overrides := cfg.Logging.ComponentOverrides
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.ForComponent(logger, "daemon", overrides),
		comps:    comps,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	d.api = newAPIServer(cfg, d, logging.WithComponentLevel(logger, "api-server", overrides))
	if cfg.Topology.WatchHotplug {
		d.hotplug = topology.NewHotplugWatcher(logging.WithComponentLevel(logger, "hotplug", overrides), d.RefreshTopology)
	}
	return d, nil
}

// Start acquires the instance lock, replays the recovery log and launches the
// worker pool, pulse monitor, collector, hotplug watcher and HTTP endpoint.
// A daemon runs once; Start after Stop fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if d.stopped {
		return errors.New("daemon already stopped; start a new process")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another restune daemon instance is already running")
	}

	if d.comps.Store != nil {
		report, err := d.comps.Engine.Recover(ctx, d.cfg.ReconnectGrace())
		d.report = report
		if err != nil {
			logging.WarnWithContext(d.logger, "crash recovery incomplete", "recovery_incomplete",
				logging.Error(err),
				logging.Int("forced", report.Forced),
				logging.Int("adopted", report.Adopted),
				logging.String(logging.FieldErrorHint, "inspect the nodes named in the error and the recovery database"),
				logging.String(logging.FieldImpact, "some nodes may hold values no client owns"),
			)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error { return d.comps.Engine.Run(gctx) })
	group.Go(func() error { return d.comps.Pulse.Run(gctx) })
	group.Go(func() error { return d.comps.GC.Run(gctx) })

	if err := d.api.start(gctx); err != nil {
		cancel()
		_ = group.Wait()
		_ = d.lock.Unlock()
		return err
	}
	if err := d.hotplug.Start(gctx); err != nil {
		logging.WarnWithContext(d.logger, "hotplug watcher failed to start", "hotplug_start_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "core and cluster mappings stay at their startup values"),
		)
	}

	d.cancel = cancel
	d.group = group
	d.startedAt.Store(time.Now().UnixNano())
	d.running.Store(true)
	d.logger.Info("restune daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("recovered_clients", d.report.Clients),
		logging.Bool("hotplug", d.hotplug.Running()),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	d.hotplug.Stop()
	d.cancel()
	if err := d.group.Wait(); err != nil {
		logging.WarnWithContext(d.logger, "background task failed", "daemon_task_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the daemon stopped with an error"),
		)
	}
	d.api.stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_unlock_failed"),
			logging.String(logging.FieldErrorHint, "remove the lock file if no daemon is running"),
			logging.String(logging.FieldImpact, "the next start may report a running instance"),
		)
	}
	d.cancel = nil
	d.group = nil
	d.stopped = true
	d.running.Store(false)
	d.logger.Info("restune daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and closes the recovery store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.comps.Store != nil {
		return d.comps.Store.Close()
	}
	return nil
}

// Running reports whether Start succeeded and Stop has not run.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Receive hands one inbound message to the receiver.
func (d *Daemon) Receive(ctx context.Context, env receiver.Envelope, cred receiver.Credentials) (engine.Receipt, error) {
	if !d.running.Load() {
		return engine.Receipt{}, errors.New("daemon is not running")
	}
	return d.comps.Receiver.Receive(ctx, env, cred)
}

// ListTunings returns active tunings, optionally for one client.
func (d *Daemon) ListTunings(client string) []engine.ActiveTuning {
	all := d.comps.Engine.ListTunings()
	if client == "" {
		return all
	}
	out := make([]engine.ActiveTuning, 0, len(all))
	for _, at := range all {
		if at.Key.Client == tuning.ClientID(client) {
			out = append(out, at)
		}
	}
	return out
}

// ListClients returns every known client ordered by id.
func (d *Daemon) ListClients() []clients.Info {
	list := d.comps.Clients.List()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Outcome returns the recorded outcome of a request.
func (d *Daemon) Outcome(id string) (engine.Outcome, bool) {
	return d.comps.Engine.Outcome(tuning.RequestID(id))
}

// RefreshTopology rescans the CPU layout and reconciles tunings when it changed.
func (d *Daemon) RefreshTopology(ctx context.Context) {
	topo, err := topology.Detect(d.cfg.Topology.SysfsRoot)
	if err != nil {
		logging.WarnWithContext(d.logger, "topology rescan failed", "topology_rescan_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check "+d.cfg.Topology.SysfsRoot+"/devices/system/cpu"),
			logging.String(logging.FieldImpact, "core and cluster mappings keep their previous values"),
		)
		return
	}
	if !d.comps.Mapper.SetTopology(topo) {
		return
	}
	d.logger.Info("cpu topology changed",
		logging.String("fingerprint", topo.Fingerprint()),
		logging.Int("online", topo.OnlineCount()),
		logging.String(logging.FieldEventType, "topology_changed"),
	)
	if err := d.comps.Engine.Reconcile(ctx); err != nil {
		logging.WarnWithContext(d.logger, "reconcile after topology change incomplete", "reconcile_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "affected tunings stay suspended until the next change"),
		)
	}
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LockFilePath: d.lockPath,
		SocketPath:   d.cfg.Paths.SocketPath,
		GCPending:    d.comps.GC.Pending(),
		Engine:       api.FromSnapshot(d.comps.Engine.Status()),
		Topology:     api.FromTopology(d.comps.Mapper.Topology(), d.hotplug.Running()),
	}
	if started := d.startedAt.Load(); started != 0 {
		status.StartedAt = time.Unix(0, started).UTC().Format(time.RFC3339)
	}
	if d.comps.Store != nil {
		status.RecoveryDBPath = d.comps.Store.Path()
		if rows, err := d.comps.Store.Count(ctx, ""); err == nil {
			status.RecoveryRows = rows
		}
	}
	return status
}
