package pulse

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"restune/internal/clients"
	"restune/internal/logging"
	"restune/internal/metrics"
	"restune/internal/tuning"
)

// Reasons a client is declared dead.
const (
	ReasonTimeout      = "timeout"
	ReasonProcessExit  = "process_exit"
	ReasonGraceExpired = "grace_expired"
)

// Scheduler accepts dead clients for teardown.
type Scheduler interface {
	Schedule(id tuning.ClientID)
}

// ProcessProbe reports whether a pid still exists.
type ProcessProbe func(pid int) bool

// Options tune the monitor.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// Probe checks client processes; nil disables the check.
	Probe   ProcessProbe
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// Monitor periodically sweeps the client table for dead clients.
type Monitor struct {
	clients  *clients.Store
	sched    Scheduler
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	probe    ProcessProbe
	clk      clock.Clock
	metrics  *metrics.Metrics
}

// New creates a monitor.
func New(store *clients.Store, sched Scheduler, logger *slog.Logger, opts Options) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		clients:  store,
		sched:    sched,
		logger:   logging.NewComponentLogger(logger, "pulse"),
		interval: opts.Interval,
		timeout:  opts.Timeout,
		probe:    opts.Probe,
		clk:      clk,
		metrics:  opts.Metrics,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := m.clk.Ticker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep marks dead clients and hands them to the scheduler. Clients already
// marked dead are handed over again so a stalled teardown is retried. It
// returns the number of clients newly declared dead.
func (m *Monitor) Sweep(ctx context.Context) int {
	now := m.clk.Now()
	declared := 0
	for _, info := range m.clients.List() {
		if ctx.Err() != nil {
			return declared
		}
		if info.Dead {
			m.sched.Schedule(info.ID)
			continue
		}
		reason := m.deadReason(info, now)
		if reason == "" {
			continue
		}
		if !m.clients.MarkDead(info.ID) {
			continue
		}
		declared++
		m.metrics.DeadClient(reason)
		m.logger.Info("client declared dead",
			logging.String(logging.FieldClientID, string(info.ID)),
			logging.Int("pid", info.PID),
			logging.String("reason", reason),
			logging.Duration("silent_for", now.Sub(info.LastSeen)),
			logging.Int("owned", len(info.Owned)),
			logging.String(logging.FieldEventType, "client_dead"),
		)
		m.sched.Schedule(info.ID)
	}
	return declared
}

func (m *Monitor) deadReason(info clients.Info, now time.Time) string {
	if info.Recovered {
		if now.After(info.GraceDeadline) {
			return ReasonGraceExpired
		}
		return ""
	}
	if m.timeout > 0 && now.Sub(info.LastSeen) > m.timeout {
		return ReasonTimeout
	}
	if m.probe != nil && info.PID > 0 && !m.probe(info.PID) {
		return ReasonProcessExit
	}
	return ""
}
