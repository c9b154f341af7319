package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"restune/internal/arbiter"
	"restune/internal/clients"
	"restune/internal/config"
	"restune/internal/dedup"
	"restune/internal/logging"
	"restune/internal/mapper"
	"restune/internal/metrics"
	"restune/internal/queue"
	"restune/internal/ratelimit"
	"restune/internal/recovery"
	"restune/internal/registry"
	"restune/internal/tuning"
)

// Dedup policies for a second tune of a key the client already holds.
const (
	// PolicyRetune turns the second tune into a retune, or merges it into
	// the queued entry when the first has not run yet.
	PolicyRetune = config.DedupPolicyRetune
	// PolicyReject refuses the second tune with ErrDuplicate.
	PolicyReject = config.DedupPolicyReject
)

const (
	defaultWorkers     = 4
	defaultDequeueWait = 500 * time.Millisecond
)

// Options configure a Manager.
type Options struct {
	Workers          int
	DequeueWait      time.Duration
	DedupPolicy      string
	OutcomeCacheSize int
	Clock            clock.Clock
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// Deps are the collaborators a Manager drives. Store may be nil, which
// disables crash recovery persistence.
type Deps struct {
	Registry *registry.Registry
	Mapper   *mapper.Mapper
	Dedup    *dedup.Checker
	Limiter  *ratelimit.Limiter
	Queue    *queue.Queue
	Arbiter  *arbiter.Arbiter
	Clients  *clients.Store
	Store    *recovery.Store
}

// ActiveTuning is an applied (or suspended) tuning owned by one client.
type ActiveTuning struct {
	Key       tuning.Key
	RequestID tuning.RequestID
	Value     int64
	Previous  int64
	Location  tuning.Location
	Target    registry.Target
	Priority  tuning.Priority
	Class     tuning.PriorityClass
	AppliedAt time.Time
	ExpiresAt time.Time
	Duration  time.Duration
	// Suspended tunings no longer resolve in the current mode or topology.
	// They hold their dedup key but are not written to any node.
	Suspended bool
}

type record struct {
	ActiveTuning
	timer     *clock.Timer
	expiryGen uint64
}

// Manager owns the request lifecycle: admission, the worker pool, apply and
// teardown, expiry, and crash recovery.
type Manager struct {
	reg      *registry.Registry
	mapper   *mapper.Mapper
	dedup    *dedup.Checker
	limiter  *ratelimit.Limiter
	queue    *queue.Queue
	arbiter  *arbiter.Arbiter
	clients  *clients.Store
	store    *recovery.Store
	logger   *slog.Logger
	clk      clock.Clock
	metrics  *metrics.Metrics
	outcomes *outcomeCache

	workers int
	wait    time.Duration
	policy  string

	keys    *keyedMutex[tuning.Key]
	handles *keyedMutex[string]
	// admit serializes reservation and placement so a key's reservation and
	// its queue entry appear together. Never taken while holding mu.
	admit sync.Mutex

	mu     sync.RWMutex
	active map[tuning.Key]*record
	// aborts holds pending keys whose tune was already dequeued when the
	// client untuned them.
	aborts map[tuning.Key]struct{}
}

// New validates deps and builds a manager.
func New(deps Deps, opts Options) (*Manager, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("engine: registry is required")
	case deps.Mapper == nil:
		return nil, errors.New("engine: mapper is required")
	case deps.Dedup == nil || deps.Limiter == nil || deps.Queue == nil:
		return nil, errors.New("engine: dedup checker, limiter and queue are required")
	case deps.Arbiter == nil || deps.Clients == nil:
		return nil, errors.New("engine: arbiter and client store are required")
	}
	policy := opts.DedupPolicy
	if policy == "" {
		policy = PolicyRetune
	}
	if policy != PolicyRetune && policy != PolicyReject {
		return nil, fmt.Errorf("engine: unknown dedup policy %q", opts.DedupPolicy)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	wait := opts.DequeueWait
	if wait <= 0 {
		wait = defaultDequeueWait
	}
	outcomes, err := newOutcomeCache(opts.OutcomeCacheSize, clk.Now)
	if err != nil {
		return nil, fmt.Errorf("engine: outcome cache: %w", err)
	}
	return &Manager{
		reg:      deps.Registry,
		mapper:   deps.Mapper,
		dedup:    deps.Dedup,
		limiter:  deps.Limiter,
		queue:    deps.Queue,
		arbiter:  deps.Arbiter,
		clients:  deps.Clients,
		store:    deps.Store,
		logger:   logging.NewComponentLogger(logger, "engine"),
		clk:      clk,
		metrics:  opts.Metrics,
		outcomes: outcomes,
		workers:  workers,
		wait:     wait,
		policy:   policy,
		keys:     newKeyedMutex[tuning.Key](),
		handles:  newKeyedMutex[string](),
		active:   make(map[tuning.Key]*record),
		aborts:   make(map[tuning.Key]struct{}),
	}, nil
}

// Run drives the worker pool until ctx is cancelled. Entries already
// dequeued run to completion; expiry timers are stopped on return.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("request workers started",
		logging.Int("workers", m.workers),
		logging.Duration("dequeue_wait", m.wait),
		logging.String("dedup_policy", m.policy),
		logging.String(logging.FieldEventType, "engine_started"),
	)
	g, gctx := errgroup.WithContext(ctx)
	for range m.workers {
		g.Go(func() error { return m.work(gctx) })
	}
	err := g.Wait()
	m.stopTimers()
	m.logger.Info("request workers stopped", logging.String(logging.FieldEventType, "engine_stopped"))
	return err
}

func (m *Manager) work(ctx context.Context) error {
	for {
		entry, ok, err := m.queue.DequeueNext(ctx, m.wait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			continue
		}
		m.process(context.WithoutCancel(ctx), entry)
	}
}

// Drain processes queued entries on the calling goroutine until the queue is
// empty and returns how many ran.
func (m *Manager) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		entry, ok := m.queue.TryDequeue()
		if !ok {
			break
		}
		m.process(ctx, entry)
		n++
	}
	return n
}

func (m *Manager) process(ctx context.Context, entry queue.Entry) {
	logger := logging.WithContext(logging.WithRequestID(logging.WithClientID(ctx, string(entry.Key.Client)), string(entry.RequestID)), m.logger)

	unlock := m.keys.Lock(entry.Key)
	var err error
	switch entry.Op {
	case tuning.OpTune:
		err = m.applyTune(ctx, entry)
	case tuning.OpRetune:
		err = m.applyRetune(ctx, entry)
	case tuning.OpUntune:
		err = m.untuneLocked(ctx, entry.Key, untuneReason(entry))
	default:
		err = tuning.Errorf(tuning.ErrMalformedRequest, "unknown operation %d", entry.Op)
	}
	unlock()

	if entry.RequestID != "" {
		m.clients.DonePending(entry.Key.Client, entry.RequestID)
	}
	m.outcomes.settle(entry.RequestID, err)
	m.publishGauges()

	if err != nil {
		logging.WarnWithContext(logger, "request entry failed", "tuning_entry_failed",
			logging.String(logging.FieldOpcode, entry.Key.Opcode.String()),
			logging.String("op", entry.Op.String()),
			logging.String("error_kind", tuning.KindOf(err)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the resource descriptor and the node permissions"),
			logging.String(logging.FieldImpact, "the resource keeps its previous value"),
		)
		return
	}
	logger.Debug("request entry processed",
		logging.String(logging.FieldOpcode, entry.Key.Opcode.String()),
		logging.String("op", entry.Op.String()),
		logging.Int64("value", entry.Value),
		logging.String(logging.FieldEventType, "tuning_entry_processed"),
	)
}

func untuneReason(entry queue.Entry) string {
	if entry.Reason != "" {
		return entry.Reason
	}
	return "client_request"
}

func (m *Manager) publishGauges() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	active := len(m.active)
	m.mu.RUnlock()
	m.metrics.SetQueueDepth(m.queue.Len())
	m.metrics.SetActiveTunings(active)
	m.metrics.SetClients(m.clients.Len())
}

func (m *Manager) stopTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.active {
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
		rec.expiryGen++
	}
}

// Snapshot summarizes engine state for status queries.
type Snapshot struct {
	Mode        tuning.Mode
	DedupPolicy string
	Workers     int
	Queued      int
	Active      int
	Suspended   int
	Clients     int
	Nodes       int
	Slots       int
}

// Status returns a point-in-time summary.
func (m *Manager) Status() Snapshot {
	snap := Snapshot{
		Mode:        m.mapper.Mode(),
		DedupPolicy: m.policy,
		Workers:     m.workers,
		Queued:      m.queue.Len(),
		Clients:     m.clients.Len(),
		Nodes:       m.arbiter.Nodes(),
		Slots:       m.limiter.Active(),
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap.Active = len(m.active)
	for _, rec := range m.active {
		if rec.Suspended {
			snap.Suspended++
		}
	}
	return snap
}

// ListTunings returns every active tuning ordered by client then opcode.
func (m *Manager) ListTunings() []ActiveTuning {
	m.mu.RLock()
	out := make([]ActiveTuning, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, rec.ActiveTuning)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Client != out[j].Key.Client {
			return out[i].Key.Client < out[j].Key.Client
		}
		return out[i].Key.Opcode < out[j].Key.Opcode
	})
	return out
}

// Tuning returns the active tuning for key.
func (m *Manager) Tuning(key tuning.Key) (ActiveTuning, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.active[key]
	if !ok {
		return ActiveTuning{}, false
	}
	return rec.ActiveTuning, true
}

// Outcome returns the recorded outcome of a request.
func (m *Manager) Outcome(id tuning.RequestID) (Outcome, bool) {
	return m.outcomes.get(id)
}

// Clients returns every known client.
func (m *Manager) Clients() []clients.Info {
	return m.clients.List()
}

// ActiveKeys lists the keys the client holds.
func (m *Manager) ActiveKeys(id tuning.ClientID) []tuning.Key {
	m.mu.RLock()
	var keys []tuning.Key
	for key := range m.active {
		if key.Client == id {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Opcode < keys[j].Opcode })
	return keys
}

// InFlight counts the client's tunes that hold a reservation but are not
// active yet.
func (m *Manager) InFlight(id tuning.ClientID) int {
	return len(m.dedup.PendingKeys(id))
}

// CancelPending drops every queued entry of the client and returns how many
// were removed. Tunes that were still pending give back their reservation;
// tunes already being applied are reverted by their worker.
func (m *Manager) CancelPending(id tuning.ClientID) int {
	m.admit.Lock()
	defer m.admit.Unlock()
	removed := m.queue.RemoveClient(id)
	for _, entry := range removed {
		m.cancelEntry(entry)
	}
	// Tunes already dequeued revert themselves once their apply returns.
	m.mu.Lock()
	for _, key := range m.dedup.PendingKeys(id) {
		if _, queued := m.queue.Lookup(key); !queued {
			m.aborts[key] = struct{}{}
		}
	}
	m.mu.Unlock()
	if len(removed) > 0 {
		m.publishGauges()
	}
	return len(removed)
}

// Untune reverts one tuning through the normal teardown path. It is used by
// the garbage collector and blocks while the key is being processed.
func (m *Manager) Untune(ctx context.Context, key tuning.Key, reason string) error {
	unlock := m.keys.Lock(key)
	defer unlock()
	err := m.untuneLocked(ctx, key, reason)
	m.publishGauges()
	return err
}
