package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"restune/internal/clients"
	"restune/internal/logging"
	"restune/internal/metrics"
	"restune/internal/tuning"
)

// Engine is the part of the request manager the collector drives.
type Engine interface {
	// CancelPending drops every queued entry of the client.
	CancelPending(id tuning.ClientID) int
	// InFlight counts the client's tunes still being applied.
	InFlight(id tuning.ClientID) int
	// ActiveKeys lists the client's applied tunings.
	ActiveKeys(id tuning.ClientID) []tuning.Key
	// Untune reverts one tuning through the normal teardown path.
	Untune(ctx context.Context, key tuning.Key, reason string) error
}

// Forgetter drops per-client admission state.
type Forgetter interface {
	Forget(id tuning.ClientID)
}

// Options tune the collector.
type Options struct {
	RetryInterval time.Duration
	BatchSize     int
	Clock         clock.Clock
	Metrics       *metrics.Metrics
}

// Collector tears down dead clients. Scheduled clients stay scheduled until
// their teardown succeeds.
type Collector struct {
	engine  Engine
	clients *clients.Store
	limiter Forgetter
	logger  *slog.Logger
	clk     clock.Clock
	retry   time.Duration
	batch   int
	metrics *metrics.Metrics

	mu        sync.Mutex
	scheduled map[tuning.ClientID]struct{}
	order     []tuning.ClientID
	notify    chan struct{}
}

// New creates a collector. limiter may be nil.
func New(engine Engine, store *clients.Store, limiter Forgetter, logger *slog.Logger, opts Options) *Collector {
	if logger == nil {
		logger = logging.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &Collector{
		engine:    engine,
		clients:   store,
		limiter:   limiter,
		logger:    logging.NewComponentLogger(logger, "gc"),
		clk:       clk,
		retry:     opts.RetryInterval,
		batch:     batch,
		metrics:   opts.Metrics,
		scheduled: make(map[tuning.ClientID]struct{}),
		notify:    make(chan struct{}, 1),
	}
}

// Schedule queues a client for teardown. Scheduling twice is harmless.
func (c *Collector) Schedule(id tuning.ClientID) {
	c.mu.Lock()
	if _, ok := c.scheduled[id]; !ok {
		c.scheduled[id] = struct{}{}
		c.order = append(c.order, id)
	}
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of scheduled clients.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Run processes scheduled clients when notified and retries failures every
// retry interval.
func (c *Collector) Run(ctx context.Context) error {
	for {
		c.drain(ctx)

		var (
			timer *clock.Timer
			retry <-chan time.Time
		)
		if c.retry > 0 && c.Pending() > 0 {
			timer = c.clk.Timer(c.retry)
			retry = timer.C
		}
		select {
		case <-ctx.Done():
		case <-c.notify:
		case <-retry:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// drain runs one pass over the scheduled clients, batch by batch.
func (c *Collector) drain(ctx context.Context) {
	c.mu.Lock()
	pass := append([]tuning.ClientID(nil), c.order...)
	c.mu.Unlock()

	for start := 0; start < len(pass); start += c.batch {
		end := min(start+c.batch, len(pass))
		for _, id := range pass[start:end] {
			if ctx.Err() != nil {
				return
			}
			if err := c.Teardown(ctx, id); err != nil {
				c.metrics.Teardown("retry")
				logging.WarnWithContext(c.logger, "client teardown incomplete", "gc_teardown_failed",
					logging.String(logging.FieldClientID, string(id)),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check the resource node named in the error"),
					logging.String(logging.FieldImpact, "tunings stay applied until the next retry"),
				)
			}
		}
	}
}

// Teardown cancels the client's pending work, reverts each active tuning and
// releases the client. It fails while a tune of the client is still being
// applied, so the client stays scheduled. Calling it again after success is
// a no-op.
func (c *Collector) Teardown(ctx context.Context, id tuning.ClientID) error {
	cancelled := c.engine.CancelPending(id)

	var errs error
	keys := c.engine.ActiveKeys(id)
	for _, key := range keys {
		err := c.engine.Untune(ctx, key, "client_dead")
		if err != nil && !errors.Is(err, tuning.ErrClientNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("untune %s: %w", key, err))
		}
	}
	if n := c.engine.InFlight(id); n > 0 {
		errs = multierr.Append(errs, fmt.Errorf("client %s has %d tunes in flight", id, n))
	}
	if errs != nil {
		return errs
	}
	if !c.clients.Release(id) {
		return fmt.Errorf("client %s still owns tunings", id)
	}
	if c.limiter != nil {
		c.limiter.Forget(id)
	}
	c.unschedule(id)
	c.metrics.Teardown("ok")
	c.logger.Info("client torn down",
		logging.String(logging.FieldClientID, string(id)),
		logging.Int("cancelled", cancelled),
		logging.Int("untuned", len(keys)),
		logging.String(logging.FieldEventType, "gc_teardown_complete"),
	)
	return nil
}

func (c *Collector) unschedule(id tuning.ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.scheduled[id]; !ok {
		return
	}
	delete(c.scheduled, id)
	for i, queued := range c.order {
		if queued == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
