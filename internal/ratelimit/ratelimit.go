// Package ratelimit admits requests against per-client and global token
// buckets and caps the number of concurrently active tunings.
package ratelimit

import (
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"restune/internal/tuning"
)

// Settings configures the buckets.
type Settings struct {
	ClientRate  float64
	ClientBurst int
	GlobalRate  float64
	GlobalBurst int
	MaxActive   int
}

// Limiter is safe for concurrent use.
type Limiter struct {
	clk      clock.Clock
	settings Settings

	mu      sync.Mutex
	global  *rate.Limiter
	clients map[tuning.ClientID]*rate.Limiter
	active  int
}

// New builds a limiter. A nil clock uses wall time.
func New(settings Settings, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		clk:      clk,
		settings: settings,
		global:   rate.NewLimiter(rate.Limit(settings.GlobalRate), settings.GlobalBurst),
		clients:  make(map[tuning.ClientID]*rate.Limiter),
	}
}

// TryAdmit spends cost tokens from both the client's bucket and the global
// bucket, or neither. It never blocks.
func (l *Limiter) TryAdmit(client tuning.ClientID, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.clients[client]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(l.settings.ClientRate), l.settings.ClientBurst)
		l.clients[client] = bucket
	}
	if bucket.TokensAt(now) < float64(cost) {
		return tuning.Errorf(tuning.ErrRateLimited, "client %s exceeded its request rate", client)
	}
	if l.global.TokensAt(now) < float64(cost) {
		return tuning.Errorf(tuning.ErrRateLimited, "global request rate exceeded")
	}
	bucket.AllowN(now, cost)
	l.global.AllowN(now, cost)
	return nil
}

// AcquireSlots reserves n active-tuning slots, all or none.
func (l *Limiter) AcquireSlots(n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settings.MaxActive > 0 && l.active+n > l.settings.MaxActive {
		return tuning.Errorf(tuning.ErrRateLimited, "%d active tunings at ceiling %d", l.active, l.settings.MaxActive)
	}
	l.active += n
	return nil
}

// ReleaseSlot returns one active-tuning slot.
func (l *Limiter) ReleaseSlot() {
	l.mu.Lock()
	if l.active > 0 {
		l.active--
	}
	l.mu.Unlock()
}

// Active returns the number of held slots.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Forget drops the client's bucket.
func (l *Limiter) Forget(client tuning.ClientID) {
	l.mu.Lock()
	delete(l.clients, client)
	l.mu.Unlock()
}

// Tracked returns the number of client buckets held.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
