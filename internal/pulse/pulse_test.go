package pulse_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restune/internal/clients"
	"restune/internal/logging"
	"restune/internal/pulse"
	"restune/internal/tuning"
)

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled []tuning.ClientID
}

func (r *recordingScheduler) Schedule(id tuning.ClientID) {
	r.mu.Lock()
	r.scheduled = append(r.scheduled, id)
	r.mu.Unlock()
}

func (r *recordingScheduler) ids() []tuning.ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tuning.ClientID(nil), r.scheduled...)
}

func TestSweepTimeout(t *testing.T) {
	clk := clock.NewMock()
	store := clients.NewStore(clk)
	sched := &recordingScheduler{}
	m := pulse.New(store, sched, logging.NewNop(), pulse.Options{
		Interval: time.Minute, Timeout: 2 * time.Minute, Clock: clk,
	})

	store.Touch("quiet", 0, tuning.TierThirdParty)
	clk.Add(90 * time.Second)
	store.Touch("chatty", 0, tuning.TierThirdParty)

	assert.Equal(t, 0, m.Sweep(context.Background()))
	clk.Add(45 * time.Second)
	assert.Equal(t, 1, m.Sweep(context.Background()))
	assert.Equal(t, []tuning.ClientID{"quiet"}, sched.ids())

	info, ok := store.Get("quiet")
	require.True(t, ok)
	assert.True(t, info.Dead)

	// Already dead clients are rescheduled but not counted again.
	assert.Equal(t, 0, m.Sweep(context.Background()))
	assert.Equal(t, []tuning.ClientID{"quiet", "quiet"}, sched.ids())
}

func TestSweepProcessProbe(t *testing.T) {
	clk := clock.NewMock()
	store := clients.NewStore(clk)
	sched := &recordingScheduler{}
	m := pulse.New(store, sched, logging.NewNop(), pulse.Options{
		Timeout: time.Hour,
		Clock:   clk,
		Probe:   func(pid int) bool { return pid != 4242 },
	})
	store.Touch("gone", 4242, tuning.TierThirdParty)
	store.Touch("here", 1, tuning.TierThirdParty)

	assert.Equal(t, 1, m.Sweep(context.Background()))
	assert.Equal(t, []tuning.ClientID{"gone"}, sched.ids())
}

func TestSweepRecoveredGrace(t *testing.T) {
	clk := clock.NewMock()
	store := clients.NewStore(clk)
	sched := &recordingScheduler{}
	m := pulse.New(store, sched, logging.NewNop(), pulse.Options{Timeout: time.Hour, Clock: clk})

	store.Restore("old", 0, tuning.TierThirdParty, clk.Now().Add(30*time.Second))
	store.Restore("back", 0, tuning.TierThirdParty, clk.Now().Add(30*time.Second))
	store.Touch("back", 0, tuning.TierThirdParty)

	clk.Add(31 * time.Second)
	assert.Equal(t, 1, m.Sweep(context.Background()))
	assert.Equal(t, []tuning.ClientID{"old"}, sched.ids())
}

func TestRunSweepsOnTick(t *testing.T) {
	clk := clock.NewMock()
	store := clients.NewStore(clk)
	sched := &recordingScheduler{}
	m := pulse.New(store, sched, logging.NewNop(), pulse.Options{
		Interval: time.Minute, Timeout: time.Minute, Clock: clk,
	})
	store.Touch("c", 0, tuning.TierThirdParty)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		clk.Add(time.Minute)
		return len(sched.ids()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestProcessAliveSelf(t *testing.T) {
	assert.True(t, pulse.ProcessAlive(os.Getpid()))
	assert.True(t, pulse.ProcessAlive(0))
}
