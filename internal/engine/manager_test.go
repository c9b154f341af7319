package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restune/internal/engine"
	"restune/internal/gc"
	"restune/internal/logging"
	"restune/internal/pulse"
	"restune/internal/ratelimit"
	"restune/internal/recovery"
	"restune/internal/tuning"
)

func TestTuneThenUntuneRestoresPreviousValue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := tuning.Key{Client: "c1", Opcode: opBoost}

	receipt := h.mustSubmit(tune("c1", opBoost, 50))
	assert.Equal(t, 1, receipt.Queued)
	assert.NotEmpty(t, receipt.RequestID)
	assert.Equal(t, 1, h.drain())

	assert.Equal(t, int64(50), h.value("boost"))
	at, ok := h.engine.Tuning(key)
	require.True(t, ok)
	assert.Equal(t, int64(10), at.Previous)
	assert.Equal(t, tuning.PriorityThirdPartyLow, at.Priority)

	rec, err := h.store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, recovery.StatusCommitted, rec.Status)
	assert.Equal(t, int64(10), rec.PreviousValue)

	outcome, ok := h.engine.Outcome(receipt.RequestID)
	require.True(t, ok)
	assert.Equal(t, engine.OutcomeApplied, outcome.Status)

	h.mustSubmit(untune("c1", opBoost))
	h.drain()
	assert.Equal(t, int64(10), h.value("boost"))
	_, ok = h.engine.Tuning(key)
	assert.False(t, ok)
	rec, err = h.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 0, h.limiter.Active())

	// The key is free again.
	h.mustSubmit(tune("c1", opBoost, 20))
}

func TestAdmissionErrors(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name string
		msg  tuning.Message
		want error
	}{
		{"unknown resource", tune("c1", 0x999, 1), tuning.ErrUnknownResource},
		{"out of range", tune("c1", opBoost, 101), tuning.ErrMalformedRequest},
		{"system only", tune("c1", opSched, 1), tuning.ErrPermissionDenied},
		{"retune without tuning", request("c1", tuning.OpRetune, tuning.PriorityLow, 0, tuning.ResourceValue{Opcode: opBoost, Value: 3}), tuning.ErrClientNotFound},
		{"untune without tuning", untune("c1", opBoost), tuning.ErrClientNotFound},
		{"unknown signal", signal("c1", tuning.TierThirdParty, 0x777), tuning.ErrUnknownSignal},
		{"empty request", request("c1", tuning.OpTune, tuning.PriorityLow, 0), tuning.ErrMalformedRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.submit(tc.msg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, 0, h.drain())

	_, err := h.submit(asSystem(tune("sys", opSched, 1)))
	assert.NoError(t, err)
}

func TestRateLimitedAdmission(t *testing.T) {
	h := newHarness(t, withLimits(ratelimit.Settings{ClientRate: 1, ClientBurst: 2, GlobalRate: 100, GlobalBurst: 100, MaxActive: 10}))

	h.mustSubmit(tune("c1", opBoost, 1))
	h.mustSubmit(tune("c1", opLatency, 1))
	_, err := h.submit(tune("c1", opDisplay, 1))
	assert.ErrorIs(t, err, tuning.ErrRateLimited)

	h.clk.Add(time.Second)
	h.mustSubmit(tune("c1", opDisplay, 1))
}

func TestActiveCeiling(t *testing.T) {
	h := newHarness(t, withLimits(ratelimit.Settings{ClientRate: 100, ClientBurst: 100, GlobalRate: 100, GlobalBurst: 100, MaxActive: 1}))

	h.mustSubmit(tune("c1", opBoost, 1))
	_, err := h.submit(tune("c2", opLatency, 1))
	assert.ErrorIs(t, err, tuning.ErrRateLimited)
	// The rejected request left no reservation behind.
	h.mustSubmit(untune("c1", opBoost))
	h.mustSubmit(tune("c2", opLatency, 1))
}

func TestConcurrentTunesRejectPolicy(t *testing.T) {
	h := newHarness(t, withPolicy(engine.PolicyReject))

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		accepted   int
		duplicates int
	)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.submit(tune("c1", opBoost, int64(20+i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, tuning.ErrDuplicate):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 15, duplicates)

	h.drain()
	assert.Len(t, h.engine.ListTunings(), 1)
	_, err := h.submit(tune("c1", opBoost, 90))
	assert.ErrorIs(t, err, tuning.ErrDuplicate)
}

func TestConcurrentTunesRetunePolicy(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.submit(tune("c1", opBoost, int64(20+i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Every later tune merged into the one queued entry.
	assert.Equal(t, 1, h.drain())
	tunings := h.engine.ListTunings()
	require.Len(t, tunings, 1)
	assert.Equal(t, tunings[0].Value, h.value("boost"))
	assert.Equal(t, int64(10), tunings[0].Previous)
}

// Reservation and placement of a fresh tune happen together, so a racing
// tune on the same key always has an entry to merge into.
func TestConcurrentSameKeyTunesNeverLoseBoth(t *testing.T) {
	for iteration := range 300 {
		h := newHarness(t, withoutRecovery())
		var wg sync.WaitGroup
		for i := range 6 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = h.submit(tune("c1", opBoost, int64(20+i)))
			}()
		}
		wg.Wait()
		h.drain()
		require.Lenf(t, h.engine.ListTunings(), 1, "iteration %d", iteration)
		require.Equalf(t, 1, h.limiter.Active(), "iteration %d", iteration)
	}
}

func TestConcurrentWorkersKeepOneTuning(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.submit(tune("c1", opBoost, int64(30+i)))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return h.engine.Status().Queued == 0 && len(h.engine.ListTunings()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.limiter.Active())
}

// A second tune from the same client lands as a retune; when the client
// dies the node returns to its original value.
func TestRetuneThenDeadClientRestores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := tuning.Key{Client: "c42", Opcode: opBoost}

	h.mustSubmit(request("c42", tuning.OpTune, tuning.PriorityHigh, 0, tuning.ResourceValue{Opcode: opBoost, Value: 5}))
	h.drain()
	assert.Equal(t, int64(5), h.value("boost"))

	receipt := h.mustSubmit(tune("c42", opBoost, 7))
	assert.Equal(t, 1, receipt.Queued)
	h.drain()
	at, ok := h.engine.Tuning(key)
	require.True(t, ok)
	assert.Equal(t, int64(7), at.Value)
	assert.Equal(t, int64(10), at.Previous)
	assert.Equal(t, int64(7), h.value("boost"))

	collector := gc.New(h.engine, h.clients, h.limiter, logging.NewNop(), gc.Options{Clock: h.clk})
	monitor := pulse.New(h.clients, collector, logging.NewNop(), pulse.Options{
		Interval: time.Minute, Timeout: 2 * time.Minute, Clock: h.clk,
	})
	h.clk.Add(3 * time.Minute)
	assert.Equal(t, 1, monitor.Sweep(ctx))
	require.NoError(t, collector.Teardown(ctx, "c42"))

	assert.Equal(t, int64(10), h.value("boost"))
	assert.Empty(t, h.engine.ListTunings())
	_, ok = h.clients.Get("c42")
	assert.False(t, ok)
}

// A client torn down while one of its tunes is being applied stays
// registered until the apply returns; the worker then reverts the tune.
func TestTeardownDuringApply(t *testing.T) {
	gate := newApplyGate()
	h := newHarness(t, withApplyGate(opBoost, gate))
	ctx := context.Background()
	collector := gc.New(h.engine, h.clients, h.limiter, logging.NewNop(), gc.Options{Clock: h.clk})

	h.mustSubmit(tune("c1", opBoost, 50))
	done := make(chan int, 1)
	go func() { done <- h.drain() }()
	<-gate.started

	h.clients.MarkDead("c1")
	err := collector.Teardown(ctx, "c1")
	require.Error(t, err)
	assert.Equal(t, 1, h.engine.InFlight("c1"))
	_, ok := h.clients.Get("c1")
	require.True(t, ok)

	close(gate.release)
	require.Equal(t, 1, <-done)
	assert.Zero(t, h.engine.InFlight("c1"))
	assert.Empty(t, h.engine.ListTunings())
	assert.Equal(t, int64(10), h.value("boost"))

	require.NoError(t, collector.Teardown(ctx, "c1"))
	_, ok = h.clients.Get("c1")
	assert.False(t, ok)
	assert.Zero(t, h.limiter.Active())
}

func TestDeadClientIsRefused(t *testing.T) {
	h := newHarness(t)
	h.mustSubmit(tune("c1", opBoost, 5))
	h.clients.MarkDead("c1")
	_, err := h.submit(tune("c1", opLatency, 5))
	assert.ErrorIs(t, err, tuning.ErrClientNotFound)
}

func TestArbitrationAcrossClients(t *testing.T) {
	h := newHarness(t)

	h.mustSubmit(tune("a", opBoost, 30))
	h.mustSubmit(tune("b", opBoost, 60))
	h.drain()
	assert.Equal(t, int64(60), h.value("boost"))

	h.mustSubmit(untune("b", opBoost))
	h.drain()
	assert.Equal(t, int64(30), h.value("boost"))

	h.mustSubmit(untune("a", opBoost))
	h.drain()
	assert.Equal(t, int64(10), h.value("boost"))
}

func TestHigherPriorityClaimWins(t *testing.T) {
	h := newHarness(t)

	h.mustSubmit(request("low", tuning.OpTune, tuning.PriorityLow, 0, tuning.ResourceValue{Opcode: opLatency, Value: 20}))
	h.mustSubmit(asSystem(request("sys", tuning.OpTune, tuning.PriorityHigh, 0, tuning.ResourceValue{Opcode: opLatency, Value: 80})))
	h.drain()
	// Lower is better, but the system claim outranks it.
	assert.Equal(t, int64(80), h.value("latency"))
}

func TestApplyFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	receipt := h.mustSubmit(tune("c1", opBroken, 5))
	h.drain()

	outcome, ok := h.engine.Outcome(receipt.RequestID)
	require.True(t, ok)
	assert.Equal(t, engine.OutcomeFailed, outcome.Status)
	assert.Equal(t, "resource_apply_failure", outcome.ErrorKind)
	assert.Empty(t, h.engine.ListTunings())
	assert.Equal(t, int64(0), h.value("broken"))
	count, err := h.store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, h.limiter.Active())

	// Nothing is left reserved.
	h.mustSubmit(tune("c1", opBroken, 6))
}

func TestUntuneCancelsQueuedTune(t *testing.T) {
	h := newHarness(t)

	first := h.mustSubmit(tune("c1", opBoost, 40))
	receipt := h.mustSubmit(untune("c1", opBoost))
	assert.Equal(t, 1, receipt.Cancelled)
	assert.Equal(t, 0, h.drain())
	assert.Equal(t, int64(10), h.value("boost"))

	outcome, ok := h.engine.Outcome(first.RequestID)
	require.True(t, ok)
	assert.Equal(t, engine.OutcomeCancelled, outcome.Status)
	outcome, ok = h.engine.Outcome(receipt.RequestID)
	require.True(t, ok)
	assert.Equal(t, engine.OutcomeUntuned, outcome.Status)
	assert.Equal(t, 0, h.limiter.Active())
}

func TestUntuneMergesIntoQueuedRetune(t *testing.T) {
	h := newHarness(t)

	h.mustSubmit(tune("c1", opBoost, 40))
	h.drain()
	retune := h.mustSubmit(tune("c1", opBoost, 45))
	receipt := h.mustSubmit(untune("c1", opBoost))
	assert.Equal(t, 1, receipt.Coalesced)
	assert.Equal(t, 1, h.drain())
	assert.Equal(t, int64(10), h.value("boost"))

	outcome, ok := h.engine.Outcome(retune.RequestID)
	require.True(t, ok)
	assert.Equal(t, engine.OutcomeCancelled, outcome.Status)
}

func TestExpiryUntunes(t *testing.T) {
	h := newHarness(t)
	key := tuning.Key{Client: "c1", Opcode: opBoost}

	h.mustSubmit(request("c1", tuning.OpTune, tuning.PriorityLow, 30*time.Second, tuning.ResourceValue{Opcode: opBoost, Value: 70}))
	h.drain()
	at, ok := h.engine.Tuning(key)
	require.True(t, ok)
	assert.Equal(t, h.clk.Now().Add(30*time.Second), at.ExpiresAt)

	h.clk.Add(29 * time.Second)
	h.drain()
	assert.Equal(t, int64(70), h.value("boost"))

	h.clk.Add(2 * time.Second)
	require.Eventually(t, func() bool {
		h.drain()
		_, ok := h.engine.Tuning(key)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(10), h.value("boost"))
}

func TestRetuneResetsExpiry(t *testing.T) {
	h := newHarness(t)
	key := tuning.Key{Client: "c1", Opcode: opBoost}

	h.mustSubmit(request("c1", tuning.OpTune, tuning.PriorityLow, 10*time.Second, tuning.ResourceValue{Opcode: opBoost, Value: 70}))
	h.drain()
	h.clk.Add(5 * time.Second)
	h.mustSubmit(request("c1", tuning.OpRetune, tuning.PriorityLow, time.Minute, tuning.ResourceValue{Opcode: opBoost, Value: 75}))
	h.drain()

	h.clk.Add(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	h.drain()
	at, ok := h.engine.Tuning(key)
	require.True(t, ok)
	assert.Equal(t, int64(75), at.Value)
	assert.Equal(t, time.Minute, at.Duration)
}

func TestSignalExpandsBundle(t *testing.T) {
	h := newHarness(t)

	receipt := h.mustSubmit(signal("c1", tuning.TierThirdParty, sigLaunch, 70))
	assert.Equal(t, 2, receipt.Queued)
	assert.Equal(t, 2, h.drain())
	assert.Equal(t, int64(70), h.value("boost"))
	assert.Equal(t, int64(5), h.value("latency"))

	at, ok := h.engine.Tuning(tuning.Key{Client: "c1", Opcode: opBoost})
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, at.Duration)

	_, err := h.submit(signal("c2", tuning.TierThirdParty, sigLaunch))
	assert.ErrorIs(t, err, tuning.ErrMalformedRequest)
}

func TestModeChangeSuspendsAndResumes(t *testing.T) {
	h := newHarness(t)
	key := tuning.Key{Client: "c1", Opcode: opDisplay}

	h.mustSubmit(tune("c1", opDisplay, 3))
	h.drain()
	assert.Equal(t, int64(3), h.value("display"))

	_, err := h.submit(signal("c1", tuning.TierThirdParty, tuning.SignalModeChange, int64(tuning.ModeSuspend)))
	assert.ErrorIs(t, err, tuning.ErrPermissionDenied)
	_, err = h.submit(signal("power", tuning.TierSystem, tuning.SignalModeChange, 0))
	assert.ErrorIs(t, err, tuning.ErrMalformedRequest)

	h.mustSubmit(signal("power", tuning.TierSystem, tuning.SignalModeChange, int64(tuning.ModeSuspend)))
	assert.Equal(t, int64(1), h.value("display"))
	at, ok := h.engine.Tuning(key)
	require.True(t, ok)
	assert.True(t, at.Suspended)
	assert.Equal(t, 1, h.engine.Status().Suspended)

	// A retune while suspended only updates the record.
	h.mustSubmit(tune("c1", opDisplay, 4))
	h.drain()
	assert.Equal(t, int64(1), h.value("display"))

	h.mustSubmit(signal("power", tuning.TierSystem, tuning.SignalModeChange, int64(tuning.ModeResume)))
	assert.Equal(t, int64(4), h.value("display"))
	at, ok = h.engine.Tuning(key)
	require.True(t, ok)
	assert.False(t, at.Suspended)

	h.mustSubmit(untune("c1", opDisplay))
	h.drain()
	assert.Equal(t, int64(1), h.value("display"))
}

func TestHeartbeatIsAccepted(t *testing.T) {
	h := newHarness(t)
	h.mustSubmit(signal("c1", tuning.TierThirdParty, tuning.SignalHeartbeat))
	_, ok := h.clients.Get("c1")
	assert.True(t, ok)
	assert.Equal(t, 0, h.drain())
}

func TestRecoverForcesIntentsAndAdoptsCommitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A crash left boost committed at 55 and latency mid-change.
	h.set("boost", 55)
	h.set("latency", 3)
	require.NoError(t, h.store.Commit(ctx, recovery.Record{
		Client: "old", Opcode: opBoost, Op: tuning.OpTune, RequestID: "r1",
		TargetValue: 55, PreviousValue: 10, TargetPath: h.node("boost"),
		Priority: tuning.PriorityThirdPartyLow,
		Payload:  recovery.Payload{PID: 0, Tier: tuning.TierThirdParty, Class: tuning.PriorityLow, Unit: 1, AppliedAt: h.clk.Now()},
	}))
	require.NoError(t, h.store.PutIntent(ctx, recovery.Record{
		Client: "old", Opcode: opLatency, Op: tuning.OpTune, RequestID: "r2",
		TargetValue: 3, PreviousValue: 99, TargetPath: h.node("latency"),
		Priority: tuning.PriorityThirdPartyLow,
		Payload:  recovery.Payload{Tier: tuning.TierThirdParty, Unit: 1},
	}))

	report, err := h.engine.Recover(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, engine.RecoveryReport{Forced: 1, Adopted: 1, Clients: 1}, report)

	assert.Equal(t, int64(99), h.value("latency"))
	assert.Equal(t, int64(55), h.value("boost"))
	at, ok := h.engine.Tuning(tuning.Key{Client: "old", Opcode: opBoost})
	require.True(t, ok)
	assert.Equal(t, int64(10), at.Previous)
	info, ok := h.clients.Get("old")
	require.True(t, ok)
	assert.True(t, info.Recovered)

	intents, err := h.store.Count(ctx, recovery.StatusIntent)
	require.NoError(t, err)
	assert.Equal(t, 0, intents)

	// The client never reconnects: its grace runs out and the node is restored.
	collector := gc.New(h.engine, h.clients, h.limiter, logging.NewNop(), gc.Options{Clock: h.clk})
	monitor := pulse.New(h.clients, collector, logging.NewNop(), pulse.Options{Timeout: time.Hour, Clock: h.clk})
	h.clk.Add(31 * time.Second)
	assert.Equal(t, 1, monitor.Sweep(ctx))
	require.NoError(t, collector.Teardown(ctx, "old"))
	assert.Equal(t, int64(10), h.value("boost"))
	count, err := h.store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRecoverAfterRestartAdoptsLiveTunings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mustSubmit(tune("a", opBoost, 30))
	h.drain()
	h.clk.Add(time.Second)
	h.mustSubmit(tune("b", opBoost, 60))
	h.drain()
	assert.Equal(t, int64(60), h.value("boost"))

	restarted := h.newEngine(engine.PolicyRetune)
	h.engine = restarted
	report, err := restarted.Recover(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Adopted)

	// The reconnecting client untunes; the other claim keeps the node.
	h.clients.Touch("b", 0, tuning.TierThirdParty)
	h.mustSubmit(untune("b", opBoost))
	h.drain()
	assert.Equal(t, int64(30), h.value("boost"))
	h.mustSubmit(untune("a", opBoost))
	h.drain()
	assert.Equal(t, int64(10), h.value("boost"))
}

func TestRecoverWithoutStore(t *testing.T) {
	h := newHarness(t, withoutRecovery())
	report, err := h.engine.Recover(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, report)

	h.mustSubmit(tune("c1", opBoost, 15))
	h.drain()
	assert.Equal(t, int64(15), h.value("boost"))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := engine.New(engine.Deps{}, engine.Options{})
	assert.Error(t, err)
}
