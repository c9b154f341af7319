package daemon_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"restune/internal/config"
	"restune/internal/daemon"
	"restune/internal/logging"
	"restune/internal/metrics"
	"restune/internal/receiver"
	"restune/internal/recovery"
	"restune/internal/registry"
	"restune/internal/testsupport"
	"restune/internal/tuning"
)

const opBoost tuning.Opcode = 0x42

func testRegistry(t *testing.T, cfg *config.Config) (*registry.Registry, string) {
	t.Helper()
	node := filepath.Join(testsupport.BaseDir(cfg), "nodes", "boost")
	testsupport.NewSysfsNode(t, node, 10)

	reg := registry.New()
	err := reg.Register(registry.ResourceDescriptor{
		Opcode:      opBoost,
		Name:        "boost",
		Max:         100,
		Bounded:     true,
		Arbitration: registry.HigherBetter,
		Variants:    []registry.Variant{{Name: "default", Modes: tuning.ModeAll, PathTemplate: node}},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Freeze()
	return reg, node
}

func newDaemon(t *testing.T, cfg *config.Config) (*daemon.Daemon, string) {
	t.Helper()
	reg, node := testRegistry(t, cfg)

	var store *recovery.Store
	if cfg.Recovery.Enabled {
		var err error
		store, err = recovery.Open(cfg)
		if err != nil {
			t.Fatalf("recovery.Open: %v", err)
		}
	}
	comps, err := daemon.NewComponents(cfg, reg, store, metrics.New(), nil, logging.NewNop())
	if err != nil {
		t.Fatalf("NewComponents: %v", err)
	}
	d, err := daemon.New(cfg, comps, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
	})
	return d, node
}

func tuneEnvelope(client string, value int64) receiver.Envelope {
	return receiver.Envelope{
		Kind:     "request",
		ClientID: client,
		Request: &receiver.RequestPayload{
			Op:        "tune",
			Resources: []receiver.ResourceEntry{{Opcode: "0x42", Value: value}},
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := newDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.StartedAt == "" {
		t.Fatal("expected start time")
	}
	if status.RecoveryDBPath == "" {
		t.Fatal("expected recovery database path")
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected start after stop to fail")
	}
}

func TestDaemonSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRecovery(false))
	first, _ := newDaemon(t, cfg)
	second, _ := newDaemon(t, cfg)

	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := second.Start(ctx); err == nil {
		t.Fatal("expected lock contention error")
	}
	first.Stop()
}

func TestReceiveRequiresRunningDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := newDaemon(t, cfg)

	if _, err := d.Receive(context.Background(), tuneEnvelope("app", 50), receiver.Credentials{}); err == nil {
		t.Fatal("expected error before start")
	}
}

func TestReceiveAppliesTuning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, node := newDaemon(t, cfg)

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	receipt, err := d.Receive(ctx, tuneEnvelope("app", 50), receiver.Credentials{})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if receipt.RequestID == "" || receipt.Queued != 1 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	waitFor(t, "tuning applied", func() bool { return testsupport.ReadNode(t, node) == 50 })
	waitFor(t, "outcome applied", func() bool {
		outcome, ok := d.Outcome(string(receipt.RequestID))
		return ok && outcome.Status == "applied"
	})

	if got := d.ListTunings("app"); len(got) != 1 {
		t.Fatalf("expected 1 tuning for app, got %d", len(got))
	}
	if got := d.ListTunings("other"); len(got) != 0 {
		t.Fatalf("expected no tunings for other, got %d", len(got))
	}
	clients := d.ListClients()
	if len(clients) != 1 || clients[0].ID != "app" {
		t.Fatalf("unexpected clients: %+v", clients)
	}
	if rows := d.Status(ctx).RecoveryRows; rows == 0 {
		t.Fatal("expected a committed recovery row")
	}
}

func TestRefreshTopologyPicksUpOnlineChange(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRecovery(false))
	online := filepath.Join(cfg.Topology.SysfsRoot, "devices", "system", "cpu", "online")
	testsupport.WriteFile(t, online, "0-3\n")
	d, _ := newDaemon(t, cfg)

	ctx := context.Background()
	if got := d.Status(ctx).Topology.Online; got != 4 {
		t.Fatalf("expected 4 online cpus, got %d", got)
	}

	testsupport.WriteFile(t, online, "0-1\n")
	d.RefreshTopology(ctx)
	if got := d.Status(ctx).Topology.Online; got != 2 {
		t.Fatalf("expected 2 online cpus after refresh, got %d", got)
	}
}
