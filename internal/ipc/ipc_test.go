package ipc_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"restune/internal/daemon"
	"restune/internal/ipc"
	"restune/internal/logging"
	"restune/internal/metrics"
	"restune/internal/registry"
	"restune/internal/testsupport"
	"restune/internal/tuning"
)

func startDaemon(t *testing.T) (*ipc.Client, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithRecovery(false))
	node := filepath.Join(testsupport.BaseDir(cfg), "nodes", "boost")
	testsupport.NewSysfsNode(t, node, 10)

	reg := registry.New()
	if err := reg.Register(registry.ResourceDescriptor{
		Opcode:      0x42,
		Name:        "boost",
		Max:         100,
		Bounded:     true,
		Arbitration: registry.HigherBetter,
		Variants:    []registry.Variant{{Name: "default", Modes: tuning.ModeAll, PathTemplate: node}},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Freeze()

	logger := logging.NewNop()
	comps, err := daemon.NewComponents(cfg, reg, nil, metrics.New(), nil, logger)
	if err != nil {
		t.Fatalf("NewComponents: %v", err)
	}
	d, err := daemon.New(cfg, comps, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	srv, err := ipc.NewServer(ctx, cfg.Paths.SocketPath, d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(func() {
		srv.Close()
	})

	client, err := ipc.Dial(cfg.Paths.SocketPath)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})
	return client, node
}

func tuneEnvelope(opcode string, value int64) ipc.Envelope {
	return ipc.Envelope{
		Kind:     "request",
		ClientID: "app",
		PID:      os.Getpid(),
		Request: &ipc.RequestPayload{
			Op:        "tune",
			Priority:  "high",
			Resources: []ipc.ResourceEntry{{Opcode: opcode, Value: value}},
		},
	}
}

func TestIPCServerClient(t *testing.T) {
	client, node := startDaemon(t)

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Status.Running {
		t.Fatal("expected daemon to be running")
	}

	resp, err := client.Submit(tuneEnvelope("0x42", 60))
	if err != nil {
		t.Fatalf("Submit RPC failed: %v", err)
	}
	if resp.RequestID == "" || resp.Queued != 1 {
		t.Fatalf("unexpected submit response: %+v", resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for testsupport.ReadNode(t, node) != 60 {
		if time.Now().After(deadline) {
			t.Fatal("tuning was not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var outcome *ipc.OutcomeResponse
	for {
		outcome, err = client.RequestOutcome(resp.RequestID)
		if err != nil {
			t.Fatalf("RequestOutcome RPC failed: %v", err)
		}
		if outcome.Found && outcome.Outcome.Status == "applied" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("outcome never settled: %+v", outcome)
		}
		time.Sleep(5 * time.Millisecond)
	}

	tunings, err := client.ListTunings("app")
	if err != nil {
		t.Fatalf("ListTunings RPC failed: %v", err)
	}
	if len(tunings.Tunings) != 1 || tunings.Tunings[0].Value != 60 {
		t.Fatalf("unexpected tunings: %+v", tunings.Tunings)
	}

	clients, err := client.ListClients()
	if err != nil {
		t.Fatalf("ListClients RPC failed: %v", err)
	}
	if len(clients.Clients) != 1 || clients.Clients[0].PID != os.Getpid() {
		t.Fatalf("unexpected clients: %+v", clients.Clients)
	}

	missing, err := client.RequestOutcome("does-not-exist")
	if err != nil {
		t.Fatalf("RequestOutcome RPC failed: %v", err)
	}
	if missing.Found {
		t.Fatal("expected unknown request to be missing")
	}
}

func TestSubmitRefusalCarriesKind(t *testing.T) {
	client, _ := startDaemon(t)

	cases := []struct {
		name string
		env  ipc.Envelope
		want error
	}{
		{"unknown opcode", tuneEnvelope("0x99", 1), tuning.ErrUnknownResource},
		{"bad opcode", tuneEnvelope("boost", 1), tuning.ErrMalformedRequest},
		{"pid spoof", func() ipc.Envelope {
			env := tuneEnvelope("0x42", 1)
			env.PID = os.Getpid() + 1
			return env
		}(), tuning.ErrMalformedRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.Submit(tc.env)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var remote *ipc.RemoteError
			if !errors.As(err, &remote) || remote.ErrorKind() != tuning.KindOf(tc.want) {
				t.Fatalf("expected remote error of kind %s, got %#v", tuning.KindOf(tc.want), err)
			}
		})
	}
}

func TestSignalRPCRejectsUnknownSignal(t *testing.T) {
	client, _ := startDaemon(t)

	env := ipc.Envelope{ClientID: "app", PID: os.Getpid()}
	_, err := client.Signal(env, ipc.SignalPayload{Opcode: "0x100", Op: "tune"})
	if !errors.Is(err, tuning.ErrUnknownSignal) {
		t.Fatalf("expected unknown signal, got %v", err)
	}
}

func TestRemoteErrorUnknownKind(t *testing.T) {
	err := &ipc.RemoteError{Kind: "mystery", Message: "boom"}
	if errors.Unwrap(err) != nil {
		t.Fatal("expected no sentinel for unknown kind")
	}
	if tuning.KindOf(err) != "internal" {
		t.Fatalf("expected internal kind, got %s", tuning.KindOf(err))
	}
}
