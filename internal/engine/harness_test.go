package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"restune/internal/arbiter"
	"restune/internal/clients"
	"restune/internal/dedup"
	"restune/internal/engine"
	"restune/internal/logging"
	"restune/internal/mapper"
	"restune/internal/queue"
	"restune/internal/ratelimit"
	"restune/internal/recovery"
	"restune/internal/registry"
	"restune/internal/testsupport"
	"restune/internal/topology"
	"restune/internal/tuning"
)

const (
	opBoost   tuning.Opcode = 0x42
	opLatency tuning.Opcode = 0x43
	opDisplay tuning.Opcode = 0x50
	opBroken  tuning.Opcode = 0x60
	opSched   tuning.Opcode = 0x70
	sigLaunch tuning.Opcode = 0x100
)

type harness struct {
	t       *testing.T
	clk     *clock.Mock
	dir     string
	reg     *registry.Registry
	mapper  *mapper.Mapper
	limiter *ratelimit.Limiter
	clients *clients.Store
	store   *recovery.Store
	engine  *engine.Manager
}

type harnessConfig struct {
	policy   string
	limits   ratelimit.Settings
	recovery bool
	gates    map[tuning.Opcode]*applyGate
}

type harnessOption func(*harnessConfig)

func withPolicy(policy string) harnessOption {
	return func(c *harnessConfig) { c.policy = policy }
}

func withLimits(settings ratelimit.Settings) harnessOption {
	return func(c *harnessConfig) { c.limits = settings }
}

func withoutRecovery() harnessOption {
	return func(c *harnessConfig) { c.recovery = false }
}

// withApplyGate holds the first write to op until the gate is opened.
func withApplyGate(op tuning.Opcode, gate *applyGate) harnessOption {
	return func(c *harnessConfig) {
		if c.gates == nil {
			c.gates = make(map[tuning.Opcode]*applyGate)
		}
		c.gates[op] = gate
	}
}

type applyGate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newApplyGate() *applyGate {
	return &applyGate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *applyGate) policy() registry.Policy {
	write := registry.FilePolicy().Apply
	return registry.Policy{
		Apply: func(ctx context.Context, target registry.Target, value int64) error {
			g.once.Do(func() {
				close(g.started)
				<-g.release
			})
			return write(ctx, target, value)
		},
	}
}

var errNodeBusy = errors.New("device or resource busy")

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{
		policy:   engine.PolicyRetune,
		limits:   ratelimit.Settings{ClientRate: 100, ClientBurst: 100, GlobalRate: 1000, GlobalBurst: 1000, MaxActive: 50},
		recovery: true,
	}
	for _, opt := range opts {
		opt(&hc)
	}

	cfg := testsupport.NewConfig(t, testsupport.WithDedupPolicy(hc.policy))
	h := &harness{
		t:   t,
		clk: clock.NewMock(),
		dir: testsupport.BaseDir(cfg),
		reg: registry.New(),
	}
	h.clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	testsupport.NewSysfsNode(t, h.node("boost"), 10)
	testsupport.NewSysfsNode(t, h.node("latency"), 99)
	testsupport.NewSysfsNode(t, h.node("display"), 1)
	testsupport.NewSysfsNode(t, h.node("broken"), 0)
	testsupport.NewSysfsNode(t, h.node("sched"), 0)

	global := func(op tuning.Opcode, name string, arb registry.Arbitration) registry.ResourceDescriptor {
		return registry.ResourceDescriptor{
			Opcode:      op,
			Name:        name,
			Min:         0,
			Max:         100,
			Bounded:     true,
			Arbitration: arb,
			Variants:    []registry.Variant{{Name: "default", Modes: tuning.ModeAll, PathTemplate: h.node(name)}},
		}
	}
	require.NoError(t, h.reg.Register(global(opBoost, "boost", registry.HigherBetter)))
	require.NoError(t, h.reg.Register(global(opLatency, "latency", registry.LowerBetter)))
	display := global(opDisplay, "display", registry.HigherBetter)
	display.Variants[0].Modes = tuning.ModeResume
	require.NoError(t, h.reg.Register(display))
	require.NoError(t, h.reg.Register(global(opBroken, "broken", registry.HigherBetter)))
	sched := global(opSched, "sched", registry.HigherBetter)
	sched.Permission = tuning.TierSystem
	require.NoError(t, h.reg.Register(sched))
	require.NoError(t, h.reg.RegisterPolicy(opBroken, registry.Policy{
		Apply: func(context.Context, registry.Target, int64) error { return errNodeBusy },
	}))
	require.NoError(t, h.reg.RegisterSignal(registry.SignalDescriptor{
		Opcode:  sigLaunch,
		Name:    "launch",
		Timeout: 10 * time.Second,
		Resources: []registry.SignalResource{
			{Opcode: opBoost, ArgIndex: 0},
			{Opcode: opLatency, Value: 5, ArgIndex: -1},
		},
	}))
	for op, gate := range hc.gates {
		require.NoError(t, h.reg.RegisterPolicy(op, gate.policy()))
	}
	h.reg.Freeze()

	var err error
	h.mapper, err = mapper.New(h.reg, &topology.Topology{}, 0)
	require.NoError(t, err)
	h.limiter = ratelimit.New(hc.limits, h.clk)
	h.clients = clients.NewStore(h.clk)
	if hc.recovery {
		h.store = testsupport.MustOpenRecovery(t, cfg)
	}
	h.engine = h.newEngine(hc.policy)
	return h
}

// newEngine builds a manager over fresh in-memory state that shares the
// registry, nodes and recovery store, like a restarted daemon.
func (h *harness) newEngine(policy string) *engine.Manager {
	h.t.Helper()
	m, err := engine.New(engine.Deps{
		Registry: h.reg,
		Mapper:   h.mapper,
		Dedup:    dedup.New(),
		Limiter:  h.limiter,
		Queue:    queue.New(h.clk),
		Arbiter:  arbiter.New(),
		Clients:  h.clients,
		Store:    h.store,
	}, engine.Options{
		Workers:     2,
		DequeueWait: 10 * time.Millisecond,
		DedupPolicy: policy,
		Clock:       h.clk,
		Logger:      logging.NewNop(),
	})
	require.NoError(h.t, err)
	return m
}

func (h *harness) node(name string) string {
	return filepath.Join(h.dir, "sys", name)
}

func (h *harness) value(name string) int64 {
	return testsupport.ReadNode(h.t, h.node(name))
}

func (h *harness) set(name string, value int64) {
	testsupport.NewSysfsNode(h.t, h.node(name), value)
}

func (h *harness) submit(msg tuning.Message) (engine.Receipt, error) {
	return h.engine.Submit(context.Background(), msg)
}

func (h *harness) mustSubmit(msg tuning.Message) engine.Receipt {
	h.t.Helper()
	receipt, err := h.submit(msg)
	require.NoError(h.t, err)
	return receipt
}

func (h *harness) drain() int {
	return h.engine.Drain(context.Background())
}

func request(client tuning.ClientID, op tuning.OpKind, class tuning.PriorityClass, duration time.Duration, resources ...tuning.ResourceValue) tuning.Message {
	return tuning.Message{
		Kind:    tuning.KindRequest,
		Client:  client,
		PID:     0,
		Tier:    tuning.TierThirdParty,
		Request: &tuning.Request{Op: op, Priority: class, Duration: duration, Resources: resources},
	}
}

func tune(client tuning.ClientID, op tuning.Opcode, value int64) tuning.Message {
	return request(client, tuning.OpTune, tuning.PriorityLow, 0, tuning.ResourceValue{Opcode: op, Value: value})
}

func untune(client tuning.ClientID, op tuning.Opcode) tuning.Message {
	return request(client, tuning.OpUntune, tuning.PriorityLow, 0, tuning.ResourceValue{Opcode: op})
}

func signal(client tuning.ClientID, tier tuning.Tier, op tuning.Opcode, args ...int64) tuning.Message {
	return tuning.Message{
		Kind:   tuning.KindSignal,
		Client: client,
		Tier:   tier,
		Signal: &tuning.Signal{Opcode: op, Args: args},
	}
}

func asSystem(msg tuning.Message) tuning.Message {
	msg.Tier = tuning.TierSystem
	return msg
}
