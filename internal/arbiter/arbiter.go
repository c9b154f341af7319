package arbiter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"restune/internal/registry"
	"restune/internal/tuning"
)

// Claim is one client's request for a value on a physical node.
type Claim struct {
	Key      tuning.Key
	Value    int64
	Priority tuning.Priority
}

type entry struct {
	Claim
	seq uint64
	// previous is what the node held when this entry arrived. Pass-through
	// entries restore it on removal.
	previous int64
}

type node struct {
	mu          sync.Mutex
	target      registry.Target
	arbitration registry.Arbitration
	policy      registry.Policy
	baseline    int64
	applied     int64
	entries     []*entry
}

// Result describes the node after an operation.
type Result struct {
	// Previous is the value the node held before the operation.
	Previous int64
	// Applied is the value the node holds now.
	Applied int64
	// Winner owns Applied. Zero when the baseline was restored.
	Winner   tuning.Key
	Baseline int64
	Released bool
}

// NodeState is a read-only view of one arbitrated node.
type NodeState struct {
	Target      registry.Target
	Arbitration registry.Arbitration
	Baseline    int64
	Applied     int64
	Claims      []Claim
}

// Arbiter keeps per-node claim tables. Callers serialize operations on a
// single node; the arbiter only guards its own maps.
type Arbiter struct {
	mu    sync.Mutex
	nodes map[string]*node
	seq   uint64
}

// New returns an empty arbiter.
func New() *Arbiter {
	return &Arbiter{nodes: make(map[string]*node)}
}

func (a *Arbiter) lookup(targetKey string) *node {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodes[targetKey]
}

func (a *Arbiter) nextSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return a.seq
}

// Insert adds claim to the node behind target and writes the winning value.
// The first claim on a node reads and keeps its baseline. When the write fails
// the claim is withdrawn and the node is left as it was.
func (a *Arbiter) Insert(ctx context.Context, target registry.Target, arbitration registry.Arbitration, policy registry.Policy, claim Claim) (Result, error) {
	key := target.Key()
	n := a.lookup(key)
	fresh := n == nil
	if fresh {
		baseline, err := policy.Read(ctx, target)
		if err != nil {
			return Result{}, fmt.Errorf("read baseline of %s: %w", key, err)
		}
		n = &node{target: target, arbitration: arbitration, policy: policy, baseline: baseline, applied: baseline}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.find(claim.Key) >= 0 {
		return Result{}, fmt.Errorf("%s already holds a claim on %s", claim.Key, key)
	}

	previous := n.applied
	e := &entry{Claim: claim, seq: a.nextSeq(), previous: previous}
	n.entries = append(n.entries, e)

	winner := e
	if n.arbitration != registry.PassThrough {
		winner = n.winner()
	}
	value := winner.Value
	if fresh || value != n.applied {
		if err := n.policy.Apply(ctx, n.target, value); err != nil {
			n.entries = n.entries[:len(n.entries)-1]
			return Result{}, fmt.Errorf("apply %d to %s: %w", value, key, err)
		}
		n.applied = value
	}
	if fresh {
		a.mu.Lock()
		a.nodes[key] = n
		a.mu.Unlock()
	}
	return Result{Previous: previous, Applied: n.applied, Winner: winner.Key, Baseline: n.baseline}, nil
}

// Update changes the value and priority of an existing claim in place.
func (a *Arbiter) Update(ctx context.Context, targetKey string, claim Claim) (Result, error) {
	n := a.lookup(targetKey)
	if n == nil {
		return Result{}, fmt.Errorf("no claims on %s", targetKey)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	idx := n.find(claim.Key)
	if idx < 0 {
		return Result{}, fmt.Errorf("%s holds no claim on %s", claim.Key, targetKey)
	}
	e := n.entries[idx]
	old := *e
	e.Value, e.Priority = claim.Value, claim.Priority
	if n.arbitration == registry.InstantApply || n.arbitration == registry.PassThrough {
		e.seq = a.nextSeq()
	}

	previous := n.applied
	var winner *entry
	if n.arbitration == registry.PassThrough {
		winner = e
	} else {
		winner = n.winner()
	}
	if winner.Value != n.applied {
		if err := n.policy.Apply(ctx, n.target, winner.Value); err != nil {
			*e = old
			return Result{}, fmt.Errorf("apply %d to %s: %w", winner.Value, targetKey, err)
		}
		n.applied = winner.Value
	}
	return Result{Previous: previous, Applied: n.applied, Winner: winner.Key, Baseline: n.baseline}, nil
}

// Remove withdraws key's claim. The next winner is written, or the baseline is
// restored when no claims remain. On a failed write the claim stays so the
// removal can be retried.
func (a *Arbiter) Remove(ctx context.Context, targetKey string, key tuning.Key) (Result, error) {
	n := a.lookup(targetKey)
	if n == nil {
		return Result{Released: true}, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	idx := n.find(key)
	if idx < 0 {
		return Result{Previous: n.applied, Applied: n.applied, Baseline: n.baseline}, nil
	}
	removed := n.entries[idx]
	previous := n.applied

	if len(n.entries) == 1 {
		if err := n.policy.Teardown(ctx, n.target, n.baseline); err != nil {
			return Result{}, fmt.Errorf("restore %d on %s: %w", n.baseline, targetKey, err)
		}
		a.mu.Lock()
		delete(a.nodes, targetKey)
		a.mu.Unlock()
		return Result{Previous: previous, Applied: n.baseline, Baseline: n.baseline, Released: true}, nil
	}

	rest := make([]*entry, 0, len(n.entries)-1)
	rest = append(rest, n.entries[:idx]...)
	rest = append(rest, n.entries[idx+1:]...)

	var (
		value  int64
		winner tuning.Key
	)
	if n.arbitration == registry.PassThrough {
		// Only the newest writer's removal touches the node; otherwise the
		// next writer inherits what the removed entry would have restored.
		value = n.applied
		var successor *entry
		for _, e := range rest {
			if e.seq > removed.seq && (successor == nil || e.seq < successor.seq) {
				successor = e
			}
		}
		if successor == nil {
			value = removed.previous
		} else {
			successor.previous = removed.previous
		}
	} else {
		survivor := pick(rest, n.arbitration)
		value, winner = survivor.Value, survivor.Key
	}
	if value != n.applied {
		if err := n.policy.Teardown(ctx, n.target, value); err != nil {
			return Result{}, fmt.Errorf("write successor %d on %s: %w", value, targetKey, err)
		}
		n.applied = value
	}
	n.entries = rest
	return Result{Previous: previous, Applied: n.applied, Winner: winner, Baseline: n.baseline}, nil
}

// Adopt records a claim that is already applied, without writing. The first
// adopted claim on a node fixes its baseline.
func (a *Arbiter) Adopt(target registry.Target, arbitration registry.Arbitration, policy registry.Policy, claim Claim, baseline int64) {
	key := target.Key()
	a.mu.Lock()
	n, ok := a.nodes[key]
	if !ok {
		n = &node{target: target, arbitration: arbitration, policy: policy, baseline: baseline, applied: baseline}
		a.nodes[key] = n
	}
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.find(claim.Key) >= 0 {
		return
	}
	n.entries = append(n.entries, &entry{Claim: claim, seq: seq, previous: n.applied})
	if arbitration == registry.PassThrough {
		n.applied = claim.Value
	} else {
		n.applied = n.winner().Value
	}
}

// Reassert writes the current winner of a node, used after adoption to make
// the physical node match the claim table.
func (a *Arbiter) Reassert(ctx context.Context, targetKey string) error {
	n := a.lookup(targetKey)
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.policy.Apply(ctx, n.target, n.applied); err != nil {
		return fmt.Errorf("reassert %d on %s: %w", n.applied, targetKey, err)
	}
	return nil
}

// Applied returns the value the arbiter last wrote to a node.
func (a *Arbiter) Applied(targetKey string) (int64, bool) {
	n := a.lookup(targetKey)
	if n == nil {
		return 0, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.applied, true
}

// Nodes returns the number of nodes with at least one claim.
func (a *Arbiter) Nodes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}

// Snapshot returns every node ordered by target key. Claims are in arrival
// order.
func (a *Arbiter) Snapshot() []NodeState {
	a.mu.Lock()
	nodes := make([]*node, 0, len(a.nodes))
	for _, n := range a.nodes {
		nodes = append(nodes, n)
	}
	a.mu.Unlock()

	out := make([]NodeState, 0, len(nodes))
	for _, n := range nodes {
		n.mu.Lock()
		state := NodeState{Target: n.target, Arbitration: n.arbitration, Baseline: n.baseline, Applied: n.applied}
		for _, e := range n.entries {
			state.Claims = append(state.Claims, e.Claim)
		}
		n.mu.Unlock()
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target.Key() < out[j].Target.Key() })
	return out
}

func (n *node) find(key tuning.Key) int {
	for i, e := range n.entries {
		if e.Key == key {
			return i
		}
	}
	return -1
}

func (n *node) winner() *entry {
	return pick(n.entries, n.arbitration)
}

// pick returns the winning entry: highest priority first, then the policy
// order. Pass-through nodes report the newest entry.
func pick(entries []*entry, arbitration registry.Arbitration) *entry {
	var best *entry
	for _, e := range entries {
		if best == nil || beats(e, best, arbitration) {
			best = e
		}
	}
	return best
}

func beats(e, best *entry, arbitration registry.Arbitration) bool {
	if e.Priority != best.Priority {
		return e.Priority > best.Priority
	}
	switch arbitration {
	case registry.HigherBetter:
		if e.Value != best.Value {
			return e.Value > best.Value
		}
	case registry.LowerBetter:
		if e.Value != best.Value {
			return e.Value < best.Value
		}
	case registry.InstantApply, registry.PassThrough:
		return e.seq > best.seq
	}
	return e.seq < best.seq
}
