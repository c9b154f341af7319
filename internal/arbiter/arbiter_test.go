package arbiter_test

import (
	"context"
	"errors"
	"testing"

	"restune/internal/arbiter"
	"restune/internal/registry"
	"restune/internal/tuning"
)

type fakeNode struct {
	value  int64
	writes []int64
	fail   bool
}

func (f *fakeNode) policy() registry.Policy {
	write := func(_ context.Context, _ registry.Target, v int64) error {
		if f.fail {
			return errors.New("write refused")
		}
		f.value = v
		f.writes = append(f.writes, v)
		return nil
	}
	return registry.Policy{
		Read:     func(context.Context, registry.Target) (int64, error) { return f.value, nil },
		Apply:    write,
		Teardown: write,
	}
}

var target = registry.Target{Opcode: 1, Path: "/sys/knob"}

func claim(client string, value int64, prio tuning.Priority) arbiter.Claim {
	return arbiter.Claim{Key: tuning.Key{Client: tuning.ClientID(client), Opcode: 1}, Value: value, Priority: prio}
}

func TestSingleOwnerRestoresBaseline(t *testing.T) {
	node := &fakeNode{value: 10}
	a := arbiter.New()
	ctx := context.Background()

	res, err := a.Insert(ctx, target, registry.HigherBetter, node.policy(), claim("a", 50, tuning.PriorityThirdPartyLow))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if res.Previous != 10 || res.Applied != 50 || node.value != 50 {
		t.Fatalf("unexpected result %+v node=%d", res, node.value)
	}
	res, err = a.Remove(ctx, target.Key(), claim("a", 0, 0).Key)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !res.Released || node.value != 10 {
		t.Fatalf("expected baseline restore, got %+v node=%d", res, node.value)
	}
	if a.Nodes() != 0 {
		t.Fatal("node should be dropped after the last claim")
	}
}

func TestPolicies(t *testing.T) {
	cases := []struct {
		name   string
		policy registry.Arbitration
		claims []arbiter.Claim
		want   int64
	}{
		{
			name:   "higher better",
			policy: registry.HigherBetter,
			claims: []arbiter.Claim{claim("a", 5, tuning.PriorityThirdPartyLow), claim("b", 9, tuning.PriorityThirdPartyLow), claim("c", 7, tuning.PriorityThirdPartyLow)},
			want:   9,
		},
		{
			name:   "lower better",
			policy: registry.LowerBetter,
			claims: []arbiter.Claim{claim("a", 5, tuning.PriorityThirdPartyLow), claim("b", 9, tuning.PriorityThirdPartyLow), claim("c", 3, tuning.PriorityThirdPartyLow)},
			want:   3,
		},
		{
			name:   "instant apply",
			policy: registry.InstantApply,
			claims: []arbiter.Claim{claim("a", 5, tuning.PriorityThirdPartyLow), claim("b", 9, tuning.PriorityThirdPartyLow), claim("c", 3, tuning.PriorityThirdPartyLow)},
			want:   3,
		},
		{
			name:   "lazy apply",
			policy: registry.LazyApply,
			claims: []arbiter.Claim{claim("a", 5, tuning.PriorityThirdPartyLow), claim("b", 9, tuning.PriorityThirdPartyLow)},
			want:   5,
		},
		{
			name:   "priority beats value",
			policy: registry.HigherBetter,
			claims: []arbiter.Claim{claim("a", 100, tuning.PriorityThirdPartyHigh), claim("b", 1, tuning.PrioritySystemLow)},
			want:   1,
		},
		{
			name:   "pass through",
			policy: registry.PassThrough,
			claims: []arbiter.Claim{claim("a", 5, tuning.PrioritySystemHigh), claim("b", 2, tuning.PriorityThirdPartyLow)},
			want:   2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			node := &fakeNode{value: 0}
			a := arbiter.New()
			for _, c := range tc.claims {
				if _, err := a.Insert(context.Background(), target, tc.policy, node.policy(), c); err != nil {
					t.Fatalf("Insert: %v", err)
				}
			}
			if node.value != tc.want {
				t.Fatalf("node = %d, want %d", node.value, tc.want)
			}
		})
	}
}

func TestRemoveWinnerAppliesSuccessor(t *testing.T) {
	node := &fakeNode{value: 1}
	a := arbiter.New()
	ctx := context.Background()
	_, _ = a.Insert(ctx, target, registry.HigherBetter, node.policy(), claim("a", 5, tuning.PriorityThirdPartyLow))
	_, _ = a.Insert(ctx, target, registry.HigherBetter, node.policy(), claim("b", 8, tuning.PriorityThirdPartyLow))

	res, err := a.Remove(ctx, target.Key(), claim("b", 0, 0).Key)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if node.value != 5 || res.Winner.Client != "a" {
		t.Fatalf("expected successor 5 owned by a, got %d %+v", node.value, res)
	}
	_, _ = a.Remove(ctx, target.Key(), claim("a", 0, 0).Key)
	if node.value != 1 {
		t.Fatalf("expected baseline 1, got %d", node.value)
	}
}

func TestRemoveLoserDoesNotWrite(t *testing.T) {
	node := &fakeNode{value: 1}
	a := arbiter.New()
	ctx := context.Background()
	_, _ = a.Insert(ctx, target, registry.HigherBetter, node.policy(), claim("a", 8, tuning.PriorityThirdPartyLow))
	_, _ = a.Insert(ctx, target, registry.HigherBetter, node.policy(), claim("b", 5, tuning.PriorityThirdPartyLow))
	writes := len(node.writes)
	if _, err := a.Remove(ctx, target.Key(), claim("b", 0, 0).Key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(node.writes) != writes || node.value != 8 {
		t.Fatalf("removing a losing claim should not write, writes=%v", node.writes)
	}
}

func TestApplyFailureWithdrawsClaim(t *testing.T) {
	node := &fakeNode{value: 3, fail: true}
	a := arbiter.New()
	if _, err := a.Insert(context.Background(), target, registry.HigherBetter, node.policy(), claim("a", 9, tuning.PriorityThirdPartyLow)); err == nil {
		t.Fatal("expected apply failure")
	}
	if a.Nodes() != 0 {
		t.Fatal("failed first insert must not leave a node")
	}
}

func TestTeardownFailureKeepsClaim(t *testing.T) {
	node := &fakeNode{value: 3}
	a := arbiter.New()
	ctx := context.Background()
	_, _ = a.Insert(ctx, target, registry.HigherBetter, node.policy(), claim("a", 9, tuning.PriorityThirdPartyLow))
	node.fail = true
	if _, err := a.Remove(ctx, target.Key(), claim("a", 0, 0).Key); err == nil {
		t.Fatal("expected teardown failure")
	}
	node.fail = false
	if _, err := a.Remove(ctx, target.Key(), claim("a", 0, 0).Key); err != nil {
		t.Fatalf("retry Remove: %v", err)
	}
	if node.value != 3 {
		t.Fatalf("expected baseline after retry, got %d", node.value)
	}
}

func TestUpdateInPlace(t *testing.T) {
	node := &fakeNode{value: 0}
	a := arbiter.New()
	ctx := context.Background()
	_, _ = a.Insert(ctx, target, registry.HigherBetter, node.policy(), claim("a", 5, tuning.PriorityThirdPartyHigh))
	res, err := a.Update(ctx, target.Key(), claim("a", 7, tuning.PriorityThirdPartyHigh))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.Previous != 5 || node.value != 7 {
		t.Fatalf("unexpected update %+v node=%d", res, node.value)
	}
	if _, err := a.Update(ctx, target.Key(), claim("z", 1, tuning.PriorityThirdPartyHigh)); err == nil {
		t.Fatal("update of a missing claim should fail")
	}
}

func TestPassThroughRestoresOwnPrevious(t *testing.T) {
	node := &fakeNode{value: 1}
	a := arbiter.New()
	ctx := context.Background()
	_, _ = a.Insert(ctx, target, registry.PassThrough, node.policy(), claim("a", 5, tuning.PriorityThirdPartyLow))
	_, _ = a.Insert(ctx, target, registry.PassThrough, node.policy(), claim("b", 9, tuning.PriorityThirdPartyLow))

	if _, err := a.Remove(ctx, target.Key(), claim("b", 0, 0).Key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if node.value != 5 {
		t.Fatalf("expected b's previous value 5, got %d", node.value)
	}
	if _, err := a.Remove(ctx, target.Key(), claim("a", 0, 0).Key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if node.value != 1 {
		t.Fatalf("expected baseline 1, got %d", node.value)
	}
}

func TestAdoptAndReassert(t *testing.T) {
	node := &fakeNode{value: 99}
	a := arbiter.New()
	a.Adopt(target, registry.HigherBetter, node.policy(), claim("a", 5, tuning.PriorityThirdPartyLow), 2)
	a.Adopt(target, registry.HigherBetter, node.policy(), claim("b", 6, tuning.PriorityThirdPartyLow), 5)
	if len(node.writes) != 0 {
		t.Fatal("adopt must not write")
	}
	if applied, ok := a.Applied(target.Key()); !ok || applied != 6 {
		t.Fatalf("Applied = %d, %v", applied, ok)
	}
	if err := a.Reassert(context.Background(), target.Key()); err != nil {
		t.Fatalf("Reassert: %v", err)
	}
	if node.value != 6 {
		t.Fatalf("expected reasserted winner, got %d", node.value)
	}
	snap := a.Snapshot()
	if len(snap) != 1 || snap[0].Baseline != 2 || len(snap[0].Claims) != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
