package ratelimit_test

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"restune/internal/ratelimit"
	"restune/internal/tuning"
)

func TestBurstThenRefill(t *testing.T) {
	clk := clock.NewMock()
	l := ratelimit.New(ratelimit.Settings{
		ClientRate: 1, ClientBurst: 3,
		GlobalRate: 100, GlobalBurst: 100,
	}, clk)

	for i := 0; i < 3; i++ {
		if err := l.TryAdmit("c", 1); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.TryAdmit("c", 1); !errors.Is(err, tuning.ErrRateLimited) {
		t.Fatalf("request beyond burst should be limited, got %v", err)
	}
	if err := l.TryAdmit("other", 1); err != nil {
		t.Fatalf("other client should have its own bucket: %v", err)
	}

	clk.Add(time.Second)
	if err := l.TryAdmit("c", 1); err != nil {
		t.Fatalf("expected a token after refill: %v", err)
	}
}

func TestGlobalBucketSpendsNothingOnReject(t *testing.T) {
	clk := clock.NewMock()
	l := ratelimit.New(ratelimit.Settings{
		ClientRate: 100, ClientBurst: 10,
		GlobalRate: 0.001, GlobalBurst: 2,
	}, clk)

	if err := l.TryAdmit("a", 2); err != nil {
		t.Fatalf("TryAdmit: %v", err)
	}
	if err := l.TryAdmit("b", 1); !errors.Is(err, tuning.ErrRateLimited) {
		t.Fatalf("global bucket should be empty, got %v", err)
	}
	l2 := ratelimit.New(ratelimit.Settings{ClientRate: 0.001, ClientBurst: 1, GlobalRate: 0.001, GlobalBurst: 5}, clk)
	if err := l2.TryAdmit("a", 2); !errors.Is(err, tuning.ErrRateLimited) {
		t.Fatalf("cost above client burst should be limited, got %v", err)
	}
	for i := 0; i < 5; i++ {
		client := tuning.ClientID(string(rune('a' + i)))
		if err := l2.TryAdmit(client, 1); err != nil {
			t.Fatalf("global tokens should not be spent on client rejection: %v", err)
		}
	}
}

func TestActiveSlots(t *testing.T) {
	l := ratelimit.New(ratelimit.Settings{ClientRate: 1, ClientBurst: 1, GlobalRate: 1, GlobalBurst: 1, MaxActive: 2}, clock.NewMock())
	if err := l.AcquireSlots(2); err != nil {
		t.Fatalf("AcquireSlots: %v", err)
	}
	if err := l.AcquireSlots(1); !errors.Is(err, tuning.ErrRateLimited) {
		t.Fatalf("expected ceiling, got %v", err)
	}
	l.ReleaseSlot()
	if err := l.AcquireSlots(1); err != nil {
		t.Fatalf("slot should be free: %v", err)
	}
	if l.Active() != 2 {
		t.Fatalf("expected 2 active, got %d", l.Active())
	}
}

func TestForget(t *testing.T) {
	l := ratelimit.New(ratelimit.Settings{ClientRate: 1, ClientBurst: 1, GlobalRate: 10, GlobalBurst: 10}, clock.NewMock())
	_ = l.TryAdmit("a", 1)
	if l.Tracked() != 1 {
		t.Fatalf("expected one bucket, got %d", l.Tracked())
	}
	l.Forget("a")
	if l.Tracked() != 0 {
		t.Fatal("expected bucket to be dropped")
	}
	if err := l.TryAdmit("a", 1); err != nil {
		t.Fatalf("fresh bucket should admit: %v", err)
	}
}
