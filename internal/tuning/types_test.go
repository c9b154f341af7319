package tuning_test

import (
	"errors"
	"testing"

	"restune/internal/tuning"
)

func TestEffectivePriority(t *testing.T) {
	cases := []struct {
		tier  tuning.Tier
		class tuning.PriorityClass
		want  tuning.Priority
	}{
		{tuning.TierSystem, tuning.PriorityHigh, tuning.PrioritySystemHigh},
		{tuning.TierSystem, tuning.PriorityLow, tuning.PrioritySystemLow},
		{tuning.TierThirdParty, tuning.PriorityHigh, tuning.PriorityThirdPartyHigh},
		{tuning.TierThirdParty, tuning.PriorityLow, tuning.PriorityThirdPartyLow},
	}
	for _, tc := range cases {
		if got := tuning.Effective(tc.tier, tc.class); got != tc.want {
			t.Fatalf("Effective(%s, %s) = %s, want %s", tc.tier, tc.class, got, tc.want)
		}
	}
	if tuning.PrioritySystemLow <= tuning.PriorityThirdPartyHigh {
		t.Fatal("system low must outrank third party high")
	}
}

func TestRequestValidate(t *testing.T) {
	valid := tuning.Request{
		Op:        tuning.OpTune,
		Priority:  tuning.PriorityHigh,
		Resources: []tuning.ResourceValue{{Opcode: 42, Value: 5}},
	}
	cases := []struct {
		name   string
		mutate func(r *tuning.Request)
		ok     bool
	}{
		{"valid", func(*tuning.Request) {}, true},
		{"no resources", func(r *tuning.Request) { r.Resources = nil }, false},
		{"bad op", func(r *tuning.Request) { r.Op = 0 }, false},
		{"bad priority", func(r *tuning.Request) { r.Priority = 9 }, false},
		{"negative duration", func(r *tuning.Request) { r.Duration = -1 }, false},
		{"repeated opcode", func(r *tuning.Request) {
			r.Resources = append(r.Resources, tuning.ResourceValue{Opcode: 42, Value: 1})
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			req.Resources = append([]tuning.ResourceValue(nil), valid.Resources...)
			tc.mutate(&req)
			err := req.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, tuning.ErrMalformedRequest) {
				t.Fatalf("expected malformed request, got %v", err)
			}
		})
	}
}

func TestMessageValidateRejectsMismatchedPayload(t *testing.T) {
	msg := tuning.Message{Kind: tuning.KindSignal, Client: "c1", Request: &tuning.Request{}}
	if err := msg.Validate(); !errors.Is(err, tuning.ErrMalformedRequest) {
		t.Fatalf("expected malformed request, got %v", err)
	}
	msg = tuning.Message{Kind: tuning.KindRequest, Request: &tuning.Request{}}
	if err := msg.Validate(); !errors.Is(err, tuning.ErrMalformedRequest) {
		t.Fatalf("expected malformed request for empty client, got %v", err)
	}
}

func TestParseModes(t *testing.T) {
	mode, err := tuning.ParseModes([]string{"resume|doze"})
	if err != nil {
		t.Fatalf("ParseModes: %v", err)
	}
	if mode != tuning.ModeResume|tuning.ModeDoze {
		t.Fatalf("unexpected mode %s", mode)
	}
	if _, err := tuning.ParseModes([]string{"sideways"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("write failed")
	err := tuning.Wrap(tuning.ErrResourceApplyFailure, "apply 0x0000002a", cause)
	if !errors.Is(err, tuning.ErrResourceApplyFailure) || !errors.Is(err, cause) {
		t.Fatalf("expected both sentinel and cause to match: %v", err)
	}
	if got := tuning.KindOf(err); got != "resource_apply_failure" {
		t.Fatalf("KindOf = %q", got)
	}
	if got := tuning.KindOf(errors.New("other")); got != "internal" {
		t.Fatalf("KindOf(other) = %q", got)
	}
	sentinel, ok := tuning.KindByName("duplicate")
	if !ok || sentinel != tuning.ErrDuplicate {
		t.Fatalf("KindByName(duplicate) = %v, %v", sentinel, ok)
	}
}

func TestParseOpcode(t *testing.T) {
	for _, in := range []string{"42", "0x2a"} {
		op, err := tuning.ParseOpcode(in)
		if err != nil || op != 42 {
			t.Fatalf("ParseOpcode(%q) = %v, %v", in, op, err)
		}
	}
}
