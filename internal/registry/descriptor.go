package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"restune/internal/tuning"
)

// ApplyType says how a logical location maps onto physical targets.
type ApplyType uint8

const (
	ApplyGlobal ApplyType = iota
	ApplyCore
	ApplyCluster
	ApplyCGroup
)

func (a ApplyType) String() string {
	switch a {
	case ApplyCore:
		return "core"
	case ApplyCluster:
		return "cluster"
	case ApplyCGroup:
		return "cgroup"
	default:
		return "global"
	}
}

// ParseApplyType maps a descriptor string to an ApplyType. Empty means global.
func ParseApplyType(value string) (ApplyType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "global", "":
		return ApplyGlobal, nil
	case "core":
		return ApplyCore, nil
	case "cluster":
		return ApplyCluster, nil
	case "cgroup":
		return ApplyCGroup, nil
	default:
		return 0, fmt.Errorf("unknown apply type %q", value)
	}
}

// Arbitration decides which of several concurrent tunings of one physical
// target is applied.
type Arbitration uint8

const (
	HigherBetter Arbitration = iota
	LowerBetter
	InstantApply
	LazyApply
	PassThrough
)

func (a Arbitration) String() string {
	switch a {
	case LowerBetter:
		return "lower_better"
	case InstantApply:
		return "instant_apply"
	case LazyApply:
		return "lazy_apply"
	case PassThrough:
		return "pass_through"
	default:
		return "higher_better"
	}
}

// ParseArbitration maps a descriptor string to an Arbitration. Empty means higher_better.
func ParseArbitration(value string) (Arbitration, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "higher_better", "":
		return HigherBetter, nil
	case "lower_better":
		return LowerBetter, nil
	case "instant_apply":
		return InstantApply, nil
	case "lazy_apply":
		return LazyApply, nil
	case "pass_through":
		return PassThrough, nil
	default:
		return 0, fmt.Errorf("unknown arbitration policy %q", value)
	}
}

// Target is a resolved physical handle.
type Target struct {
	Opcode  tuning.Opcode
	Path    string
	Variant string
	Cluster int
	CPU     int
	CGroup  string
	Unit    int64
}

// Key identifies the physical resource for serialization and arbitration. Two
// opcodes resolving to the same path share a key.
func (t Target) Key() string {
	if t.Path != "" {
		return t.Path
	}
	return fmt.Sprintf("%s#%s#%d#%d#%s", t.Opcode, t.Variant, t.Cluster, t.CPU, t.CGroup)
}

// ReadFunc returns the value currently held by a target.
type ReadFunc func(ctx context.Context, target Target) (int64, error)

// ApplyFunc writes value to a target.
type ApplyFunc func(ctx context.Context, target Target, value int64) error

// TeardownFunc reverts a target, usually by writing restore.
type TeardownFunc func(ctx context.Context, target Target, restore int64) error

// Policy describes how values are read, written, and reverted.
type Policy struct {
	Read     ReadFunc
	Apply    ApplyFunc
	Teardown TeardownFunc
	// InPlace allows retune to overwrite the applied value without a teardown.
	InPlace bool
}

// withFallback fills nil functions from fallback.
func (p Policy) withFallback(fallback Policy) Policy {
	if p.Read == nil {
		p.Read = fallback.Read
	}
	if p.Apply == nil {
		p.Apply = fallback.Apply
	}
	if p.Teardown == nil {
		p.Teardown = fallback.Teardown
	}
	return p
}

// Variant is one physical rendition of a logical resource, active in Modes.
type Variant struct {
	Name         string
	Modes        tuning.Mode
	PathTemplate string
}

// ResourceDescriptor describes a tunable resource.
type ResourceDescriptor struct {
	Opcode      tuning.Opcode
	Name        string
	Min         int64
	Max         int64
	Bounded     bool
	Permission  tuning.Tier
	Arbitration Arbitration
	ApplyType   ApplyType
	Unit        int64
	Variants    []Variant
	Policy      Policy
}

// CheckValue rejects values outside the declared range.
func (d ResourceDescriptor) CheckValue(value int64) error {
	if !d.Bounded {
		return nil
	}
	if value < d.Min || value > d.Max {
		return tuning.Errorf(tuning.ErrMalformedRequest, "value %d outside [%d, %d] for %s", value, d.Min, d.Max, d.Opcode)
	}
	return nil
}

// Modes is the union of the modes in which any variant is usable.
func (d ResourceDescriptor) Modes() tuning.Mode {
	var mode tuning.Mode
	for _, v := range d.Variants {
		mode |= v.Modes
	}
	return mode
}

// SignalResource is one resource activated by a signal. ArgIndex >= 0 takes the
// value from the signal's arguments instead of Value.
type SignalResource struct {
	Opcode   tuning.Opcode
	Value    int64
	ArgIndex int
	Location tuning.Location
}

// SignalDescriptor describes a named bundle of resource tunings.
type SignalDescriptor struct {
	Opcode      tuning.Opcode
	Name        string
	Permissions []tuning.Tier
	Timeout     time.Duration
	Resources   []SignalResource
}

// Allows reports whether a client tier may raise the signal. An empty list
// admits every tier.
func (s SignalDescriptor) Allows(tier tuning.Tier) bool {
	if len(s.Permissions) == 0 {
		return true
	}
	for _, allowed := range s.Permissions {
		if allowed == tier {
			return true
		}
	}
	return false
}

// Expand fills argument placeholders and returns the resource bundle.
func (s SignalDescriptor) Expand(args []int64) ([]tuning.ResourceValue, error) {
	out := make([]tuning.ResourceValue, 0, len(s.Resources))
	for _, res := range s.Resources {
		value := res.Value
		if res.ArgIndex >= 0 {
			if res.ArgIndex >= len(args) {
				return nil, tuning.Errorf(tuning.ErrMalformedRequest,
					"signal %s needs argument %d, got %d", s.Opcode, res.ArgIndex, len(args))
			}
			value = args[res.ArgIndex]
		}
		out = append(out, tuning.ResourceValue{Opcode: res.Opcode, Value: value, Location: res.Location})
	}
	return out, nil
}
