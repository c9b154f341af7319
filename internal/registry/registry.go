package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"restune/internal/tuning"
)

// ErrFrozen is returned by registration calls after Freeze.
var ErrFrozen = errors.New("registry is frozen")

// Registry maps opcodes to resource and signal descriptors. It is populated at
// startup by the descriptor loader and extension code, then frozen.
type Registry struct {
	mu        sync.RWMutex
	resources map[tuning.Opcode]ResourceDescriptor
	signals   map[tuning.Opcode]SignalDescriptor
	policies  map[tuning.Opcode]Policy
	fallback  Policy
	frozen    bool
}

// New returns an empty registry whose descriptors default to the file policy.
func New() *Registry {
	return &Registry{
		resources: make(map[tuning.Opcode]ResourceDescriptor),
		signals:   make(map[tuning.Opcode]SignalDescriptor),
		policies:  make(map[tuning.Opcode]Policy),
		fallback:  FilePolicy(),
	}
}

// Register adds a resource descriptor.
func (r *Registry) Register(desc ResourceDescriptor) error {
	if len(desc.Variants) == 0 {
		return fmt.Errorf("register %s: descriptor has no variants", desc.Opcode)
	}
	if desc.Opcode.IsControl() {
		return fmt.Errorf("register %s: opcode reserved for control signals", desc.Opcode)
	}
	if desc.Bounded && desc.Min > desc.Max {
		return fmt.Errorf("register %s: min %d above max %d", desc.Opcode, desc.Min, desc.Max)
	}
	if desc.Unit == 0 {
		desc.Unit = 1
	}
	if desc.Permission == 0 {
		desc.Permission = tuning.TierThirdParty
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, exists := r.resources[desc.Opcode]; exists {
		return fmt.Errorf("register %s: opcode already registered", desc.Opcode)
	}
	r.resources[desc.Opcode] = desc
	return nil
}

// RegisterSignal adds a signal descriptor.
func (r *Registry) RegisterSignal(desc SignalDescriptor) error {
	if desc.Opcode.IsControl() {
		return fmt.Errorf("register signal %s: opcode reserved for control signals", desc.Opcode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, exists := r.signals[desc.Opcode]; exists {
		return fmt.Errorf("register signal %s: opcode already registered", desc.Opcode)
	}
	r.signals[desc.Opcode] = desc
	return nil
}

// RegisterPolicy installs extension callbacks for an opcode. Nil fields keep the
// descriptor's own behavior.
func (r *Registry) RegisterPolicy(opcode tuning.Opcode, policy Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.policies[opcode] = policy
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the descriptor for opcode with its effective policy: extension
// callbacks first, then the descriptor's policy, then the file policy.
func (r *Registry) Lookup(opcode tuning.Opcode) (ResourceDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.resources[opcode]
	if !ok {
		return ResourceDescriptor{}, tuning.Errorf(tuning.ErrUnknownResource, "opcode %s", opcode)
	}
	policy := desc.Policy.withFallback(r.fallback)
	if ext, ok := r.policies[opcode]; ok {
		inPlace := policy.InPlace || ext.InPlace
		policy = ext.withFallback(policy)
		policy.InPlace = inPlace
	}
	desc.Policy = policy
	return desc, nil
}

// LookupSignal returns the signal descriptor for opcode.
func (r *Registry) LookupSignal(opcode tuning.Opcode) (SignalDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.signals[opcode]
	if !ok {
		return SignalDescriptor{}, tuning.Errorf(tuning.ErrUnknownSignal, "opcode %s", opcode)
	}
	return desc, nil
}

// Resources lists registered resources ordered by opcode.
func (r *Registry) Resources() []ResourceDescriptor {
	r.mu.RLock()
	out := make([]ResourceDescriptor, 0, len(r.resources))
	for _, desc := range r.resources {
		out = append(out, desc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Opcode < out[j].Opcode })
	return out
}

// Signals lists registered signals ordered by opcode.
func (r *Registry) Signals() []SignalDescriptor {
	r.mu.RLock()
	out := make([]SignalDescriptor, 0, len(r.signals))
	for _, desc := range r.signals {
		out = append(out, desc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Opcode < out[j].Opcode })
	return out
}
