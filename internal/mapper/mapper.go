package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"restune/internal/registry"
	"restune/internal/topology"
	"restune/internal/tuning"
)

// DefaultCacheSize bounds the resolution cache when the caller passes zero.
const DefaultCacheSize = 512

type cacheKey struct {
	opcode   tuning.Opcode
	location tuning.Location
}

// Mapper resolves logical resources to physical targets using the current
// topology and operational mode.
type Mapper struct {
	reg *registry.Registry

	mu         sync.RWMutex
	topo       *topology.Topology
	mode       tuning.Mode
	generation uint64
	cache      *lru.Cache[cacheKey, registry.Target]
}

// New returns a mapper in resume mode.
func New(reg *registry.Registry, topo *topology.Topology, cacheSize int) (*Mapper, error) {
	if reg == nil {
		return nil, fmt.Errorf("mapper: registry is required")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, registry.Target](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("mapper: create cache: %w", err)
	}
	return &Mapper{reg: reg, topo: topo, mode: tuning.ModeResume, cache: cache}, nil
}

// Mode returns the active operational mode.
func (m *Mapper) Mode() tuning.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetMode switches the operational mode and reports whether it changed.
func (m *Mapper) SetMode(mode tuning.Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == mode {
		return false
	}
	m.mode = mode
	m.invalidateLocked()
	return true
}

// Topology returns the current topology snapshot.
func (m *Mapper) Topology() *topology.Topology {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topo
}

// SetTopology replaces the topology snapshot and reports whether the layout
// changed.
func (m *Mapper) SetTopology(topo *topology.Topology) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.topo.Fingerprint() == topo.Fingerprint() {
		m.topo = topo
		return false
	}
	m.topo = topo
	m.invalidateLocked()
	return true
}

func (m *Mapper) invalidateLocked() {
	m.generation++
	m.cache.Purge()
}

// Resolve returns the physical target for opcode at location in the current
// context.
func (m *Mapper) Resolve(opcode tuning.Opcode, location tuning.Location) (registry.Target, error) {
	key := cacheKey{opcode: opcode, location: location}
	m.mu.RLock()
	if target, ok := m.cache.Get(key); ok {
		m.mu.RUnlock()
		return target, nil
	}
	mode, topo, generation := m.mode, m.topo, m.generation
	m.mu.RUnlock()

	desc, err := m.reg.Lookup(opcode)
	if err != nil {
		return registry.Target{}, err
	}
	target, err := resolve(desc, location, mode, topo)
	if err != nil {
		return registry.Target{}, err
	}

	m.mu.Lock()
	if m.generation == generation {
		m.cache.Add(key, target)
	}
	m.mu.Unlock()
	return target, nil
}

func resolve(desc registry.ResourceDescriptor, loc tuning.Location, mode tuning.Mode, topo *topology.Topology) (registry.Target, error) {
	variant, ok := selectVariant(desc.Variants, mode)
	if !ok {
		return registry.Target{}, tuning.Errorf(tuning.ErrUnresolvedResource,
			"%s has no variant for mode %s", desc.Opcode, mode)
	}
	target := registry.Target{
		Opcode:  desc.Opcode,
		Variant: variant.Name,
		Unit:    desc.Unit,
	}

	switch desc.ApplyType {
	case registry.ApplyGlobal:
		target.Path = variant.PathTemplate
	case registry.ApplyCluster:
		phys, ok := topo.PhysicalCluster(loc.Cluster)
		if !ok {
			return registry.Target{}, tuning.Errorf(tuning.ErrUnresolvedResource,
				"%s: logical cluster %d not present", desc.Opcode, loc.Cluster)
		}
		target.Cluster = phys
		target.Path = expand(variant.PathTemplate, strconv.Itoa(phys))
	case registry.ApplyCore:
		cpu, ok := topo.PhysicalCPU(loc.Cluster, loc.Core)
		if !ok {
			return registry.Target{}, tuning.Errorf(tuning.ErrUnresolvedResource,
				"%s: core %d of cluster %d not online", desc.Opcode, loc.Core, loc.Cluster)
		}
		target.Cluster, _ = topo.PhysicalCluster(loc.Cluster)
		target.CPU = cpu
		target.Path = expand(variant.PathTemplate, strconv.Itoa(cpu))
	case registry.ApplyCGroup:
		name := strings.Trim(loc.CGroup, "/")
		if name == "" || hasParentSegment(name) {
			return registry.Target{}, tuning.Errorf(tuning.ErrUnresolvedResource,
				"%s: invalid cgroup %q", desc.Opcode, loc.CGroup)
		}
		target.CGroup = name
		target.Path = expand(variant.PathTemplate, name)
	default:
		return registry.Target{}, tuning.Errorf(tuning.ErrUnresolvedResource,
			"%s: unsupported apply type %s", desc.Opcode, desc.ApplyType)
	}
	return target, nil
}

// selectVariant picks the first variant active in mode.
func selectVariant(variants []registry.Variant, mode tuning.Mode) (registry.Variant, bool) {
	for _, v := range variants {
		if v.Modes&mode != 0 {
			return v, true
		}
	}
	return registry.Variant{}, false
}

// expand substitutes the first %d or %s placeholder in template.
func expand(template, value string) string {
	idx := strings.Index(template, "%d")
	if alt := strings.Index(template, "%s"); idx < 0 || (alt >= 0 && alt < idx) {
		idx = alt
	}
	if idx < 0 {
		return template
	}
	return template[:idx] + value + template[idx+2:]
}

func hasParentSegment(name string) bool {
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." || segment == "." {
			return true
		}
	}
	return false
}
