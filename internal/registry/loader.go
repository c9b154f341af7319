package registry

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"restune/internal/tuning"
)

type descriptorFile struct {
	Resources []resourceEntry `yaml:"resources"`
	Signals   []signalEntry   `yaml:"signals"`
}

type resourceEntry struct {
	Opcode     string         `yaml:"opcode"`
	Name       string         `yaml:"name"`
	Path       string         `yaml:"path"`
	Modes      []string       `yaml:"modes"`
	Variants   []variantEntry `yaml:"variants"`
	Min        *int64         `yaml:"min"`
	Max        *int64         `yaml:"max"`
	Permission string         `yaml:"permission"`
	Policy     string         `yaml:"policy"`
	ApplyType  string         `yaml:"apply_type"`
	Unit       int64          `yaml:"unit"`
	InPlace    *bool          `yaml:"in_place"`
}

type variantEntry struct {
	Name  string   `yaml:"name"`
	Modes []string `yaml:"modes"`
	Path  string   `yaml:"path"`
}

type signalEntry struct {
	Opcode      string                `yaml:"opcode"`
	Name        string                `yaml:"name"`
	TimeoutMS   int64                 `yaml:"timeout_ms"`
	Permissions []string              `yaml:"permissions"`
	Resources   []signalResourceEntry `yaml:"resources"`
}

type signalResourceEntry struct {
	Opcode  string `yaml:"opcode"`
	Value   int64  `yaml:"value"`
	Arg     *int   `yaml:"arg"`
	Cluster int    `yaml:"cluster"`
	Core    int    `yaml:"core"`
	CGroup  string `yaml:"cgroup"`
}

// LoadSummary reports what a descriptor file contributed.
type LoadSummary struct {
	Resources int
	Signals   int
}

// LoadFile registers every descriptor in the YAML file at path.
func LoadFile(path string, reg *Registry) (LoadSummary, error) {
	file, err := os.Open(path)
	if err != nil {
		return LoadSummary{}, fmt.Errorf("open descriptors: %w", err)
	}
	defer file.Close()
	summary, err := Load(file, reg)
	if err != nil {
		return summary, fmt.Errorf("load descriptors %s: %w", path, err)
	}
	return summary, nil
}

// Load registers every descriptor read from r.
func Load(r io.Reader, reg *Registry) (LoadSummary, error) {
	var doc descriptorFile
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && err != io.EOF {
		return LoadSummary{}, fmt.Errorf("parse: %w", err)
	}

	var summary LoadSummary
	for i, entry := range doc.Resources {
		desc, err := entry.descriptor()
		if err != nil {
			return summary, fmt.Errorf("resources[%d]: %w", i, err)
		}
		if err := reg.Register(desc); err != nil {
			return summary, fmt.Errorf("resources[%d]: %w", i, err)
		}
		summary.Resources++
	}
	for i, entry := range doc.Signals {
		desc, err := entry.descriptor()
		if err != nil {
			return summary, fmt.Errorf("signals[%d]: %w", i, err)
		}
		if err := reg.RegisterSignal(desc); err != nil {
			return summary, fmt.Errorf("signals[%d]: %w", i, err)
		}
		summary.Signals++
	}
	return summary, nil
}

func (e resourceEntry) descriptor() (ResourceDescriptor, error) {
	opcode, err := tuning.ParseOpcode(e.Opcode)
	if err != nil {
		return ResourceDescriptor{}, err
	}
	permission, err := tuning.ParseTier(e.Permission)
	if err != nil {
		return ResourceDescriptor{}, err
	}
	arbitration, err := ParseArbitration(e.Policy)
	if err != nil {
		return ResourceDescriptor{}, err
	}
	applyType, err := ParseApplyType(e.ApplyType)
	if err != nil {
		return ResourceDescriptor{}, err
	}
	defaultModes := tuning.ModeResume
	if len(e.Modes) > 0 {
		if defaultModes, err = tuning.ParseModes(e.Modes); err != nil {
			return ResourceDescriptor{}, err
		}
	}

	desc := ResourceDescriptor{
		Opcode:      opcode,
		Name:        e.Name,
		Permission:  permission,
		Arbitration: arbitration,
		ApplyType:   applyType,
		Unit:        e.Unit,
	}
	if e.Min != nil || e.Max != nil {
		if e.Min == nil || e.Max == nil {
			return ResourceDescriptor{}, fmt.Errorf("%s: min and max must be set together", opcode)
		}
		desc.Bounded = true
		desc.Min, desc.Max = *e.Min, *e.Max
	}

	if e.Path != "" {
		desc.Variants = append(desc.Variants, Variant{Name: "default", Modes: defaultModes, PathTemplate: e.Path})
	}
	for _, v := range e.Variants {
		modes := defaultModes
		if len(v.Modes) > 0 {
			if modes, err = tuning.ParseModes(v.Modes); err != nil {
				return ResourceDescriptor{}, err
			}
		}
		desc.Variants = append(desc.Variants, Variant{Name: v.Name, Modes: modes, PathTemplate: v.Path})
	}

	policy := FilePolicy()
	if e.InPlace != nil {
		policy.InPlace = *e.InPlace
	}
	desc.Policy = policy
	return desc, nil
}

func (e signalEntry) descriptor() (SignalDescriptor, error) {
	opcode, err := tuning.ParseOpcode(e.Opcode)
	if err != nil {
		return SignalDescriptor{}, err
	}
	desc := SignalDescriptor{
		Opcode:  opcode,
		Name:    e.Name,
		Timeout: time.Duration(e.TimeoutMS) * time.Millisecond,
	}
	for _, p := range e.Permissions {
		tier, err := tuning.ParseTier(p)
		if err != nil {
			return SignalDescriptor{}, err
		}
		desc.Permissions = append(desc.Permissions, tier)
	}
	for _, res := range e.Resources {
		resOpcode, err := tuning.ParseOpcode(res.Opcode)
		if err != nil {
			return SignalDescriptor{}, err
		}
		argIndex := -1
		if res.Arg != nil {
			argIndex = *res.Arg
		}
		desc.Resources = append(desc.Resources, SignalResource{
			Opcode:   resOpcode,
			Value:    res.Value,
			ArgIndex: argIndex,
			Location: tuning.Location{Cluster: res.Cluster, Core: res.Core, CGroup: res.CGroup},
		})
	}
	return desc, nil
}
