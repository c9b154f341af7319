package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Cluster is a group of CPUs sharing one cpufreq policy.
type Cluster struct {
	// Logical is the index clients address, ordered by first CPU.
	Logical int
	// Physical is the kernel policy number (policyN).
	Physical int
	CPUs     []int
}

// Topology is a snapshot of the CPU layout.
type Topology struct {
	Clusters []Cluster
	Online   map[int]bool
	Brand    string
	Vendor   string
	Physical int
	Logical  int
}

// Detect reads the cpufreq policy layout under sysfsRoot. When no policies are
// exposed every online CPU lands in one cluster with physical id 0.
func Detect(sysfsRoot string) (*Topology, error) {
	cpuDir := filepath.Join(sysfsRoot, "devices", "system", "cpu")
	topo := &Topology{
		Brand:    cpuid.CPU.BrandName,
		Vendor:   cpuid.CPU.VendorString,
		Physical: cpuid.CPU.PhysicalCores,
		Logical:  cpuid.CPU.LogicalCores,
	}

	online, err := readOnline(filepath.Join(cpuDir, "online"))
	if err != nil {
		return nil, err
	}
	topo.Online = online

	clusters, err := readPolicies(filepath.Join(cpuDir, "cpufreq"))
	if err != nil {
		return nil, err
	}
	if len(clusters) == 0 {
		cpus := make([]int, 0, len(online))
		for cpu := range online {
			cpus = append(cpus, cpu)
		}
		sort.Ints(cpus)
		clusters = []Cluster{{Logical: 0, Physical: 0, CPUs: cpus}}
	}
	topo.Clusters = clusters
	return topo, nil
}

func readOnline(path string) (map[int]bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		count := cpuid.CPU.LogicalCores
		if count <= 0 {
			count = runtime.NumCPU()
		}
		online := make(map[int]bool, count)
		for cpu := 0; cpu < count; cpu++ {
			online[cpu] = true
		}
		return online, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read online cpus: %w", err)
	}
	cpus, err := ParseCPUList(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse online cpus: %w", err)
	}
	online := make(map[int]bool, len(cpus))
	for _, cpu := range cpus {
		online[cpu] = true
	}
	return online, nil
}

func readPolicies(dir string) ([]Cluster, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cpufreq policies: %w", err)
	}
	var clusters []Cluster
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "policy") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, "policy"))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name, "related_cpus"))
		if err != nil {
			return nil, fmt.Errorf("read %s related cpus: %w", name, err)
		}
		cpus, err := ParseCPUList(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse %s related cpus: %w", name, err)
		}
		if len(cpus) == 0 {
			continue
		}
		clusters = append(clusters, Cluster{Physical: id, CPUs: cpus})
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].CPUs[0] < clusters[j].CPUs[0] })
	for i := range clusters {
		clusters[i].Logical = i
	}
	return clusters, nil
}

// ParseCPUList parses the kernel cpu list format, e.g. "0-3,6,8-9". Whitespace
// separated lists are accepted too.
func ParseCPUList(value string) ([]int, error) {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	var cpus []int
	for _, field := range fields {
		lo, hi, isRange := strings.Cut(field, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu %q", field)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil || end < start {
				return nil, fmt.Errorf("invalid cpu range %q", field)
			}
		}
		for cpu := start; cpu <= end; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	sort.Ints(cpus)
	return cpus, nil
}

// PhysicalCluster maps a logical cluster index to its policy number.
func (t *Topology) PhysicalCluster(logical int) (int, bool) {
	if t == nil || logical < 0 || logical >= len(t.Clusters) {
		return 0, false
	}
	return t.Clusters[logical].Physical, true
}

// PhysicalCPU maps the core-th CPU of a logical cluster to a kernel CPU number.
// Offline CPUs do not resolve.
func (t *Topology) PhysicalCPU(logicalCluster, core int) (int, bool) {
	if t == nil || logicalCluster < 0 || logicalCluster >= len(t.Clusters) {
		return 0, false
	}
	cpus := t.Clusters[logicalCluster].CPUs
	if core < 0 || core >= len(cpus) {
		return 0, false
	}
	cpu := cpus[core]
	if !t.Online[cpu] {
		return 0, false
	}
	return cpu, true
}

// OnlineCount returns the number of online CPUs.
func (t *Topology) OnlineCount() int {
	if t == nil {
		return 0
	}
	count := 0
	for _, up := range t.Online {
		if up {
			count++
		}
	}
	return count
}

// Fingerprint summarizes the layout so callers can tell whether a rescan
// changed anything.
func (t *Topology) Fingerprint() string {
	if t == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range t.Clusters {
		fmt.Fprintf(&b, "%d:%d:", c.Logical, c.Physical)
		for _, cpu := range c.CPUs {
			state := "-"
			if t.Online[cpu] {
				state = "+"
			}
			fmt.Fprintf(&b, "%d%s", cpu, state)
		}
		b.WriteByte(';')
	}
	return b.String()
}
