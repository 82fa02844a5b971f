// Package cpulist parses kernel-style CPU list strings ("0,2,4-7") and
// reads the host's online-CPU and NUMA topology files.
package cpulist // import "github.com/microsentinel/agent/internal/cpulist"

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Parse expands a comma-separated list of CPUs and a-b ranges into a
// sorted, deduplicated slice.
func Parse(list string) ([]int, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}
	seen := make(map[int]struct{})
	for _, token := range strings.Split(list, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if dash := strings.IndexByte(token, '-'); dash >= 0 {
			start, err := strconv.Atoi(token[:dash])
			if err != nil {
				return nil, fmt.Errorf("cpulist: bad range start %q", token)
			}
			end, err := strconv.Atoi(token[dash+1:])
			if err != nil {
				return nil, fmt.Errorf("cpulist: bad range end %q", token)
			}
			if start < 0 || end < start {
				return nil, fmt.Errorf("cpulist: invalid range %q", token)
			}
			for cpu := start; cpu <= end; cpu++ {
				seen[cpu] = struct{}{}
			}
			continue
		}
		cpu, err := strconv.Atoi(token)
		if err != nil || cpu < 0 {
			return nil, fmt.Errorf("cpulist: bad cpu %q", token)
		}
		seen[cpu] = struct{}{}
	}
	cpus := make([]int, 0, len(seen))
	for cpu := range seen {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	return cpus, nil
}

// Online returns the host's online CPUs, falling back to {0} when the
// sysfs file is unreadable.
func Online() []int {
	data, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return []int{0}
	}
	cpus, err := Parse(string(data))
	if err != nil || len(cpus) == 0 {
		return []int{0}
	}
	return cpus
}

// NodeMap returns a cpu-to-NUMA-node mapping built from sysfs. CPUs not
// covered by any node file map to node 0.
func NodeMap() map[int]int {
	nodes := make(map[int]int)
	entries, err := filepath.Glob("/sys/devices/system/node/node*/cpulist")
	if err != nil {
		return nodes
	}
	for _, path := range entries {
		base := filepath.Base(filepath.Dir(path))
		node, err := strconv.Atoi(strings.TrimPrefix(base, "node"))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		cpus, err := Parse(string(data))
		if err != nil {
			continue
		}
		for _, cpu := range cpus {
			nodes[cpu] = node
		}
	}
	return nodes
}
