package ring

import (
	"github.com/elastic/go-perf"
)

// probeCPUs opens a throwaway dummy perf event on each CPU to learn
// where perf_event_open works at all. Partial success is fine; an empty
// result means the pool must fall back to mock mode.
func probeCPUs(cpus []int) []int {
	var usable []int
	for _, cpu := range cpus {
		attr := new(perf.Attr)
		perf.Dummy.Configure(attr)
		ev, err := perf.Open(attr, -1, cpu, nil)
		if err != nil {
			continue
		}
		ev.Close()
		usable = append(usable, cpu)
	}
	return usable
}
