// Package orchestrator owns the kernel-side sampler: it loads the BPF
// object, attaches the context-injection and PMU handler programs, and
// exposes the control-map operations (budget, active group, interface
// filter, event cookies) the rest of the agent reprograms it through.
package orchestrator // import "github.com/microsentinel/agent/internal/orchestrator"

import (
	"fmt"
	"net"
	"sync"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"

	"github.com/microsentinel/agent/internal/cpulist"
	"github.com/microsentinel/agent/internal/mode"
	"github.com/microsentinel/agent/internal/mslog"
	"github.com/microsentinel/agent/internal/wire"
)

// EventDesc describes one hardware event within a PMU group, in the
// shape perf_event_open expects plus the logical kind samples carrying
// its cookie are attributed to.
type EventDesc struct {
	Name         string
	Type         uint32
	Config       uint64
	SamplePeriod uint64
	Precise      bool
	Logical      wire.PmuEvent
}

// GroupConfig is a named set of events that the PMU can co-schedule.
// Groups that cannot be co-scheduled with each other are time-sliced by
// the rotator.
type GroupConfig struct {
	Name   string
	Events []EventDesc
}

// DefaultSentinelGroups returns the single narrow group used in
// low-budget mode.
func DefaultSentinelGroups() []GroupConfig {
	return []GroupConfig{{
		Name: "sentinel-default",
		Events: []EventDesc{{
			Name:         "l3_miss",
			Type:         unix.PERF_TYPE_HARDWARE,
			Config:       unix.PERF_COUNT_HW_CACHE_MISSES,
			SamplePeriod: 200_000,
			Precise:      true,
			Logical:      wire.EventL3Miss,
		}},
	}}
}

// DefaultDiagnosticGroups returns the wider multi-event set used in
// high-budget mode.
func DefaultDiagnosticGroups() []GroupConfig {
	return []GroupConfig{{
		Name: "diagnostic-default",
		Events: []EventDesc{
			{
				Name:         "l3_miss",
				Type:         unix.PERF_TYPE_HARDWARE,
				Config:       unix.PERF_COUNT_HW_CACHE_MISSES,
				SamplePeriod: 150_000,
				Precise:      true,
				Logical:      wire.EventL3Miss,
			},
			{
				Name:         "branch_misp",
				Type:         unix.PERF_TYPE_HARDWARE,
				Config:       unix.PERF_COUNT_HW_BRANCH_MISSES,
				SamplePeriod: 120_000,
				Logical:      wire.EventBranchMispred,
			},
			{
				Name:         "xsnp_hitm",
				Type:         unix.PERF_TYPE_RAW,
				Config:       0x1b7,
				SamplePeriod: 80_000,
				Precise:      true,
				Logical:      wire.EventXSNPHitm,
			},
		},
	}}
}

// Config carries everything needed to bring the kernel sampler up.
type Config struct {
	ObjectPath       string
	CPUs             []int
	Interfaces       []string
	SentinelGroups   []GroupConfig
	DiagnosticGroups []GroupConfig
	SentinelBudget   uint64
	DiagnosticBudget uint64
	HardDropNs       uint64
	MockMode         bool
}

// tbCfg mirrors struct ms_tb_cfg in the kernel object.
type tbCfg struct {
	MaxSamplesPerSec  uint64
	HardDropThreshold uint64
}

// tbCtrl mirrors struct ms_tb_ctrl; bumping CfgSeq tells the kernel side
// to re-read the config slot.
type tbCtrl struct {
	CfgSeq uint64
}

// eventBinding mirrors struct ms_event_binding keyed by perf cookie.
type eventBinding struct {
	Logical uint32
}

type perfAttach struct {
	fd     int
	link   link.Link
	cookie uint64
}

// Orchestrator loads and drives the kernel sampler. All exported methods
// are safe for concurrent use; syscalls that can block run outside the
// state mutex.
type Orchestrator struct {
	cfg  Config
	cpus []int

	mu               sync.Mutex
	coll             *ebpf.Collection
	ctxLink          link.Link
	xdpLinks         []link.Link
	perfLinks        []perfAttach
	activeGroups     []GroupConfig
	activeGroupIndex int
	maxEventsPerGrp  int // 0 means unlimited
	cookieSupported  bool
	nextCookie       uint64
	tbCfgSeq         uint64
	ready            bool
}

// New builds an Orchestrator; Init must be called before anything else.
func New(cfg Config) *Orchestrator {
	if len(cfg.SentinelGroups) == 0 {
		cfg.SentinelGroups = DefaultSentinelGroups()
	}
	if len(cfg.DiagnosticGroups) == 0 {
		cfg.DiagnosticGroups = DefaultDiagnosticGroups()
	}
	if cfg.HardDropNs == 0 {
		cfg.HardDropNs = 4 * 2000 // 4x the flow skid window
	}
	cpus := cfg.CPUs
	if len(cpus) == 0 {
		cpus = cpulist.Online()
	}
	return &Orchestrator{
		cfg:             cfg,
		cpus:            cpus,
		cookieSupported: true,
		nextCookie:      1,
	}
}

// Init loads the BPF object, attaches the network context injectors and
// programs the initial token-bucket budget. A non-nil error means real
// sampling is unavailable and the caller should fall back to mock mode.
func (o *Orchestrator) Init() error {
	if o.cfg.MockMode {
		return fmt.Errorf("orchestrator: configured for mock mode")
	}

	coll, err := ebpf.LoadCollection(o.cfg.ObjectPath)
	if err != nil {
		return fmt.Errorf("orchestrator: loading %s: %w", o.cfg.ObjectPath, err)
	}

	for _, name := range []string{"ms_events", "ms_tb_cfg_map", "ms_tb_ctrl_map", "ms_active_event"} {
		if coll.Maps[name] == nil {
			coll.Close()
			return fmt.Errorf("orchestrator: map %s missing from BPF object", name)
		}
	}
	for _, name := range []string{"ms_ctx_inject", "ms_pmu_handler"} {
		if coll.Programs[name] == nil {
			coll.Close()
			return fmt.Errorf("orchestrator: program %s missing from BPF object", name)
		}
	}
	if coll.Maps["ms_event_cookie"] == nil {
		mslog.Warnf("Cookie map unavailable; running in legacy PMU attribution mode")
	}

	ctxLink, err := link.AttachTracing(link.TracingOptions{
		Program: coll.Programs["ms_ctx_inject"],
	})
	if err != nil {
		coll.Close()
		return fmt.Errorf("orchestrator: attaching ms_ctx_inject: %w", err)
	}

	xdpLinks, err := attachXDP(coll.Programs["ms_ctx_inject_xdp"], o.cfg.Interfaces)
	if err != nil {
		ctxLink.Close()
		coll.Close()
		return err
	}

	o.mu.Lock()
	o.coll = coll
	o.ctxLink = ctxLink
	o.xdpLinks = xdpLinks
	o.cookieSupported = coll.Maps["ms_event_cookie"] != nil
	o.ready = true
	o.mu.Unlock()

	if err := o.SetBudget(o.cfg.SentinelBudget, o.cfg.HardDropNs); err != nil {
		o.Close()
		return err
	}
	return nil
}

func attachXDP(prog *ebpf.Program, ifaces []string) ([]link.Link, error) {
	if len(ifaces) == 0 {
		return nil, nil
	}
	if prog == nil {
		return nil, fmt.Errorf("orchestrator: XDP context injector missing from BPF object")
	}
	var links []link.Link
	for _, name := range ifaces {
		if name == "" {
			continue
		}
		iface, err := net.InterfaceByName(name)
		if err != nil {
			mslog.Warnf("Unknown XDP interface %q: %v", name, err)
			continue
		}
		l, err := link.AttachXDP(link.XDPOptions{Program: prog, Interface: iface.Index})
		if err != nil {
			mslog.Warnf("Failed to attach XDP program on %s: %v", name, err)
			continue
		}
		links = append(links, l)
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("orchestrator: unable to attach XDP program to any requested interface")
	}
	return links, nil
}

// Ready reports whether the kernel sampler is loaded and attachable.
func (o *Orchestrator) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

// EventsMap returns the per-CPU ring map the drainer pool reads from.
// The drainer registers its opened perf fds into this map on start and
// clears them on stop.
func (o *Orchestrator) EventsMap() *ebpf.Map {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.coll == nil {
		return nil
	}
	return o.coll.Maps["ms_events"]
}

// EventsMapFD returns the raw fd of the ring map, or -1 when unavailable.
func (o *Orchestrator) EventsMapFD() int {
	m := o.EventsMap()
	if m == nil {
		return -1
	}
	return m.FD()
}

// SetBudget programs the token-bucket config slot and bumps the control
// sequence number so every CPU re-reads it.
func (o *Orchestrator) SetBudget(samplesPerSec, hardDropNs uint64) error {
	o.mu.Lock()
	coll := o.coll
	o.tbCfgSeq++
	seq := o.tbCfgSeq
	o.mu.Unlock()

	if coll == nil {
		return fmt.Errorf("orchestrator: token bucket maps unavailable")
	}
	if hardDropNs == 0 {
		hardDropNs = o.cfg.HardDropNs
	}
	key := uint32(0)
	cfg := tbCfg{MaxSamplesPerSec: samplesPerSec, HardDropThreshold: hardDropNs}
	if err := coll.Maps["ms_tb_cfg_map"].Put(key, cfg); err != nil {
		return fmt.Errorf("orchestrator: writing token bucket config: %w", err)
	}
	if err := coll.Maps["ms_tb_ctrl_map"].Put(key, tbCtrl{CfgSeq: seq}); err != nil {
		return fmt.Errorf("orchestrator: writing token bucket control: %w", err)
	}
	return nil
}

// SetInterfaceFilter restricts context capture to the given ifindexes.
// An empty list clears the filter (allow all).
func (o *Orchestrator) SetInterfaceFilter(ifindexes []uint32) error {
	o.mu.Lock()
	coll := o.coll
	o.mu.Unlock()
	if coll == nil {
		return fmt.Errorf("orchestrator: not initialized")
	}
	m := coll.Maps["ms_iface_filter"]
	if m == nil {
		// Older kernel objects sample every interface; nothing to do.
		return nil
	}

	var stale []uint32
	var key uint32
	iter := m.Iterate()
	var value uint8
	for iter.Next(&key, &value) {
		stale = append(stale, key)
	}
	for _, k := range stale {
		_ = m.Delete(k)
	}
	one := uint8(1)
	for _, idx := range ifindexes {
		if err := m.Put(idx, one); err != nil {
			return fmt.Errorf("orchestrator: writing interface filter: %w", err)
		}
	}
	return nil
}

// SetEventCookie binds a perf cookie to the logical event kind samples
// carrying it should be attributed to.
func (o *Orchestrator) SetEventCookie(cookie uint64, kind wire.PmuEvent) error {
	o.mu.Lock()
	coll := o.coll
	supported := o.cookieSupported
	o.mu.Unlock()
	if coll == nil || !supported {
		return fmt.Errorf("orchestrator: cookie map unavailable while binding event %s", kind)
	}
	if err := coll.Maps["ms_event_cookie"].Put(cookie, eventBinding{Logical: uint32(kind)}); err != nil {
		return fmt.Errorf("orchestrator: writing cookie binding: %w", err)
	}
	return nil
}

func (o *Orchestrator) writeActiveEvent(kind wire.PmuEvent) error {
	if o.coll == nil {
		return fmt.Errorf("orchestrator: active event map unavailable")
	}
	key := uint32(0)
	value := uint32(kind)
	if err := o.coll.Maps["ms_active_event"].Put(key, value); err != nil {
		return fmt.Errorf("orchestrator: publishing active event: %w", err)
	}
	return nil
}

const preciseIPShift = 15

func perfAttr(desc EventDesc) *unix.PerfEventAttr {
	attr := &unix.PerfEventAttr{
		Type:   desc.Type,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: desc.Config,
		Sample: desc.SamplePeriod,
		Sample_type: unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID |
			unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_ADDR |
			unix.PERF_SAMPLE_BRANCH_STACK,
		Branch_sample_type: unix.PERF_SAMPLE_BRANCH_USER | unix.PERF_SAMPLE_BRANCH_CALL_STACK,
		Bits:               unix.PerfBitExcludeHv | unix.PerfBitExcludeIdle,
	}
	if desc.Precise {
		attr.Bits |= 2 << preciseIPShift
	}
	return attr
}

// attachGroupLocked replaces the currently attached perf events with the
// ones from group, binding a fresh cookie per (event, cpu) attachment.
func (o *Orchestrator) attachGroupLocked(group GroupConfig) error {
	o.detachPerfLocked()

	prog := o.coll.Programs["ms_pmu_handler"]
	if prog == nil {
		return fmt.Errorf("orchestrator: PMU handler program missing")
	}
	if !o.cookieSupported {
		return o.attachGroupLegacyLocked(group)
	}

	limit := len(group.Events)
	if o.maxEventsPerGrp > 0 && o.maxEventsPerGrp < limit {
		limit = o.maxEventsPerGrp
	}

	cookieMap := o.coll.Maps["ms_event_cookie"]
	for _, desc := range group.Events[:limit] {
		for _, cpu := range o.cpus {
			fd, err := unix.PerfEventOpen(perfAttr(desc), -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
			if err != nil {
				mslog.Debugf("perf_event_open %s on cpu %d: %v", desc.Name, cpu, err)
				continue
			}
			cookie := o.nextCookie
			l, err := link.AttachRawLink(link.RawLinkOptions{
				Target:    fd,
				Program:   prog,
				Attach:    ebpf.AttachPerfEvent,
				BPFCookie: cookie,
			})
			if err != nil {
				mslog.Warnf("Failed to attach perf event %s for CPU %d: %v", desc.Name, cpu, err)
				unix.Close(fd)
				continue
			}
			if err := cookieMap.Put(cookie, eventBinding{Logical: uint32(desc.Logical)}); err != nil {
				mslog.Warnf("Failed to write cookie binding for %s: %v", desc.Name, err)
				l.Close()
				unix.Close(fd)
				continue
			}
			o.perfLinks = append(o.perfLinks, perfAttach{fd: fd, link: l, cookie: cookie})
			o.nextCookie++
		}
	}
	if len(o.perfLinks) == 0 {
		return fmt.Errorf("orchestrator: no perf events attached for group %s", group.Name)
	}
	return nil
}

// attachGroupLegacyLocked attaches only the group's first event and
// publishes its kind through the active-event map, for kernels without
// perf cookie support.
func (o *Orchestrator) attachGroupLegacyLocked(group GroupConfig) error {
	if len(group.Events) == 0 {
		return fmt.Errorf("orchestrator: no PMU events configured for legacy perf mode")
	}
	desc := group.Events[0]
	if err := o.writeActiveEvent(desc.Logical); err != nil {
		return err
	}
	prog := o.coll.Programs["ms_pmu_handler"]
	for _, cpu := range o.cpus {
		fd, err := unix.PerfEventOpen(perfAttr(desc), -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			mslog.Debugf("perf_event_open %s on cpu %d: %v", desc.Name, cpu, err)
			continue
		}
		l, err := link.AttachRawLink(link.RawLinkOptions{
			Target:  fd,
			Program: prog,
			Attach:  ebpf.AttachPerfEvent,
		})
		if err != nil {
			mslog.Warnf("Failed to attach perf event for CPU %d: %v", cpu, err)
			unix.Close(fd)
			continue
		}
		o.perfLinks = append(o.perfLinks, perfAttach{fd: fd, link: l})
	}
	if len(o.perfLinks) == 0 {
		return fmt.Errorf("orchestrator: legacy perf attachment failed on all CPUs")
	}
	return nil
}

func (o *Orchestrator) detachPerfLocked() {
	cookieMap := (*ebpf.Map)(nil)
	if o.coll != nil {
		cookieMap = o.coll.Maps["ms_event_cookie"]
	}
	for _, attach := range o.perfLinks {
		if attach.link != nil {
			attach.link.Close()
		}
		if attach.fd >= 0 {
			unix.Close(attach.fd)
		}
		if cookieMap != nil && attach.cookie != 0 {
			_ = cookieMap.Delete(attach.cookie)
		}
	}
	o.perfLinks = nil
}

// SwitchMode reprograms the sampler for the given mode: its budget and
// the first group of its configured group set.
func (o *Orchestrator) SwitchMode(m mode.AgentMode) bool {
	o.mu.Lock()
	groups := o.cfg.SentinelGroups
	budget := o.cfg.SentinelBudget
	if m == mode.Diagnostic {
		groups = o.cfg.DiagnosticGroups
		budget = o.cfg.DiagnosticBudget
	}
	hardDrop := o.cfg.HardDropNs
	ready := o.ready
	o.mu.Unlock()

	if !ready || len(groups) == 0 {
		mslog.Errorf("No PMU groups configured for mode %s", m)
		return false
	}
	if err := o.SetBudget(budget, hardDrop); err != nil {
		mslog.Errorf("Failed to configure token bucket for mode switch: %v", err)
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.activeGroups = groups
	o.activeGroupIndex = 0
	if err := o.attachGroupLocked(groups[0]); err != nil {
		mslog.Errorf("Attaching PMU group during mode switch: %v", err)
		o.activeGroups = nil
		return false
	}
	return true
}

// RotateToGroup attaches the group at index within the active set,
// implementing the rotator's round-robin step.
func (o *Orchestrator) RotateToGroup(index int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.ready || index < 0 || index >= len(o.activeGroups) {
		mslog.Errorf("RotateToGroup invalid state (ready=%v, groups=%d, requested=%d)",
			o.ready, len(o.activeGroups), index)
		return false
	}
	if err := o.attachGroupLocked(o.activeGroups[index]); err != nil {
		mslog.Errorf("Failed to attach PMU group index %d: %v", index, err)
		return false
	}
	o.activeGroupIndex = index
	return true
}

// ActiveGroupCount returns the size of the currently active group set.
func (o *Orchestrator) ActiveGroupCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.activeGroups)
}

// CurrentGroupIndex returns the index of the attached group.
func (o *Orchestrator) CurrentGroupIndex() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeGroupIndex
}

// UpdateSampleBudget applies a control-plane budget change; the budget
// active for the current mode is programmed immediately.
func (o *Orchestrator) UpdateSampleBudget(m mode.AgentMode, sentinel, diagnostic, hardDropNs uint64) bool {
	active := diagnostic
	if m == mode.Sentinel {
		active = sentinel
	}
	o.mu.Lock()
	ready := o.ready
	o.cfg.SentinelBudget = sentinel
	o.cfg.DiagnosticBudget = diagnostic
	o.cfg.HardDropNs = hardDropNs
	o.mu.Unlock()

	if !ready || active == 0 {
		mslog.Errorf("UpdateSampleBudget rejected (ready=%v, active_budget=%d)", ready, active)
		return false
	}
	if err := o.SetBudget(active, hardDropNs); err != nil {
		mslog.Errorf("UpdateSampleBudget: %v", err)
		return false
	}
	return true
}

// SyncBudgetConfig records budgets without touching the kernel, for
// updates that do not require reprogramming.
func (o *Orchestrator) SyncBudgetConfig(sentinel, diagnostic, hardDropNs uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.SentinelBudget = sentinel
	o.cfg.DiagnosticBudget = diagnostic
	o.cfg.HardDropNs = hardDropNs
}

// UpdateGroupConfig replaces the configured group sets; nil slices leave
// the corresponding set untouched. Takes effect on the next SwitchMode.
func (o *Orchestrator) UpdateGroupConfig(sentinel, diagnostic []GroupConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(sentinel) > 0 {
		o.cfg.SentinelGroups = sentinel
	}
	if len(diagnostic) > 0 {
		o.cfg.DiagnosticGroups = diagnostic
	}
}

// SetMaxEventsPerGroup caps how many events of a group get attached
// (the safety governor's shedding lever); 0 restores unlimited. The
// currently attached group is re-attached under the new limit.
func (o *Orchestrator) SetMaxEventsPerGroup(limit int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.maxEventsPerGrp = limit
	if !o.ready || len(o.activeGroups) == 0 {
		return
	}
	idx := o.activeGroupIndex
	if idx >= len(o.activeGroups) {
		idx = len(o.activeGroups) - 1
	}
	if err := o.attachGroupLocked(o.activeGroups[idx]); err != nil {
		mslog.Errorf("Re-attaching group under event limit %d: %v", limit, err)
	}
}

// Close detaches everything and releases the BPF object. Idempotent.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detachPerfLocked()
	for _, l := range o.xdpLinks {
		l.Close()
	}
	o.xdpLinks = nil
	if o.ctxLink != nil {
		o.ctxLink.Close()
		o.ctxLink = nil
	}
	if o.coll != nil {
		o.coll.Close()
		o.coll = nil
	}
	o.ready = false
}
