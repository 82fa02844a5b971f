// Package symbolize interns code addresses (function, call stack) and data
// addresses (data object) into stable 64-bit ids, backed by a TTL-cached
// /proc/<pid>/maps view and an addr2line pipeline, with manual overrides
// for JIT-compiled regions and application-registered data objects.
package symbolize // import "github.com/microsentinel/agent/internal/symbolize"

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-freelru"
	"github.com/ianlancetaylor/demangle"
	sha256 "github.com/minio/sha256-simd"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/microsentinel/agent/internal/wire"
)

// mapsTTL bounds how long a cached /proc/<pid>/maps snapshot is trusted
// before being refreshed.
const mapsTTL = 5 * time.Second

// CodeLocation is a resolved instruction pointer.
type CodeLocation struct {
	Binary     string
	Function   string
	SourceFile string
	Line       int
}

// DataObject is a resolved data address: either a named override or a
// generic memory mapping.
type DataObject struct {
	Mapping     string
	Base        uint64
	Offset      uint64
	Permissions string
	Name        string
	Type        string
	Size        uint64
}

// DataSymbol pairs an interned id with the DataObject it resolved to.
type DataSymbol struct {
	ID     uint64
	Object DataObject
}

// StackTrace pairs an interned call-stack id with its resolved frames,
// innermost first.
type StackTrace struct {
	ID     uint64
	Frames []CodeLocation
}

type memoryRegion struct {
	start, end, fileOffset uint64
	path, perms            string
}

type overrideRegion struct {
	start, end uint64
	region     memoryRegion
}

type dataOverride struct {
	start, end uint64
	object     DataObject
}

type codeCacheKey struct {
	pid uint32
	ip  uint64
}

// Symbolizer interns code and data addresses into stable 64-bit ids. All
// exported methods are safe for concurrent use.
type Symbolizer struct {
	mu sync.Mutex

	internTable map[codeCacheKey]CodeLocation
	procMaps    *freelru.SyncedLRU[uint32, []memoryRegion]

	stackTable  map[uint64]StackTrace
	dirtyStacks []uint64

	dataTable map[uint64]DataSymbol
	dirtyData []uint64

	jitRegions     map[uint32][]overrideRegion
	dataOverrides  map[uint32][]dataOverride

	log *logrus.Entry
}

// New builds an empty Symbolizer. log may be nil.
func New(log *logrus.Entry) *Symbolizer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache, err := freelru.NewSynced[uint32, []memoryRegion](1024, func(pid uint32) uint32 { return pid })
	if err != nil {
		// 1024 is a valid, non-zero capacity; NewSynced only errors on bad
		// sizing, so this path is unreachable in practice.
		panic(fmt.Sprintf("symbolize: building proc-maps cache: %v", err))
	}
	cache.SetLifetime(mapsTTL)

	return &Symbolizer{
		internTable:   make(map[codeCacheKey]CodeLocation),
		procMaps:      cache,
		stackTable:    make(map[uint64]StackTrace),
		dataTable:     make(map[uint64]DataSymbol),
		jitRegions:    make(map[uint32][]overrideRegion),
		dataOverrides: make(map[uint32][]dataOverride),
		log:           log,
	}
}

func readComm(pid uint32) string {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.FormatUint(uint64(pid), 10), "comm"))
	if err != nil {
		return "unknown"
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "unknown"
	}
	return name
}

func refreshProcMaps(pid uint32) ([]memoryRegion, bool) {
	f, err := os.Open(filepath.Join("/proc", strconv.FormatUint(uint64(pid), 10), "maps"))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var regions []memoryRegion
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 6)
		if len(fields) < 5 {
			continue
		}
		rng := fields[0]
		perms := fields[1]
		offsetHex := fields[2]
		path := ""
		if len(fields) == 6 {
			path = strings.TrimLeft(fields[5], " ")
		}
		if path == "" {
			continue
		}
		dash := strings.IndexByte(rng, '-')
		if dash < 0 {
			continue
		}
		start, err := strconv.ParseUint(rng[:dash], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(rng[dash+1:], 16, 64)
		if err != nil {
			continue
		}
		fileOff, err := strconv.ParseUint(offsetHex, 16, 64)
		if err != nil {
			continue
		}
		regions = append(regions, memoryRegion{start: start, end: end, fileOffset: fileOff, path: path, perms: perms})
	}
	return regions, true
}

func (s *Symbolizer) lookupJitRegionLocked(pid uint32, ip uint64) (memoryRegion, bool) {
	for _, r := range s.jitRegions[pid] {
		if ip >= r.start && ip < r.end {
			return r.region, true
		}
	}
	return memoryRegion{}, false
}

func (s *Symbolizer) lookupDataOverrideLocked(pid uint32, addr uint64) (DataObject, bool) {
	for _, entry := range s.dataOverrides[pid] {
		if addr >= entry.start && addr < entry.end {
			obj := entry.object
			obj.Base = entry.start
			obj.Offset = addr - entry.start
			if entry.end > entry.start {
				obj.Size = entry.end - entry.start
			}
			return obj, true
		}
	}
	return DataObject{}, false
}

// mapAddressLocked resolves ip/addr to the memory region that contains it,
// preferring JIT overrides, then the (possibly cached) proc maps view.
// On a cache miss it refreshes once and retries before giving up.
func (s *Symbolizer) mapAddressLocked(pid uint32, ip uint64) (memoryRegion, bool) {
	if r, ok := s.lookupJitRegionLocked(pid, ip); ok {
		return r, true
	}

	regions, ok := s.procMaps.Get(pid)
	if !ok || len(regions) == 0 {
		fresh, refreshed := refreshProcMaps(pid)
		if !refreshed {
			return memoryRegion{}, false
		}
		s.procMaps.Add(pid, fresh)
		regions = fresh
	}
	for _, entry := range regions {
		if ip >= entry.start && ip < entry.end {
			return entry, true
		}
	}

	fresh, refreshed := refreshProcMaps(pid)
	if !refreshed {
		return memoryRegion{}, false
	}
	s.procMaps.Add(pid, fresh)
	for _, entry := range fresh {
		if ip >= entry.start && ip < entry.end {
			return entry, true
		}
	}
	return memoryRegion{}, false
}

// symbolizeAddress shells out to addr2line to resolve a relative file
// offset into a function name and source location.
func (s *Symbolizer) symbolizeAddress(region memoryRegion, ip uint64) CodeLocation {
	loc := CodeLocation{Binary: region.path}
	rel := region.fileOffset + (ip - region.start)

	out, err := exec.Command("addr2line", "-C", "-f", "-e", region.path, fmt.Sprintf("0x%x", rel)).Output()
	if err != nil {
		s.log.WithError(err).WithField("binary", region.path).Debug("addr2line failed")
		loc.Function = fmt.Sprintf("0x%x", ip)
		loc.SourceFile = region.path
		return loc
	}

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) >= 1 {
		loc.Function = strings.TrimSpace(lines[0])
		if demangled, err := demangle.ToString(loc.Function, demangle.NoParams); err == nil && demangled != "" {
			loc.Function = demangled
		}
	}
	if len(lines) >= 2 {
		fileLine := strings.TrimSpace(lines[1])
		if colon := strings.LastIndexByte(fileLine, ':'); colon >= 0 {
			loc.SourceFile = fileLine[:colon]
			if n, err := strconv.Atoi(strings.TrimSpace(fileLine[colon+1:])); err == nil {
				loc.Line = n
			}
		} else {
			loc.SourceFile = fileLine
		}
	}

	if loc.Function == "" {
		loc.Function = fmt.Sprintf("0x%x", ip)
	}
	if loc.SourceFile == "" {
		loc.SourceFile = region.path
	}
	return loc
}

func (s *Symbolizer) buildLocation(pid uint32, ip uint64) CodeLocation {
	s.mu.Lock()
	region, ok := s.mapAddressLocked(pid, ip)
	s.mu.Unlock()
	if !ok {
		return CodeLocation{
			Binary:     readComm(pid),
			Function:   fmt.Sprintf("0x%x", ip),
			SourceFile: "<unknown>",
		}
	}
	return s.symbolizeAddress(region, ip)
}

// Resolve returns the CodeLocation for pid/ip, memoizing the result.
func (s *Symbolizer) Resolve(pid uint32, ip uint64) CodeLocation {
	key := codeCacheKey{pid: pid, ip: ip}

	s.mu.Lock()
	if loc, ok := s.internTable[key]; ok {
		s.mu.Unlock()
		return loc
	}
	s.mu.Unlock()

	loc := s.buildLocation(pid, ip)

	s.mu.Lock()
	s.internTable[key] = loc
	s.mu.Unlock()

	return loc
}

func hashString(data string, fallback uint64) uint64 {
	digest := xxh3.HashString(data)
	if digest != 0 {
		return digest
	}
	if fallback != 0 {
		return fallback
	}
	return 1
}

// InternFunction interns the function identity at pid/ip, collapsing
// repeated resolutions of the same binary/function/source line onto the
// same id regardless of the exact instruction pointer within it.
func (s *Symbolizer) InternFunction(pid uint32, ip uint64) uint64 {
	loc := s.Resolve(pid, ip)
	key := fmt.Sprintf("%s|%s|%s:%d", loc.Binary, loc.Function, loc.SourceFile, loc.Line)
	return hashString(key, ip)
}

// InternStack interns the call stack rooted at ip with branches as its
// LBR trailer, returning a stable id and recording the resolved frames
// for later ConsumeStacks drains.
func (s *Symbolizer) InternStack(pid uint32, ip uint64, branches []wire.LBREntry) uint64 {
	frames := make([]CodeLocation, 0, 1+len(branches))
	frames = append(frames, s.Resolve(pid, ip))
	for _, edge := range branches {
		if edge.From == 0 {
			continue
		}
		frames = append(frames, s.Resolve(pid, edge.From))
	}

	var sb strings.Builder
	for _, f := range frames {
		fmt.Fprintf(&sb, "%s|%s|%s:%d;", f.Binary, f.Function, f.SourceFile, f.Line)
	}
	stackID := hashString(sb.String(), ip)

	s.mu.Lock()
	if _, exists := s.stackTable[stackID]; !exists {
		s.stackTable[stackID] = StackTrace{ID: stackID, Frames: frames}
		s.dirtyStacks = append(s.dirtyStacks, stackID)
	}
	s.mu.Unlock()

	return stackID
}

// ResolveData resolves addr within pid's address space to a DataObject,
// preferring manual overrides and auto-registering plain mappings it
// discovers along the way.
func (s *Symbolizer) ResolveData(pid uint32, addr uint64) DataObject {
	s.mu.Lock()
	if obj, ok := s.lookupDataOverrideLocked(pid, addr); ok {
		s.mu.Unlock()
		return obj
	}
	region, ok := s.mapAddressLocked(pid, addr)
	if !ok {
		s.mu.Unlock()
		return DataObject{Mapping: "[unknown]", Offset: addr}
	}
	s.maybeAutoRegisterRegionLocked(pid, region)
	if obj, ok := s.lookupDataOverrideLocked(pid, addr); ok {
		s.mu.Unlock()
		return obj
	}
	s.mu.Unlock()

	return DataObject{
		Mapping:     region.path,
		Base:        region.start,
		Offset:      addr - region.start,
		Permissions: region.perms,
	}
}

func (s *Symbolizer) maybeAutoRegisterRegionLocked(pid uint32, region memoryRegion) {
	if region.path == "" || region.end <= region.start {
		return
	}
	for _, entry := range s.dataOverrides[pid] {
		if region.start >= entry.start && region.end <= entry.end && entry.object.Mapping == region.path {
			return
		}
	}
	s.dataOverrides[pid] = append(s.dataOverrides[pid], dataOverride{
		start: region.start,
		end:   region.end,
		object: DataObject{
			Mapping:     region.path,
			Base:        region.start,
			Permissions: region.perms,
			Name:        region.path,
			Type:        "mapping",
			Size:        region.end - region.start,
		},
	})
}

// InternDataObject resolves addr within pid, interning it under a stable
// id derived from its mapping identity. A zero addr is treated as "no
// data object" and always returns id 0.
func (s *Symbolizer) InternDataObject(pid uint32, addr uint64) uint64 {
	if addr == 0 {
		return 0
	}

	obj := s.ResolveData(pid, addr)
	key := fmt.Sprintf("%s|%s|%x", obj.Mapping, obj.Permissions, obj.Base)
	id := hashString(key, addr)

	s.mu.Lock()
	if _, exists := s.dataTable[id]; !exists {
		s.dataTable[id] = DataSymbol{ID: id, Object: obj}
		s.dirtyData = append(s.dirtyData, id)
	}
	s.mu.Unlock()

	return id
}

// ConsumeStacks drains and returns every StackTrace interned since the
// last call.
func (s *Symbolizer) ConsumeStacks() []StackTrace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StackTrace, 0, len(s.dirtyStacks))
	for _, id := range s.dirtyStacks {
		if st, ok := s.stackTable[id]; ok {
			out = append(out, st)
		}
	}
	s.dirtyStacks = s.dirtyStacks[:0]
	return out
}

// ConsumeDataObjects drains and returns every DataSymbol interned since
// the last call.
func (s *Symbolizer) ConsumeDataObjects() []DataSymbol {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DataSymbol, 0, len(s.dirtyData))
	for _, id := range s.dirtyData {
		if ds, ok := s.dataTable[id]; ok {
			out = append(out, ds)
		}
	}
	s.dirtyData = s.dirtyData[:0]
	return out
}

// DropProcess purges every piece of per-pid state once a process exits.
func (s *Symbolizer) DropProcess(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procMaps.Remove(pid)
	delete(s.jitRegions, pid)
	delete(s.dataOverrides, pid)
	for key := range s.internTable {
		if key.pid == pid {
			delete(s.internTable, key)
		}
	}
}

// maxBuildIDHashBytes caps how much of a JIT image gets hashed when
// deriving a build id for it.
const maxBuildIDHashBytes = 4 << 20

// fileBuildID derives a short content hash for a JIT image whose
// registration carried no build id.
func fileBuildID(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(f, maxBuildIDHashBytes)); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// RegisterJitRegion registers a manually-reported JIT-compiled code
// region for pid, evicting any existing overlapping region first. When
// no build id is supplied one is derived from the image contents so
// recompiled regions at the same path still intern distinctly.
func (s *Symbolizer) RegisterJitRegion(pid uint32, start, end uint64, path, buildID string) {
	if pid == 0 || start == 0 || end <= start {
		return
	}
	if buildID == "" && path != "" {
		buildID = fileBuildID(path)
	}
	region := memoryRegion{start: start, end: end, perms: "r-xp"}
	if path == "" {
		region.path = fmt.Sprintf("[jit:%d]", pid)
	} else {
		region.path = path
	}
	if buildID != "" {
		region.path += "#" + buildID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.jitRegions[pid]
	kept := entries[:0]
	for _, existing := range entries {
		if existing.end <= start || existing.start >= end {
			kept = append(kept, existing)
		}
	}
	kept = append(kept, overrideRegion{start: start, end: end, region: region})
	s.jitRegions[pid] = kept
}

// RegisterDataObject registers a manually-reported data object for pid,
// evicting any existing overlapping registration first.
func (s *Symbolizer) RegisterDataObject(pid uint32, address uint64, name, objType string, size uint64) {
	if pid == 0 || address == 0 {
		return
	}
	length := size
	if length == 0 {
		length = 1
	}
	mapping := name
	if mapping == "" {
		mapping = "[user-data]"
	}
	obj := DataObject{
		Mapping:     mapping,
		Base:        address,
		Permissions: "rw-p",
		Name:        name,
		Type:        objType,
		Size:        length,
	}
	entry := dataOverride{start: address, end: address + length, object: obj}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.dataOverrides[pid]
	kept := entries[:0]
	for _, existing := range entries {
		if existing.end <= entry.start || existing.start >= entry.end {
			kept = append(kept, existing)
		}
	}
	kept = append(kept, entry)
	s.dataOverrides[pid] = kept
}
