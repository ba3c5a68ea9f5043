// Package procprobe reads /proc to discover running executables, their
// mapped sections, and system-wide memory pressure.
package procprobe

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/anonymouse64/preloadd/internal/model"
)

// Prober reads process and memory information out of /proc.
type Prober struct {
	fs       procfs.FS
	selfPID  int
	pagesize int
}

// NewProber opens the /proc filesystem rooted at mountpoint ("/proc" for
// the real thing, or a fixture directory in tests).
func NewProber(mountpoint string) (*Prober, error) {
	fs, err := procfs.NewFS(mountpoint)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", mountpoint, err)
	}
	return &Prober{fs: fs, selfPID: os.Getpid(), pagesize: os.Getpagesize()}, nil
}

// ExeVisitor is called once per running process preloadd is willing to
// consider, with its pid and sanitized, accepted executable path.
type ExeVisitor func(pid int, exePath string)

// ForeachProcess enumerates every process in /proc except preloadd itself,
// sanitizing and filtering each one's executable path against prefixes,
// and invokes visit for the ones that survive.
func (p *Prober) ForeachProcess(prefixes []string, visit ExeVisitor) error {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return fmt.Errorf("listing processes: %w", err)
	}

	for _, proc := range procs {
		if proc.PID == p.selfPID {
			continue
		}

		exe, err := proc.Executable()
		if err != nil || exe == "" {
			// process may have exited since AllProcs, or have no exe
			// (kernel thread); both are silently skipped.
			continue
		}

		clean, ok := sanitizeFile(exe)
		if !ok || !acceptFile(clean, prefixes) {
			continue
		}

		visit(proc.PID, clean)
	}

	return nil
}

// GetMaps reads pid's mapped file-backed sections. When state is non-nil,
// each distinct map is interned against state's own map table (so two
// exes mapping the same file, at the same offset and length, share one
// Map) the same way proc_get_maps looks maps up in state->maps before
// deciding whether to allocate a new one; pass nil to just measure size
// without touching any state. It returns the total mapped size in bytes,
// or 0 if the process has vanished or has no file-backed maps.
func (p *Prober) GetMaps(pid int, state *model.State, mapPrefixes []string, now int) (int64, map[*model.ExeMap]struct{}, error) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return 0, nil, nil // process vanished
	}

	procMaps, err := proc.ProcMaps()
	if err != nil {
		return 0, nil, nil // process vanished or /proc/pid/maps gone
	}

	var exemaps map[*model.ExeMap]struct{}
	if state != nil {
		exemaps = make(map[*model.ExeMap]struct{})
	}
	var total int64

	for _, pm := range procMaps {
		if pm.Pathname == "" {
			continue
		}
		clean, ok := sanitizeFile(pm.Pathname)
		if !ok || !acceptFile(clean, mapPrefixes) {
			continue
		}

		length := int64(pm.EndAddr) - int64(pm.StartAddr)
		if length <= 0 {
			continue
		}
		total += length

		if state == nil {
			continue
		}

		m := model.NewMap(clean, pm.Offset, length, now)
		if existing := state.LookupMap(m); existing != nil {
			m = existing
		}
		state.RefMap(m)

		exemaps[&model.ExeMap{Map: m, Prob: 1.0}] = struct{}{}
	}

	return total, exemaps, nil
}

// GetMemstat samples /proc/meminfo and /proc/vmstat (falling back to
// /proc/stat for ancient kernels that only expose paging counters there).
func (p *Prober) GetMemstat() (model.Memstat, error) {
	var mem model.Memstat

	info, err := p.fs.Meminfo()
	if err != nil {
		return mem, fmt.Errorf("reading meminfo: %w", err)
	}
	mem.Total = int(deref(info.MemTotal))
	mem.Free = int(deref(info.MemFree))
	mem.Buffers = int(deref(info.Buffers))
	mem.Cached = int(deref(info.Cached))

	pagein, pageout, err := p.readVMStatPaging()
	if err != nil || pagein == 0 {
		pagein, pageout = p.readLegacyStatPaging()
	}

	scale := p.pagesize / 1024
	mem.Pagein = pagein * scale
	mem.Pageout = pageout * scale

	// a missing total or paged-in counter is logged and otherwise
	// ignored: proc_get_memstat never fails on it either, and the budget
	// formula only ever reads Total/Free/Cached.
	if mem.Total == 0 {
		log.Printf("preloadd: /proc/meminfo reported no total memory")
	}
	if mem.Pagein == 0 {
		log.Printf("preloadd: could not determine pages paged in, continuing without it")
	}

	return mem, nil
}

func deref(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}

// readVMStatPaging parses the two specific vmstat counters preloadd needs.
// procfs's own Vmstat API varies shape across kernel versions, so this
// mirrors proc.c's direct tag-scan for just these two fields.
func (p *Prober) readVMStatPaging() (pagein, pageout int, err error) {
	f, err := os.Open("/proc/vmstat")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		switch fields[0] {
		case "pgpgin":
			pagein, _ = strconv.Atoi(fields[1])
		case "pgpgout":
			pageout, _ = strconv.Atoi(fields[1])
		}
	}
	return pagein, pageout, scanner.Err()
}

// readLegacyStatPaging parses the "page <in> <out>" line emitted by
// pre-2.6 kernels in /proc/stat.
func (p *Prober) readLegacyStatPaging() (pagein, pageout int) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 3 && fields[0] == "page" {
			pagein, _ = strconv.Atoi(fields[1])
			pageout, _ = strconv.Atoi(fields[2])
			return
		}
	}
	return 0, 0
}
