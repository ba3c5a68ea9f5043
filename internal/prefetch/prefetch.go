// Package prefetch executes the readahead selection chosen by prophet:
// it sorts and coalesces the chosen maps into byte ranges, then issues
// readahead(2) against each file. Ported from readahead.c,
// with the original's fork()-per-file worker model replaced by a bounded
// goroutine pool: forking a multi-threaded Go process is unsafe, so this
// is the idiomatic analogue of "maxprocs concurrent workers, zero means
// synchronous".
package prefetch

import (
	"context"
	"os"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/anonymouse64/preloadd/internal/model"
	"github.com/anonymouse64/preloadd/internal/preloadconf"
)

// fibmap is the ioctl request number for mapping a logical file block to
// its physical block, not exposed as a named constant by x/sys/unix.
const fibmap = 0x1

func ioctlFIBMAP(fd int, block uint32) (uint32, error) {
	b := block
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(fibmap), uintptr(unsafe.Pointer(&b)))
	if errno != 0 {
		return 0, errno
	}
	return b, nil
}

// request is one coalesced byte range to prefetch from a single file.
type request struct {
	path   string
	offset int64
	length int64
}

// Prefetcher issues readahead for a ranked set of maps, honoring a
// configurable sort strategy and a bounded worker pool.
type Prefetcher struct {
	SortStrategy preloadconf.SortStrategy
	MaxProcs     int
}

// New returns a Prefetcher configured per cfg.System.
func New(cfg *preloadconf.Config) *Prefetcher {
	return &Prefetcher{SortStrategy: cfg.System.SortStrategy, MaxProcs: cfg.System.MaxProcs}
}

// Readahead sorts maps per the configured strategy, coalesces adjacent or
// overlapping ranges within the same file, and issues readahead for each
// resulting request, bounding concurrency to MaxProcs (0 means run every
// request synchronously on the calling goroutine). It returns the number
// of distinct (coalesced) requests issued.
func (p *Prefetcher) Readahead(ctx context.Context, maps []*model.Map) (int, error) {
	sorted := append([]*model.Map(nil), maps...)
	p.sort(sorted)

	requests := coalesce(sorted)
	if len(requests) == 0 {
		return 0, nil
	}

	if p.MaxProcs <= 0 {
		for _, r := range requests {
			processFile(r)
		}
		return len(requests), nil
	}

	sem := make(chan struct{}, p.MaxProcs)
	var wg sync.WaitGroup
	for _, r := range requests {
		select {
		case <-ctx.Done():
			wg.Wait()
			return len(requests), ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(r request) {
			defer wg.Done()
			defer func() { <-sem }()
			processFile(r)
		}(r)
	}
	wg.Wait()

	return len(requests), nil
}

func processFile(r request) {
	fd, err := os.OpenFile(r.path, os.O_RDONLY|unix.O_NOCTTY, 0)
	if err != nil {
		return
	}
	defer fd.Close()

	_ = unix.Readahead(int(fd.Fd()), r.offset, int(r.length))
}

// coalesce merges adjacent or overlapping byte ranges within the same
// file, the same single pass readahead.c's preload_readahead makes over
// its already-sorted input.
func coalesce(sorted []*model.Map) []request {
	var out []request
	var cur *request

	for _, m := range sorted {
		if cur != nil && cur.path == m.Path &&
			cur.offset <= m.Offset && cur.offset+cur.length >= m.Offset {
			if end := m.Offset + m.Length; end > cur.offset+cur.length {
				cur.length = end - cur.offset
			}
			continue
		}
		if cur != nil {
			out = append(out, *cur)
		}
		cur = &request{path: m.Path, offset: m.Offset, length: m.Length}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

func (p *Prefetcher) sort(maps []*model.Map) {
	switch p.SortStrategy {
	case preloadconf.SortNone:
	case preloadconf.SortPath:
		sort.Slice(maps, func(i, j int) bool { return comparePath(maps[i], maps[j]) < 0 })
	case preloadconf.SortInode, preloadconf.SortBlock:
		sortByBlockOrInode(maps, p.SortStrategy == preloadconf.SortInode)
	default:
		sortByBlockOrInode(maps, false)
	}
}

func sortByBlockOrInode(maps []*model.Map, useInode bool) {
	needBlock := false
	for _, m := range maps {
		if m.Block == -1 {
			needBlock = true
			break
		}
	}

	if needBlock {
		sort.Slice(maps, func(i, j int) bool { return comparePath(maps[i], maps[j]) < 0 })
		for _, m := range maps {
			if m.Block == -1 {
				setBlock(m, useInode)
			}
		}
	}

	sort.Slice(maps, func(i, j int) bool { return compareBlock(maps[i], maps[j]) < 0 })
}

// setBlock resolves the on-disk block (or, lacking FIBMAP support for the
// underlying filesystem, the inode number) backing the start of m, the
// same fallback chain as readahead.c's set_block.
func setBlock(m *model.Map, useInode bool) {
	m.Block = 0

	f, err := os.Open(m.Path)
	if err != nil {
		return
	}
	defer f.Close()

	var stat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &stat); err != nil {
		return
	}

	if !useInode && stat.Blksize > 0 {
		block := uint32(m.Offset / int64(stat.Blksize))
		if resolved, err := ioctlFIBMAP(int(f.Fd()), block); err == nil {
			m.Block = int64(resolved)
			return
		}
	}

	m.Block = int64(stat.Ino)
}

func comparePath(a, b *model.Map) int {
	switch {
	case a.Path < b.Path:
		return -1
	case a.Path > b.Path:
		return 1
	case a.Offset != b.Offset:
		if a.Offset < b.Offset {
			return -1
		}
		return 1
	default:
		return int(b.Length - a.Length)
	}
}

func compareBlock(a, b *model.Map) int {
	if a.Block != b.Block {
		if a.Block < b.Block {
			return -1
		}
		return 1
	}
	return comparePath(a, b)
}
