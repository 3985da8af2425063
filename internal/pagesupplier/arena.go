package pagesupplier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
)

// ArenaConfig configures an ArenaSupplier.
type ArenaConfig struct {
	// PageSize is the size, in bytes, of every page handed out. Defaults
	// to the OS page size when zero.
	PageSize int
	// Capacity is the fixed number of pages the arena can lease at once.
	Capacity int
}

// DefaultArenaConfig returns a config sized for a modest demo workload:
// the OS page size, 4096 pages (16MB on a 4KB-page system).
func DefaultArenaConfig() ArenaConfig {
	return ArenaConfig{PageSize: os.Getpagesize(), Capacity: 4096}
}

// ArenaSupplier is an in-memory, fixed-capacity PageSupplier. It
// over-allocates one backing []byte and slices it into page-aligned,
// page-sized regions up front, since Go's allocator gives no alignment
// guarantee for make([]byte, n).
//
// Leased/free bookkeeping is split across two mechanisms on purpose: a
// buffered channel of free slot indices drives blocking Acquire calls
// (idiomatic Go; a sync.Cond cannot be select-ed against a context), and a
// bitset is the single source of truth for which slots are currently
// leased, used to detect a double Release.
type ArenaSupplier struct {
	pageSize int
	capacity int

	backing []byte
	pages   [][]byte
	indexOf map[uintptr]int

	mu   sync.Mutex
	used *bitset.BitSet
	free chan int

	logger *slog.Logger
}

// NewArenaSupplier allocates the arena's backing memory and returns a
// ready-to-use supplier.
func NewArenaSupplier(cfg ArenaConfig, logger *slog.Logger) (*ArenaSupplier, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = os.Getpagesize()
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pagesupplier: capacity must be greater than zero")
	}
	if logger == nil {
		logger = slog.Default()
	}

	raw := make([]byte, cfg.PageSize*(cfg.Capacity+1))
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(cfg.PageSize-1)) &^ uintptr(cfg.PageSize-1)
	start := aligned - base

	pages := make([][]byte, cfg.Capacity)
	indexOf := make(map[uintptr]int, cfg.Capacity)
	freeCh := make(chan int, cfg.Capacity)
	for i := 0; i < cfg.Capacity; i++ {
		off := start + uintptr(i)*uintptr(cfg.PageSize)
		p := raw[off : off+uintptr(cfg.PageSize) : off+uintptr(cfg.PageSize)]
		pages[i] = p
		indexOf[uintptr(unsafe.Pointer(&p[0]))] = i
		freeCh <- i
	}

	return &ArenaSupplier{
		pageSize: cfg.PageSize,
		capacity: cfg.Capacity,
		backing:  raw,
		pages:    pages,
		indexOf:  indexOf,
		used:     bitset.New(uint(cfg.Capacity)),
		free:     freeCh,
		logger:   logger.With("component", "pagesupplier.arena"),
	}, nil
}

// PageSize reports the fixed page size this arena hands out.
func (a *ArenaSupplier) PageSize() int { return a.pageSize }

// Acquire leases one page. With wait set, it blocks until a page frees up
// or ctx is done; otherwise it returns ErrExhausted immediately.
func (a *ArenaSupplier) Acquire(ctx context.Context, wait bool) ([]byte, error) {
	if wait {
		select {
		case idx := <-a.free:
			return a.lease(idx), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	select {
	case idx := <-a.free:
		return a.lease(idx), nil
	default:
		return nil, ErrExhausted
	}
}

func (a *ArenaSupplier) lease(idx int) []byte {
	a.mu.Lock()
	a.used.Set(uint(idx))
	a.mu.Unlock()

	page := a.pages[idx]
	for i := range page {
		page[i] = 0
	}
	return page
}

// Release returns a page previously obtained from Acquire. Releasing a
// page this arena did not hand out, or releasing the same page twice,
// returns an error without mutating arena state.
func (a *ArenaSupplier) Release(page []byte) error {
	if len(page) == 0 {
		return fmt.Errorf("pagesupplier: cannot release an empty page")
	}
	base := uintptr(unsafe.Pointer(&page[0]))

	a.mu.Lock()
	idx, ok := a.indexOf[base]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("pagesupplier: page %#x is not owned by this arena", base)
	}
	if !a.used.Test(uint(idx)) {
		a.mu.Unlock()
		return fmt.Errorf("pagesupplier: double release of page %#x", base)
	}
	a.used.Clear(uint(idx))
	a.mu.Unlock()

	a.free <- idx
	return nil
}

// Stats reports how many of the arena's pages are currently leased.
func (a *ArenaSupplier) Stats() (leased, capacity int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.used.Count()), a.capacity
}
