package slabcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"
)

// bootstrapState holds the five self-hosted internal caches every public
// Cache draws its metadata from, and the page-index map used to recover a
// small-regime slab from a buffer address. It is created exactly once per
// process, the first time any Cache is created.
type bootstrapState struct {
	pageSize     int
	suppressHash bool

	cachePool     *objectCache[Cache]
	hashNodePool  *objectCache[hashNode]
	hashTablePool *objectCache[hashIndex]
	slabPool      *objectCache[Slab]
	bufctlPool    *objectCache[bufctl]

	pageIndex map[uintptr]*Slab

	logger *slog.Logger
}

var (
	globalOnce sync.Once
	global     *bootstrapState
	globalErr  error
)

// ensureBootstrap returns the process-wide bootstrap state, creating it on
// first use. Every later call, successful or not, observes the same
// result: bootstrap runs exactly once.
func ensureBootstrap(ctx context.Context, supplier PageSupplier, logger *slog.Logger) (*bootstrapState, error) {
	globalOnce.Do(func() {
		global, globalErr = bootstrap(ctx, supplier, logger)
	})
	return global, globalErr
}

// bootstrap resolves the allocator's circular dependency: a cache header
// has to come from a cache, and the bufctls, slab metadata, hash tables,
// and hash nodes those caches' own slabs need also have to come from
// caches — those caches must themselves be represented by cache headers.
// This brings up the cache-cache first, directly against the page
// supplier, then creates the remaining four internal caches (hash-node,
// hash-table, slab-metadata, bufctl) through the very same construction
// path (newObjectCache) with hash-index creation suppressed, since none of
// them has a hash-table-cache to draw a header from yet. Once all five
// exist, four are retroactively given a real hash index drawn from the
// hash-table-cache — including the hash-table-cache itself — after which
// each can recover its own objects on free exactly the way a large-regime
// client cache recovers a bufctl from a buffer address. The fifth, the
// hash-node-cache, cannot be indexed this way without indexing itself into
// existence, so it permanently uses the slab-range scan every internal
// cache falls back on before its own retrofit runs.
//
// Each internal cache's slabs still draw one real page per slab from the
// supplier, so page accounting, growth, and reclamation match a client
// Cache's; the one unavoidable departure from the reference is that
// Cache, Slab, bufctl, hashNode, and hashIndex all hold live Go pointers,
// so their instances live in an ordinary Go slice sized to the page's
// capacity (see objectCache) instead of being byte-carved out of the page
// itself.
func bootstrap(ctx context.Context, supplier PageSupplier, logger *slog.Logger) (*bootstrapState, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "slabcache.bootstrap")

	bs := &bootstrapState{
		pageSize:  supplier.PageSize(),
		pageIndex: make(map[uintptr]*Slab),
		logger:    logger,
	}

	// Ordering constraint: every internal metadata kind must fall into the
	// small regime, so none of the five internal caches ever needs a
	// bufctl to describe its own buffers — that would recurse.
	limit := uintptr(bs.pageSize / 8)
	for _, sz := range []uintptr{
		unsafe.Sizeof(Cache{}), unsafe.Sizeof(Slab{}),
		unsafe.Sizeof(bufctl{}), unsafe.Sizeof(hashNode{}),
		unsafe.Sizeof(hashIndex{}),
	} {
		if sz >= limit {
			return nil, fmt.Errorf("%w: internal metadata of %d bytes exceeds pagesize/8 (%d)", ErrBootstrapFailed, sz, limit)
		}
	}

	bs.suppressHash = true

	var err error
	if bs.cachePool, err = newObjectCache[Cache](ctx, "cache-cache", supplier); err != nil {
		return nil, fmt.Errorf("%w: cache-cache: %v", ErrBootstrapFailed, err)
	}
	if bs.hashNodePool, err = newObjectCache[hashNode](ctx, "hash-node-cache", supplier); err != nil {
		return nil, fmt.Errorf("%w: hash-node-cache: %v", ErrBootstrapFailed, err)
	}
	if bs.hashTablePool, err = newObjectCache[hashIndex](ctx, "hash-table-cache", supplier); err != nil {
		return nil, fmt.Errorf("%w: hash-table-cache: %v", ErrBootstrapFailed, err)
	}
	if bs.slabPool, err = newObjectCache[Slab](ctx, "slab-metadata-cache", supplier); err != nil {
		return nil, fmt.Errorf("%w: slab-metadata-cache: %v", ErrBootstrapFailed, err)
	}
	if bs.bufctlPool, err = newObjectCache[bufctl](ctx, "bufctl-cache", supplier); err != nil {
		return nil, fmt.Errorf("%w: bufctl-cache: %v", ErrBootstrapFailed, err)
	}

	// Retrofit: cache-cache, hash-table-cache, slab-metadata-cache, and
	// bufctl-cache each get a hash index allocated from the
	// hash-table-cache exactly as a client cache's would be.
	//
	// The hash-node-cache is the one internal cache this retrofit skips:
	// indexing one of its own dispensed nodes would require fetching a
	// hashNode from the hash-node-cache to hold that very index entry,
	// which recurses forever. It recovers its own objects on put the
	// same way every internal cache does before its retrofit runs — a
	// bounded scan over its (always small) slab list — permanently
	// rather than just for this window.
	attachable := []interface{ setAddrIndex(*hashIndex) }{
		bs.cachePool, bs.hashTablePool, bs.slabPool, bs.bufctlPool,
	}
	for _, c := range attachable {
		h, err := bs.hashTablePool.get(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: hash index retrofit: %v", ErrBootstrapFailed, err)
		}
		*h = hashIndex{nodes: bs.hashNodePool}
		c.setAddrIndex(h)
	}

	bs.suppressHash = false
	logger.Debug("bootstrap complete", "pagesize", bs.pageSize)
	return bs, nil
}
