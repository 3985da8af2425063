package slabcache

import (
	"context"
	"unsafe"
)

// objectSlab is one page's worth of T-typed objects belonging to an
// objectCache. It mirrors Slab's role for the five internal caches: a
// doubly-linked list node with a freelist and a refcount, backed by a real
// page drawn from the supplier.
type objectSlab[T any] struct {
	next, prev *objectSlab[T]

	page  []byte // the real page this slab's capacity is accounted against
	items []T    // Go-heap storage for up to len(items) T values
	free  []int32

	// base and end bound items' address range, letting put recover a
	// slab from one of its objects by containment when no hash index is
	// available (see objectCache.put).
	base, end uintptr

	refcount int
}

// objectCache is the Go-safe realization of one of the allocator's five
// self-hosted internal caches (cache-cache, hash-node-cache,
// hash-table-cache, slab-metadata-cache, bufctl-cache). It is a cache
// header in the same sense Cache is: a name, a regime, a slab list, a
// freelist pointer, and — once bootstrap retrofits one — a hash index.
// The one departure from Cache is unavoidable in Go: Cache, Slab, bufctl,
// hashNode, and hashIndex all hold live pointers, so their instances can't
// be byte-carved out of a raw page the way a client buffer can. Each
// objectSlab still draws one real page per slab from the supplier — page
// accounting, growth, and reclamation are identical to a client Cache's —
// but the T values themselves live in an ordinary Go slice sized to that
// page's capacity, and "recover the owning slab from this pointer" is
// answered by the same kind of hash index the large regime already uses
// for buffers, rather than by masking the pointer to a page boundary — with
// one exception, the hash-node-cache, which cannot be indexed without
// indexing itself into existence and so falls back to findSlabByRange.
type objectCache[T any] struct {
	name    string
	regime  Regime
	perSlab int

	slabs     *objectSlab[T]
	freelist  *objectSlab[T]
	slabCount int

	// addrIndex is nil until bootstrap's retrofit phase completes, mirroring
	// Cache.hash's suppression during the same window.
	addrIndex *hashIndex

	supplier PageSupplier
}

// newObjectCache brings up an internal cache through the same construction
// path a client Cache follows: decide capacity from the page supplier's
// page size, then eagerly grow the first slab.
func newObjectCache[T any](ctx context.Context, name string, supplier PageSupplier) (*objectCache[T], error) {
	var zero T
	c := &objectCache[T]{
		name:     name,
		regime:   RegimeSmall,
		perSlab:  supplier.PageSize() / int(unsafe.Sizeof(zero)),
		supplier: supplier,
	}
	if _, err := c.grow(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// setAddrIndex lets bootstrap retrofit a hash index onto an already-built
// internal cache without exposing addrIndex for general mutation.
func (c *objectCache[T]) setAddrIndex(h *hashIndex) { c.addrIndex = h }

func (c *objectCache[T]) grow(ctx context.Context) (*objectSlab[T], error) {
	page, err := c.supplier.Acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	slab := &objectSlab[T]{
		page:  page,
		items: make([]T, c.perSlab),
		free:  make([]int32, c.perSlab),
	}
	for i := range slab.free {
		slab.free[i] = int32(c.perSlab - 1 - i)
	}
	if c.perSlab > 0 {
		slab.base = uintptr(unsafe.Pointer(&slab.items[0]))
		slab.end = slab.base + uintptr(c.perSlab)*unsafe.Sizeof(slab.items[0])
	}
	c.addSlab(slab)
	return slab, nil
}

func (c *objectCache[T]) addSlab(slab *objectSlab[T]) {
	if c.slabs == nil {
		slab.next, slab.prev = slab, slab
		c.slabs = slab
		c.freelist = slab
	} else {
		head := c.slabs
		tail := head.prev
		tail.next = slab
		slab.prev = tail
		slab.next = head
		head.prev = slab
		if c.freelist == nil {
			c.freelist = slab
		}
	}
	c.slabCount++
}

// findSlabByRange walks the slab list looking for the one whose items range
// contains addr. The hash-node-cache uses this as its only recovery path:
// retrofitting a hash index onto it would require fetching a hashNode from
// itself to hold that very index entry, recursing forever. The other four
// internal caches use it only for the brief window before their own
// retrofit completes. Slab counts for internal caches stay small, so a
// linear scan costs little next to a hash lookup.
func (c *objectCache[T]) findSlabByRange(addr uintptr) *objectSlab[T] {
	if c.slabs == nil {
		return nil
	}
	start := c.slabs
	node := start
	for {
		if addr >= node.base && addr < node.end {
			return node
		}
		node = node.next
		if node == start {
			return nil
		}
	}
}

// get hands out one T, growing the cache if every existing slab is full.
// While this internal cache's own addrIndex has not yet been retrofitted
// (bootstrap is still attaching the five internal caches to each other), or
// for the hash-node-cache which never gets one, objects are handed out
// unindexed. put uses findSlabByRange only while the cache has no hash
// index, so an object handed out before the retrofit and put after it is
// not returned to its slab.
func (c *objectCache[T]) get(ctx context.Context) (*T, error) {
	slab := c.freelist
	if slab == nil {
		var err error
		slab, err = c.grow(ctx)
		if err != nil {
			return nil, err
		}
	}

	idx := slab.free[len(slab.free)-1]
	slab.free = slab.free[:len(slab.free)-1]
	slab.refcount++
	v := &slab.items[idx]

	if c.addrIndex != nil {
		if err := c.addrIndex.insert(ctx, uintptr(unsafe.Pointer(v)), unsafe.Pointer(slab)); err != nil {
			slab.free = append(slab.free, idx)
			slab.refcount--
			return nil, err
		}
	}
	if slab.refcount == c.perSlab {
		c.completeSlab(slab)
	}
	return v, nil
}

// put returns v to its owning slab. When this cache has a retrofitted hash
// index, the owning slab is recovered from it exactly as a large-regime
// client buffer recovers its bufctl; the hash-node-cache has none (see
// findSlabByRange), so it instead falls back to the same bounded scan every
// objectCache uses before its own hash index exists.
func (c *objectCache[T]) put(v *T) {
	addr := uintptr(unsafe.Pointer(v))
	var slab *objectSlab[T]
	if c.addrIndex != nil {
		ptr, ok := c.addrIndex.lookup(addr)
		if !ok {
			return
		}
		slab = (*objectSlab[T])(ptr)
		c.addrIndex.remove(addr)
	} else {
		slab = c.findSlabByRange(addr)
		if slab == nil {
			return
		}
	}

	idx := int32((addr - slab.base) / unsafe.Sizeof(*v))
	var zero T
	slab.items[idx] = zero
	slab.free = append(slab.free, idx)

	slab.refcount--
	if c.freelist == nil {
		c.freelist = slab
	}
	if slab.refcount == 0 && c.slabCount > 1 {
		c.moveToEmpty(slab)
		c.releaseEmptySlab(slab)
	}
}

func (c *objectCache[T]) completeSlab(slab *objectSlab[T]) {
	oldNext := slab.next
	wasFreelist := c.freelist == slab

	if slab.next != slab {
		slab.prev.next = slab.next
		slab.next.prev = slab.prev
		if c.slabs == slab {
			c.slabs = slab.next
		}
		head := c.slabs
		tail := head.prev
		slab.next = head
		slab.prev = tail
		tail.next = slab
		head.prev = slab
		c.slabs = slab
	}

	if wasFreelist {
		if oldNext != slab && oldNext.refcount < c.perSlab {
			c.freelist = oldNext
		} else {
			c.freelist = nil
		}
	}
}

func (c *objectCache[T]) moveToEmpty(slab *objectSlab[T]) {
	if c.freelist == slab {
		if slab.next != slab && slab.next.refcount < c.perSlab {
			c.freelist = slab.next
		} else {
			c.freelist = nil
		}
	}

	if slab.next == slab {
		return
	}

	slab.prev.next = slab.next
	slab.next.prev = slab.prev
	if c.slabs == slab {
		c.slabs = slab.next
	}

	head := c.slabs
	tail := head.prev
	slab.prev = tail
	slab.next = head
	tail.next = slab
	head.prev = slab
}

func (c *objectCache[T]) releaseEmptySlab(slab *objectSlab[T]) {
	c.slabCount--
	if slab.next == slab {
		c.slabs = nil
	} else {
		slab.prev.next = slab.next
		slab.next.prev = slab.prev
		if c.slabs == slab {
			c.slabs = slab.next
		}
	}
	_ = c.supplier.Release(slab.page)
}
