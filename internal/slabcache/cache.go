package slabcache

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unsafe"
)

// Cache holds every slab for one object size class: its slab list ordered
// full-then-partial-then-empty, a freelist pointer to the first non-full
// slab, and (large regime only) a hash index from buffer address to
// bufctl. A Cache is not safe for concurrent use; see SPEC_FULL.md §5.
type Cache struct {
	name       string
	objectSize uint32
	align      uint32
	regime     Regime

	slabs     *Slab // head of the circular, doubly linked slab list
	freelist  *Slab // first slab with refcount < size, or nil
	slabCount int

	hash *hashIndex

	supplier PageSupplier
	bs       *bootstrapState
	logger   *slog.Logger
}

// Create builds a new Cache for objects of the given size, optionally
// rounded up for alignment, backed by supplier for page memory. The first
// slab is grown eagerly so the cache is ready to allocate from
// immediately.
func Create(ctx context.Context, name string, size, align uint32, supplier PageSupplier, logger *slog.Logger) (*Cache, error) {
	if size == 0 {
		return nil, ErrInvalidSize
	}
	if align != 0 && align&(align-1) != 0 {
		return nil, ErrInvalidAlign
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "slabcache", "cache", name)

	bs, err := ensureBootstrap(ctx, supplier, logger)
	if err != nil {
		return nil, fmt.Errorf("slabcache: create %q: %w", name, err)
	}

	objectSize := size
	if align > 0 {
		objectSize = size + (size % align)
	}
	regime := RegimeSmall
	if int(objectSize) >= bs.pageSize/8 {
		regime = RegimeLarge
	}

	c, err := bs.cachePool.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("slabcache: create %q: %w", name, err)
	}
	*c = Cache{
		name:       name,
		objectSize: objectSize,
		align:      align,
		regime:     regime,
		supplier:   supplier,
		bs:         bs,
		logger:     logger,
	}
	if !bs.suppressHash {
		h, err := bs.hashTablePool.get(ctx)
		if err != nil {
			bs.cachePool.put(c)
			return nil, fmt.Errorf("slabcache: create %q: hash index: %w", name, err)
		}
		*h = hashIndex{nodes: bs.hashNodePool}
		c.hash = h
	}

	if _, err := c.grow(ctx, Wait); err != nil {
		bs.cachePool.put(c)
		return nil, fmt.Errorf("slabcache: create %q: initial grow failed: %w", name, err)
	}
	return c, nil
}

// Name reports the cache's name.
func (c *Cache) Name() string { return c.name }

// Regime reports which physical buffer layout this cache uses.
func (c *Cache) Regime() Regime { return c.regime }

// ObjectSize reports the (possibly alignment-padded) size of one buffer.
func (c *Cache) ObjectSize() uint32 { return c.objectSize }

// SlabCount reports the number of slabs currently owned by this cache.
func (c *Cache) SlabCount() int { return c.slabCount }

// SlabInfo is a read-only snapshot of one slab's occupancy, used by
// internal/stats.
type SlabInfo struct {
	Refcount int
	Size     int
}

// Slabs returns an occupancy snapshot of every slab, in list order.
func (c *Cache) Slabs() []SlabInfo {
	if c.slabs == nil {
		return nil
	}
	out := make([]SlabInfo, 0, c.slabCount)
	start := c.slabs
	node := start
	for {
		out = append(out, SlabInfo{Refcount: node.refcount, Size: node.size})
		node = node.next
		if node == start {
			break
		}
	}
	return out
}

// grow acquires one page from the supplier and adds it as a new slab.
func (c *Cache) grow(ctx context.Context, flag AllocFlag) (*Slab, error) {
	page, err := c.supplier.Acquire(ctx, flag == Wait)
	if err != nil {
		return nil, err
	}

	var slab *Slab
	if c.regime == RegimeSmall {
		slab, err = c.initSmallSlab(ctx, page, 0)
	} else {
		slab, err = c.initLargeSlab(ctx, page)
	}
	if err != nil {
		_ = c.supplier.Release(page)
		return nil, err
	}
	if slab.size <= 0 {
		c.bs.slabPool.put(slab)
		_ = c.supplier.Release(page)
		return nil, fmt.Errorf("slabcache: object size %d leaves no room for a buffer in a %d byte page", c.objectSize, len(page))
	}

	slab.page = page
	slab.pageBase = uintptr(unsafe.Pointer(&page[0]))
	if c.regime == RegimeSmall {
		c.bs.pageIndex[slab.pageBase] = slab
	}
	c.addSlab(slab)
	return slab, nil
}

// addSlab splices slab into the circular list (as the new tail, since a
// freshly grown slab is empty and belongs after any partial slabs) and
// repositions the freelist if necessary.
func (c *Cache) addSlab(slab *Slab) {
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

// Alloc returns one buffer from the cache, growing the cache if every
// existing slab is full. With NoWait, a failed growth attempt returns its
// error immediately; with Wait, growth is retried with a bounded backoff
// until it succeeds or ctx is done.
func (c *Cache) Alloc(ctx context.Context, flag AllocFlag) ([]byte, error) {
	backoff := time.Millisecond
	for {
		slab := c.freelist
		if slab != nil && slab.refcount < slab.size {
			return c.popBuffer(slab), nil
		}

		if _, err := c.grow(ctx, flag); err != nil {
			if flag == NoWait {
				return nil, fmt.Errorf("slabcache: alloc from %q: %w", c.name, err)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 100*time.Millisecond {
				backoff *= 2
			}
			continue
		}
	}
}

func (c *Cache) popBuffer(slab *Slab) []byte {
	var addr uintptr
	if c.regime == RegimeSmall {
		addr = slab.freeHead
		slab.freeHead = readLink(slab.page, addr-slab.pageBase)
	} else {
		bc := slab.bufHead
		addr = bc.buf
		slab.bufHead = bc.next
		if slab.bufHead == nil {
			slab.bufTail = nil
		}
	}

	slab.refcount++
	if slab.refcount == slab.size {
		c.completeSlab(slab)
	}
	return bytesAt(slab, addr)
}

// completeSlab moves a newly-full slab to the head of the list (the full
// region) and, if it was the freelist slab, advances the freelist to the
// next slab with spare capacity, or nil if none remains.
func (c *Cache) completeSlab(slab *Slab) {
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
		if oldNext != slab && oldNext.refcount < oldNext.size {
			c.freelist = oldNext
		} else {
			c.freelist = nil
		}
	}
}

// moveToEmpty splices a newly-emptied slab to the tail of the list (the
// empty region), as a single operation rather than the reference
// implementation's two sequential writes to the same link.
func (c *Cache) moveToEmpty(slab *Slab) {
	if c.freelist == slab {
		if slab.next != slab && slab.next.refcount < slab.next.size {
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

// Free returns buf, previously obtained from Alloc on this cache, to its
// owning slab. A buffer this cache does not recognize is silently
// ignored, as is an empty buf.
func (c *Cache) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))

	var slab *Slab
	if c.regime == RegimeSmall {
		pageBase := addr &^ uintptr(c.bs.pageSize-1)
		slab = c.bs.pageIndex[pageBase]
		if slab == nil || slab.cache != c {
			c.logger.Debug("free of unrecognized buffer ignored")
			return
		}
		writeLink(slab.page, addr-slab.pageBase, slab.freeHead)
		slab.freeHead = addr
	} else {
		ptr, ok := c.hash.lookup(addr)
		if !ok {
			c.logger.Debug("free of unrecognized buffer ignored")
			return
		}
		bc := (*bufctl)(ptr)
		slab = bc.slab
		if slab.bufTail != nil {
			slab.bufTail.next = bc
		} else {
			slab.bufHead = bc
		}
		bc.next = nil
		slab.bufTail = bc
	}

	slab.refcount--
	if c.freelist == nil {
		c.freelist = slab
	}
	if slab.refcount == 0 && c.slabCount > 1 {
		c.moveToEmpty(slab)
		c.reap(context.Background(), false)
	}
}

// reap releases empty slabs back to the page supplier. With force,
// every slab is released regardless of occupancy (used by Destroy);
// otherwise a slab is released only if it is empty and doing so would not
// leave the cache with zero slabs. Freelist recomputation is deferred
// until the whole sweep completes, rather than performed per victim.
func (c *Cache) reap(ctx context.Context, force bool) error {
	if c.slabs == nil {
		return nil
	}

	remaining := c.slabCount
	var victims []*Slab
	start := c.slabs
	node := start
	for {
		reapIt := force || (node.refcount == 0 && remaining > 1)
		if reapIt {
			victims = append(victims, node)
			remaining--
		}
		next := node.next
		node = next
		if node == start {
			break
		}
	}
	if len(victims) == 0 {
		return nil
	}

	touchedFreelist := false
	var firstErr error
	for _, slab := range victims {
		if c.freelist == slab {
			touchedFreelist = true
		}
		c.removeSlab(slab)
		if err := c.releaseSlab(slab); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("slabcache: reap %q: %w", c.name, err)
		}
	}
	if touchedFreelist {
		c.recomputeFreelist()
	}
	return firstErr
}

func (c *Cache) removeSlab(slab *Slab) {
	c.slabCount--
	if slab.next == slab {
		c.slabs = nil
		return
	}
	slab.prev.next = slab.next
	slab.next.prev = slab.prev
	if c.slabs == slab {
		c.slabs = slab.next
	}
}

func (c *Cache) recomputeFreelist() {
	if c.slabs == nil {
		c.freelist = nil
		return
	}
	start := c.slabs
	node := start
	for {
		if node.refcount < node.size {
			c.freelist = node
			return
		}
		node = node.next
		if node == start {
			break
		}
	}
	c.freelist = nil
}

func (c *Cache) releaseSlab(slab *Slab) error {
	if c.regime == RegimeLarge {
		for _, bc := range slab.ctls {
			if c.hash != nil {
				c.hash.remove(bc.buf)
			}
			c.bs.bufctlPool.put(bc)
		}
	} else {
		delete(c.bs.pageIndex, slab.pageBase)
	}

	page := slab.page
	*slab = Slab{}
	c.bs.slabPool.put(slab)
	return c.supplier.Release(page)
}

// Destroy releases the cache's hash index and every remaining slab,
// returning all pages to the supplier.
func (c *Cache) Destroy(ctx context.Context) error {
	if c.hash != nil {
		c.hash.free()
		c.bs.hashTablePool.put(c.hash)
		c.hash = nil
	}
	c.freelist = nil
	err := c.reap(ctx, true)
	c.bs.cachePool.put(c)
	return err
}
