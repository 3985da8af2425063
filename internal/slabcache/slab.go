package slabcache

import (
	"context"
	"fmt"
	"unsafe"
)

// Slab is one page's worth of buffers belonging to a single Cache. The
// physical layout of its free buffers depends on the owning cache's
// Regime: small-regime slabs thread their freelist through the buffers
// themselves, large-regime slabs track buffers out-of-line through
// bufctls.
type Slab struct {
	cache *Cache
	next  *Slab
	prev  *Slab

	page     []byte
	pageBase uintptr
	size     int // total buffers this slab holds
	refcount int // buffers currently allocated

	// small regime: address of the next free buffer, or 0 if none.
	freeHead uintptr

	// large regime: chain of free bufctls, and the complete set of
	// bufctls this slab owns (free or allocated), so destroy-time
	// reaping can reclaim every one regardless of allocation state.
	bufHead *bufctl
	bufTail *bufctl
	ctls    []*bufctl
}

// pointerSize is the minimum object size the small-regime freelist trick
// can support: each free buffer must hold one machine word identifying
// the next free buffer.
const pointerSize = unsafe.Sizeof(uintptr(0))

func readLink(page []byte, offset uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(&page[offset]))
}

func writeLink(page []byte, offset, value uintptr) {
	*(*uintptr)(unsafe.Pointer(&page[offset])) = value
}

// initSmallSlab carves page into c.objectSize buffers, reserving metaSize
// bytes' worth of capacity (mirroring the reference implementation, which
// reserves room for an embedded kmem_slab header even though this port
// keeps that header off to the side as an ordinary Go struct). offset
// buffers at the front of the page are skipped; grow, the only caller,
// always passes 0.
func (c *Cache) initSmallSlab(ctx context.Context, page []byte, offset int) (*Slab, error) {
	slab, err := c.bs.slabPool.get(ctx)
	if err != nil {
		return nil, err
	}
	*slab = Slab{cache: c}

	objSize := uintptr(c.objectSize)
	metaSize := unsafe.Sizeof(Slab{})
	available := uintptr(len(page)) - metaSize
	slab.size = int(available/objSize) - offset - 1
	if slab.size <= 0 {
		// Too small to hold even one buffer once metadata and offset are
		// accounted for; the caller rejects this before using the slab.
		return slab, nil
	}

	base := uintptr(unsafe.Pointer(&page[0]))
	first := base + uintptr(offset)*objSize
	last := first + uintptr(slab.size-1)*objSize

	for addr := first; addr < last; addr += objSize {
		writeLink(page, addr-base, addr+objSize)
	}
	writeLink(page, last-base, 0)

	slab.freeHead = first
	return slab, nil
}

// initLargeSlab carves page into c.objectSize buffers, one bufctl per
// buffer, and registers every buffer in the cache's hash index.
func (c *Cache) initLargeSlab(ctx context.Context, page []byte) (*Slab, error) {
	slab, err := c.bs.slabPool.get(ctx)
	if err != nil {
		return nil, err
	}
	*slab = Slab{cache: c}

	base := uintptr(unsafe.Pointer(&page[0]))
	objSize := uintptr(c.objectSize)
	slab.size = len(page) / int(objSize)
	slab.ctls = make([]*bufctl, 0, slab.size)

	var head, tail *bufctl
	for i := 0; i < slab.size; i++ {
		bc, err := c.bs.bufctlPool.get(ctx)
		if err != nil {
			for _, leaked := range slab.ctls {
				c.bs.bufctlPool.put(leaked)
			}
			c.bs.slabPool.put(slab)
			return nil, fmt.Errorf("slabcache: large slab init: %w", err)
		}
		*bc = bufctl{slab: slab, buf: base + uintptr(i)*objSize}
		if head == nil {
			head = bc
		} else {
			tail.next = bc
		}
		tail = bc
		slab.ctls = append(slab.ctls, bc)
		if c.hash != nil {
			if err := c.hash.insert(ctx, bc.buf, unsafe.Pointer(bc)); err != nil {
				for _, leaked := range slab.ctls {
					c.bs.bufctlPool.put(leaked)
				}
				c.bs.slabPool.put(slab)
				return nil, fmt.Errorf("slabcache: large slab init: hash insert: %w", err)
			}
		}
	}
	slab.bufHead, slab.bufTail = head, tail
	return slab, nil
}

// bytesAt returns the client-visible buffer at addr within slab's page.
func bytesAt(slab *Slab, addr uintptr) []byte {
	offset := addr - slab.pageBase
	size := uintptr(slab.cache.objectSize)
	return slab.page[offset : offset+size : offset+size]
}
