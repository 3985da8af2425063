package slabcache

import (
	"context"
	"unsafe"
)

// hashBuckets matches the reference implementation's KM_NUM_BUCKETS: a
// static, never-resized bucket count keyed by an address.
const hashBuckets = 32

// hashNode is one chain link in a bucket, mapping an address to an opaque
// control pointer. Dispensed by the bootstrap's hash-node cache.
//
// val is unsafe.Pointer rather than *bufctl so the same hash index type
// serves both large-regime Cache.hash (buffer address -> bufctl) and the
// address -> owning-slab recovery of the four internal caches that
// bootstrap gives a hash index (all but the hash-node cache), without
// needing one hash-node-cache and hash-table-cache per instantiation.
type hashNode struct {
	key  uintptr
	val  unsafe.Pointer
	next *hashNode
}

// hashIndex is a fixed-bucket chained address -> control-pointer mapping.
// Dispensed by the bootstrap's hash-table cache.
type hashIndex struct {
	buckets [hashBuckets]*hashNode
	nodes   *objectCache[hashNode]
}

func (h *hashIndex) bucket(key uintptr) int {
	return int(uint32(key) & (hashBuckets - 1))
}

// insert assumes key is not already present, matching the reference
// kmem_hash_insert contract.
func (h *hashIndex) insert(ctx context.Context, key uintptr, val unsafe.Pointer) error {
	n, err := h.nodes.get(ctx)
	if err != nil {
		return err
	}
	b := h.bucket(key)
	*n = hashNode{key: key, val: val, next: h.buckets[b]}
	h.buckets[b] = n
	return nil
}

func (h *hashIndex) lookup(key uintptr) (unsafe.Pointer, bool) {
	for n := h.buckets[h.bucket(key)]; n != nil; n = n.next {
		if n.key == key {
			return n.val, true
		}
	}
	return nil, false
}

func (h *hashIndex) remove(key uintptr) {
	b := h.bucket(key)
	var prev *hashNode
	for n := h.buckets[b]; n != nil; n = n.next {
		if n.key == key {
			if prev == nil {
				h.buckets[b] = n.next
			} else {
				prev.next = n.next
			}
			h.nodes.put(n)
			return
		}
		prev = n
	}
}

// free releases every remaining node back to the node cache. Called when a
// cache is destroyed.
func (h *hashIndex) free() {
	for i := range h.buckets {
		n := h.buckets[i]
		for n != nil {
			next := n.next
			h.nodes.put(n)
			n = next
		}
		h.buckets[i] = nil
	}
}
