package slabcache

import (
	"context"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHashIndex(t *testing.T) *hashIndex {
	t.Helper()
	supplier := newTestSupplier(t, 16)
	pool, err := newObjectCache[hashNode](context.Background(), "hash-node-cache-probe", supplier)
	require.NoError(t, err)
	return &hashIndex{nodes: pool}
}

func TestHashIndex_InsertLookupRemove(t *testing.T) {
	h := newTestHashIndex(t)
	ctx := context.Background()

	bc1 := &bufctl{buf: 0x1000}
	bc2 := &bufctl{buf: 0x2000}
	require.NoError(t, h.insert(ctx, bc1.buf, unsafe.Pointer(bc1)))
	require.NoError(t, h.insert(ctx, bc2.buf, unsafe.Pointer(bc2)))

	got, ok := h.lookup(0x1000)
	require.True(t, ok)
	assert.Same(t, bc1, (*bufctl)(got))

	got, ok = h.lookup(0x2000)
	require.True(t, ok)
	assert.Same(t, bc2, (*bufctl)(got))

	_, ok = h.lookup(0x3000)
	assert.False(t, ok)

	h.remove(0x1000)
	_, ok = h.lookup(0x1000)
	assert.False(t, ok)
	got, ok = h.lookup(0x2000)
	require.True(t, ok)
	assert.Same(t, bc2, (*bufctl)(got))
}

func TestHashIndex_CollidingKeysChainCorrectly(t *testing.T) {
	h := newTestHashIndex(t)
	ctx := context.Background()

	// Keys that differ only above the bucket mask collide into the same
	// bucket; the chain must still resolve each one correctly.
	a := &bufctl{buf: 0x10}
	b := &bufctl{buf: 0x10 + hashBuckets}
	require.NoError(t, h.insert(ctx, a.buf, unsafe.Pointer(a)))
	require.NoError(t, h.insert(ctx, b.buf, unsafe.Pointer(b)))
	assert.Equal(t, h.bucket(a.buf), h.bucket(b.buf))

	got, ok := h.lookup(a.buf)
	require.True(t, ok)
	assert.Same(t, a, (*bufctl)(got))
	got, ok = h.lookup(b.buf)
	require.True(t, ok)
	assert.Same(t, b, (*bufctl)(got))
}

func TestHashIndex_FreeReturnsNodesToPool(t *testing.T) {
	h := newTestHashIndex(t)
	ctx := context.Background()
	require.NoError(t, h.insert(ctx, 0x10, unsafe.Pointer(&bufctl{buf: 0x10})))
	require.NoError(t, h.insert(ctx, 0x20, unsafe.Pointer(&bufctl{buf: 0x20})))

	before := h.nodes.slabs.refcount
	assert.Equal(t, 2, before, "both nodes should be issued from the same first slab")

	h.free()
	assert.Equal(t, 0, h.nodes.slabs.refcount, "free must return every node to its slab")
	for _, b := range h.buckets {
		assert.Nil(t, b)
	}
}
