package slabcache

import (
	"context"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBootstrap_FiveInternalPoolsNamedAndReady exercises bootstrap through
// the public Create path (bootstrap itself is unexported and runs at most
// once per process) and checks the observable properties S5 describes:
// five named, small-regime internal caches, four of them carrying a
// retrofitted hash index (the hash-node-cache is the one structural
// exception — see bootstrap.go), and a cache-cache whose first slab's
// backing page is the one bootstrap itself acquired.
func TestBootstrap_FiveInternalPoolsNamedAndReady(t *testing.T) {
	supplier := newTestSupplier(t, 16)
	c, err := Create(context.Background(), "bootstrap-probe", 16, 0, supplier, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Destroy(context.Background()) })

	bs := c.bs
	require.NotNil(t, bs)

	pools := []struct {
		name      string
		regime    Regime
		addrIndex *hashIndex
		indexed   bool
	}{
		{bs.cachePool.name, bs.cachePool.regime, bs.cachePool.addrIndex, true},
		{bs.hashNodePool.name, bs.hashNodePool.regime, bs.hashNodePool.addrIndex, false},
		{bs.hashTablePool.name, bs.hashTablePool.regime, bs.hashTablePool.addrIndex, true},
		{bs.slabPool.name, bs.slabPool.regime, bs.slabPool.addrIndex, true},
		{bs.bufctlPool.name, bs.bufctlPool.regime, bs.bufctlPool.addrIndex, true},
	}
	names := make(map[string]bool, len(pools))
	for _, p := range pools {
		assert.Equal(t, RegimeSmall, p.regime)
		if p.indexed {
			assert.NotNil(t, p.addrIndex, "pool %q must have a retrofitted hash index", p.name)
		} else {
			assert.Nil(t, p.addrIndex, "pool %q must not index its own dispensed nodes", p.name)
		}
		names[p.name] = true
	}
	for _, want := range []string{"cache-cache", "hash-node-cache", "hash-table-cache", "slab-metadata-cache", "bufctl-cache"} {
		assert.True(t, names[want], "missing internal pool %q", want)
	}

	require.NotNil(t, bs.cachePool.slabs)
	assert.Len(t, bs.cachePool.slabs.page, bs.pageSize)
}

// TestBootstrap_HashNodeCacheRecoversSlabByRange verifies the hash-node
// cache's fallback recovery path: without a hash index of its own, put must
// still find the right slab and make the object's slot reusable.
func TestBootstrap_HashNodeCacheRecoversSlabByRange(t *testing.T) {
	supplier := newTestSupplier(t, 16)
	c, err := Create(context.Background(), "bootstrap-hashnode-probe", 16, 0, supplier, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Destroy(context.Background()) })

	bs := c.bs
	require.Nil(t, bs.hashNodePool.addrIndex)

	n, err := bs.hashNodePool.get(context.Background())
	require.NoError(t, err)
	slab := bs.hashNodePool.findSlabByRange(uintptr(unsafe.Pointer(n)))
	require.NotNil(t, slab, "hash-node-cache must recover a slab for its own dispensed node")
	before := slab.refcount

	bs.hashNodePool.put(n)
	assert.Equal(t, before-1, slab.refcount, "put must return the node's slot to its slab")
}

// TestBootstrap_InternalCachesRecoverSlabOnPut exercises the retrofit's
// actual purpose: an internal cache's own hash index must be able to
// recover the owning slab for an object it dispensed, the same way a
// large-regime client cache recovers a bufctl from a buffer address.
func TestBootstrap_InternalCachesRecoverSlabOnPut(t *testing.T) {
	supplier := newTestSupplier(t, 16)
	c, err := Create(context.Background(), "bootstrap-put-probe", 16, 0, supplier, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Destroy(context.Background()) })

	bs := c.bs
	bc, err := bs.bufctlPool.get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, bc)

	addr := uintptr(unsafe.Pointer(bc))
	_, ok := bs.bufctlPool.addrIndex.lookup(addr)
	assert.True(t, ok, "bufctl-cache's hash index must track a live object it dispensed")

	bs.bufctlPool.put(bc)
	_, ok = bs.bufctlPool.addrIndex.lookup(addr)
	assert.False(t, ok, "put must remove the object from the hash index")
}

func TestBootstrap_IsASingleton(t *testing.T) {
	supplier1 := newTestSupplier(t, 16)
	c1, err := Create(context.Background(), "singleton-probe-1", 16, 0, supplier1, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c1.Destroy(context.Background()) })

	supplier2 := newTestSupplier(t, 16)
	c2, err := Create(context.Background(), "singleton-probe-2", 16, 0, supplier2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c2.Destroy(context.Background()) })

	assert.Same(t, c1.bs, c2.bs, "bootstrap state must be shared process-wide")
}
