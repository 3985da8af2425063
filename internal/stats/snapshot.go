// Package stats exposes read-only observability for a set of
// slabcache.Cache instances: a point-in-time snapshot of slab occupancy,
// JSON-encoded and optionally brotli-compressed, plus a websocket server
// that pushes snapshots to subscribers on an interval.
//
// Neither of these change core allocator behavior or state; they read
// only what slabcache.Cache already exposes (name, regime, object size,
// per-slab refcount/size) and add no new bookkeeping to the core itself —
// client-visible statistics beyond slab counts remain a non-goal of the
// core, honored by keeping this accounting entirely external to it.
package stats

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/nmxmxh/slabcache/internal/slabcache"
)

// SlabSnapshot is one slab's occupancy at the moment of capture.
type SlabSnapshot struct {
	Refcount int `json:"refcount"`
	Size     int `json:"size"`
}

// CacheSnapshot is one cache's occupancy at the moment of capture.
type CacheSnapshot struct {
	Name       string         `json:"name"`
	Regime     string         `json:"regime"`
	ObjectSize uint32         `json:"object_size"`
	SlabCount  int            `json:"slab_count"`
	Slabs      []SlabSnapshot `json:"slabs"`
	TakenAt    time.Time      `json:"taken_at"`
}

// Snapshot captures c's current occupancy.
func Snapshot(c *slabcache.Cache, at time.Time) CacheSnapshot {
	infos := c.Slabs()
	slabs := make([]SlabSnapshot, len(infos))
	for i, s := range infos {
		slabs[i] = SlabSnapshot{Refcount: s.Refcount, Size: s.Size}
	}
	return CacheSnapshot{
		Name:       c.Name(),
		Regime:     c.Regime().String(),
		ObjectSize: c.ObjectSize(),
		SlabCount:  c.SlabCount(),
		Slabs:      slabs,
		TakenAt:    at,
	}
}

// SnapshotAll captures every cache in caches, in order.
func SnapshotAll(caches []*slabcache.Cache, at time.Time) []CacheSnapshot {
	out := make([]CacheSnapshot, len(caches))
	for i, c := range caches {
		out[i] = Snapshot(c, at)
	}
	return out
}

// CompressExport JSON-encodes snapshots and brotli-compresses the result
// into w, for the demo CLI's history export path.
func CompressExport(w io.Writer, snapshots []CacheSnapshot) error {
	data, err := json.Marshal(snapshots)
	if err != nil {
		return err
	}
	bw := brotli.NewWriter(w)
	if _, err := bw.Write(data); err != nil {
		bw.Close()
		return err
	}
	return bw.Close()
}

// DecompressImport reverses CompressExport, for tests and tooling that
// need to read an export back.
func DecompressImport(r io.Reader) ([]CacheSnapshot, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, brotli.NewReader(r)); err != nil {
		return nil, err
	}
	var snapshots []CacheSnapshot
	if err := json.Unmarshal(buf.Bytes(), &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}
