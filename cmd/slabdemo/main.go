// Command slabdemo wires an ArenaSupplier, a ResilientSupplier decorator,
// and a handful of slabcache.Cache instances together, drives a small
// alloc/free workload against them, and serves a live occupancy feed over
// a websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/slabcache/internal/pagesupplier"
	"github.com/nmxmxh/slabcache/internal/slabcache"
	"github.com/nmxmxh/slabcache/internal/stats"
)

func main() {
	var (
		statsAddr  = flag.String("stats-addr", "127.0.0.1:7777", "address for the stats websocket server")
		duration   = flag.Duration("duration", 0, "how long to run the demo workload before exiting (0 = until interrupted)")
		exportPath = flag.String("export", "", "if set, brotli-compress the demo's snapshot history as JSON to this file on exit")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if err := run(ctx, *statsAddr, *exportPath, logger); err != nil {
		logger.Error("slabdemo exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, statsAddr, exportPath string, logger *slog.Logger) error {
	arena, err := pagesupplier.NewArenaSupplier(pagesupplier.DefaultArenaConfig(), logger)
	if err != nil {
		return fmt.Errorf("slabdemo: failed to build page arena: %w", err)
	}
	supplier, err := pagesupplier.NewResilientSupplier(arena, pagesupplier.DefaultResilienceConfig(), logger)
	if err != nil {
		return fmt.Errorf("slabdemo: failed to wrap page arena: %w", err)
	}

	sizeClasses := []uint32{16, 32, 64, 256, 1024}
	caches := make([]*slabcache.Cache, 0, len(sizeClasses))
	for _, size := range sizeClasses {
		c, err := slabcache.Create(ctx, fmt.Sprintf("size-%d", size), size, 0, supplier, logger)
		if err != nil {
			return fmt.Errorf("slabdemo: failed to create cache for size %d: %w", size, err)
		}
		caches = append(caches, c)
		logger.Info("cache ready", "name", c.Name(), "regime", c.Regime().String(), "object_size", c.ObjectSize())
	}

	server := stats.NewServer(stats.ServerConfig{Addr: statsAddr, Interval: time.Second}, func() []*slabcache.Cache {
		return caches
	}, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe(ctx) }()

	workloadErr := make(chan error, 1)
	go func() { workloadErr <- driveWorkload(ctx, caches, logger) }()

	var historyDone chan []stats.CacheSnapshot
	if exportPath != "" {
		historyDone = make(chan []stats.CacheSnapshot, 1)
		go func() { historyDone <- collectHistory(ctx, caches, time.Second) }()
	}

	select {
	case <-ctx.Done():
	case err := <-workloadErr:
		if err != nil {
			logger.Error("workload ended with error", "error", err)
		}
	}

	if err := <-serverErr; err != nil {
		return fmt.Errorf("slabdemo: stats server: %w", err)
	}

	if historyDone != nil {
		history := <-historyDone
		if err := exportHistory(exportPath, history); err != nil {
			return fmt.Errorf("slabdemo: export history: %w", err)
		}
		logger.Info("exported snapshot history", "path", exportPath, "snapshots", len(history))
	}
	return nil
}

// collectHistory records one SnapshotAll of caches every interval until ctx
// is done, for -export to write out as a compressed history.
func collectHistory(ctx context.Context, caches []*slabcache.Cache, interval time.Duration) []stats.CacheSnapshot {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var history []stats.CacheSnapshot
	for {
		select {
		case <-ctx.Done():
			return history
		case now := <-ticker.C:
			history = append(history, stats.SnapshotAll(caches, now)...)
		}
	}
}

func exportHistory(path string, history []stats.CacheSnapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return stats.CompressExport(f, history)
}

// driveWorkload repeatedly allocates and frees buffers across every cache
// until ctx is done, so the stats feed has something to show.
func driveWorkload(ctx context.Context, caches []*slabcache.Cache, logger *slog.Logger) error {
	rng := rand.New(rand.NewSource(1))
	outstanding := make(map[*slabcache.Cache][][]byte, len(caches))

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for c, bufs := range outstanding {
				for _, b := range bufs {
					c.Free(b)
				}
			}
			return nil
		case <-ticker.C:
			c := caches[rng.Intn(len(caches))]
			if rng.Intn(2) == 0 || len(outstanding[c]) == 0 {
				buf, err := c.Alloc(ctx, slabcache.Wait)
				if err != nil {
					logger.Warn("alloc failed", "cache", c.Name(), "error", err)
					continue
				}
				outstanding[c] = append(outstanding[c], buf)
			} else {
				bufs := outstanding[c]
				victim := bufs[len(bufs)-1]
				outstanding[c] = bufs[:len(bufs)-1]
				c.Free(victim)
			}
		}
	}
}
