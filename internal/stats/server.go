package stats

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nmxmxh/slabcache/internal/slabcache"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr     string
	Interval time.Duration
}

// DefaultServerConfig listens on an OS-assigned loopback port and pushes
// a snapshot once per second.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Addr: "127.0.0.1:0", Interval: time.Second}
}

// CacheLister returns the current set of caches to include in a
// snapshot push. It is called once per push, so callers can add or
// remove caches over the server's lifetime.
type CacheLister func() []*slabcache.Cache

// Server pushes periodic SnapshotAll frames (a JSON array of
// CacheSnapshot) to connected websocket clients on /stats.
type Server struct {
	cfg      ServerConfig
	caches   CacheLister
	upgrader websocket.Upgrader
	logger   *slog.Logger
	httpSrv  *http.Server
}

// NewServer builds a Server. caches is consulted fresh on every push.
func NewServer(cfg ServerConfig, caches CacheLister, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		caches: caches,
		logger: logger.With("component", "stats.server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ListenAndServe runs the stats server until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)
	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		snapshot := SnapshotAll(s.caches(), time.Now())
		if err := conn.WriteJSON(snapshot); err != nil {
			s.logger.Debug("stats push ended", "error", err)
			return
		}
	}
}
