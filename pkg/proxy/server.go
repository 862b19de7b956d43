// Package proxy implements the downstream side of the SIP proxy: the TCP
// listener, the per-connection manager and the per-transaction filter chain
// driver.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mercator-hq/saturn/pkg/cdr"
	"mercator-hq/saturn/pkg/config"
	"mercator-hq/saturn/pkg/dispatch"
	"mercator-hq/saturn/pkg/router"
	"mercator-hq/saturn/pkg/telemetry/metrics"
	"mercator-hq/saturn/pkg/telemetry/tracing"
	"mercator-hq/saturn/pkg/tra"
	"mercator-hq/saturn/pkg/upstream"
)

// Server is the SIP proxy's downstream TCP server. It owns the worker pool,
// the route matcher and the per-cluster transaction registries, and binds
// each accepted connection to a worker for life.
type Server struct {
	cfg  *config.Config
	deps *Deps

	clusterManager *upstream.Manager
	pool           *dispatch.Pool

	listener net.Listener

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.Mutex
	isRunning    bool
}

// NewServer wires the proxy from configuration and shared telemetry. The
// recorder may be nil when call detail recording is disabled.
func NewServer(cfg *config.Config, collector *metrics.Collector, tracer *tracing.Tracer, recorder *cdr.Recorder) *Server {
	deps, pool, clusterManager := newDeps(cfg, collector, tracer, recorder)

	return &Server{
		cfg:            cfg,
		deps:           deps,
		clusterManager: clusterManager,
		pool:           pool,
		shutdownChan:   make(chan struct{}),
	}
}

// newDeps builds the shared collaborators every connection manager works
// against, including the default filter chain (the router filter alone).
func newDeps(cfg *config.Config, collector *metrics.Collector, tracer *tracing.Tracer, recorder *cdr.Recorder) (*Deps, *dispatch.Pool, *upstream.Manager) {
	clusterManager := upstream.NewManager(cfg.Clusters)
	pool := dispatch.NewPool(cfg.Proxy.Workers)
	matcher := router.NewRouteMatcher(cfg.RouteConfig)
	transactionInfos := router.NewTransactionInfos(cfg.Clusters, pool, &cfg.Settings)
	pcookies := tra.NewPCookieIPMap()

	deps := &Deps{
		Cfg:              cfg,
		Matcher:          matcher,
		TransactionInfos: transactionInfos,
		PCookies:         pcookies,
		Collector:        collector,
		Recorder:         recorder,
	}
	deps.FilterFactory = func(cbs router.DecoderFilterCallbacks, traClient *tra.Client) []router.DecoderFilter {
		return []router.DecoderFilter{
			router.NewRouter(clusterManager, transactionInfos, traClient, pcookies,
				cfg.Settings.CustomizedAffinity, collector, tracer),
		}
	}

	return deps, pool, clusterManager
}

// Matcher returns the live route matcher, for hot reload wiring.
func (s *Server) Matcher() *router.RouteMatcher { return s.deps.Matcher }

// Start listens and serves until the context is cancelled, a shutdown
// signal arrives or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.Proxy.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", s.cfg.Proxy.ListenAddress, err)
	}
	s.listener = ln

	errChan := make(chan error, 1)
	go func() {
		slog.Info("starting sip proxy",
			"address", s.cfg.Proxy.ListenAddress,
			"workers", s.pool.Size(),
		)
		if err := s.acceptLoop(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	case <-s.shutdownChan:
		return s.Shutdown(context.Background())
	}
}

// acceptLoop binds each accepted connection to the next worker.
func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownChan:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		worker := s.pool.Next()
		cm := NewConnectionManager(s.deps, worker, conn)
		go cm.Serve()
	}
}

// Shutdown stops accepting, drains the workers and releases the transaction
// registries.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		slog.Info("initiating graceful shutdown", "timeout", s.cfg.Proxy.ShutdownTimeout.String())
		close(s.shutdownChan)

		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				shutdownErr = fmt.Errorf("listener close error: %w", err)
			}
		}

		done := make(chan struct{})
		go func() {
			s.deps.TransactionInfos.Shutdown()
			s.pool.Shutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.Proxy.ShutdownTimeout):
			slog.Warn("shutdown timeout exceeded, abandoning worker drain")
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		slog.Info("sip proxy stopped")
	})

	return shutdownErr
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
