package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/phoenixkv/phoenix/lib/db"
	"github.com/phoenixkv/phoenix/lib/db/engines/ember"
	"github.com/phoenixkv/phoenix/lib/registry"
	"github.com/phoenixkv/phoenix/rpc/common"
	"github.com/phoenixkv/phoenix/rpc/transport"
)

var Logger = logger.GetLogger("server")

// shutdownTimeout bounds the time the metrics endpoint gets to finish its requests
const shutdownTimeout = 5 * time.Second

// Server ties a transport, the database registry and the command processor
// together and runs the background sweeper and snapshotter.
//
// Usage:
//
//	s := server.NewServer(config, tcp.NewTCPServerTransport())
//	if err := s.Serve(ctx); err != nil {
//		log.Fatal(err)
//	}
type Server struct {
	config    common.ServerConfig
	transport transport.IServerTransport
	registry  *registry.Registry
	processor *Processor

	registryMetrics *metrics.Set
	metricsServer   *http.Server

	cancel  context.CancelFunc
	tasks   sync.WaitGroup
	served  chan error
	started bool

	stopOnce sync.Once
	stopErr  error
}

// NewServer creates a server for the given config. Every database of the
// server is an ember table with the configured shard count and capacity.
func NewServer(config common.ServerConfig, t transport.IServerTransport) *Server {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	dbFactory := func() db.KVDB {
		return ember.NewEmberDB(&ember.DBOptions{
			NumShards:  config.Shards,
			MaxEntries: config.MaxEntries,
		})
	}

	reg := registry.New(registry.Options{
		Factory: dbFactory,
		DataDir: config.DataDir,
	})

	return &Server{
		config:          config,
		transport:       t,
		registry:        reg,
		processor:       NewProcessor(reg),
		registryMetrics: newRegistryMetrics(reg),
		served:          make(chan error, 1),
	}
}

// Registry returns the databases of the server
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Addr returns the address the transport is bound to, nil before Start
func (s *Server) Addr() net.Addr {
	return s.transport.Addr()
}

// Start restores the snapshots, binds the listener and starts accepting
// connections in the background. Use Shutdown to stop the server.
func (s *Server) Start() error {
	if s.started {
		return errors.New("server already started")
	}
	s.started = true

	Logger.Infof("Starting phoenix v%s", common.Version)
	Logger.Infof(s.config.String())

	restored, err := s.registry.Restore()
	if err != nil {
		return fmt.Errorf("failed to restore databases: %w", err)
	}
	if restored > 0 {
		Logger.Infof("Restored %d database(s) from %s", restored, s.config.DataDir)
	}

	s.transport.RegisterHandler(s.processor)
	if err := s.transport.Listen(s.config); err != nil {
		return err
	}

	if err := s.startMetrics(); err != nil {
		_ = s.transport.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.config.SweepInterval > 0 {
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			s.registry.RunSweeper(ctx, s.config.SweepInterval)
		}()
	}

	if s.config.DataDir != "" && s.config.SnapshotInterval > 0 {
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			s.registry.RunSnapshotter(ctx, s.config.SnapshotInterval)
		}()
	}

	go func() {
		s.served <- s.transport.Serve()
	}()

	Logger.Infof("phoenix setup completed successfully")
	return nil
}

// Serve starts the server and blocks until ctx is cancelled or the transport
// fails. The server is shut down before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		Logger.Infof("Shutting down: %v", context.Cause(ctx))
	case serveErr = <-s.served:
		if serveErr != nil {
			Logger.Errorf("Transport failed: %v", serveErr)
		}
	}

	return errors.Join(serveErr, s.Shutdown())
}

// Shutdown stops accepting connections, closes the open ones, stops the
// background tasks, writes a final snapshot and releases all databases.
// Calling Shutdown more than once is a no-op.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		var errs []error

		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
		}

		if s.cancel != nil {
			s.cancel()
		}
		s.tasks.Wait()

		if s.config.DataDir != "" && s.started {
			if err := s.registry.SaveAll(); err != nil {
				errs = append(errs, fmt.Errorf("failed to write final snapshot: %w", err))
			}
		}

		if s.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := s.metricsServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop metrics endpoint: %w", err))
			}
			cancel()
		}

		s.registry.Close()
		s.stopErr = errors.Join(errs...)
		Logger.Infof("Server stopped")
	})
	return s.stopErr
}

// --------------------------------------------------------------------------
// Metrics endpoint
// --------------------------------------------------------------------------

// startMetrics serves the process and registry metrics in the Prometheus text format
func (s *Server) startMetrics() error {
	if s.config.MetricsEndpoint == "" {
		return nil
	}

	listener, err := net.Listen("tcp", s.config.MetricsEndpoint)
	if err != nil {
		return fmt.Errorf("failed to start metrics endpoint: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
		s.registryMetrics.WritePrometheus(w)
	})

	s.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("Metrics endpoint failed: %v", err)
		}
	}()

	Logger.Infof("Serving metrics on http://%s/metrics", listener.Addr())
	return nil
}
