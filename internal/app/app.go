// Package app wires the consensus node, the student service and the gRPC
// transports into a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/i-melnichenko/studentkv/internal/consensus"
	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Node is the consensus engine run by App.
type Node interface {
	consensus.Consensus
	Initialize(ctx context.Context, members []raft.NodeID) error
}

// Service is a gRPC service that can register itself on a server.
type Service interface {
	Register(grpc.ServiceRegistrar)
}

// App runs one cluster member: the Raft peer endpoint, the client API and the
// optional metrics and pprof endpoints. All dependencies are injected; App
// does not create transport connections.
type App struct {
	config  Config
	logger  Logger
	node    Node
	raftSrv Service
	apiSrv  Service
}

// New validates dependencies and constructs a runnable application.
func New(cfg Config, logger Logger, node Node, raftSrv, apiSrv Service) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	if node == nil {
		return nil, fmt.Errorf("app: nil consensus node")
	}
	if raftSrv == nil {
		return nil, fmt.Errorf("app: nil raft server")
	}
	if apiSrv == nil {
		return nil, fmt.Errorf("app: nil api server")
	}
	return &App{
		config:  cfg,
		logger:  logger,
		node:    node,
		raftSrv: raftSrv,
		apiSrv:  apiSrv,
	}, nil
}

// Stop stops the underlying consensus engine.
func (a *App) Stop() {
	a.node.Stop()
}

// Run starts consensus and the listeners and blocks until ctx is canceled or
// a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	raftLis, err := net.Listen("tcp", a.config.RaftGRPCAddr)
	if err != nil {
		return fmt.Errorf("listen raft grpc %s: %w", a.config.RaftGRPCAddr, err)
	}
	defer func() { _ = raftLis.Close() }()

	apiLis, err := net.Listen("tcp", a.config.APIGRPCAddr)
	if err != nil {
		return fmt.Errorf("listen api grpc %s: %w", a.config.APIGRPCAddr, err)
	}
	defer func() { _ = apiLis.Close() }()

	if err := a.bootstrap(ctx); err != nil {
		return err
	}
	a.node.Run(ctx)

	a.logger.Info(
		"node started",
		"node_id", a.config.NodeID,
		"raft_grpc_addr", a.config.RaftGRPCAddr,
		"api_grpc_addr", a.config.APIGRPCAddr,
		"storage", a.config.Storage,
	)

	return a.serve(ctx, raftLis, apiLis)
}

// bootstrap initializes membership on a pristine node when configured to.
// A node restarted from a persisted log keeps its existing membership.
func (a *App) bootstrap(ctx context.Context) error {
	if !a.config.Bootstrap {
		return nil
	}
	members := a.config.Members()
	err := a.node.Initialize(ctx, members)
	switch {
	case err == nil:
		a.logger.Info("cluster bootstrapped", "node_id", a.config.NodeID, "members", members)
		return nil
	case errors.Is(err, raft.ErrAlreadyInitialized):
		a.logger.Info("bootstrap skipped: node already initialized", "node_id", a.config.NodeID)
		return nil
	default:
		return fmt.Errorf("bootstrap: %w", err)
	}
}

// serve registers gRPC services, starts goroutines, and blocks until ctx is
// canceled or a fatal error occurs.
func (a *App) serve(ctx context.Context, raftLis, apiLis net.Listener) error {
	raftServer := grpc.NewServer()
	a.raftSrv.Register(raftServer)

	apiServer := grpc.NewServer()
	a.apiSrv.Register(apiServer)
	reflection.Register(apiServer)

	metricsSrv, metricsLis, err := a.metricsServer()
	if err != nil {
		return err
	}
	pprofSrv, pprofLis, err := a.pprofServer()
	if err != nil {
		if metricsLis != nil {
			_ = metricsLis.Close()
		}
		return err
	}

	errCh := make(chan error, 4)

	go func() {
		if err := raftServer.Serve(raftLis); err != nil {
			errCh <- fmt.Errorf("raft grpc serve: %w", err)
		}
	}()
	go func() {
		if err := apiServer.Serve(apiLis); err != nil {
			errCh <- fmt.Errorf("api grpc serve: %w", err)
		}
	}()
	if metricsSrv != nil {
		a.logger.Info("metrics endpoint enabled", "addr", a.config.MetricsAddr)
		go func() {
			if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics serve: %w", err)
			}
		}()
	}
	if pprofSrv != nil {
		a.logger.Info("pprof endpoint enabled", "addr", a.config.PprofAddr)
		go func() {
			if err := pprofSrv.Serve(pprofLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("pprof serve: %w", err)
			}
		}()
	}

	defer shutdownHTTPServer(metricsSrv, a.logger, "metrics server")
	defer shutdownHTTPServer(pprofSrv, a.logger, "pprof server")

	select {
	case <-ctx.Done():
		apiServer.GracefulStop()
		raftServer.GracefulStop()
		return nil
	case err := <-errCh:
		apiServer.Stop()
		raftServer.Stop()
		return err
	}
}
