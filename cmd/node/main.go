// Package main implements the node process that runs Raft and the student gRPC API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	apppkg "github.com/i-melnichenko/studentkv/internal/app"
	"github.com/i-melnichenko/studentkv/internal/consensus/raft"
	"github.com/i-melnichenko/studentkv/internal/observability/metrics"
	"github.com/i-melnichenko/studentkv/internal/service"
	"github.com/i-melnichenko/studentkv/internal/student"
	raftgrpc "github.com/i-melnichenko/studentkv/internal/transport/grpc/raft"
	studentgrpc "github.com/i-melnichenko/studentkv/internal/transport/grpc/student"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := apppkg.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	logger := slog.Default()

	peerAddrs, err := cfg.PeerAddrMap()
	if err != nil {
		return err
	}

	m, err := metrics.NewPrometheus(nil)
	if err != nil {
		return err
	}

	store := student.NewStore()
	storage, err := apppkg.OpenStorage(cfg, store)
	if err != nil {
		return err
	}
	defer func() { _ = storage.Close() }()

	transport := raftgrpc.NewTransport(peerAddrs, nil)
	defer func() { _ = transport.Close() }()

	node, err := raft.NewNode(cfg.RaftConfig(), transport, storage, logger, nil, m)
	if err != nil {
		return err
	}

	students := service.NewStudents(node, store, logger, nil, m, strconv.FormatUint(cfg.NodeID, 10))
	students.WriteTimeout = cfg.WriteTimeout

	app, err := apppkg.New(
		cfg,
		logger,
		node,
		raftgrpc.NewServer(node, nil),
		studentgrpc.NewServer(students),
	)
	if err != nil {
		return err
	}
	defer app.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
