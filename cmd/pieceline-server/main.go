// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

// Pieceline-server is the transfer server: it ingests piece-addressed
// uploads, fans completed pieces out to subscribers, and serves
// stored files over the piece protocol and an HTTP gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pieceline/pieceline/gateway"
	"github.com/pieceline/pieceline/lib/blobstore"
	"github.com/pieceline/pieceline/lib/config"
	"github.com/pieceline/pieceline/lib/metastore"
	"github.com/pieceline/pieceline/lib/quota"
	"github.com/pieceline/pieceline/lib/version"
	"github.com/pieceline/pieceline/transfer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "path to config file (overrides PIECELINE_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("pieceline-server %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Info("starting pieceline-server",
		"version", version.Info(),
		"listen", cfg.Server.Listen,
		"gateway", cfg.Server.GatewayListen,
		"data_dir", cfg.Storage.DataDir,
	)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.MetaPath), 0o700); err != nil {
		return fmt.Errorf("creating metadata dir: %w", err)
	}

	meta, err := metastore.Open(metastore.Config{
		Path:     cfg.Storage.MetaPath,
		PoolSize: cfg.Storage.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer meta.Close()

	blobs, err := blobstore.Open(blobstore.Config{
		Dir:         cfg.Storage.DataDir,
		IdleTimeout: cfg.Storage.HandleIdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer blobs.Close()

	quotas := &quota.DiskChecker{
		Dir:         cfg.Storage.DataDir,
		MaxBytes:    cfg.Storage.MaxBytes,
		ReserveFree: cfg.Storage.ReserveFree,
	}

	hub := transfer.NewHub(blobs, logger)
	registry := transfer.NewRegistry(transfer.RegistryConfig{
		Meta:   meta,
		Blobs:  blobs,
		Quotas: quotas,
		Hub:    hub,
		Logger: logger,
		Ingest: transfer.IngestConfig{
			FlushEveryPieces: cfg.Ingest.FlushEveryPieces,
			FlushInterval:    cfg.Ingest.FlushInterval,
		},
	})
	service := transfer.NewService(registry, meta, blobs, hub, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}

	errCh := make(chan error, 2)

	server := transfer.NewServer(service, logger)
	go func() {
		errCh <- server.Serve(ctx, listener)
	}()
	logger.Info("transfer server listening", "address", listener.Addr())

	var gatewayServer *http.Server
	if cfg.Server.GatewayListen != "" {
		gatewayServer = &http.Server{
			Addr:              cfg.Server.GatewayListen,
			Handler:           gateway.New(service, blobs, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			err := gatewayServer.ListenAndServe()
			if !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		logger.Info("gateway listening", "address", cfg.Server.GatewayListen)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	// Abort live transfers so producers and subscribers hear about
	// the shutdown instead of timing out.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.AbortAll(shutdownCtx, "server shutting down")
	if gatewayServer != nil {
		gatewayServer.Shutdown(shutdownCtx)
	}
	return nil
}
