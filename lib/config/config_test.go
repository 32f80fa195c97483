// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Server.Listen != "127.0.0.1:9160" {
		t.Errorf("expected listen=127.0.0.1:9160, got %s", cfg.Server.Listen)
	}
	if cfg.Ingest.FlushEveryPieces != 16 {
		t.Errorf("expected flush_every_pieces=16, got %d", cfg.Ingest.FlushEveryPieces)
	}
	if cfg.Ingest.FlushInterval != 2*time.Second {
		t.Errorf("expected flush_interval=2s, got %s", cfg.Ingest.FlushInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_RequiresPiecelineConfig(t *testing.T) {
	origConfig := os.Getenv("PIECELINE_CONFIG")
	defer os.Setenv("PIECELINE_CONFIG", origConfig)

	os.Unsetenv("PIECELINE_CONFIG")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when PIECELINE_CONFIG is not set")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pieceline.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
environment: production
server:
  listen: "0.0.0.0:7000"
storage:
  data_dir: /srv/pieceline/blobs
  meta_path: /srv/pieceline/meta.db
  max_bytes: 1073741824
ingest:
  flush_every_pieces: 32
  flush_interval: 5s
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Environment != Production {
		t.Errorf("expected environment=production, got %s", cfg.Environment)
	}
	if cfg.Server.Listen != "0.0.0.0:7000" {
		t.Errorf("expected listen=0.0.0.0:7000, got %s", cfg.Server.Listen)
	}
	if cfg.Storage.DataDir != "/srv/pieceline/blobs" {
		t.Errorf("unexpected data_dir: %s", cfg.Storage.DataDir)
	}
	if cfg.Storage.MaxBytes != 1<<30 {
		t.Errorf("expected max_bytes=1GiB, got %d", cfg.Storage.MaxBytes)
	}
	if cfg.Ingest.FlushEveryPieces != 32 {
		t.Errorf("expected flush_every_pieces=32, got %d", cfg.Ingest.FlushEveryPieces)
	}
	if cfg.Ingest.FlushInterval != 5*time.Second {
		t.Errorf("expected flush_interval=5s, got %s", cfg.Ingest.FlushInterval)
	}

	// Unset fields keep their defaults.
	if cfg.Storage.PoolSize != 4 {
		t.Errorf("expected default pool_size=4, got %d", cfg.Storage.PoolSize)
	}
	if cfg.Server.GatewayListen != "127.0.0.1:9161" {
		t.Errorf("expected default gateway_listen, got %s", cfg.Server.GatewayListen)
	}
}

func TestLoadFile_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: staging
server:
  listen: "127.0.0.1:7000"
staging:
  server:
    listen: "10.0.0.1:7000"
  ingest:
    flush_every_pieces: 64
production:
  server:
    listen: "0.0.0.0:7000"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Server.Listen != "10.0.0.1:7000" {
		t.Errorf("staging override not applied, got listen=%s", cfg.Server.Listen)
	}
	if cfg.Ingest.FlushEveryPieces != 64 {
		t.Errorf("staging ingest override not applied, got %d", cfg.Ingest.FlushEveryPieces)
	}
}

func TestLoadFile_ExpandsVariables(t *testing.T) {
	t.Setenv("PIECELINE_TEST_ROOT", "/data/xfer")
	path := writeConfig(t, `
storage:
  data_dir: ${PIECELINE_TEST_ROOT}/blobs
  meta_path: ${PIECELINE_TEST_UNSET:-/tmp/fallback}/meta.db
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Storage.DataDir != "/data/xfer/blobs" {
		t.Errorf("variable not expanded: %s", cfg.Storage.DataDir)
	}
	if cfg.Storage.MetaPath != "/tmp/fallback/meta.db" {
		t.Errorf("default not expanded: %s", cfg.Storage.MetaPath)
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	if _, err := LoadFile("/nonexistent/pieceline.yaml"); err == nil {
		t.Fatal("LoadFile should fail for a missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Environment = "testing"
	cfg.Server.Listen = ""
	cfg.Ingest.FlushEveryPieces = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"invalid environment", "server.listen", "flush_every_pieces"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error missing %q: %v", want, err)
		}
	}
}
