package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/weichain/galactic-bridge-icp/internal/coupon"
	"github.com/weichain/galactic-bridge-icp/internal/ledger"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		" warn": slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := parseLogLevel(in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q): got %v want %v", in, got, want)
		}
	}
	if _, err := parseLogLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.env")
	if err := os.WriteFile(path, []byte("BRIDGE_TEST_ADMIN_TOKEN=from-file\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("BRIDGE_TEST_ADMIN_TOKEN", "")
	os.Unsetenv("BRIDGE_TEST_ADMIN_TOKEN")

	if err := loadEnvFile(""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	if got := os.Getenv("BRIDGE_TEST_ADMIN_TOKEN"); got != "from-file" {
		t.Fatalf("env: got %q want %q", got, "from-file")
	}
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestAutoApproveLedger_GrantsAllowanceOnMint(t *testing.T) {
	t.Parallel()

	ml := ledger.NewMemoryLedger("controller")
	l := &autoApproveLedger{MemoryLedger: ml, allowance: 500}

	if _, err := l.Mint(context.Background(), "alice", 1_000, [32]byte{1}); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if got := ml.Allowance("alice"); got != 500 {
		t.Fatalf("allowance: got %d want 500", got)
	}
	if _, err := l.TransferFrom(context.Background(), "alice", "controller", 400, [32]byte{2}); err != nil {
		t.Fatalf("TransferFrom: %v", err)
	}
}

func TestNewArchive_Memory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := newArchive(ctx, "memory", "", "dev", "")
	if err != nil {
		t.Fatalf("newArchive: %v", err)
	}
	c := coupon.Coupon{Format: coupon.FormatV1, SignatureHex: "aa"}
	if err := a.Put(ctx, 1, c); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := a.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SignatureHex != "aa" {
		t.Fatalf("archived coupon: %+v", got)
	}

	if _, err := newArchive(ctx, "s3", "", "", ""); err == nil {
		t.Fatalf("expected error for s3 without bucket")
	}
}
