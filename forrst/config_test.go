// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if got, want := cfg.Request.MaxBytes, int64(1<<20); got != want {
		t.Errorf("Request.MaxBytes = %d, want %d", got, want)
	}
	if got, want := cfg.Response.MaxBytes, int64(10<<20); got != want {
		t.Errorf("Response.MaxBytes = %d, want %d", got, want)
	}
	if got, want := cfg.Operation.TTLSeconds, int64(86400); got != want {
		t.Errorf("Operation.TTLSeconds = %d, want %d", got, want)
	}
	if got, want := cfg.Idempotency.TTLSeconds, int64(3600); got != want {
		t.Errorf("Idempotency.TTLSeconds = %d, want %d", got, want)
	}
	if cfg.Node.ID == "" {
		t.Error("Node.ID should default to the hostname")
	}
	if diff := cmp.Diff(defaultReservedNamespaces, cfg.reservedNamespaces()); diff != "" {
		t.Errorf("reserved namespaces mismatch (-want +got):\n%s", diff)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forrst.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigOverlay(t *testing.T) {
	path := writeConfig(t, `
[request]
max_bytes = 2048

[deadline]
default_ms = 5000

[node]
id = "node-7"

[quota]
rate = 10.0
burst = 20
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got, want := cfg.Request.MaxBytes, int64(2048); got != want {
		t.Errorf("Request.MaxBytes = %d, want %d", got, want)
	}
	// Untouched sections keep their defaults.
	if got, want := cfg.Response.MaxBytes, int64(10<<20); got != want {
		t.Errorf("Response.MaxBytes = %d, want %d", got, want)
	}
	if got, want := cfg.Node.ID, "node-7"; got != want {
		t.Errorf("Node.ID = %q, want %q", got, want)
	}
	if got, want := cfg.deadlineDefault(), 5*time.Second; got != want {
		t.Errorf("deadlineDefault() = %v, want %v", got, want)
	}
	if cfg.Quota.Rate != 10.0 || cfg.Quota.Burst != 20 {
		t.Errorf("Quota = %+v, want rate 10 burst 20", cfg.Quota)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("LoadConfig accepted a missing file")
	}

	bad := writeConfig(t, `
[operation]
ttl_seconds = 0
`)
	if _, err := LoadConfig(bad); err == nil {
		t.Error("LoadConfig accepted a zero operation TTL")
	}

	malformed := writeConfig(t, `[request`)
	if _, err := LoadConfig(malformed); err == nil {
		t.Error("LoadConfig accepted malformed TOML")
	}
}
