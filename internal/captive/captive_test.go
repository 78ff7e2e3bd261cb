package captive

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	path := filepath.Join(t.TempDir(), "80-distiller-captive.conf")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
	return New(path, "wlan0-ap", 8080, logger)
}

func TestEnterWritesWildcardDNSConfig(t *testing.T) {
	c := newTestController(t)
	// iptables is very likely absent or unusable without privileges in
	// the test sandbox; Enter should still write the DNS file before
	// attempting the redirect rule.
	_ = c.Enter(context.Background(), "192.168.4.1")

	data, err := os.ReadFile(c.dnsConfigPath)
	if err != nil {
		t.Fatalf("expected dns config written: %v", err)
	}
	if !strings.Contains(string(data), "address=/#/192.168.4.1") {
		t.Fatalf("expected wildcard directive, got: %s", data)
	}
	if !strings.Contains(string(data), "no-resolv") || !strings.Contains(string(data), "no-poll") {
		t.Fatalf("expected loop-prevention directives, got: %s", data)
	}
}

func TestExitRemovesDNSConfig(t *testing.T) {
	c := newTestController(t)
	_ = c.Enter(context.Background(), "192.168.4.1")
	c.Exit(context.Background())

	if _, err := os.Stat(c.dnsConfigPath); !os.IsNotExist(err) {
		t.Fatalf("expected dns config removed on exit, stat err = %v", err)
	}
}

func TestReentryIsIdempotent(t *testing.T) {
	c := newTestController(t)
	_ = c.Enter(context.Background(), "192.168.4.1")
	c.Exit(context.Background())
	_ = c.Enter(context.Background(), "192.168.4.1")
	c.Exit(context.Background())

	if _, err := os.Stat(c.dnsConfigPath); !os.IsNotExist(err) {
		t.Fatalf("expected no leaked dns config after repeated enter/exit, stat err = %v", err)
	}
}
