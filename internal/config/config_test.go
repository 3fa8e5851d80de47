package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/cronpilot/internal/config"
)

func TestLoadFromDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.HomeDir != home {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.Scheduler.MaxConcurrent != 1 {
		t.Errorf("MaxConcurrent = %d, want 1", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Scheduler.TickSeconds != 60 {
		t.Errorf("TickSeconds = %d, want 60", cfg.Scheduler.TickSeconds)
	}
	if cfg.Scheduler.WindowSeconds != 60 {
		t.Errorf("WindowSeconds = %d, want 60 (defaults to tick)", cfg.Scheduler.WindowSeconds)
	}
	if cfg.Approval.TTLHours != 24 {
		t.Errorf("TTLHours = %d, want 24", cfg.Approval.TTLHours)
	}
	if cfg.DefaultProvider != "claude" {
		t.Errorf("DefaultProvider = %q, want claude", cfg.DefaultProvider)
	}
	// Home layout is created.
	for _, sub := range []string{"logs", "sessions"} {
		if _, err := os.Stat(filepath.Join(home, sub)); err != nil {
			t.Errorf("missing %s dir: %v", sub, err)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	yaml := `
bind_addr: "127.0.0.1:9999"
log_level: debug
scheduler:
  max_concurrent: 3
  tick_seconds: 30
approval:
  ttl_hours: 6
  dashboard_url: "https://ops.example.com"
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Scheduler.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Tick() != 30*time.Second {
		t.Errorf("Tick() = %v, want 30s", cfg.Tick())
	}
	if cfg.Window() != 30*time.Second {
		t.Errorf("Window() = %v, want 30s (follows tick)", cfg.Window())
	}
	if cfg.ApprovalTTL() != 6*time.Hour {
		t.Errorf("ApprovalTTL() = %v, want 6h", cfg.ApprovalTTL())
	}
	if cfg.Approval.DashboardURL != "https://ops.example.com" {
		t.Errorf("DashboardURL = %q", cfg.Approval.DashboardURL)
	}
}

func TestEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CRONPILOT_LOG_LEVEL", "warn")
	t.Setenv("CRONPILOT_MAX_CONCURRENT", "5")
	t.Setenv("CRONPILOT_APPROVAL_TTL_HOURS", "2")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.Scheduler.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Approval.TTLHours != 2 {
		t.Errorf("TTLHours = %d, want 2", cfg.Approval.TTLHours)
	}
}

func TestHomeDirOverride(t *testing.T) {
	t.Setenv("CRONPILOT_HOME", "/tmp/cp-test-home")
	if got := config.HomeDir(); got != "/tmp/cp-test-home" {
		t.Errorf("HomeDir() = %q", got)
	}
}

func TestInvalidYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWatcherEmitsOnWrite(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the watcher a moment to register, then touch the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Clean(ev.Path) != config.ConfigPath(home) {
			t.Errorf("event path = %q", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event within 3s")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	home := t.TempDir()
	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(home, "scratch.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %q", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}
