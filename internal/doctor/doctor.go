// Package doctor runs environment diagnostics: config, task store, channel
// store, agent binaries, approval database, and a running daemon.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/cronpilot/internal/approval"
	"github.com/basket/cronpilot/internal/config"
	"github.com/basket/cronpilot/internal/notify"
	"github.com/basket/cronpilot/internal/task"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, res := range d.Results {
		if res.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, config.Config) CheckResult{
		checkHome,
		checkTasks,
		checkChannels,
		checkProviders,
		checkDatabase,
		checkDaemon,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkHome(ctx context.Context, cfg config.Config) CheckResult {
	info, err := os.Stat(cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "Home", Status: "FAIL",
			Message: "home directory missing", Detail: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Home", Status: "FAIL",
			Message: cfg.HomeDir + " is not a directory"}
	}
	probe := filepath.Join(cfg.HomeDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Home", Status: "FAIL",
			Message: "home directory not writable", Detail: err.Error()}
	}
	os.Remove(probe)
	return CheckResult{Name: "Home", Status: "PASS", Message: cfg.HomeDir}
}

func checkTasks(ctx context.Context, cfg config.Config) CheckResult {
	repo, err := task.NewRepository(config.TasksPath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Tasks", Status: "FAIL",
			Message: "task store unreadable", Detail: err.Error()}
	}
	tasks := repo.FindAll()
	invalid := 0
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			invalid++
		}
	}
	if invalid > 0 {
		return CheckResult{Name: "Tasks", Status: "WARN",
			Message: fmt.Sprintf("%d of %d tasks fail validation", invalid, len(tasks))}
	}
	return CheckResult{Name: "Tasks", Status: "PASS",
		Message: fmt.Sprintf("%d tasks", len(tasks))}
}

func checkChannels(ctx context.Context, cfg config.Config) CheckResult {
	store, err := notify.NewStore(config.ChannelsPath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Channels", Status: "FAIL",
			Message: "channel store unreadable", Detail: err.Error()}
	}
	registry := notify.NewRegistry()
	channels := store.FindAll()
	invalid := 0
	var detail string
	for _, ch := range channels {
		if err := registry.ValidateChannel(ch); err != nil {
			invalid++
			detail = err.Error()
		}
	}
	if invalid > 0 {
		return CheckResult{Name: "Channels", Status: "WARN",
			Message: fmt.Sprintf("%d of %d channels fail validation", invalid, len(channels)),
			Detail:  detail}
	}
	return CheckResult{Name: "Channels", Status: "PASS",
		Message: fmt.Sprintf("%d channels", len(channels))}
}

func checkProviders(ctx context.Context, cfg config.Config) CheckResult {
	found := 0
	var missing string
	for _, bin := range []string{"claude", "codex"} {
		if _, err := exec.LookPath(bin); err == nil {
			found++
		} else {
			if missing != "" {
				missing += ", "
			}
			missing += bin
		}
	}
	switch found {
	case 2:
		return CheckResult{Name: "Providers", Status: "PASS", Message: "claude and codex on PATH"}
	case 1:
		return CheckResult{Name: "Providers", Status: "WARN",
			Message: "not on PATH: " + missing}
	default:
		return CheckResult{Name: "Providers", Status: "FAIL",
			Message: "no agent binary on PATH", Detail: "install claude or codex"}
	}
}

func checkDatabase(ctx context.Context, cfg config.Config) CheckResult {
	store, err := approval.Open(config.DBPath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL",
			Message: "approval database unavailable", Detail: err.Error()}
	}
	defer store.Close()
	pending, err := store.FindPending(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL",
			Message: "approval query failed", Detail: err.Error()}
	}
	return CheckResult{Name: "Database", Status: "PASS",
		Message: fmt.Sprintf("%d pending approvals", len(pending))}
}

func checkDaemon(ctx context.Context, cfg config.Config) CheckResult {
	conn, err := net.DialTimeout("tcp", cfg.BindAddr, 2*time.Second)
	if err != nil {
		return CheckResult{Name: "Daemon", Status: "WARN",
			Message: "not reachable at " + cfg.BindAddr,
			Detail:  "start it with: cronpilot daemon"}
	}
	conn.Close()
	return CheckResult{Name: "Daemon", Status: "PASS", Message: "listening at " + cfg.BindAddr}
}
