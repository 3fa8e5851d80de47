// Package config loads the daemon configuration from config.yaml under the
// cronpilot home directory. Missing file means defaults; env vars override
// file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig controls the due-task loop.
type SchedulerConfig struct {
	// MaxConcurrent bounds simultaneously running tasks. Default 1.
	MaxConcurrent int `yaml:"max_concurrent"`
	// TickSeconds is the daemon loop period. Default 60.
	TickSeconds int `yaml:"tick_seconds"`
	// WindowSeconds is how far back a fire time may lie and still count as
	// due. Default equals TickSeconds.
	WindowSeconds int `yaml:"window_seconds"`
}

// ApprovalConfig controls the plan-approval flow.
type ApprovalConfig struct {
	// TTLHours is how long a pending approval stays actionable. Default 24.
	TTLHours int `yaml:"ttl_hours"`
	// DashboardURL is the external base URL embedded in Teams action links.
	DashboardURL string `yaml:"dashboard_url"`
}

// OtelConfig mirrors the observability block.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint string `yaml:"endpoint"` // OTLP HTTP endpoint, host:port
}

type SkillsConfig struct {
	// ProjectDir shadows the user skills dir when both define a skill.
	ProjectDir string `yaml:"project_dir"`
	UserDir    string `yaml:"user_dir"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DefaultProvider is used when a task does not name one. Default "claude".
	DefaultProvider string `yaml:"default_provider"`
	// DefaultTimeoutSeconds applies to tasks without an explicit timeout.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Otel      OtelConfig      `yaml:"otel"`
	Skills    SkillsConfig    `yaml:"skills"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// TasksPath returns the path to the task store file.
func TasksPath(homeDir string) string {
	return filepath.Join(homeDir, "tasks.yaml")
}

// ChannelsPath returns the path to the notification channels file.
func ChannelsPath(homeDir string) string {
	return filepath.Join(homeDir, "channels.yaml")
}

// DBPath returns the path to the sqlite database.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "cronpilot.db")
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:18910",
		LogLevel:              "info",
		DefaultProvider:       "claude",
		DefaultTimeoutSeconds: int((5 * time.Minute).Seconds()),
		Scheduler: SchedulerConfig{
			MaxConcurrent: 1,
			TickSeconds:   60,
		},
		Approval: ApprovalConfig{
			TTLHours: 24,
		},
		Otel: OtelConfig{
			Exporter: "stdout",
		},
	}
}

// HomeDir resolves the cronpilot home directory. CRONPILOT_HOME overrides;
// the default is ~/.cronpilot.
func HomeDir() string {
	if override := os.Getenv("CRONPILOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cronpilot")
}

// Load reads config.yaml from the resolved home dir, creating the home dir
// and its subdirectories if needed. A missing config file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, mainly for tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	for _, sub := range []string{"", "logs", "sessions"} {
		if err := os.MkdirAll(filepath.Join(homeDir, sub), 0o755); err != nil {
			return cfg, fmt.Errorf("create cronpilot home: %w", err)
		}
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18910"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "claude"
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		cfg.Scheduler.MaxConcurrent = 1
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = 60
	}
	if cfg.Scheduler.WindowSeconds <= 0 {
		cfg.Scheduler.WindowSeconds = cfg.Scheduler.TickSeconds
	}
	if cfg.Approval.TTLHours <= 0 {
		cfg.Approval.TTLHours = 24
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "stdout"
	}
	if strings.TrimSpace(cfg.Skills.UserDir) == "" {
		cfg.Skills.UserDir = filepath.Join(cfg.HomeDir, "skills")
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CRONPILOT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CRONPILOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CRONPILOT_MAX_CONCURRENT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.MaxConcurrent = v
		}
	}
	if raw := os.Getenv("CRONPILOT_TICK_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.TickSeconds = v
		}
	}
	if raw := os.Getenv("CRONPILOT_APPROVAL_TTL_HOURS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Approval.TTLHours = v
		}
	}
	if raw := os.Getenv("CRONPILOT_DASHBOARD_URL"); raw != "" {
		cfg.Approval.DashboardURL = raw
	}
	if raw := os.Getenv("CRONPILOT_OTEL_ENABLED"); raw != "" {
		cfg.Otel.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("CRONPILOT_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}

// Tick returns the scheduler loop period as a duration.
func (c Config) Tick() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// Window returns the due-detection window as a duration.
func (c Config) Window() time.Duration {
	return time.Duration(c.Scheduler.WindowSeconds) * time.Second
}

// ApprovalTTL returns the pending-approval lifetime as a duration.
func (c Config) ApprovalTTL() time.Duration {
	return time.Duration(c.Approval.TTLHours) * time.Hour
}
