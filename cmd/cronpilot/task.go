package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/cronpilot/internal/config"
	"github.com/basket/cronpilot/internal/cronexpr"
	"github.com/basket/cronpilot/internal/task"
	"gopkg.in/yaml.v3"
)

func runTaskCommand(cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cronpilot task <add|list|show|enable|disable|delete>")
		return 2
	}

	repo, err := task.NewRepository(config.TasksPath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open task store: %v\n", err)
		return 1
	}

	switch args[0] {
	case "add":
		return taskAdd(repo, cfg, args[1:])
	case "list":
		return taskList(repo)
	case "show":
		return taskShow(repo, args[1:])
	case "enable":
		return taskSetEnabled(repo, args[1:], true)
	case "disable":
		return taskSetEnabled(repo, args[1:], false)
	case "delete":
		return taskDelete(repo, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown task action %q\n", args[0])
		return 2
	}
}

func taskAdd(repo *task.Repository, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("task add", flag.ContinueOnError)
	name := fs.String("name", "", "unique task name (required)")
	schedule := fs.String("schedule", "", "five-field cron expression (required)")
	workingDir := fs.String("working-dir", "", "directory the agent runs in (required)")
	prompt := fs.String("prompt", "", "inline prompt (mutually exclusive with --skill)")
	skill := fs.String("skill", "", "skill reference, e.g. daily-report or daily-report:arg")
	provider := fs.String("provider", "", "agent provider (default from config)")
	model := fs.String("model", "medium", "model tier: small, medium or large")
	timeout := fs.Int("timeout", cfg.DefaultTimeoutSeconds, "execution timeout in seconds")
	maxTurns := fs.Int("max-turns", 0, "agent turn limit, 0 = provider default")
	autonomous := fs.Bool("autonomous", false, "run without permission prompts")
	planMode := fs.Bool("plan-mode", false, "plan first and wait for approval")
	allowedTools := fs.String("allowed-tools", "", "comma-separated tool allowlist")
	channelsFlag := fs.String("notify-channels", "", "comma-separated channel ids")
	eventsFlag := fs.String("notify-events", "", "comma-separated events, empty = all")
	includeOutput := fs.Bool("notify-output", false, "include task output in notifications")
	disabled := fs.Bool("disabled", false, "create the task disabled")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	t := &task.Task{
		Name:         *name,
		Schedule:     *schedule,
		WorkingDir:   *workingDir,
		Prompt:       *prompt,
		Skill:        *skill,
		Provider:     *provider,
		Model:        *model,
		Timeout:      *timeout,
		MaxTurns:     *maxTurns,
		Autonomous:   *autonomous,
		PlanMode:     *planMode,
		AllowedTools: splitCSV(*allowedTools),
		Enabled:      !*disabled,
	}
	if channels := splitCSV(*channelsFlag); len(channels) > 0 {
		t.Notify = &task.NotificationPolicy{
			Channels:      channels,
			Events:        splitCSV(*eventsFlag),
			IncludeOutput: *includeOutput,
		}
	}

	if err := repo.Save(t); err != nil {
		fmt.Fprintf(os.Stderr, "cannot add task: %v\n", err)
		return 1
	}
	fmt.Printf("added task %q (%s)\n", t.Name, t.ID)
	fmt.Printf("schedule: %s\n", cronexpr.Describe(t.Schedule))
	return 0
}

func taskList(repo *task.Repository) int {
	tasks := repo.FindAll()
	if len(tasks) == 0 {
		fmt.Println("no tasks configured")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tLAST RUN\tLAST STATUS\tNEXT RUN")
	now := time.Now()
	for _, t := range tasks {
		lastRun, lastStatus := "never", "-"
		if t.LastRun != nil {
			lastRun = t.LastRun.Local().Format("2006-01-02 15:04")
		}
		if t.LastStatus != "" {
			lastStatus = t.LastStatus
		}
		nextRun := "-"
		if t.Enabled {
			if next, err := cronexpr.NextAfter(t.Schedule, now); err == nil {
				nextRun = next.Local().Format("2006-01-02 15:04")
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
			t.Name, t.Schedule, t.Enabled, lastRun, lastStatus, nextRun)
	}
	w.Flush()
	return 0
}

func taskShow(repo *task.Repository, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cronpilot task show <name>")
		return 2
	}
	t, err := repo.FindByName(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	out, err := yaml.Marshal(t)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	os.Stdout.Write(out)
	fmt.Printf("# %s\n", cronexpr.Describe(t.Schedule))
	return 0
}

func taskSetEnabled(repo *task.Repository, args []string, enabled bool) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cronpilot task enable|disable <name>")
		return 2
	}
	if err := repo.SetEnabled(args[0], enabled); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("task %q %s\n", args[0], state)
	return 0
}

func taskDelete(repo *task.Repository, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cronpilot task delete <name>")
		return 2
	}
	if err := repo.Delete(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("deleted task %q\n", args[0])
	return 0
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
