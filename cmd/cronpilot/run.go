package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/basket/cronpilot/internal/config"
	"github.com/basket/cronpilot/internal/cronexpr"
	"github.com/basket/cronpilot/internal/execlog"
	"github.com/basket/cronpilot/internal/scheduler"
	"github.com/basket/cronpilot/internal/task"
)

func runRunCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "resolve and report without executing")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: cronpilot run <name> [--dry-run]")
		return 2
	}

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup wiring failed: %v\n", err)
		return 1
	}
	defer rt.close(context.Background())

	result, err := rt.sched.RunByName(ctx, fs.Arg(0), *dryRun)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printResult(result)
	if result.Status == execlog.StatusFailure || result.Status == execlog.StatusTimeout {
		return 1
	}
	return 0
}

func runRunDueCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run-due", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "resolve and report without executing")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup wiring failed: %v\n", err)
		return 1
	}
	defer rt.close(context.Background())

	results := rt.sched.RunDue(ctx, cfg.Window(), *dryRun)
	if len(results) == 0 {
		fmt.Println("no tasks due")
		return 0
	}
	for _, result := range results {
		printResult(result)
	}
	return 0
}

func printResult(result *execlog.Result) {
	fmt.Printf("%s: %s", result.TaskID, result.Status)
	if !result.FinishedAt.IsZero() && !result.StartedAt.IsZero() {
		fmt.Printf(" (%s)", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	}
	fmt.Println()
	if result.Error != "" {
		fmt.Printf("  error: %s\n", result.Error)
	}
	if result.Status == execlog.StatusWaitingApproval {
		fmt.Println("  plan is awaiting approval")
	}
}

// runStatusCommand asks a running daemon first and falls back to computing
// the schedule view locally when none answers.
func runStatusCommand(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	st, fromDaemon := fetchDaemonStatus(ctx, cfg.BindAddr)
	if st == nil {
		repo, err := task.NewRepository(config.TasksPath(cfg.HomeDir))
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open task store: %v\n", err)
			return 1
		}
		st = localStatus(repo, cfg.Window())
	}

	if fromDaemon {
		fmt.Printf("daemon: running at %s\n", cfg.BindAddr)
	} else {
		fmt.Println("daemon: not running")
	}
	fmt.Printf("tasks: %d enabled, %d disabled, %d running\n", st.Enabled, st.Disabled, st.Running)
	if len(st.Due) > 0 {
		fmt.Printf("due now: %v\n", st.Due)
	}
	if len(st.NextRuns) > 0 {
		names := make([]string, 0, len(st.NextRuns))
		for name := range st.NextRuns {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("next runs:")
		for _, name := range names {
			fmt.Printf("  %s: %s\n", name, st.NextRuns[name].Local().Format("2006-01-02 15:04"))
		}
	}
	return 0
}

func fetchDaemonStatus(ctx context.Context, bindAddr string) (*scheduler.Status, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+bindAddr+"/api/status", nil)
	if err != nil {
		return nil, false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var st scheduler.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, false
	}
	return &st, true
}

func localStatus(repo *task.Repository, window time.Duration) *scheduler.Status {
	st := &scheduler.Status{NextRuns: make(map[string]time.Time)}
	now := time.Now()
	for _, t := range repo.FindAll() {
		if !t.Enabled {
			st.Disabled++
			continue
		}
		st.Enabled++
		if next, err := cronexpr.NextAfter(t.Schedule, now); err == nil {
			st.NextRuns[t.Name] = next
		}
	}
	if due, err := repo.FindDue(now, window); err == nil {
		for _, t := range due {
			st.Due = append(st.Due, t.Name)
		}
	}
	return st
}

func runUpcomingCommand(cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("upcoming", flag.ContinueOnError)
	hours := fs.Int("hours", 24, "horizon in hours")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	repo, err := task.NewRepository(config.TasksPath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open task store: %v\n", err)
		return 1
	}

	upcoming := upcomingFires(repo, *hours)
	if len(upcoming) == 0 {
		fmt.Printf("nothing scheduled in the next %d hours\n", *hours)
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tTASK\tSCHEDULE")
	for _, u := range upcoming {
		fmt.Fprintf(w, "%s\t%s\t%s\n", u.At.Local().Format("2006-01-02 15:04"), u.TaskName, u.Schedule)
	}
	w.Flush()
	return 0
}

func upcomingFires(repo *task.Repository, hours int) []scheduler.Upcoming {
	if hours <= 0 {
		hours = 24
	}
	now := time.Now()
	horizon := now.Add(time.Duration(hours) * time.Hour)

	var out []scheduler.Upcoming
	for _, t := range repo.FindEnabled() {
		at := now
		for {
			next, err := cronexpr.NextAfter(t.Schedule, at)
			if err != nil || next.After(horizon) {
				break
			}
			out = append(out, scheduler.Upcoming{TaskName: t.Name, Schedule: t.Schedule, At: next})
			at = next
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].TaskName < out[j].TaskName
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

func runValidateCommand(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, `usage: cronpilot validate "<expression>"`)
		return 2
	}
	expr := args[0]
	if err := cronexpr.Validate(expr); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 1
	}
	fmt.Printf("valid: %s\n", cronexpr.Describe(expr))
	if next, err := cronexpr.NextN(expr, 5, time.Now()); err == nil {
		fmt.Println("next runs:")
		for _, at := range next {
			fmt.Printf("  %s\n", at.Local().Format("2006-01-02 15:04"))
		}
	}
	return 0
}
