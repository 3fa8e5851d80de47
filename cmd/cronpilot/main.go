package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basket/cronpilot/internal/config"
	"github.com/basket/cronpilot/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s daemon                   Run the scheduler daemon in the foreground

TASK MANAGEMENT:
  %s task add [options]       Add a scheduled task
  %s task list                List all tasks
  %s task show <name>         Show one task in full
  %s task enable <name>       Enable a task
  %s task disable <name>      Disable a task
  %s task delete <name>       Delete a task

EXECUTION:
  %s run <name> [--dry-run]   Run one task immediately
  %s run-due [--dry-run]      Run every task currently due
  %s status                   Show scheduler status
  %s upcoming [--hours N]     Show predicted fire times

UTILITIES:
  %s validate <expression>    Validate a cron expression
  %s channels list            List notification channels
  %s channels test <id>       Send a test message to a channel
  %s install-cron             Print a crontab line that drives run-due
  %s doctor [-json]           Run environment diagnostics
  %s version                  Print the version

ENVIRONMENT VARIABLES:
  CRONPILOT_HOME              Data directory (default: ~/.cronpilot)
  CRONPILOT_BIND_ADDR         Gateway bind address
  CRONPILOT_LOG_LEVEL         debug, info, warn or error
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cmd := strings.ToLower(strings.TrimSpace(args[0]))
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return
	case "version":
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "config load failed", err)
	}

	// One-shot CLI invocations keep stderr clean; the daemon logs to both
	// the log file and the terminal.
	quiet := cmd != "daemon" && isatty.IsTerminal(os.Stderr.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "logger init failed", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	switch cmd {
	case "daemon":
		os.Exit(runDaemon(ctx, cfg, logger))
	case "task":
		os.Exit(runTaskCommand(cfg, logger, args[1:]))
	case "run":
		os.Exit(runRunCommand(ctx, cfg, logger, args[1:]))
	case "run-due":
		os.Exit(runRunDueCommand(ctx, cfg, logger, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, cfg, logger))
	case "upcoming":
		os.Exit(runUpcomingCommand(cfg, logger, args[1:]))
	case "validate":
		os.Exit(runValidateCommand(args[1:]))
	case "channels":
		os.Exit(runChannelsCommand(ctx, cfg, logger, args[1:]))
	case "install-cron":
		os.Exit(runInstallCronCommand(cfg))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, cfg, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, msg string, err error) {
	if logger != nil {
		logger.Error(msg, "error", err)
	}
	fmt.Fprintf(os.Stderr, "cronpilot: %s: %v\n", msg, err)
	os.Exit(1)
}
