package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/basket/cronpilot/internal/config"
	"github.com/basket/cronpilot/internal/creds"
	"github.com/basket/cronpilot/internal/notify"
)

func runChannelsCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cronpilot channels <list|test>")
		return 2
	}

	store, err := notify.NewStore(config.ChannelsPath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open channel store: %v\n", err)
		return 1
	}

	switch args[0] {
	case "list":
		return channelsList(store)
	case "test":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: cronpilot channels test <id>")
			return 2
		}
		return channelsTest(ctx, cfg, store, logger, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown channels action %q\n", args[0])
		return 2
	}
}

func channelsList(store *notify.Store) int {
	channels := store.FindAll()
	if len(channels) == 0 {
		fmt.Println("no channels configured")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tNAME\tENABLED")
	for _, ch := range channels {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", ch.ID, ch.Provider, ch.Name, ch.Enabled)
	}
	w.Flush()
	return 0
}

func channelsTest(ctx context.Context, cfg config.Config, store *notify.Store, logger *slog.Logger, channelID string) int {
	dispatcher := notify.NewDispatcher(store, notify.NewRegistry(),
		creds.NewStore(cfg.HomeDir), nil, logger)
	detail, err := dispatcher.TestChannel(ctx, channelID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "channel test failed: %v\n", err)
		return 1
	}
	fmt.Printf("ok: %s\n", detail)
	return 0
}

// runInstallCronCommand prints the crontab line an operator pastes in; it
// never edits the crontab itself.
func runInstallCronCommand(cfg config.Config) int {
	exe, err := os.Executable()
	if err != nil {
		exe = "cronpilot"
	}
	fmt.Println("# Add this line with: crontab -e")
	fmt.Println(installCronLine(exe, cfg.HomeDir))
	return 0
}

func installCronLine(exe, homeDir string) string {
	return fmt.Sprintf("* * * * * CRONPILOT_HOME=%s %s run-due >> %s/logs/cron.log 2>&1",
		homeDir, exe, homeDir)
}
