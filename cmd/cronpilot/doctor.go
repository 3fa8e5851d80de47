package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/cronpilot/internal/config"
	"github.com/basket/cronpilot/internal/doctor"
)

func runDoctorCommand(ctx context.Context, cfg config.Config, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	diag := doctor.Run(ctx, cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "cannot encode report: %v\n", err)
			return 1
		}
		if diag.Failed() {
			return 1
		}
		return 0
	}

	fmt.Printf("cronpilot doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("system: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")
	for _, res := range diag.Results {
		marker := "ok  "
		switch res.Status {
		case "FAIL":
			marker = "FAIL"
		case "WARN":
			marker = "warn"
		case "SKIP":
			marker = "skip"
		}
		fmt.Printf("%s  %-10s %s\n", marker, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("      %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
