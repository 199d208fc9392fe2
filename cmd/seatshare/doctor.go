package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/basket/seatshare/internal/config"
	"github.com/basket/seatshare/internal/doctor"
	"github.com/basket/seatshare/internal/dockerdelegate"
	"github.com/basket/seatshare/internal/proxystore"
	"github.com/basket/seatshare/internal/seatstore"
)

func runDoctorCommand(ctx context.Context, configPath string, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	var deps doctor.Deps
	if cfg, err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	} else {
		deps.Config = cfg
	}

	if deps.Config != nil {
		dbPath := filepath.Join(filepath.Dir(configPath), "seatshare.db")
		if proxies, err := proxystore.Open(dbPath); err == nil {
			deps.Proxies = proxies
			defer proxies.Close()
		}
	}
	deps.Seats = seatstore.New(nil)

	// Replay serve's bootstrap: discover delegate workloads and register
	// their seats, so the capacity check exercises the same path a fleet
	// restart would take.
	if deps.Config != nil {
		if delegates, err := dockerdelegate.New(deps.Config.Docker.Host); err == nil {
			defer delegates.Close()
			deps.Delegates = delegates
			deps.DockerLabel = deps.Config.Docker.Label
			if discovered, err := delegates.DiscoverDelegates(ctx, deps.Config.Docker.Label); err == nil {
				for _, dg := range discovered {
					for i := 0; i < dg.Seats; i++ {
						deps.Seats.RegisterSeat(uuid.NewString(), dg.SpecID, dg.DelegateID)
					}
				}
			}
		}
	}

	diag := doctor.Run(ctx, deps, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("seatshare Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	failCount := 0
	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case "FAIL":
			icon = "❌"
			failCount++
		case "WARN":
			icon = "⚠️ "
		case "SKIP":
			icon = "⏩"
		}
		fmt.Printf("%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}

	if failCount > 0 {
		return 1
	}
	return 0
}
