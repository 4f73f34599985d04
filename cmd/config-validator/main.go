package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/uselesscalc/orchestrator/internal/config"
	"github.com/uselesscalc/orchestrator/internal/event"
	"github.com/uselesscalc/orchestrator/internal/naming"
)

func main() {
	flag.Parse()

	if len(flag.Args()) < 1 {
		fmt.Println("Error: env file path is required")
		fmt.Println("Usage: config-validator <file.env>")
		os.Exit(1)
	}
	path := flag.Args()[0]

	cfg, err := config.LoadFile(path)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  identity: %s/%s/%s/%s\n", cfg.Identity.Environment, cfg.Identity.Application, cfg.Identity.Service, cfg.Identity.Host)
	for _, mode := range cfg.Modes {
		fmt.Printf("  destination: %s\n", mode)
		for _, target := range targets(cfg, mode) {
			fmt.Printf("    -> %s\n", target)
		}
	}
}

// targets lists where a destination will write.
func targets(cfg *config.Config, mode config.Mode) []string {
	var out []string
	switch mode {
	case config.ModeLocal:
		for _, kind := range event.Kinds {
			out = append(out, naming.LocalFile(cfg.Local.Root, cfg.Identity, kind))
		}
	case config.ModeCloudWatch:
		for _, kind := range event.Kinds {
			out = append(out, fmt.Sprintf("%s (%s)", naming.LogGroup(cfg.Identity, kind), cfg.CloudWatch.Region))
		}
	case config.ModeAzureMonitor:
		out = append(out, cfg.AzureMonitor.LogsEndpoint, cfg.AzureMonitor.MetricsEndpoint, cfg.AzureMonitor.TracesEndpoint)
	case config.ModeGELF:
		out = append(out, cfg.GELF.Protocol+"://"+cfg.GELF.Address)
	}
	return out
}
