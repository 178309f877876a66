package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sagikat/shraga/internal/model"
	"github.com/sagikat/shraga/internal/scheduler"
	"github.com/sagikat/shraga/internal/worker"
	yamlutil "github.com/sagikat/shraga/internal/yaml"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "scheduler":
		runScheduler(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "version":
		fmt.Printf("shraga %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runScheduler(args []string) {
	dataDir, configPath := parseCommonFlags(args)
	cfg := mustLoadConfig(configPath)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	d, err := scheduler.New(dataDir, configPath, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scheduler init: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "scheduler: %v\n", err)
		os.Exit(1)
	}
}

func runWorker(args []string) {
	dataDir, configPath := parseCommonFlags(args)
	cfg := mustLoadConfig(configPath)
	if err := cfg.ValidateWorker(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	d, err := worker.New(dataDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker init: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

// parseCommonFlags handles --data-dir and --config for both daemons.
func parseCommonFlags(args []string) (dataDir, configPath string) {
	dataDir = defaultDataDir()
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--data-dir":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--data-dir requires a value")
				os.Exit(1)
			}
			i++
			dataDir = args[i]
		case "--config":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			i++
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		configPath = filepath.Join(dataDir, "config.yaml")
	}
	return dataDir, configPath
}

func defaultDataDir() string {
	if dir := os.Getenv("SHRAGA_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shraga"
	}
	return filepath.Join(home, ".shraga")
}

func mustLoadConfig(path string) model.Config {
	var cfg model.Config
	if err := yamlutil.ReadInto(path, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", path, err)
		os.Exit(1)
	}
	return model.ApplyDefaults(cfg)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `shraga %s - task lifecycle and claiming engine

Usage: shraga <command> [options]

Commands:
  scheduler [--data-dir DIR] [--config FILE]   Run the scheduler daemon
  worker    [--data-dir DIR] [--config FILE]   Run the worker daemon for one host
  version                                      Print version
  help                                         Show this help

The config file defaults to <data-dir>/config.yaml; the data directory
defaults to $SHRAGA_DATA_DIR or ~/.shraga.
`, version)
}
