// Package cmd contains the CLI entry points: flag dispatch, engine
// wiring, and the interactive loop.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/parley0/parley/internal/config"
	"github.com/parley0/parley/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "0.1.0"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

// Execute is the main entry point for the Parley CLI. version and help
// work before any configuration is loaded, so they succeed even with a
// broken config file.
func Execute() error {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			printVersionInfo()
			return nil
		case "help", "--help", "-h":
			printHelp()
			return nil
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := log.NewWithWriter(os.Stderr, log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer cleanup()

	return runREPL(ctx, engine, os.Stdin, os.Stdout)
}

func printVersionInfo() {
	fmt.Printf("parley %s (commit %s, built %s)\n", AppVersion, GitCommit, BuildTime)
}

func printHelp() {
	fmt.Print(`parley - conversational assistant with tool use

Usage:
  parley            start an interactive session
  parley version    print version information
  parley help       show this help

Interactive commands:
  /new              start a new chat (discards the transcript)
  /persona <id>     switch persona (default, researcher, analyst, concierge)
  /help             show interactive commands
  /exit             quit

Configuration is read from ~/.parley/config.yaml or ./config.yaml;
PARLEY_PROVIDER, PARLEY_MODEL, PARLEY_TOOL_BACKEND, PARLEY_PERSONA and
PARLEY_LOG_LEVEL override it.
`)
}
