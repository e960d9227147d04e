// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/noldarim/flowmill/internal/config"
	"github.com/noldarim/flowmill/internal/engine"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/services"
	"github.com/noldarim/flowmill/internal/events"
	"github.com/noldarim/flowmill/internal/logger"
	"github.com/noldarim/flowmill/internal/protocol"
	"github.com/noldarim/flowmill/pkg/sandbox"
)

type runOptions struct {
	file        string
	configPath  string
	dbPath      string
	vars        map[string]string
	dryRun      bool
	concurrency int
	timeout     time.Duration
	quiet       bool
}

func runCommand(args []string) error {
	opts := &runOptions{vars: make(map[string]string)}
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.StringVar(&opts.file, "file", "", "Path to pipeline file (YAML or JSON)")
	fs.StringVar(&opts.file, "f", "", "Path to pipeline file (shorthand)")
	fs.StringVar(&opts.configPath, "config", "", "Path to config file")
	fs.StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides config)")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Validate and plan without executing steps")
	fs.IntVar(&opts.concurrency, "concurrency", 0, "Max concurrently running steps (0 = engine default)")
	fs.DurationVar(&opts.timeout, "timeout", 0, "Wall-clock limit for the run (0 = engine default)")
	fs.BoolVar(&opts.quiet, "quiet", false, "Only print the final result")

	// Custom flag for -var (can be repeated)
	fs.Func("var", "Set initial variable (key=value), can be repeated", func(s string) error {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid var format, use key=value")
		}
		opts.vars[parts[0]] = parts[1]
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.file == "" {
		return fmt.Errorf("pipeline file required\n\nUsage:\n  flowmill run -f <pipeline.yaml> [-var key=value] [-dry-run]")
	}

	return executeRun(opts)
}

func executeRun(opts *runOptions) error {
	pipeline, err := loadPipelineFile(opts.file)
	if err != nil {
		return err
	}

	// Load configuration
	cfg, err := config.NewConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.dbPath != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.Database = opts.dbPath
	}

	// Initialize logging (to file only for CLI, keep terminal clean)
	if err := logger.Initialize(&cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.CloseGlobal()

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(cfg, engine.Options{
		Sandbox: newLocalSandbox(cfg),
	})
	if err != nil {
		return fmt.Errorf("failed to assemble engine: %w", err)
	}
	defer func() {
		sdCtx, sdCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer sdCancel()
		eng.Shutdown(sdCtx)
	}()
	go eng.Run(ctx)

	// Subscribe before submitting so no event is missed.
	sub := eng.Subscribe(ctx, "*")
	defer sub.Close()

	initial := make(map[string]any, len(opts.vars))
	for k, v := range opts.vars {
		initial[k] = v
	}

	result, err := eng.SubmitRun(ctx, services.SubmitParams{
		Definition:       pipeline,
		InitialVariables: initial,
		Options: services.RunOptions{
			DryRun:       opts.dryRun,
			Concurrency:  opts.concurrency,
			RunTimeoutMS: opts.timeout.Milliseconds(),
		},
		CreatedBy: "cli",
	})
	if err != nil {
		var verr *services.ValidationError
		if errors.As(err, &verr) {
			printIssues("error", verr.Result.Errors)
			printIssues("warning", verr.Result.Warnings)
			return fmt.Errorf("pipeline is invalid: %d error(s)", len(verr.Result.Errors))
		}
		return fmt.Errorf("failed to submit run: %w", err)
	}

	if !opts.quiet {
		printRunBanner(pipeline.Name, result.RunID, opts.dryRun)
		for _, w := range result.Warnings {
			fmt.Fprintf(os.Stderr, "warning [%s]: %s\n", w.Code, w.Message)
		}
	}

	// First Ctrl+C cancels the run gracefully, second one quits.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintf(os.Stderr, "\n▸ Cancelling run %s...\n", result.RunID)
		eng.Cancel(context.Background(), result.RunID, "user interrupted (Ctrl+C)")
		<-sigChan
		fmt.Fprintf(os.Stderr, "▸ Force quit\n")
		cancel()
	}()

	finalState, err := streamRun(ctx, sub, result.RunID, opts.quiet)
	if err != nil {
		return err
	}

	view, err := eng.GetRun(context.Background(), result.RunID)
	if err != nil {
		return fmt.Errorf("failed to load final run state: %w", err)
	}
	printRunSummary(view)

	switch finalState {
	case models.RunStateSucceeded.String():
		return nil
	case models.RunStateCancelled.String():
		return fmt.Errorf("run cancelled")
	default:
		return fmt.Errorf("run %s: %s", finalState, view.Error)
	}
}

// newLocalSandbox builds the Docker sandbox from configuration. Code
// steps need a reachable Docker daemon; without one the engine still
// runs every other step kind, so a connection failure only warns.
func newLocalSandbox(cfg *config.AppConfig) sandbox.Sandbox {
	sb, err := engine.NewDockerSandbox(&cfg.Sandbox)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: sandbox unavailable, code steps will fail: %v\n", err)
		return nil
	}
	return sb
}

// streamRun prints run progress until the RunFinished event arrives and
// returns the terminal state it announced.
func streamRun(ctx context.Context, sub *events.Subscription, runID string, quiet bool) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return "", fmt.Errorf("event stream closed before the run finished")
			}
			if ev.GetMetadata().RunID != runID {
				continue
			}
			if !quiet {
				printEvent(ev)
			}
			if fin, isFin := ev.(protocol.RunFinishedEvent); isFin {
				return fin.State, nil
			}
		}
	}
}

func printEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.RunStartedEvent:
		fmt.Printf("▸ Run started\n")
	case protocol.StepStartedEvent:
		if e.Attempt > 1 {
			fmt.Printf("▸ [%s] attempt %d\n", e.StepID, e.Attempt)
		} else {
			fmt.Printf("▸ [%s] started\n", e.StepID)
		}
	case protocol.StepSucceededEvent:
		fmt.Printf("▸ [%s] succeeded (%dms)\n", e.StepID, e.DurationMS)
	case protocol.StepFailedEvent:
		if e.WillRetry {
			fmt.Printf("▸ [%s] failed (%s), retrying: %s\n", e.StepID, e.ErrorCode, e.Error)
		} else {
			fmt.Printf("▸ [%s] failed (%s): %s\n", e.StepID, e.ErrorCode, e.Error)
		}
	case protocol.StepSkippedEvent:
		fmt.Printf("▸ [%s] skipped (%s)\n", e.StepID, e.Reason)
	case protocol.StepStreamChunkEvent:
		fmt.Print(e.Text)
	case protocol.StepLogEvent:
		fmt.Printf("  [%s] %s: %s\n", e.StepID, e.Level, e.Message)
	case protocol.DryRunReportEvent:
		data, err := json.MarshalIndent(e.Report, "", "  ")
		if err == nil {
			fmt.Printf("▸ Dry-run report:\n%s\n", data)
		}
	}
}

func printRunBanner(name, runID string, dryRun bool) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  flowmill run\n")
	fmt.Printf("  Pipeline: %s\n", name)
	fmt.Printf("  Run: %s\n", runID)
	if dryRun {
		fmt.Printf("  Mode: dry-run\n")
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func printRunSummary(view *services.RunView) {
	fmt.Println()
	fmt.Println("─────────────────────────────────────────────────────────────")
	fmt.Printf("  State: %s", view.State)
	if view.DurationMS > 0 {
		fmt.Printf(" (%s)", time.Duration(view.DurationMS)*time.Millisecond)
	}
	fmt.Println()
	if view.Error != "" {
		fmt.Printf("  Error: [%s] %s\n", view.ErrorCode, view.Error)
	}
	if len(view.Outputs) > 0 {
		data, err := json.MarshalIndent(view.Outputs, "  ", "  ")
		if err == nil {
			fmt.Printf("  Outputs:\n  %s\n", data)
		}
	}
	fmt.Println("─────────────────────────────────────────────────────────────")
}
