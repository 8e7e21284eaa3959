package main

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

	"github.com/rs/zerolog"

	"github.com/dreamslabs/etl-pipelines/internal/app"
	"github.com/dreamslabs/etl-pipelines/internal/batch"
	"github.com/dreamslabs/etl-pipelines/internal/config"
	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
	"github.com/dreamslabs/etl-pipelines/internal/orchestrator"
	"github.com/dreamslabs/etl-pipelines/internal/warehouse"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var run func(ctx context.Context, a *app.App, log zerolog.Logger, args []string) error
	switch os.Args[1] {
	case "rebuild":
		run = runRebuild
	case "batch":
		run = runBatch
	case "plan":
		run = runPlan
	case "cleanup":
		run = runCleanup
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_PATH"), "Path to YAML config (or set CONFIG_PATH env)")
	cmdArgs := splitGlobalFlags(fs, os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	// The CLI always computes batches in-process.
	cfg.Orchestrator.Executor = config.ExecutorLocal

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize backends")
	}

	err = run(ctx, a, log, cmdArgs)
	a.Close()
	if err != nil {
		log.Error().Err(err).Msgf("%s failed", os.Args[1])
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Wallet profits ETL CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [-config PATH] [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  rebuild   Rebuild the profits table in-process")
	fmt.Println("  batch     Compute one batch of the persisted plan")
	fmt.Println("  plan      Show the persisted plan, or preview a new one")
	fmt.Println("  cleanup   Delete batch artifacts and the persisted plan")
	fmt.Println("  help      Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// splitGlobalFlags parses a leading -config flag and returns the rest.
func splitGlobalFlags(fs *flag.FlagSet, args []string) []string {
	var rest []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-config=") || strings.HasPrefix(args[i], "--config=") {
			fs.Parse(args[i : i+1])
			continue
		}
		if args[i] == "-config" || args[i] == "--config" {
			if i+1 < len(args) {
				fs.Parse(args[i : i+2])
				i++
			}
			continue
		}
		rest = append(rest, args[i])
	}
	return rest
}

func runRebuild(ctx context.Context, a *app.App, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	batchSize := fs.Int("batch-size", a.Config.Orchestrator.BatchSize, "Coins per batch")
	maxWorkers := fs.Int("max-workers", a.Config.Orchestrator.MaxWorkers, "Batches computed concurrently")
	fs.Parse(args)

	orch, err := a.Orchestrator(ctx)
	if err != nil {
		return err
	}

	result, err := orch.Run(ctx, orchestrator.RunRequest{BatchSize: *batchSize, MaxWorkers: *maxWorkers})
	if result != nil {
		printJSON(result)
	}
	if err != nil {
		var incomplete *domain.CompletenessError
		if errors.As(err, &incomplete) {
			log.Error().Ints("missing_batches", incomplete.Missing).Msg("Rebuild incomplete")
		}
		return err
	}
	return nil
}

func runBatch(ctx context.Context, a *app.App, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	number := fs.Int("batch", -1, "Batch number to compute")
	fs.Parse(args)

	if *number < 0 {
		return errors.New("-batch is required")
	}

	result, err := a.Pipeline.RunBatch(ctx, *number)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runPlan(ctx context.Context, a *app.App, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	preview := fs.Bool("preview", false, "Partition the current coin universe instead of showing the persisted plan")
	batchSize := fs.Int("batch-size", a.Config.Orchestrator.BatchSize, "Coins per batch for -preview")
	fs.Parse(args)

	var plan *batch.Plan
	if *preview {
		coins, err := a.Sources.ListEligibleCoins(ctx)
		if err != nil {
			return err
		}
		plan, err = batch.Partition(coins, *batchSize)
		if err != nil {
			return err
		}
	} else {
		var err error
		plan, err = a.Artifacts.LoadPlan(ctx)
		if errors.Is(err, warehouse.ErrPlanNotFound) {
			return errors.New("no persisted plan; run with -preview to partition the current universe")
		}
		if err != nil {
			return err
		}
		if err := plan.Validate(); err != nil {
			return err
		}
	}

	fmt.Printf("Run:          %s\n", plan.RunID)
	fmt.Printf("Batch size:   %d\n", plan.BatchSize)
	fmt.Printf("Coins:        %d\n", plan.CoinCount())
	fmt.Printf("Batches:      %d\n", plan.BatchCount())
	fmt.Printf("Fingerprint:  %s\n", plan.Fingerprint)
	for _, n := range plan.BatchNumbers() {
		coins := plan.Batches[n]
		fmt.Printf("  batch %5d: %d coins (%s .. %s)\n", n, len(coins), coins[0], coins[len(coins)-1])
	}
	return nil
}

func runCleanup(ctx context.Context, a *app.App, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	fs.Parse(args)

	orch, err := a.Orchestrator(ctx)
	if err != nil {
		return err
	}
	if err := orch.Cleanup(ctx); err != nil {
		return err
	}
	fmt.Println("Batch artifacts deleted.")
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
