package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"epochforge/internal/config"
	"epochforge/internal/trainer"
)

func main() {
	klog.InitFlags(nil)

	cfgPath := flag.String("config", "configs/demo.yaml", "Path to YAML config")
	logDir := flag.String("log-dir", "", "Override metric log directory")
	dataDir := flag.String("data-dir", "", "Override dataset directory")
	mirror := flag.String("mirror", "", "Override gs:// destination for the metric log")
	epochs := flag.Int("epochs", 0, "Number of epochs")
	lr := flag.Float64("lr", 0, "Learning rate")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	seed := flag.Int64("seed", 0, "PRNG seed")
	logEvery := flag.Int("log-every", 0, "Log progress every N batches (at -v=2)")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = klog.NewContext(ctx, klog.Background())

	err := run(ctx, *cfgPath, config.Overrides{
		LogDir:     *logDir,
		DataDir:    *dataDir,
		Mirror:     *mirror,
		EpochCount: *epochs,
		LR:         *lr,
		BatchSize:  *batchSize,
		Seed:       *seed,
		LogEvery:   *logEvery,
	})
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string, overrides config.Overrides) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyOverrides(overrides)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	klog.FromContext(ctx).Info("starting run",
		"log", cfg.Paths.Log,
		"data", cfg.Paths.Data,
		"epochs", cfg.Params.EpochCount,
		"lr", cfg.Params.LR,
		"batch_size", cfg.Params.BatchSize)

	if err := trainer.Run(ctx, cfg, os.Stdout); err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	return nil
}
