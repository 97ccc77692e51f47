package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/Chichichkin/logshipper/internal/daemon"
	"github.com/Chichichkin/logshipper/internal/logging"
)

func init() {
	pflags := TailCmd.Flags()

	pflags.StringVar(&appConfig.LogRootPath, "path", appConfig.LogRootPath,
		"root `DIR` scanned for *.log files")
	pflags.StringVar(&appConfig.NodeName, "node", appConfig.NodeName,
		"node label attached to every entry")
	pflags.IntVar(&appConfig.MinWorkers, "min-workers", appConfig.MinWorkers,
		"workers kept running")
	pflags.IntVar(&appConfig.MaxWorkers, "max-workers", appConfig.MaxWorkers,
		"upper bound the pool scales to")
	pflags.IntVar(&appConfig.QueueSize, "queue-size", appConfig.QueueSize,
		"files waiting for a worker")
	pflags.DurationVar(&appConfig.ScanInterval, "scan-interval", appConfig.ScanInterval,
		"how often the root is scanned for new files")
	pflags.DurationVar(&appConfig.FileIdleTimeout, "idle-timeout", appConfig.FileIdleTimeout,
		"stop tailing a file after this long without new lines")
	pflags.BoolVar(&appConfig.FromStart, "from-start", appConfig.FromStart,
		"read existing file contents instead of only new lines")
}

var TailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Tail Kubernetes pod logs and ship every line",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTail(cmd.Context(), appConfig, log.New(os.Stderr, "", log.LstdFlags))
	},
}

func runTail(ctx context.Context, config AppConfig, logger *log.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// the shipper outlives the signal so buffered lines are still delivered on shutdown
	l, closeShipper, err := newShipper(ctx, config, logging.Context{"node": config.NodeName}, logger)
	if err != nil {
		return err
	}

	ctx, cancel := handleKills(ctx, logger)
	defer cancel()

	service := daemon.NewService(ctx, daemon.Config{
		LogRootPath:        config.LogRootPath,
		ScanInterval:       config.ScanInterval,
		MinWorkers:         config.MinWorkers,
		MaxWorkers:         config.MaxWorkers,
		FileQueueSize:      config.QueueSize,
		NodeName:           config.NodeName,
		ScaleUpThreshold:   config.ScaleUpThreshold,
		ScaleDownThreshold: config.ScaleDownThreshold,
		ScaleCheckInterval: config.ScaleCheckInterval,
		FileIdleTimeout:    config.FileIdleTimeout,
		FromStart:          config.FromStart,
		Logger:             logger,
	}, l)
	service.Start()

	<-ctx.Done()
	logger.Println("Shutting down...")

	service.Stop()
	closeShipper()

	stats := l.Stats()
	logger.Printf("Shipped %d of %d entries in %d batches (%d failed)",
		stats.Synced, stats.Logged, stats.Batch.Flushes, stats.Batch.FailedFlushes)
	return nil
}
