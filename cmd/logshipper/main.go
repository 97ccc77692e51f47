package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/Chichichkin/logshipper/internal/logging"
	"github.com/Chichichkin/logshipper/internal/logging/loki"
	"github.com/Chichichkin/logshipper/internal/logging/middleware"
	"github.com/Chichichkin/logshipper/internal/logging/natsink"
	"github.com/Chichichkin/logshipper/internal/logging/retry"
	"github.com/Chichichkin/logshipper/internal/shipper"
)

var appConfig = getConfig()

var RootCmd = &cobra.Command{
	Use:   "logshipper",
	Short: "Ship log entries in batches to Loki or NATS",
	Long: `logshipper batches log entries and delivers them to a collector.
Every flag defaults to its environment variable, e.g. --endpoint to LOKI_URL.`,
	SilenceUsage: true,
}

func init() {
	pflags := RootCmd.PersistentFlags()

	pflags.StringVar(&appConfig.Endpoint, "endpoint", appConfig.Endpoint,
		"collector `URL` (Loki base URL or NATS server URL)")
	pflags.StringVar(&appConfig.APIKey, "api-key", appConfig.APIKey,
		"API key sent as basic auth to Loki")
	pflags.StringVar(&appConfig.Sink, "sink", appConfig.Sink,
		"delivery target, one of loki or nats")
	pflags.StringVar(&appConfig.NATSSubject, "nats-subject", appConfig.NATSSubject,
		"NATS `SUBJECT` batches are published to")
	pflags.StringVar(&appConfig.Job, "job", appConfig.Job,
		"value of the Loki job label")
	pflags.IntVar(&appConfig.BatchSize, "batch-size", appConfig.BatchSize,
		"maximum entries per sync call")
	pflags.DurationVar(&appConfig.BatchInterval, "batch-interval", appConfig.BatchInterval,
		"longest an entry waits before its batch is synced")
	pflags.IntVar(&appConfig.SyncMax, "sync-max", appConfig.SyncMax,
		"maximum sync calls in flight")
	pflags.BoolVar(&appConfig.IgnoreExceptions, "ignore-exceptions", appConfig.IgnoreExceptions,
		"treat failed syncs as delivered")
	pflags.IntVar(&appConfig.MaxRetries, "max-retries", appConfig.MaxRetries,
		"retries per batch after the first attempt, 0 disables retrying")
	pflags.DurationVar(&appConfig.RetryDelay, "retry-delay", appConfig.RetryDelay,
		"base delay between attempts")
	pflags.DurationVar(&appConfig.RequestTimeout, "request-timeout", appConfig.RequestTimeout,
		"timeout of a single push request")
	pflags.Float64Var(&appConfig.RateLimit, "rate-limit", appConfig.RateLimit,
		"entries per second admitted into the pipeline, 0 disables")
	pflags.IntVar(&appConfig.RateBurst, "rate-burst", appConfig.RateBurst,
		"burst size of --rate-limit")
	pflags.StringSliceVar(&appConfig.Pluck, "pluck", appConfig.Pluck,
		"keep only these dotted context paths")

	RootCmd.AddCommand(TailCmd)
	RootCmd.AddCommand(SendCmd)
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// handleKills cancels the returned context on SIGINT or SIGTERM.
func handleKills(ctx context.Context, logger *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signalChan)
		select {
		case <-signalChan:
			logger.Println("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// newSync returns the sync function for config.Sink and a func releasing its resources.
func newSync(config AppConfig, logger *log.Logger) (logging.Sync, func(), error) {
	switch config.Sink {
	case "", "loki":
		sender := loki.NewLokiSender(loki.Config{
			URL:        config.Endpoint,
			APIKey:     config.APIKey,
			Job:        config.Job,
			MaxRetries: config.MaxRetries,
			RetryDelay: config.RetryDelay,
			Timeout:    config.RequestTimeout,
			Logger:     logger,
		})
		return sender.Sync, func() {}, nil

	case "nats":
		sender, err := natsink.Connect(natsink.Config{
			URL:          config.Endpoint,
			Subject:      config.NATSSubject,
			FlushTimeout: config.RequestTimeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		fn := retry.Wrap(sender.Sync, retry.Config{
			MaxTries:  retry.Attempts(config.MaxRetries),
			BaseDelay: config.RetryDelay,
			Logger:    logger,
		})
		return fn, sender.Close, nil

	default:
		return nil, nil, errors.Errorf("unknown sink %q", config.Sink)
	}
}

// newShipper builds a Logger wired to the configured sink and middleware.
func newShipper(ctx context.Context, config AppConfig, fields logging.Context, logger *log.Logger) (*shipper.Logger, func(), error) {
	fn, closeSink, err := newSync(config, logger)
	if err != nil {
		return nil, nil, err
	}

	l := shipper.New(ctx, shipper.Options{
		Endpoint:         config.Endpoint,
		BatchSize:        config.BatchSize,
		BatchInterval:    config.BatchInterval,
		SyncMax:          config.SyncMax,
		IgnoreExceptions: config.IgnoreExceptions,
		Logger:           logger,
	})
	l.SetSync(fn)

	if config.RateLimit > 0 {
		// a zero burst admits nothing
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		l.Use(middleware.RateLimit(rate.NewLimiter(rate.Limit(config.RateLimit), burst)))
	}
	if len(fields) > 0 {
		l.Use(middleware.WithFields(fields))
	}
	if len(config.Pluck) > 0 {
		l.Use(middleware.Pluck(config.Pluck...))
	}

	closeAll := func() {
		l.Close()
		closeSink()
	}
	return l, closeAll, nil
}
