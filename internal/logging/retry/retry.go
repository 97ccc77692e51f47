package retry

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/Chichichkin/logshipper/internal/logging"
)

const DefaultMaxTries = 3

type Config struct {
	// MaxTries counts the first attempt too. Zero means DefaultMaxTries.
	MaxTries  int
	BaseDelay time.Duration
	Logger    *log.Logger
}

// Delay returns the pause before attempt n (n starts at 1 for the first retry).
// Pauses grow along the Fibonacci sequence: base, base, 2*base, 3*base, 5*base...
func Delay(base time.Duration, n int) time.Duration {
	a, b := 1, 1
	for i := 1; i < n; i++ {
		a, b = b, a+b
	}
	return time.Duration(a) * base
}

// Attempts converts a retry count into MaxTries: retries after a first attempt
// that always happens. Negative counts are treated as zero.
func Attempts(retries int) int {
	if retries < 0 {
		return 1
	}
	return retries + 1
}

// Wrap retries fn up to MaxTries times. It gives up early once ctx is done.
func Wrap(fn logging.Sync, config Config) logging.Sync {
	if config.MaxTries < 1 {
		config.MaxTries = DefaultMaxTries
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	return func(ctx context.Context, entries []logging.LogEntry) ([]logging.LogEntry, error) {
		var err error
		for i := 0; i < config.MaxTries; i++ {
			var synced []logging.LogEntry
			synced, err = fn(ctx, entries)
			if err == nil {
				return synced, nil
			}

			if i < config.MaxTries-1 {
				delay := Delay(config.BaseDelay, i+1)
				config.Logger.Printf("Retry %d/%d in %s after error: %v", i+1, config.MaxTries, delay, err)

				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, errors.Wrap(ctx.Err(), "retry aborted")
				}
			}
		}

		return nil, errors.Wrapf(err, "failed to send batch after %d attempts", config.MaxTries)
	}
}
