package throttle

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/Chichichkin/logshipper/internal/logging"
)

// Throttle bounds the number of concurrently running calls. Waiting calls are
// admitted in the order they arrived.
type Throttle struct {
	sem      *semaphore.Weighted
	max      int
	inFlight atomic.Int64
	queued   atomic.Int64
}

func New(max int) *Throttle {
	if max < 1 {
		max = 1
	}
	return &Throttle{
		sem: semaphore.NewWeighted(int64(max)),
		max: max,
	}
}

// Do runs fn once a slot is free. The slot is released whether fn fails or not.
func (t *Throttle) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	t.queued.Add(1)
	err := t.sem.Acquire(ctx, 1)
	t.queued.Add(-1)
	if err != nil {
		return err
	}
	defer t.sem.Release(1)

	t.inFlight.Add(1)
	defer t.inFlight.Add(-1)

	return fn(ctx)
}

// Wrap returns a Sync with the same contract as fn that runs under the throttle.
func (t *Throttle) Wrap(fn logging.Sync) logging.Sync {
	return func(ctx context.Context, entries []logging.LogEntry) ([]logging.LogEntry, error) {
		var synced []logging.LogEntry
		err := t.Do(ctx, func(ctx context.Context) error {
			var err error
			synced, err = fn(ctx, entries)
			return err
		})
		return synced, err
	}
}

func (t *Throttle) Max() int {
	return t.max
}

func (t *Throttle) InFlight() int {
	return int(t.inFlight.Load())
}

func (t *Throttle) Queued() int {
	return int(t.queued.Load())
}
