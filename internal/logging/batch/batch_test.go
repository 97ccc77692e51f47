package batch

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logshipper/internal/logging"
	"github.com/Chichichkin/logshipper/internal/logging/deferred"
	"github.com/Chichichkin/logshipper/internal/testutils"
)

func newTestLogger() (*log.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return log.New(&buf, "", 0), &buf
}

func waitAll(t *testing.T, results []*deferred.Deferred[logging.LogEntry], timeout time.Duration) []error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errs := make([]error, len(results))
	for i, r := range results {
		_, errs[i] = r.Wait(ctx)
	}
	return errs
}

func TestBatchProcessor_WarnsOnSmallBatchSize(t *testing.T) {
	logger, buf := newTestLogger()

	processor := NewBatchProcessor(context.TODO(), (&testutils.MockSync{}).Sync, logging.Config{
		BatchSize:     3,
		BatchInterval: time.Second,
	}, logger)
	defer processor.Stop()

	assert.Equal(t, MinBatchSize, processor.Config().BatchSize)
	assert.Equal(t, 1, strings.Count(buf.String(), "warning: Gracefully fixing bad value of batch size to default 5"))
	assert.NotContains(t, buf.String(), "timeout")
}

func TestBatchProcessor_WarnsOnSmallInterval(t *testing.T) {
	logger, buf := newTestLogger()

	processor := NewBatchProcessor(context.TODO(), (&testutils.MockSync{}).Sync, logging.Config{
		BatchSize:     5,
		BatchInterval: 999 * time.Millisecond,
	}, logger)
	defer processor.Stop()

	assert.Equal(t, MinBatchInterval, processor.Config().BatchInterval)
	assert.Equal(t, 1, strings.Count(buf.String(), "warning: Gracefully fixing bad value of timeout to default 1000"))
	assert.NotContains(t, buf.String(), "batch size")
}

func TestBatchProcessor_ZeroConfigUsesFloorsSilently(t *testing.T) {
	logger, buf := newTestLogger()

	processor := NewBatchProcessor(context.TODO(), (&testutils.MockSync{}).Sync, logging.Config{}, logger)
	defer processor.Stop()

	assert.Equal(t, MinBatchSize, processor.Config().BatchSize)
	assert.Equal(t, MinBatchInterval, processor.Config().BatchInterval)
	assert.Empty(t, buf.String())
}

func TestBatchProcessor_FlushOnSize(t *testing.T) {
	mockSync := &testutils.MockSync{}
	logger, _ := newTestLogger()

	processor := NewBatchProcessor(context.TODO(), mockSync.Sync, logging.Config{
		BatchSize:     4,
		BatchInterval: time.Second,
	}, logger)
	defer processor.Stop()

	start := time.Now()
	var results []*deferred.Deferred[logging.LogEntry]
	for i := 0; i < 5; i++ {
		results = append(results, processor.Submit(logging.LogEntry{
			Message:   fmt.Sprintf("test%d", i),
			Timestamp: time.Now(),
		}))
	}

	for _, err := range waitAll(t, results, 900*time.Millisecond) {
		assert.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second)

	batches := mockSync.GetSentBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 5)
	for i, entry := range batches[0] {
		assert.Equal(t, fmt.Sprintf("test%d", i), entry.Message)
	}
}

func TestBatchProcessor_BatchTimeout(t *testing.T) {
	mockSync := &testutils.MockSync{}
	logger, _ := newTestLogger()

	processor := NewBatchProcessor(context.TODO(), mockSync.Sync, logging.Config{
		BatchSize:     100,
		BatchInterval: time.Second,
	}, logger)
	defer processor.Stop()

	start := time.Now()
	result := processor.Submit(logging.LogEntry{
		Message:   "timeout test",
		Timestamp: time.Now(),
	})

	errs := waitAll(t, []*deferred.Deferred[logging.LogEntry]{result}, 2*time.Second)
	assert.NoError(t, errs[0])
	assert.GreaterOrEqual(t, time.Since(start), 990*time.Millisecond)

	batches := mockSync.GetSentBatches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)
	assert.Equal(t, "timeout test", batches[0][0].Message)
}

func TestBatchProcessor_SizeFlushDisarmsTimer(t *testing.T) {
	mockSync := &testutils.MockSync{}
	logger, _ := newTestLogger()

	processor := NewBatchProcessor(context.TODO(), mockSync.Sync, logging.Config{
		BatchSize:     5,
		BatchInterval: time.Second,
	}, logger)
	defer processor.Stop()

	var results []*deferred.Deferred[logging.LogEntry]
	for i := 0; i < 5; i++ {
		results = append(results, processor.Submit(logging.LogEntry{Message: "x"}))
	}
	for _, err := range waitAll(t, results, time.Second) {
		assert.NoError(t, err)
	}

	time.Sleep(1200 * time.Millisecond)

	assert.Len(t, mockSync.GetSentBatches(), 1)
	assert.Equal(t, int64(1), processor.Stats().Flushes)
}

func TestBatchProcessor_FlushAtBufferCeiling(t *testing.T) {
	mockSync := &testutils.MockSync{}
	logger, _ := newTestLogger()

	processor := NewBatchProcessor(context.TODO(), mockSync.Sync, logging.Config{
		BatchSize:     200,
		BatchInterval: time.Second,
	}, logger)
	defer processor.Stop()

	var results []*deferred.Deferred[logging.LogEntry]
	for i := 0; i <= 100; i++ {
		results = append(results, processor.Submit(logging.LogEntry{Message: fmt.Sprintf("%d", i)}))
	}

	for _, err := range waitAll(t, results, 3*time.Second) {
		assert.NoError(t, err)
	}

	batches := mockSync.GetSentBatches()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], MaxBufferSize-1)
	assert.Len(t, batches[1], 2)
}

func TestBatchProcessor_RejectsWholeBatch(t *testing.T) {
	logger, _ := newTestLogger()
	boom := fmt.Errorf("collector unavailable")

	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	process := func(ctx context.Context, entries []logging.LogEntry) ([]logging.LogEntry, error) {
		mu.Lock()
		calls++
		call := calls
		mu.Unlock()

		if call == 1 {
			<-release
			return nil, boom
		}
		return entries, nil
	}

	processor := NewBatchProcessor(context.TODO(), process, logging.Config{
		BatchSize:     5,
		BatchInterval: time.Second,
	}, logger)
	defer processor.Stop()

	var first, second []*deferred.Deferred[logging.LogEntry]
	for i := 0; i < 5; i++ {
		first = append(first, processor.Submit(logging.LogEntry{Message: "first"}))
	}
	// the first flush is now blocked inside process
	for i := 0; i < 5; i++ {
		second = append(second, processor.Submit(logging.LogEntry{Message: "second"}))
	}

	for _, err := range waitAll(t, second, time.Second) {
		assert.NoError(t, err)
	}

	close(release)
	for _, err := range waitAll(t, first, time.Second) {
		assert.ErrorIs(t, err, boom)
	}

	stats := processor.Stats()
	assert.Equal(t, int64(2), stats.Flushes)
	assert.Equal(t, int64(1), stats.FailedFlushes)
	assert.Equal(t, int64(10), stats.Entries)
}

func TestBatchProcessor_ResolvesWithProcessedEntries(t *testing.T) {
	logger, _ := newTestLogger()
	process := func(ctx context.Context, entries []logging.LogEntry) ([]logging.LogEntry, error) {
		out := make([]logging.LogEntry, len(entries))
		for i, e := range entries {
			out[i] = e.WithContext("synced", true)
		}
		return out, nil
	}

	processor := NewBatchProcessor(context.TODO(), process, logging.Config{BatchSize: 5}, logger)
	defer processor.Stop()

	var results []*deferred.Deferred[logging.LogEntry]
	for i := 0; i < 5; i++ {
		results = append(results, processor.Submit(logging.LogEntry{Message: fmt.Sprintf("m%d", i)}))
	}

	for i, r := range results {
		entry, err := r.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("m%d", i), entry.Message)
		assert.Equal(t, true, entry.Context["synced"])
	}
}

func TestBatchProcessor_Stop(t *testing.T) {
	mockSync := &testutils.MockSync{}
	logger, _ := newTestLogger()

	processor := NewBatchProcessor(context.TODO(), mockSync.Sync, logging.Config{
		BatchSize:     100,
		BatchInterval: 10 * time.Second,
	}, logger)

	var results []*deferred.Deferred[logging.LogEntry]
	for i := 0; i < 3; i++ {
		results = append(results, processor.Submit(logging.LogEntry{
			Message:   fmt.Sprintf("test %d", i),
			Timestamp: time.Now(),
		}))
	}

	processor.Stop()

	for _, r := range results {
		select {
		case <-r.Done():
		default:
			t.Fatalf("pending entry not settled by Stop")
		}
	}
	assert.Equal(t, 3, mockSync.TotalEntries())

	_, err := processor.AddEntry(context.Background(), logging.LogEntry{Message: "late"})
	assert.ErrorIs(t, err, logging.ErrProcessorStopped)
}

func TestBatchProcessor_PanicRejectsBatch(t *testing.T) {
	logger, buf := newTestLogger()
	process := func(ctx context.Context, entries []logging.LogEntry) ([]logging.LogEntry, error) {
		panic("sync exploded")
	}

	processor := NewBatchProcessor(context.TODO(), process, logging.Config{BatchSize: 5}, logger)
	defer processor.Stop()

	var results []*deferred.Deferred[logging.LogEntry]
	for i := 0; i < 5; i++ {
		results = append(results, processor.Submit(logging.LogEntry{Message: "p"}))
	}

	for _, err := range waitAll(t, results, time.Second) {
		assert.ErrorContains(t, err, "sync exploded")
	}
	assert.Contains(t, buf.String(), "panicked")
}

func TestBatchProcessor_ConcurrentAddAndFlush(t *testing.T) {
	mockSync := &testutils.MockSync{}
	logger, _ := newTestLogger()

	processor := NewBatchProcessor(context.TODO(), mockSync.Sync, logging.Config{
		BatchSize:     5,
		BatchInterval: time.Second,
	}, logger)
	defer processor.Stop()

	var wg sync.WaitGroup
	worker := func(id int) {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			entry, err := processor.AddEntry(context.Background(), logging.LogEntry{
				Message:   fmt.Sprintf("w%d-%d", id, i),
				Timestamp: time.Now(),
			})
			assert.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("w%d-%d", id, i), entry.Message)
		}
	}

	wg.Add(5)
	for w := 0; w < 5; w++ {
		go worker(w)
	}
	wg.Wait()

	assert.Equal(t, 250, mockSync.TotalEntries())
	for _, b := range mockSync.GetSentBatches() {
		assert.LessOrEqual(t, len(b), 5)
	}
}
