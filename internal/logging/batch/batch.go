package batch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chichichkin/logshipper/internal/logging"
	"github.com/Chichichkin/logshipper/internal/logging/deferred"
)

const (
	// MinBatchSize and MinBatchInterval are floors applied to the configuration so a
	// caller cannot defeat batching.
	MinBatchSize     = 5
	MinBatchInterval = time.Second

	// MaxBufferSize bounds the buffer regardless of the configured batch size; the
	// buffer is flushed when it holds MaxBufferSize-1 entries.
	MaxBufferSize = 100
)

// ProcessFunc receives a flushed batch. When it returns a slice of the same length
// as entries, each caller receives the entry at its position.
type ProcessFunc func(ctx context.Context, entries []logging.LogEntry) ([]logging.LogEntry, error)

type pendingEntry struct {
	entry  logging.LogEntry
	result *deferred.Deferred[logging.LogEntry]
}

type Stats struct {
	Flushes       int64
	FailedFlushes int64
	Entries       int64
}

type Processor struct {
	ctx        context.Context
	process    ProcessFunc
	config     logging.Config
	logger     *log.Logger
	batch      []pendingEntry
	batchMutex sync.Mutex
	timer      *time.Timer
	timerGen   uint64
	stopped    bool
	stopCtx    context.CancelFunc
	wg         sync.WaitGroup

	flushes       atomic.Int64
	failedFlushes atomic.Int64
	entries       atomic.Int64
}

func NewBatchProcessor(ctx context.Context, process ProcessFunc, config logging.Config, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	nCtx, cancel := context.WithCancel(ctx)
	return &Processor{
		ctx:     nCtx,
		process: process,
		config:  normalizeConfig(config, logger),
		logger:  logger,
		stopCtx: cancel,
	}
}

func normalizeConfig(config logging.Config, logger *log.Logger) logging.Config {
	switch {
	case config.BatchSize == 0:
		config.BatchSize = MinBatchSize
	case config.BatchSize < MinBatchSize:
		logger.Printf("warning: Gracefully fixing bad value of batch size to default %d", MinBatchSize)
		config.BatchSize = MinBatchSize
	}

	switch {
	case config.BatchInterval == 0:
		config.BatchInterval = MinBatchInterval
	case config.BatchInterval < MinBatchInterval:
		logger.Printf("warning: Gracefully fixing bad value of timeout to default %d", MinBatchInterval.Milliseconds())
		config.BatchInterval = MinBatchInterval
	}

	return config
}

// Config returns the effective configuration after floors were applied.
func (bp *Processor) Config() logging.Config {
	return bp.config
}

// Submit buffers entry and returns a handle settled when the entry's batch has been
// processed.
func (bp *Processor) Submit(entry logging.LogEntry) *deferred.Deferred[logging.LogEntry] {
	result := deferred.New[logging.LogEntry]()

	bp.batchMutex.Lock()
	defer bp.batchMutex.Unlock()

	if bp.stopped {
		result.Reject(logging.ErrProcessorStopped)
		return result
	}

	bp.batch = append(bp.batch, pendingEntry{entry: entry, result: result})

	if len(bp.batch) >= bp.config.BatchSize || len(bp.batch) >= MaxBufferSize-1 {
		bp.flushBatch()
	} else if bp.timer == nil {
		gen := bp.timerGen
		bp.timer = time.AfterFunc(bp.config.BatchInterval, func() {
			bp.timerFlush(gen)
		})
	}

	return result
}

// AddEntry submits entry and waits for its batch to be processed.
func (bp *Processor) AddEntry(ctx context.Context, entry logging.LogEntry) (logging.LogEntry, error) {
	return bp.Submit(entry).Wait(ctx)
}

// Flush hands the current buffer to the processor without waiting for a trigger.
func (bp *Processor) Flush() {
	bp.batchMutex.Lock()
	defer bp.batchMutex.Unlock()
	bp.flushBatch()
}

// Stop flushes what is buffered, waits for in-flight batches and rejects later
// submissions.
func (bp *Processor) Stop() {
	bp.batchMutex.Lock()
	if !bp.stopped {
		bp.stopped = true
		bp.flushBatch()
	}
	bp.batchMutex.Unlock()

	bp.wg.Wait()
	bp.stopCtx()
}

func (bp *Processor) Stats() Stats {
	return Stats{
		Flushes:       bp.flushes.Load(),
		FailedFlushes: bp.failedFlushes.Load(),
		Entries:       bp.entries.Load(),
	}
}

func (bp *Processor) timerFlush(gen uint64) {
	bp.batchMutex.Lock()
	defer bp.batchMutex.Unlock()

	// a size-triggered flush already disarmed this timer
	if bp.timer == nil || gen != bp.timerGen {
		return
	}
	bp.flushBatch()
}

// flushBatch must be called with batchMutex held.
func (bp *Processor) flushBatch() {
	bp.stopTimer()

	if len(bp.batch) == 0 {
		return
	}

	batchToSend := bp.batch
	bp.batch = make([]pendingEntry, 0, len(batchToSend))

	bp.wg.Add(1)
	go bp.processBatch(batchToSend)
}

func (bp *Processor) stopTimer() {
	if bp.timer != nil {
		bp.timer.Stop()
		bp.timer = nil
	}
	bp.timerGen++
}

func (bp *Processor) processBatch(batch []pendingEntry) {
	defer bp.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			bp.logger.Printf("Batch processing panicked: %v", r)
			err := fmt.Errorf("batch processing panicked: %v", r)
			for _, p := range batch {
				p.result.Reject(err)
			}
		}
	}()

	entries := make([]logging.LogEntry, len(batch))
	for i, p := range batch {
		entries[i] = p.entry
	}

	bp.flushes.Add(1)
	bp.entries.Add(int64(len(entries)))

	processed, err := bp.process(bp.ctx, entries)
	if err != nil {
		bp.failedFlushes.Add(1)
		bp.logger.Printf("Failed to send batch of %d entries: %v", len(batch), err)
		for _, p := range batch {
			p.result.Reject(err)
		}
		return
	}

	for i, p := range batch {
		if len(processed) == len(batch) {
			p.result.Resolve(processed[i])
		} else {
			p.result.Resolve(p.entry)
		}
	}
}
