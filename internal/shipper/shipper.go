// Package shipper is the logging entry point. A Logger stamps each message with a
// level and timestamp, runs it through the middleware pipeline and ships it in
// batches through a throttled sync function.
//
// Every call returns only once the batch holding its entry has been delivered or
// has failed, so callers learn the outcome of their own entry even though entries
// travel in bulk.
package shipper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/Chichichkin/logshipper/internal/logging"
	"github.com/Chichichkin/logshipper/internal/logging/batch"
	"github.com/Chichichkin/logshipper/internal/logging/deferred"
	"github.com/Chichichkin/logshipper/internal/logging/pipeline"
	"github.com/Chichichkin/logshipper/internal/logging/throttle"
)

type Options struct {
	// Endpoint is handed to sync collaborators; the logger itself never dials it.
	Endpoint string

	// BatchSize is the maximum number of entries per sync call.
	BatchSize int

	// BatchInterval is the longest an entry waits in the buffer before syncing.
	BatchInterval time.Duration

	// SyncMax is the maximum number of sync calls in flight.
	SyncMax int

	// IgnoreExceptions resolves entries of failed batches instead of returning the error.
	IgnoreExceptions bool

	Logger *log.Logger
}

func DefaultOptions() Options {
	return Options{
		BatchSize:     1000,
		BatchInterval: time.Second,
		SyncMax:       5,
	}
}

type Stats struct {
	Logged int64
	Synced int64
	Batch  batch.Stats
}

type Logger struct {
	options  Options
	logger   *log.Logger
	pipeline *pipeline.Pipeline
	throttle *throttle.Throttle
	batcher  *batch.Processor

	syncMu sync.RWMutex
	sync   logging.Sync

	logged atomic.Int64
	synced atomic.Int64
}

func New(ctx context.Context, options Options) *Logger {
	defaults := DefaultOptions()
	if options.BatchSize == 0 {
		options.BatchSize = defaults.BatchSize
	}
	if options.BatchInterval == 0 {
		options.BatchInterval = defaults.BatchInterval
	}
	if options.SyncMax == 0 {
		options.SyncMax = defaults.SyncMax
	}
	if options.Logger == nil {
		options.Logger = log.Default()
	}

	l := &Logger{
		options:  options,
		logger:   options.Logger,
		pipeline: pipeline.New(),
		throttle: throttle.New(options.SyncMax),
	}

	syncThrottled := l.throttle.Wrap(l.callSync)
	l.batcher = batch.NewBatchProcessor(ctx, func(ctx context.Context, entries []logging.LogEntry) ([]logging.LogEntry, error) {
		synced, err := syncThrottled(ctx, entries)
		if err != nil {
			return nil, &logging.TransportError{Entries: len(entries), Err: err}
		}
		return synced, nil
	}, logging.Config{
		BatchSize:     options.BatchSize,
		BatchInterval: options.BatchInterval,
	}, options.Logger)

	return l
}

func (l *Logger) Options() Options {
	return l.options
}

// SetSync sets the function that delivers batches to the collector.
func (l *Logger) SetSync(fn logging.Sync) {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()
	l.sync = fn
}

func (l *Logger) getSync() logging.Sync {
	l.syncMu.RLock()
	defer l.syncMu.RUnlock()
	return l.sync
}

func (l *Logger) callSync(ctx context.Context, entries []logging.LogEntry) ([]logging.LogEntry, error) {
	fn := l.getSync()
	if fn == nil {
		return nil, logging.ErrMissingSync
	}
	return fn(ctx, entries)
}

// Use appends fn to the middleware pipeline. Middleware runs in the order it was added.
func (l *Logger) Use(fn logging.Middleware) pipeline.Handle {
	return l.pipeline.Use(fn)
}

func (l *Logger) Remove(h pipeline.Handle) bool {
	return l.pipeline.Remove(h)
}

// Logged counts calls accepted by Log, including those still in flight.
func (l *Logger) Logged() int64 {
	return l.logged.Load()
}

// Synced counts entries whose batch was accepted by the sync function.
func (l *Logger) Synced() int64 {
	return l.synced.Load()
}

func (l *Logger) Stats() Stats {
	return Stats{
		Logged: l.Logged(),
		Synced: l.Synced(),
		Batch:  l.batcher.Stats(),
	}
}

// LogAsync accepts message and returns a handle settled once its batch is synced.
// The middleware pipeline runs before LogAsync returns, so entries logged one after
// another from the same goroutine keep their order inside a batch.
func (l *Logger) LogAsync(ctx context.Context, message interface{}, level logging.Level, fields logging.Context) *deferred.Deferred[logging.LogEntry] {
	if l.getSync() == nil {
		return deferred.Rejected[logging.LogEntry](logging.ErrMissingSync)
	}

	l.logged.Add(1)

	entry := buildEntry(message, level, fields)

	transformed, err := l.pipeline.Apply(ctx, entry)
	if err != nil {
		return deferred.Rejected[logging.LogEntry](err)
	}

	pending := l.batcher.Submit(transformed)
	result := deferred.New[logging.LogEntry]()

	go func() {
		synced, err := pending.Wait(context.Background())
		if err != nil {
			if l.options.IgnoreExceptions {
				result.Resolve(transformed)
				return
			}
			result.Reject(err)
			return
		}

		l.synced.Add(1)
		result.Resolve(synced)
	}()

	return result
}

// Log ships message and waits for the outcome of its batch.
func (l *Logger) Log(ctx context.Context, message interface{}, level logging.Level, fields logging.Context) (logging.LogEntry, error) {
	return l.LogAsync(ctx, message, level, fields).Wait(ctx)
}

func (l *Logger) Debug(ctx context.Context, message interface{}, fields logging.Context) (logging.LogEntry, error) {
	return l.Log(ctx, message, logging.LevelDebug, fields)
}

func (l *Logger) Info(ctx context.Context, message interface{}, fields logging.Context) (logging.LogEntry, error) {
	return l.Log(ctx, message, logging.LevelInfo, fields)
}

func (l *Logger) Warn(ctx context.Context, message interface{}, fields logging.Context) (logging.LogEntry, error) {
	return l.Log(ctx, message, logging.LevelWarn, fields)
}

func (l *Logger) Error(ctx context.Context, message interface{}, fields logging.Context) (logging.LogEntry, error) {
	return l.Log(ctx, message, logging.LevelError, fields)
}

// Flush syncs buffered entries without waiting for a size or time trigger.
func (l *Logger) Flush() {
	l.batcher.Flush()
}

// Close syncs buffered entries and waits for in-flight batches.
func (l *Logger) Close() {
	l.batcher.Stop()
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func buildEntry(message interface{}, level logging.Level, fields logging.Context) logging.LogEntry {
	if !level.Valid() {
		level = logging.LevelInfo
	}

	entry := logging.LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Context:   fields.Clone(),
	}

	switch m := message.(type) {
	case string:
		entry.Message = m
	case error:
		entry.Message = m.Error()
		entry.Context["stack"] = errorStack(m)
	case fmt.Stringer:
		entry.Message = m.String()
	default:
		entry.Message = fmt.Sprint(m)
	}

	return entry
}

// errorStack returns the stack recorded by pkg/errors, or the current one when err
// carries none.
func errorStack(err error) string {
	var st stackTracer
	if errors.As(err, &st) {
		return fmt.Sprintf("%+v", st.StackTrace())
	}
	st = errors.WithStack(err).(stackTracer)
	return fmt.Sprintf("%+v", st.StackTrace())
}
