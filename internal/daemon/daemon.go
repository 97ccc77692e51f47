// Package daemon tails log files under a directory tree and hands every new line to
// an EntryLogger. Files are picked up by a periodic scan and tailed by a pool of
// workers that grows and shrinks with the backlog.
package daemon

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"

	"github.com/Chichichkin/logshipper/internal/logging"
	"github.com/Chichichkin/logshipper/internal/logging/deferred"
)

type Config struct {
	LogRootPath        string
	ScanInterval       time.Duration
	MinWorkers         int
	MaxWorkers         int
	FileQueueSize      int
	NodeName           string
	ScaleUpThreshold   float64 // default: 0.9
	ScaleDownThreshold float64 // default: 0.3
	ScaleCheckInterval time.Duration
	ReportInterval     time.Duration
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
	// Read files from their start instead of only following new lines
	FromStart bool
	Logger    *log.Logger
}

func DefaultConfig() Config {
	return Config{
		LogRootPath:        "/var/log/pods",
		ScanInterval:       10 * time.Second,
		MinWorkers:         2,
		MaxWorkers:         10,
		FileQueueSize:      100,
		ScaleUpThreshold:   0.9,
		ScaleDownThreshold: 0.3,
		ScaleCheckInterval: 5 * time.Second,
		ReportInterval:     30 * time.Second,
	}
}

type Service struct {
	config  Config
	entries logging.EntryLogger
	logger  *log.Logger
	metrics *Metrics

	ctx           context.Context
	cancel        context.CancelFunc
	fileQueue     chan string
	workersWg     sync.WaitGroup
	subServicesWg sync.WaitGroup

	scaleMutex     sync.Mutex
	workers        []*worker
	currentWorkers int

	filesMu sync.Mutex
	seen    map[string]struct{}
	active  map[string]struct{}
}

type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService returns a service that feeds entries. Start launches MinWorkers
// workers plus the scanner, the scaler and the metrics reporter.
func NewService(ctx context.Context, config Config, entries logging.EntryLogger) *Service {
	config = normalizeConfig(config)
	sCtx, cancel := context.WithCancel(ctx)

	return &Service{
		config:         config,
		entries:        entries,
		logger:         config.Logger,
		metrics:        &Metrics{FilesQueueCapacity: config.FileQueueSize},
		ctx:            sCtx,
		cancel:         cancel,
		fileQueue:      make(chan string, config.FileQueueSize),
		workers:        make([]*worker, config.MaxWorkers),
		currentWorkers: config.MinWorkers,
		seen:           make(map[string]struct{}),
		active:         make(map[string]struct{}),
	}
}

func normalizeConfig(config Config) Config {
	defaults := DefaultConfig()
	if config.ScanInterval <= 0 {
		config.ScanInterval = defaults.ScanInterval
	}
	if config.MinWorkers < 1 {
		config.MinWorkers = 1
	}
	if config.MaxWorkers < config.MinWorkers {
		config.MaxWorkers = config.MinWorkers
	}
	if config.FileQueueSize < 1 {
		config.FileQueueSize = defaults.FileQueueSize
	}
	if config.ScaleUpThreshold <= 0 {
		config.ScaleUpThreshold = defaults.ScaleUpThreshold
	}
	if config.ScaleDownThreshold <= 0 {
		config.ScaleDownThreshold = defaults.ScaleDownThreshold
	}
	if config.ScaleCheckInterval <= 0 {
		config.ScaleCheckInterval = defaults.ScaleCheckInterval
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = defaults.ReportInterval
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return config
}

func (s *Service) Metrics() Metrics {
	return s.metrics.GetMetricsStamp()
}

func (s *Service) Start() {
	s.logger.Printf("Starting tail service: root=%s, workers=%d..%d, queue size=%d",
		s.config.LogRootPath, s.config.MinWorkers, s.config.MaxWorkers, s.config.FileQueueSize)

	s.scaleMutex.Lock()
	for i := 0; i < s.config.MinWorkers; i++ {
		s.startWorker(i)
	}
	s.scaleMutex.Unlock()

	s.subServicesWg.Add(3)
	go s.scanner()
	go s.monitorAndScale()
	go s.metricsReporter()

	s.logger.Println("Tail service started")
}

// Stop cancels every tail and waits for workers to return. Lines already handed to
// the EntryLogger are not waited for; close the logger afterwards to drain them.
func (s *Service) Stop() {
	s.logger.Println("Stopping tail service...")
	s.cancel()

	s.subServicesWg.Wait()

	close(s.fileQueue)
	s.workersWg.Wait()

	s.logger.Println("Tail service stopped")
}

// startWorker must be called with scaleMutex held.
func (s *Service) startWorker(id int) {
	if id >= len(s.workers) || s.workers[id] != nil {
		return
	}

	workerCtx, cancel := context.WithCancel(s.ctx)
	w := &worker{id: id, ctx: workerCtx, cancel: cancel}
	s.workers[id] = w

	s.workersWg.Add(1)
	go s.worker(w)

	s.metrics.IncWorkersActive()
	s.logger.Printf("Worker %d started", id)
}

// stopWorker must be called with scaleMutex held.
func (s *Service) stopWorker(id int) {
	if id >= len(s.workers) || s.workers[id] == nil {
		return
	}

	s.workers[id].cancel()
	s.workers[id] = nil

	s.metrics.DecWorkersActive()
	s.logger.Printf("Worker %d stopped", id)
}

func (s *Service) worker(w *worker) {
	defer s.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("Worker %d panicked: %v", w.id, r)
		}
	}()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.DecAmountQueueFiles()
			s.metrics.IncWorkersBusy()
			s.processFile(w.ctx, filePath)
			s.metrics.DecWorkersBusy()
			s.release(filePath)

		case <-w.ctx.Done():
			return
		}
	}
}

func (s *Service) processFile(ctx context.Context, filePath string) {
	defer s.metrics.IncFilesProcessed()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("File processing panicked for %s: %v", filePath, r)
			s.metrics.IncFilesFailed()
		}
	}()

	whence := io.SeekEnd
	if s.config.FromStart {
		whence = io.SeekStart
	}

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Printf("Failed to tail file %s: %v", filePath, err)
		s.metrics.IncFilesFailed()
		return
	}
	defer t.Cleanup()
	defer func() {
		// the tail goroutine blocks on unread lines, keep draining until Stop returns
		go func() {
			for range t.Lines {
			}
		}()
		_ = t.Stop()
	}()

	labels := s.extractLabels(filePath)

	checkTicker := time.NewTicker(time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()
	var pending []*deferred.Deferred[logging.LogEntry]
	defer func() {
		if pending = s.sweepDeliveries(pending); len(pending) > 0 {
			go s.awaitDeliveries(pending)
		}
	}()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.logger.Printf("Error reading from %s: %v", filePath, line.Err)
				continue
			}
			if strings.TrimSpace(line.Text) == "" {
				continue
			}

			s.metrics.IncLinesRead()
			pending = append(pending, s.entries.LogAsync(ctx, line.Text, detectLevel(line.Text), labels))
			lastActivity = time.Now()

		case <-checkTicker.C:
			pending = s.sweepDeliveries(pending)
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// sweepDeliveries counts settled deliveries and returns the ones still pending.
func (s *Service) sweepDeliveries(pending []*deferred.Deferred[logging.LogEntry]) []*deferred.Deferred[logging.LogEntry] {
	remaining := pending[:0]
	for _, result := range pending {
		select {
		case <-result.Done():
			s.countDelivery(result)
		default:
			remaining = append(remaining, result)
		}
	}
	return remaining
}

// awaitDeliveries counts deliveries still in flight after their tail has ended.
// They settle once the logger syncs or closes.
func (s *Service) awaitDeliveries(pending []*deferred.Deferred[logging.LogEntry]) {
	for _, result := range pending {
		<-result.Done()
		s.countDelivery(result)
	}
}

func (s *Service) countDelivery(result *deferred.Deferred[logging.LogEntry]) {
	if _, err := result.Wait(context.Background()); err != nil {
		s.metrics.IncLinesFailed()
	} else {
		s.metrics.IncLinesShipped()
	}
}

func (s *Service) scanner() {
	defer s.subServicesWg.Done()

	s.scanFiles()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

// scanFiles queues every discovered file that is not already being tailed.
func (s *Service) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Printf("Error discovering log files: %v", err)
		return
	}

	for _, file := range files {
		if !s.claim(file) {
			continue
		}
		select {
		case s.fileQueue <- file:
			s.metrics.IncAmountQueueFiles()
		case <-s.ctx.Done():
			s.release(file)
			return
		default:
			s.release(file)
			s.logger.Printf("File queue full (%d/%d), skipping %s",
				len(s.fileQueue), cap(s.fileQueue), file)
		}
	}
}

// claim marks file as active and reports whether it was idle before.
func (s *Service) claim(file string) bool {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()

	if _, ok := s.seen[file]; !ok {
		s.seen[file] = struct{}{}
		s.metrics.IncFilesDiscovered()
	}
	if _, ok := s.active[file]; ok {
		return false
	}
	s.active[file] = struct{}{}
	return true
}

func (s *Service) release(file string) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	delete(s.active, file)
}

func (s *Service) monitorAndScale() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.ScaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.adjustWorkers()

		case <-s.ctx.Done():
			return
		}
	}
}

// adjustWorkers adds a worker when both the queue and the workers are saturated,
// and removes one when both are mostly idle.
func (s *Service) adjustWorkers() {
	metrics := s.metrics.GetMetricsStamp()

	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.config.MinWorkers == s.config.MaxWorkers {
		return
	}

	queueUsage := metrics.GetQueueUsage()
	utilization := 0.0
	if s.currentWorkers > 0 {
		utilization = float64(metrics.WorkersBusy) / float64(s.currentWorkers)
	}

	switch {
	case queueUsage > s.config.ScaleUpThreshold &&
		utilization > s.config.ScaleUpThreshold &&
		s.currentWorkers < s.config.MaxWorkers:
		s.startWorker(s.currentWorkers)
		s.currentWorkers++
		s.metrics.IncScaleUpOperations()
		s.logger.Printf("Scaled up to %d workers (queue usage: %d%%)", s.currentWorkers, int(queueUsage*100))

	case queueUsage < s.config.ScaleDownThreshold &&
		utilization < s.config.ScaleDownThreshold &&
		s.currentWorkers > s.config.MinWorkers:
		s.currentWorkers--
		s.stopWorker(s.currentWorkers)
		s.metrics.IncScaleDownOperations()
		s.logger.Printf("Scaled down to %d workers (queue usage: %d%%)", s.currentWorkers, int(queueUsage*100))
	}
}

func (s *Service) workerCount() int {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()
	return s.currentWorkers
}

// counters is implemented by loggers that count what they accepted and delivered.
type counters interface {
	Logged() int64
	Synced() int64
}

func (s *Service) metricsReporter() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.report()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) report() {
	m := s.metrics.GetMetricsStamp()

	s.logger.Printf(
		"Metrics: workers active/max=%d/%d, busy=%d, queue=%d/%d (%d%%), files processed/discovered/failed=%d/%d/%d, lines read/shipped/failed=%d/%d/%d, scale up/down=%d/%d",
		m.WorkersActive, s.config.MaxWorkers,
		m.WorkersBusy,
		m.QueuedFiles, s.config.FileQueueSize, int(m.GetQueueUsage()*100),
		m.FilesProcessed, m.FilesDiscovered, m.FilesFailed,
		m.LinesRead, m.LinesShipped, m.LinesFailed,
		m.ScaleUpOperations, m.ScaleDownOperations,
	)

	if c, ok := s.entries.(counters); ok {
		s.logger.Printf("Logger: logged=%d, synced=%d", c.Logged(), c.Synced())
	}
}

func (s *Service) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.WalkDir(s.config.LogRootPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			s.logger.Printf("Error accessing path %s: %v", path, err)
			return nil
		}

		if !d.IsDir() && strings.HasSuffix(d.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels reads Kubernetes metadata from a path laid out as
// <root>/<namespace>_<pod>_<uid>/<container>/<file>.log.
func (s *Service) extractLabels(filePath string) logging.Context {
	labels := logging.Context{
		"file": filepath.Base(filePath),
	}
	if s.config.NodeName != "" {
		labels["node"] = s.config.NodeName
	}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return labels
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return labels
	}

	podParts := strings.Split(parts[0], "_")
	if len(podParts) >= 3 {
		labels["namespace"] = podParts[0]
		labels["pod"] = podParts[1]
		labels["pod_uid"] = podParts[2]
	}
	labels["container"] = parts[1]

	return labels
}

// detectLevel guesses the severity of a raw log line from common level markers.
func detectLevel(line string) logging.Level {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "fatal") || strings.Contains(lower, "panic"):
		return logging.LevelError
	case strings.Contains(lower, "warn"):
		return logging.LevelWarn
	case strings.Contains(lower, "debug") || strings.Contains(lower, "trace"):
		return logging.LevelDebug
	default:
		return logging.LevelInfo
	}
}
