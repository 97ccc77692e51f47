package daemon

import (
	"sync"
)

// Metrics holds the counters of a running Service. Read them through GetMetricsStamp.
type Metrics struct {
	FilesDiscovered     int
	FilesProcessed      int
	FilesFailed         int
	QueuedFiles         int
	FilesQueueCapacity  int
	WorkersActive       int
	WorkersBusy         int
	ScaleUpOperations   int
	ScaleDownOperations int
	LinesRead           int64
	LinesShipped        int64
	LinesFailed         int64
	mu                  sync.RWMutex
}

func (m *Metrics) update(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func (m *Metrics) IncFilesDiscovered() { m.update(func() { m.FilesDiscovered++ }) }
func (m *Metrics) IncFilesProcessed() { m.update(func() { m.FilesProcessed++ }) }
func (m *Metrics) IncFilesFailed() { m.update(func() { m.FilesFailed++ }) }
func (m *Metrics) IncAmountQueueFiles() { m.update(func() { m.QueuedFiles++ }) }
func (m *Metrics) DecAmountQueueFiles() { m.update(func() { m.QueuedFiles-- }) }
func (m *Metrics) IncWorkersActive() { m.update(func() { m.WorkersActive++ }) }
func (m *Metrics) DecWorkersActive() { m.update(func() { m.WorkersActive-- }) }
func (m *Metrics) IncWorkersBusy() { m.update(func() { m.WorkersBusy++ }) }
func (m *Metrics) DecWorkersBusy() { m.update(func() { m.WorkersBusy-- }) }
func (m *Metrics) IncScaleUpOperations() { m.update(func() { m.ScaleUpOperations++ }) }
func (m *Metrics) IncScaleDownOperations() { m.update(func() { m.ScaleDownOperations++ }) }
func (m *Metrics) IncLinesRead() { m.update(func() { m.LinesRead++ }) }
func (m *Metrics) IncLinesShipped() { m.update(func() { m.LinesShipped++ }) }
func (m *Metrics) IncLinesFailed() { m.update(func() { m.LinesFailed++ }) }

// GetMetricsStamp returns a copy of the counters taken under one lock.
func (m *Metrics) GetMetricsStamp() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		FilesDiscovered:     m.FilesDiscovered,
		FilesProcessed:      m.FilesProcessed,
		FilesFailed:         m.FilesFailed,
		QueuedFiles:         m.QueuedFiles,
		FilesQueueCapacity:  m.FilesQueueCapacity,
		WorkersActive:       m.WorkersActive,
		WorkersBusy:         m.WorkersBusy,
		ScaleUpOperations:   m.ScaleUpOperations,
		ScaleDownOperations: m.ScaleDownOperations,
		LinesRead:           m.LinesRead,
		LinesShipped:        m.LinesShipped,
		LinesFailed:         m.LinesFailed,
	}
}

func (m *Metrics) GetQueueUsage() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FilesQueueCapacity == 0 {
		return 0
	}
	return float64(m.QueuedFiles) / float64(m.FilesQueueCapacity)
}
