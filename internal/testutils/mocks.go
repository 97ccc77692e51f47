package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/logshipper/internal/logging"
	"github.com/Chichichkin/logshipper/internal/logging/deferred"
)

// MockSync records every batch it receives. Use its Sync method wherever a
// logging.Sync is expected.
type MockSync struct {
	SentBatches [][]logging.LogEntry
	mu          sync.Mutex
	ShouldFail  bool
	Delay       time.Duration
}

func (m *MockSync) Sync(ctx context.Context, entries []logging.LogEntry) ([]logging.LogEntry, error) {
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFail {
		return nil, fmt.Errorf("mock send failed")
	}

	m.SentBatches = append(m.SentBatches, entries)
	return entries, nil
}

func (m *MockSync) SetShouldFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldFail = fail
}

func (m *MockSync) GetSentBatches() [][]logging.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]logging.LogEntry, len(m.SentBatches))
	copy(out, m.SentBatches)
	return out
}

func (m *MockSync) TotalEntries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, b := range m.SentBatches {
		total += len(b)
	}
	return total
}

// MockEntryLogger stands in for the shipper facade in daemon tests.
type MockEntryLogger struct {
	Entries    []logging.LogEntry
	mu         sync.Mutex
	LogDelay   time.Duration
	ShouldFail bool
	LogCalls   int
	Synced     int
}

func (m *MockEntryLogger) LogAsync(ctx context.Context, message interface{}, level logging.Level, fields logging.Context) *deferred.Deferred[logging.LogEntry] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LogDelay > 0 {
		time.Sleep(m.LogDelay)
	}

	m.LogCalls++
	if m.ShouldFail {
		return deferred.Rejected[logging.LogEntry](fmt.Errorf("mock log failed"))
	}

	entry := logging.LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   fmt.Sprint(message),
		Context:   fields.Clone(),
	}
	m.Entries = append(m.Entries, entry)
	m.Synced++
	return deferred.Resolved(entry)
}

func (m *MockEntryLogger) Logged() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.LogCalls)
}

func (m *MockEntryLogger) GetStats() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Entries), m.LogCalls
}

func (m *MockEntryLogger) GetEntries() []logging.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]logging.LogEntry, len(m.Entries))
	copy(out, m.Entries)
	return out
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
