package logging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Chichichkin/logshipper/internal/logging/deferred"
)

type Level int

const (
	LevelDebug Level = iota + 1
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) Valid() bool {
	return l >= LevelDebug && l <= LevelError
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Context holds structured fields attached to an entry. Values are strings,
// numbers, bools, time.Time or nested Context maps.
type Context map[string]interface{}

// Clone returns a deep copy; nested Context maps are copied too.
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	out := make(Context, len(c))
	for k, v := range c {
		switch nested := v.(type) {
		case Context:
			out[k] = nested.Clone()
		case map[string]interface{}:
			out[k] = Context(nested).Clone()
		default:
			out[k] = v
		}
	}
	return out
}

type LogEntry struct {
	Timestamp time.Time `json:"dt"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Context   Context   `json:"context,omitempty"`
}

// WithContext returns a copy of the entry with key set in its context.
func (e LogEntry) WithContext(key string, value interface{}) LogEntry {
	e.Context = e.Context.Clone()
	e.Context[key] = value
	return e
}

// WithMessage returns a copy of the entry carrying message.
func (e LogEntry) WithMessage(message string) LogEntry {
	e.Context = e.Context.Clone()
	e.Message = message
	return e
}

// Sync delivers a batch to the remote collector and returns the delivered entries.
type Sync func(ctx context.Context, entries []LogEntry) ([]LogEntry, error)

// Middleware transforms a single entry before it is batched.
type Middleware func(ctx context.Context, entry LogEntry) (LogEntry, error)

// EntryLogger accepts single messages and reports each one's delivery outcome.
type EntryLogger interface {
	LogAsync(ctx context.Context, message interface{}, level Level, fields Context) *deferred.Deferred[LogEntry]
}

type Config struct {
	BatchSize     int
	BatchInterval time.Duration
}

var (
	ErrMissingSync      = errors.New("no logger sync function provided")
	ErrProcessorStopped = errors.New("batch processor stopped")
)

// TransportError is returned to every entry of a batch the sync function rejected.
type TransportError struct {
	Entries int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to sync batch of %d entries: %v", e.Entries, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
