// Package middleware holds the built-in transforms that can be registered on a
// logger pipeline.
package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/Chichichkin/logshipper/internal/logging"
)

// WithFields adds fields to every entry. Keys already present on the entry win.
func WithFields(fields logging.Context) logging.Middleware {
	fields = fields.Clone()
	return func(ctx context.Context, entry logging.LogEntry) (logging.LogEntry, error) {
		merged := fields.Clone()
		for k, v := range entry.Context {
			merged[k] = v
		}
		entry.Context = merged
		return entry, nil
	}
}

// Timestamp fills in a missing timestamp using now.
func Timestamp(now func() time.Time) logging.Middleware {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, entry logging.LogEntry) (logging.LogEntry, error) {
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now()
		}
		return entry, nil
	}
}

// Pluck keeps only the given dot-separated context paths, e.g. "request.method".
// Paths that do not resolve are left out.
func Pluck(paths ...string) logging.Middleware {
	return func(ctx context.Context, entry logging.LogEntry) (logging.LogEntry, error) {
		plucked := logging.Context{}
		for _, path := range paths {
			if value, ok := lookup(entry.Context, path); ok {
				assign(plucked, path, value)
			}
		}
		entry.Context = plucked
		return entry, nil
	}
}

// RateLimit delays each entry until limiter grants a token.
func RateLimit(limiter *rate.Limiter) logging.Middleware {
	return func(ctx context.Context, entry logging.LogEntry) (logging.LogEntry, error) {
		if err := limiter.Wait(ctx); err != nil {
			return entry, errors.Wrap(err, "rate limit")
		}
		return entry, nil
	}
}

func lookup(source logging.Context, path string) (interface{}, bool) {
	var current interface{} = source
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		m, ok := asContext(current)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cloneValue(current), true
}

func assign(dest logging.Context, path string, value interface{}) {
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		if i == len(segs)-1 {
			dest[seg] = value
			return
		}
		next, ok := asContext(dest[seg])
		if !ok {
			next = logging.Context{}
			dest[seg] = next
		}
		dest = next
	}
}

func asContext(v interface{}) (logging.Context, bool) {
	switch m := v.(type) {
	case logging.Context:
		return m, true
	case map[string]interface{}:
		return logging.Context(m), true
	}
	return nil, false
}

func cloneValue(v interface{}) interface{} {
	if m, ok := asContext(v); ok {
		return m.Clone()
	}
	return v
}
