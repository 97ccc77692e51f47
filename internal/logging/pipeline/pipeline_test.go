package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logshipper/internal/logging"
)

func appendTag(tag string) logging.Middleware {
	return func(ctx context.Context, entry logging.LogEntry) (logging.LogEntry, error) {
		return entry.WithMessage(entry.Message + tag), nil
	}
}

func TestPipeline_RegistrationOrder(t *testing.T) {
	p := New()
	p.Use(appendTag("-a"))
	p.Use(appendTag("-b"))
	p.Use(appendTag("-c"))

	out, err := p.Apply(context.Background(), logging.LogEntry{Level: logging.LevelInfo, Message: "msg"})
	require.NoError(t, err)
	assert.Equal(t, "msg-a-b-c", out.Message)
}

func TestPipeline_DoesNotMutateInput(t *testing.T) {
	p := New()
	p.Use(func(ctx context.Context, entry logging.LogEntry) (logging.LogEntry, error) {
		return entry.WithContext("added", 1), nil
	})

	in := logging.LogEntry{Level: logging.LevelInfo, Message: "m", Context: logging.Context{"a": "b"}}
	out, err := p.Apply(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Context["added"])
	_, mutated := in.Context["added"]
	assert.False(t, mutated)
}

func TestPipeline_Remove(t *testing.T) {
	p := New()
	a := p.Use(appendTag("-a"))
	p.Use(appendTag("-b"))

	assert.True(t, p.Remove(a))
	assert.False(t, p.Remove(a))
	assert.Equal(t, 1, p.Len())

	out, err := p.Apply(context.Background(), logging.LogEntry{Level: logging.LevelInfo, Message: "msg"})
	require.NoError(t, err)
	assert.Equal(t, "msg-b", out.Message)
}

func TestPipeline_RemoveSameFunctionTwiceRegistered(t *testing.T) {
	p := New()
	fn := appendTag("-x")
	first := p.Use(fn)
	p.Use(fn)

	p.Remove(first)

	out, err := p.Apply(context.Background(), logging.LogEntry{Level: logging.LevelInfo, Message: "msg"})
	require.NoError(t, err)
	assert.Equal(t, "msg-x", out.Message)
}

func TestPipeline_ErrorStops(t *testing.T) {
	p := New()
	boom := errors.New("middleware failed")
	called := false

	p.Use(func(ctx context.Context, entry logging.LogEntry) (logging.LogEntry, error) {
		return entry, boom
	})
	p.Use(func(ctx context.Context, entry logging.LogEntry) (logging.LogEntry, error) {
		called = true
		return entry, nil
	})

	_, err := p.Apply(context.Background(), logging.LogEntry{Level: logging.LevelInfo})
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestPipeline_RejectsMissingLevel(t *testing.T) {
	p := New()
	p.Use(func(ctx context.Context, entry logging.LogEntry) (logging.LogEntry, error) {
		return logging.LogEntry{Message: entry.Message}, nil
	})

	_, err := p.Apply(context.Background(), logging.LogEntry{Level: logging.LevelWarn, Message: "m"})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestPipeline_Empty(t *testing.T) {
	in := logging.LogEntry{Level: logging.LevelDebug, Message: "unchanged"}
	out, err := New().Apply(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
