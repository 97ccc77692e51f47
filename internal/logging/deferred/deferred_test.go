package deferred

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferred_Resolve(t *testing.T) {
	d := New[string]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.Resolve("done")
	}()

	v, err := d.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestDeferred_Reject(t *testing.T) {
	d := New[int]()
	boom := errors.New("boom")

	assert.True(t, d.Reject(boom))

	v, err := d.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, v)
}

func TestDeferred_SettlesOnce(t *testing.T) {
	d := New[int]()

	assert.True(t, d.Resolve(1))
	assert.False(t, d.Resolve(2))
	assert.False(t, d.Reject(errors.New("late")))

	v, err := d.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestDeferred_ConcurrentSettle(t *testing.T) {
	d := New[int]()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if d.Resolve(i) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestDeferred_WaitContextCancelled(t *testing.T) {
	d := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-d.Done():
		t.Fatalf("deferred should still be pending")
	default:
	}
}

func TestDeferred_Helpers(t *testing.T) {
	v, err := Resolved("ok").Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, err = Rejected[string](errors.New("nope")).Wait(context.Background())
	assert.EqualError(t, err, "nope")
}
