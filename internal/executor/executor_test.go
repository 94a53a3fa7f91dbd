package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestExecutorBoundsConcurrency(t *testing.T) {
	e := New(2, 16, time.Second, nil)
	var running, peak int32
	for i := 0; i < 8; i++ {
		require.True(t, e.Submit("test", func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}))
	}
	require.NoError(t, e.Close(context.Background()))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestExecutorReportsErrors(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	e := New(4, 0, time.Second, zap.New(core))
	var mu sync.Mutex
	var seen []error
	e.OnError = func(err error) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
	}

	boom := errors.New("partner unreachable")
	e.Submit("webhook", func(context.Context) error { return boom })
	e.Submit("inbound", func(context.Context) error { panic("bad payload") })
	e.Submit("inbound", func(context.Context) error { return nil })
	require.NoError(t, e.Close(context.Background()))

	assert.Equal(t, 2, logs.FilterMessage("background task failed").Len())
	require.Len(t, seen, 2)
	var hit bool
	for _, err := range seen {
		var te *TaskError
		require.ErrorAs(t, err, &te)
		if errors.Is(err, boom) {
			hit = true
			assert.Equal(t, "webhook", te.Kind)
		}
	}
	assert.True(t, hit)
}

func TestExecutorTasksHaveDeadline(t *testing.T) {
	e := New(1, 0, time.Second, nil)
	var ok atomic.Bool
	e.Submit("inbound", func(ctx context.Context) error {
		dl, has := ctx.Deadline()
		ok.Store(has && time.Until(dl) <= time.Second && ctx.Err() == nil)
		return nil
	})
	require.NoError(t, e.Close(context.Background()))
	assert.True(t, ok.Load())
}

func TestExecutorRejectsAfterClose(t *testing.T) {
	e := New(1, 0, time.Second, nil)
	require.NoError(t, e.Close(context.Background()))
	assert.False(t, e.Submit("late", func(context.Context) error { return nil }))
	require.NoError(t, e.Close(context.Background()))
}

func TestExecutorCloseDeadlineCancelsTasks(t *testing.T) {
	e := New(1, 0, time.Minute, nil)
	e.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Close(ctx), context.DeadlineExceeded)
}

func TestExecutorSubmitFromTaskDoesNotBlock(t *testing.T) {
	e := New(1, 4, time.Second, nil)
	var ran atomic.Int32
	for i := 0; i < 2; i++ {
		require.True(t, e.Submit("inbound", func(context.Context) error {
			ran.Add(1)
			e.Submit("webhook", func(context.Context) error {
				ran.Add(1)
				return nil
			})
			return nil
		}))
	}
	require.Eventually(t, func() bool { return ran.Load() == 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.Close(context.Background()))
}

func TestExecutorRejectsWhenQueueFull(t *testing.T) {
	e := New(1, 1, time.Second, nil)
	started, release := make(chan struct{}), make(chan struct{})
	require.True(t, e.Submit("slow", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.True(t, e.Submit("queued", func(context.Context) error { return nil }))
	assert.False(t, e.Submit("overflow", func(context.Context) error { return nil }), "full queue rejects instead of blocking")
	close(release)
	require.NoError(t, e.Close(context.Background()))
}
