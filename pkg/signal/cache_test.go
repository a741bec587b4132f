package signal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	t.Run("caches within ttl", func(t *testing.T) {
		c := NewCache()
		var calls int
		fetch := func(ctx context.Context) (interface{}, error) {
			calls++
			return calls, nil
		}

		v, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		v, err = c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		assert.Equal(t, 1, calls)
	})

	t.Run("errors are not cached", func(t *testing.T) {
		c := NewCache()
		var calls int
		fetch := func(ctx context.Context) (interface{}, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("boom")
			}
			return "ok", nil
		}

		_, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
		require.Error(t, err)

		v, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	})

	t.Run("invalidate forces refetch", func(t *testing.T) {
		c := NewCache()
		var calls int
		fetch := func(ctx context.Context) (interface{}, error) {
			calls++
			return calls, nil
		}

		_, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
		require.NoError(t, err)
		c.Invalidate("k")
		v, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
	})

	t.Run("concurrent callers share one fetch", func(t *testing.T) {
		c := NewCache()
		var calls atomic.Int64
		release := make(chan struct{})
		fetch := func(ctx context.Context) (interface{}, error) {
			calls.Add(1)
			<-release
			return "v", nil
		}

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
				assert.NoError(t, err)
				assert.Equal(t, "v", v)
			}()
		}
		// give the goroutines a moment to pile onto the singleflight group
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("keys are independent", func(t *testing.T) {
		c := NewCache()
		var calls int
		fetch := func(ctx context.Context) (interface{}, error) {
			calls++
			return calls, nil
		}

		_, err := c.GetOrFetch(context.Background(), "a", time.Minute, fetch)
		require.NoError(t, err)
		_, err = c.GetOrFetch(context.Background(), "b", time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})
}
