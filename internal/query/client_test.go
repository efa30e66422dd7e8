package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jwalitptl/alerts-api/pkg/errors"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(Config{StaleTime: time.Minute})
	t.Cleanup(c.Close)
	return c
}

func TestFetchCachesFreshResult(t *testing.T) {
	c := newTestClient(t)
	var calls int32
	c.Register("notifications", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return []string{"a", "b"}, nil
	}, Options{})

	first, err := c.Fetch(context.Background(), "notifications")
	require.NoError(t, err)
	second, err := c.Fetch(context.Background(), "notifications")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, first.Data)
	assert.Equal(t, first.Data, second.Data)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestFetchFailureIsReportedInState(t *testing.T) {
	c := newTestClient(t)
	backend := errors.New("permission denied")
	var calls int32
	c.Register("stock-alerts", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, backend
	}, Options{})

	st, err := c.Fetch(context.Background(), "stock-alerts")
	require.NoError(t, err)
	assert.Nil(t, st.Data)
	assert.ErrorIs(t, st.Err, apperrors.Fetch)
	assert.ErrorIs(t, st.Err, backend)

	// a failed result is never served as fresh
	_, err = c.Fetch(context.Background(), "stock-alerts")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestFetchUnknownQuery(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Fetch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownQuery)
}

func TestInvalidateMarksStaleThenRefetches(t *testing.T) {
	c := newTestClient(t)
	release := make(chan struct{})
	var calls int32
	c.Register("notifications", func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return "v1", nil
		}
		<-release
		return "v2", nil
	}, Options{})

	_, err := c.Fetch(context.Background(), "notifications")
	require.NoError(t, err)

	updates := make(chan State, 1)
	unsubscribe := c.Subscribe("notifications", func(st State) { updates <- st })
	defer unsubscribe()

	c.Invalidate("notifications")

	st, ok := c.Peek("notifications")
	require.True(t, ok)
	assert.True(t, st.Stale)
	assert.Equal(t, "v1", st.Data)

	close(release)
	select {
	case st := <-updates:
		assert.False(t, st.Stale)
		assert.Equal(t, "v2", st.Data)
	case <-time.After(time.Second):
		t.Fatal("no refetch after invalidate")
	}
}

func TestConcurrentFetchesShareOneRead(t *testing.T) {
	c := newTestClient(t)
	release := make(chan struct{})
	var calls int32
	c.Register("payment-reminders", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 3, nil
	}, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := c.Fetch(context.Background(), "payment-reminders")
			assert.NoError(t, err)
			assert.Equal(t, 3, st.Data)
		}()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestOlderResultDoesNotOverwriteNewer(t *testing.T) {
	c := newTestClient(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	c.Register("notifications", func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
			return "old", nil
		}
		return "new", nil
	}, Options{})

	c.Prefetch("notifications")
	<-started
	c.Invalidate("notifications")

	require.Eventually(t, func() bool {
		st, ok := c.Peek("notifications")
		return ok && st.Data == "new"
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.Never(t, func() bool {
		st, _ := c.Peek("notifications")
		return st.Data == "old"
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSubscribersEndOnStoredState(t *testing.T) {
	c := newTestClient(t)
	var calls, finished int32
	c.Register("notifications", func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		defer atomic.AddInt32(&finished, 1)
		// later reads finish first, so completions race with each other
		time.Sleep(time.Duration(20-n%20) * time.Millisecond)
		return n, nil
	}, Options{})

	var mu sync.Mutex
	var last interface{}
	c.Subscribe("notifications", func(st State) {
		mu.Lock()
		last = st.Data
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Invalidate("notifications")
			c.Prefetch("notifications")
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&finished) == atomic.LoadInt32(&calls)
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	st, ok := c.Peek("notifications")
	require.True(t, ok)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, st.Data, last)
}

func TestCloseDropsLateResults(t *testing.T) {
	c := NewClient(Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	c.Register("stock-alerts", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return "late", nil
	}, Options{})

	var notified int32
	c.Subscribe("stock-alerts", func(State) { atomic.AddInt32(&notified, 1) })

	c.Prefetch("stock-alerts")
	<-started
	c.Close()
	close(release)

	require.Never(t, func() bool {
		_, ok := c.Peek("stock-alerts")
		return ok || atomic.LoadInt32(&notified) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	_, err := c.Fetch(context.Background(), "stock-alerts")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRefetchInterval(t *testing.T) {
	c := newTestClient(t)
	var calls int32
	c.Register("low-stock-products", func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	}, Options{RefetchInterval: 10 * time.Millisecond})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	c := newTestClient(t)
	c.Register("notifications", func(ctx context.Context) (interface{}, error) {
		return 1, nil
	}, Options{})

	var notified int32
	unsubscribe := c.Subscribe("notifications", func(State) { atomic.AddInt32(&notified, 1) })
	_, err := c.Fetch(context.Background(), "notifications")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&notified))

	unsubscribe()
	unsubscribe()
	c.Invalidate("notifications")
	require.Never(t, func() bool { return atomic.LoadInt32(&notified) > 1 }, 50*time.Millisecond, 10*time.Millisecond)
}
