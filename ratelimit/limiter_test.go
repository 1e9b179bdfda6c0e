package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/steinfletcher/apitest"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestFixedWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l, err := New(3, time.Minute, NewMemoryStore(), clock.Now)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "198.51.100.1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "hit %v should pass", i)
		require.Equal(t, int64(2-i), d.Remaining)
	}
	clock.Advance(20 * time.Second)
	d, err := l.Allow(ctx, "198.51.100.1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 40*time.Second, d.RetryAfter)

	other, err := l.Allow(ctx, "198.51.100.2")
	require.NoError(t, err)
	require.True(t, other.Allowed, "keys do not share windows")

	clock.Advance(40 * time.Second)
	d, err = l.Allow(ctx, "198.51.100.1")
	require.NoError(t, err)
	require.True(t, d.Allowed, "window rolled over")
	require.Equal(t, int64(2), d.Remaining)
}

func TestConcurrentHitsAreNotLost(t *testing.T) {
	const limit = 50
	l, err := New(limit, time.Hour, NewMemoryStore(), nil)
	require.NoError(t, err)

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), "203.0.113.7")
			if err == nil && d.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(limit), allowed)
}

func TestMemoryStorePrunesExpiredWindows(t *testing.T) {
	m := NewMemoryStore()
	start := time.Unix(0, 0)
	for i := 0; i < pruneThreshold*shardCount*2; i++ {
		_, _, err := m.Incr(context.Background(), time.Duration(i).String(), time.Second, start)
		require.NoError(t, err)
	}
	full := m.Len()
	later := start.Add(time.Hour)
	for i := 0; i < shardCount*8; i++ {
		_, _, err := m.Incr(context.Background(), "late-"+time.Duration(i).String(), time.Second, later)
		require.NoError(t, err)
	}
	require.Less(t, m.Len(), full)
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l, err := New(2, time.Minute, NewRedisStore(rdb, ""), nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "198.51.100.1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, "198.51.100.1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, d.RetryAfter, time.Minute)
	require.True(t, mr.Exists("openx:rl:198.51.100.1"))

	mr.FastForward(time.Minute)
	d, err = l.Allow(ctx, "198.51.100.1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

type brokenStore struct{}

func (brokenStore) Incr(context.Context, string, time.Duration, time.Time) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("down")
}

func TestProtect(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l, err := New(1, 30*time.Second, NewMemoryStore(), clock.Now)
	require.NoError(t, err)
	var served int32
	h := l.Protect(func(r *http.Request) string { return ClientAddr(r, nil) }, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&served, 1)
		w.WriteHeader(http.StatusOK)
	}))

	apitest.Handler(h).Get("/").Expect(t).Status(http.StatusOK).End()
	apitest.Handler(h).Get("/").Expect(t).
		Status(http.StatusTooManyRequests).
		Header("Retry-After", "30").
		Body(`{"detail":"rate limit exceeded"}`).
		End()
	require.Equal(t, int32(1), served)

	failOpen, err := New(1, time.Second, brokenStore{}, nil)
	require.NoError(t, err)
	h = failOpen.Protect(func(r *http.Request) string { return "k" }, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	apitest.Handler(h).Get("/").Expect(t).Status(http.StatusOK).End()
}

func TestNewValidation(t *testing.T) {
	_, err := New(0, time.Second, NewMemoryStore(), nil)
	require.Error(t, err)
	_, err = New(1, 0, NewMemoryStore(), nil)
	require.Error(t, err)
	_, err = New(1, time.Second, nil, nil)
	require.Error(t, err)
}
