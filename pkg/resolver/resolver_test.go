package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolveCachesUntilInvalidated(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`"http://resolved.example/svc"`))
	}))
	defer srv.Close()

	r := New([]string{srv.URL}, time.Millisecond, http.DefaultClient, zap.NewNop())

	loc, err := r.Resolve(context.Background(), "HeartbeatService")
	require.NoError(t, err)
	require.Equal(t, "http://resolved.example/svc", loc)

	loc2, err := r.Resolve(context.Background(), "HeartbeatService")
	require.NoError(t, err)
	require.Equal(t, loc, loc2)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits), "second resolve should hit the cache, not the naming server")

	r.Invalidate()

	loc3, err := r.Resolve(context.Background(), "HeartbeatService")
	require.NoError(t, err)
	require.Equal(t, loc, loc3)
	require.EqualValues(t, 2, atomic.LoadInt32(&hits), "resolve after invalidate must re-fetch")
}

func TestResolveRetriesWithBackoffAcrossBases(t *testing.T) {
	var failingHits int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&failingHits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`"http://other.example/svc"`))
	}))
	defer ok.Close()

	r := New([]string{failing.URL, ok.URL}, time.Millisecond, http.DefaultClient, zap.NewNop())
	r.next = 0 // force deterministic start at the failing base

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	loc, err := r.Resolve(ctx, "MetricService")
	require.NoError(t, err)
	require.Equal(t, "http://other.example/svc", loc)
	require.GreaterOrEqual(t, atomic.LoadInt32(&failingHits), int32(1))
}

func TestResolveRespectsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := New([]string{srv.URL}, 50*time.Millisecond, http.DefaultClient, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Resolve(ctx, "NamingService")
	require.Error(t, err)
}

// TestResolveOfOneServiceDoesNotBlockAnother ensures that, on the same
// Resolver, a slow resolution of one service name (stuck waiting on a
// naming server response) never blocks a concurrent Resolve call for a
// different service name, and never blocks Invalidate.
func TestResolveOfOneServiceDoesNotBlockAnother(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/SlowService" {
			<-blocked
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`"http://fast.example/svc"`))
	}))
	defer srv.Close()

	r := New([]string{srv.URL}, time.Hour, http.DefaultClient, zap.NewNop())

	slowDone := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Resolve(ctx, "SlowService")
		close(slowDone)
	}()

	// Give the slow resolve a moment to reach requestOnce and block there.
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		loc, err := r.Resolve(context.Background(), "FastService")
		require.NoError(t, err)
		require.Equal(t, "http://fast.example/svc", loc)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resolving FastService blocked behind an unrelated in-flight resolve of SlowService")
	}

	invalidated := make(chan struct{})
	go func() {
		r.Invalidate()
		close(invalidated)
	}()
	select {
	case <-invalidated:
	case <-time.After(2 * time.Second):
		t.Fatal("Invalidate blocked behind an in-flight fetch for an unrelated service")
	}

	close(blocked)
	<-slowDone
}
