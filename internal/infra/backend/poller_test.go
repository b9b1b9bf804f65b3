package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ramp_go/internal/domain"
	"ramp_go/internal/event"
	"ramp_go/internal/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) wait(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *delayRecorder) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func nextEvent(t *testing.T, inbox <-chan event.Event) event.Event {
	t.Helper()
	select {
	case ev := <-inbox:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPoller_ThrottledTickBacksOffAndReportsTransientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	rec := &delayRecorder{}
	inbox := make(chan event.Event, 4)
	p := NewPoller(NewClient(server.URL, time.Second), testOrderID, inbox,
		WithInterval(time.Hour),
		WithRetryPolicy(4, 10*time.Millisecond),
		WithWaitFunc(rec.wait),
		WithPollerMetrics(infra.NewMetrics()),
	)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	ev := nextEvent(t, inbox)
	te, ok := ev.(*event.TransientErrorEvent)
	require.True(t, ok, "expected transient error event, got %T", ev)
	assert.Equal(t, event.SourceBackend, te.GetSource())

	var pe *domain.TransientPollError
	require.True(t, errors.As(te.Err, &pe))
	assert.Equal(t, 4, pe.Attempts)

	var se *domain.StatusError
	require.True(t, errors.As(te.Err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)

	assert.Equal(t, int32(4), calls.Load())
	delays := rec.snapshot()
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, delays)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}

	select {
	case extra := <-inbox:
		t.Fatalf("unexpected event %T", extra)
	default:
	}
}

func TestPoller_NotIndexedThenSettled(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"status":"settled","data":{"transaction_hashes":{"settlement":"0xbb"}}}`))
	}))
	defer server.Close()

	inbox := make(chan event.Event, 8)
	p := NewPoller(NewClient(server.URL, time.Second), testOrderID, inbox,
		WithInterval(5*time.Millisecond),
		WithNotFoundWarnAfter(2),
		WithPollerMetrics(infra.NewMetrics()),
	)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	for i := 0; i < 3; i++ {
		ev := nextEvent(t, inbox)
		se, ok := ev.(*event.StatusEvent)
		require.True(t, ok, "expected status event, got %T", ev)
		assert.Equal(t, domain.StatusPending, se.Status)
		assert.True(t, se.NotIndexed)
	}

	ev := nextEvent(t, inbox)
	se, ok := ev.(*event.StatusEvent)
	require.True(t, ok)
	assert.Equal(t, domain.StatusSettled, se.Status)
	assert.Equal(t, "0xbb", se.TxHashes.Settlement)

	// polling ends after a terminal status
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(4), calls.Load())
}

type stubFetcher struct {
	err   error
	calls atomic.Int32
}

func (s *stubFetcher) FetchStatus(ctx context.Context, orderID string) (*StatusResponse, error) {
	s.calls.Add(1)
	return nil, s.err
}

func TestPoller_NonRetriableErrorSkipsBackoff(t *testing.T) {
	f := &stubFetcher{err: &domain.StatusError{Op: "fetch_status", Code: http.StatusBadRequest}}
	rec := &delayRecorder{}
	inbox := make(chan event.Event, 1)

	p := NewPoller(f, testOrderID, inbox,
		WithInterval(time.Hour),
		WithRetryPolicy(5, time.Millisecond),
		WithWaitFunc(rec.wait),
		WithPollerMetrics(infra.NewMetrics()),
	)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	ev := nextEvent(t, inbox)
	_, ok := ev.(*event.TransientErrorEvent)
	assert.True(t, ok)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Empty(t, rec.snapshot())
}

func TestPoller_StopUnblocksDelivery(t *testing.T) {
	f := &stubFetcher{err: errors.New("boom")}
	inbox := make(chan event.Event) // never drained

	p := NewPoller(f, testOrderID, inbox, WithPollerMetrics(infra.NewMetrics()))
	require.NoError(t, p.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
