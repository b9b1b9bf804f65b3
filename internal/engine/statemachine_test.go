package engine

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"ramp_go/internal/domain"
	"ramp_go/internal/event"
	"ramp_go/internal/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrderID = "0xabc0000000000000000000000000000000000000000000000000000000000001"

type recordingSink struct {
	mu      sync.Mutex
	updates []domain.Order
}

func (s *recordingSink) OnOrderUpdate(o domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, o)
}

func (s *recordingSink) statuses() []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Status, 0, len(s.updates))
	for _, u := range s.updates {
		out = append(out, u.Status)
	}
	return out
}

func newTestMachine(sink domain.StateSink) *StateMachine {
	order := domain.NewOrder(testOrderID, "0xcreate", domain.OrderParams{Type: domain.OrderTypeOffRamp}, time.Unix(0, 0))
	return NewStateMachine(order, 16, sink, WithMetrics(infra.NewMetrics()))
}

func statusEvent(src event.Source, status domain.Status) *event.StatusEvent {
	return &event.StatusEvent{
		BaseEvent: event.BaseEvent{OrderID: testOrderID, Src: src},
		Status:    status,
	}
}

func TestStateMachine_HappyPath(t *testing.T) {
	sink := &recordingSink{}
	m := newTestMachine(sink)

	assert.True(t, m.Apply(statusEvent(event.SourceBackend, domain.StatusProcessing)))
	assert.True(t, m.Apply(statusEvent(event.SourceBackend, domain.StatusFulfilled)))
	assert.True(t, m.Apply(statusEvent(event.SourceBackend, domain.StatusValidated)))

	settled := statusEvent(event.SourceChain, domain.StatusSettled)
	settled.TxHashes.Settlement = "0xdef"
	assert.True(t, m.Apply(settled))

	snap := m.Snapshot()
	assert.Equal(t, domain.StatusSettled, snap.Status)
	assert.Equal(t, "0xdef", snap.TxHashes.Settlement)
	assert.Equal(t, "0xcreate", snap.TxHashes.Creation)
	assert.Equal(t, []domain.Status{
		domain.StatusProcessing, domain.StatusFulfilled, domain.StatusValidated, domain.StatusSettled,
	}, sink.statuses())

	select {
	case <-m.Terminal():
	default:
		t.Fatal("terminal channel should be closed")
	}
}

func TestStateMachine_DuplicateDeliveryNotifiesOnce(t *testing.T) {
	sink := &recordingSink{}
	m := newTestMachine(sink)

	ev := statusEvent(event.SourceChain, domain.StatusSettled)
	ev.TxHashes.Settlement = "0xdef"

	assert.True(t, m.Apply(ev))
	assert.False(t, m.Apply(ev))
	assert.Len(t, sink.statuses(), 1)
}

type recordingRepo struct {
	mu    sync.Mutex
	saved []domain.Order
}

func (r *recordingRepo) SaveOrder(o domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, o)
	return nil
}

func (r *recordingRepo) GetOrder(id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.saved) - 1; i >= 0; i-- {
		if r.saved[i].ID == id {
			o := r.saved[i]
			return &o, nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func TestStateMachine_SameStatusDetailsPersistedWithoutNotify(t *testing.T) {
	sink := &recordingSink{}
	repo := &recordingRepo{}
	order := domain.NewOrder(testOrderID, "0xcreate", domain.OrderParams{Type: domain.OrderTypeOffRamp}, time.Unix(0, 0))
	m := NewStateMachine(order, 16, sink, WithMetrics(infra.NewMetrics()), WithRepository(repo))

	// backend reports settlement before the chain hash is known
	assert.True(t, m.Apply(statusEvent(event.SourceBackend, domain.StatusSettled)))
	assert.Empty(t, repo.saved)

	late := statusEvent(event.SourceChain, domain.StatusSettled)
	late.TxHashes.Settlement = "0xdef"
	assert.True(t, m.Apply(late))

	receipt := statusEvent(event.SourceBackend, domain.StatusSettled)
	receipt.Receipt = &domain.Receipt{ReceiptNumber: "RCPT-1", Currency: "KES"}
	assert.True(t, m.Apply(receipt))

	assert.False(t, m.Apply(late))

	assert.Equal(t, []domain.Status{domain.StatusSettled}, sink.statuses())
	require.Len(t, repo.saved, 2)
	assert.Equal(t, "0xdef", repo.saved[0].TxHashes.Settlement)
	stored, err := repo.GetOrder(testOrderID)
	require.NoError(t, err)
	assert.Equal(t, "0xdef", stored.TxHashes.Settlement)
	assert.Equal(t, "RCPT-1", stored.Receipt.ReceiptNumber)
}

func TestStateMachine_TerminalIsFinal(t *testing.T) {
	t.Run("refund before settle", func(t *testing.T) {
		sink := &recordingSink{}
		m := newTestMachine(sink)

		refunded := statusEvent(event.SourceBackend, domain.StatusRefunded)
		refunded.FailureReason = "insufficient liquidity"
		require.True(t, m.Apply(refunded))

		assert.False(t, m.Apply(statusEvent(event.SourceChain, domain.StatusProcessing)), "stale processing must be dropped")
		settled := statusEvent(event.SourceChain, domain.StatusSettled)
		settled.TxHashes.Settlement = "0xdef"
		assert.False(t, m.Apply(settled), "conflicting terminal must be dropped")

		snap := m.Snapshot()
		assert.Equal(t, domain.StatusRefunded, snap.Status)
		assert.Equal(t, "insufficient liquidity", snap.FailureReason)
		assert.Empty(t, snap.TxHashes.Settlement)
		assert.Len(t, sink.statuses(), 1)
	})

	t.Run("same terminal enriches without notifying", func(t *testing.T) {
		sink := &recordingSink{}
		m := newTestMachine(sink)

		chain := statusEvent(event.SourceChain, domain.StatusSettled)
		chain.TxHashes.Settlement = "0xdef"
		require.True(t, m.Apply(chain))

		backend := statusEvent(event.SourceBackend, domain.StatusSettled)
		backend.TxHashes.Settlement = "0x999"
		backend.Receipt = &domain.Receipt{ReceiptNumber: "R-42"}
		assert.True(t, m.Apply(backend))

		snap := m.Snapshot()
		assert.Equal(t, "0xdef", snap.TxHashes.Settlement, "settlement hash is immutable")
		assert.Equal(t, "R-42", snap.Receipt.ReceiptNumber)
		assert.Len(t, sink.statuses(), 1)
	})
}

func TestStateMachine_FailureReasonOnlyOnFailure(t *testing.T) {
	m := newTestMachine(nil)

	ev := statusEvent(event.SourceBackend, domain.StatusProcessing)
	ev.FailureReason = "should be ignored"
	m.Apply(ev)
	assert.Empty(t, m.Snapshot().FailureReason)

	failed := statusEvent(event.SourceBackend, domain.StatusFailed)
	failed.FailureReason = "rejected by provider"
	m.Apply(failed)
	snap := m.Snapshot()
	assert.Equal(t, "rejected by provider", snap.FailureReason)
	assert.Error(t, snap.Err())
}

func TestStateMachine_IgnoresForeignAndTransient(t *testing.T) {
	sink := &recordingSink{}
	m := newTestMachine(sink)

	foreign := statusEvent(event.SourceChain, domain.StatusSettled)
	foreign.OrderID = "0xother"
	assert.False(t, m.Apply(foreign))

	transient := &event.TransientErrorEvent{
		BaseEvent: event.BaseEvent{OrderID: testOrderID, Src: event.SourceBackend},
		Err:       &domain.TransientPollError{OrderID: testOrderID, Attempts: 2},
	}
	assert.False(t, m.Apply(transient))

	assert.False(t, m.Apply(statusEvent(event.SourceBackend, domain.Status("bogus"))))
	assert.Equal(t, domain.StatusPending, m.Snapshot().Status)
	assert.Empty(t, sink.statuses())
}

// Every interleaving of the same signals must yield a monotonic status history
// that never leaves the first terminal state it reaches.
func TestStateMachine_MonotonicUnderInterleavings(t *testing.T) {
	all := []domain.Status{
		domain.StatusPending, domain.StatusProcessing, domain.StatusFulfilled, domain.StatusValidated,
		domain.StatusSettled, domain.StatusRefunded, domain.StatusFailed,
	}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 500; round++ {
		sink := &recordingSink{}
		m := newTestMachine(sink)

		n := 1 + rng.Intn(12)
		var firstTerminal domain.Status
		prevRank := m.Snapshot().Status.Rank()
		for i := 0; i < n; i++ {
			src := event.SourceChain
			if rng.Intn(2) == 0 {
				src = event.SourceBackend
			}
			m.Apply(statusEvent(src, all[rng.Intn(len(all))]))

			cur := m.Snapshot().Status
			require.GreaterOrEqual(t, cur.Rank(), prevRank, "round %d: status went backwards", round)
			prevRank = cur.Rank()
			if firstTerminal == "" && cur.IsTerminal() {
				firstTerminal = cur
			}
			if firstTerminal != "" {
				require.Equal(t, firstTerminal, cur, "round %d: terminal state changed", round)
			}
		}

		seen := make(map[domain.Status]bool)
		for _, s := range sink.statuses() {
			require.False(t, seen[s], "round %d: duplicate notification for %s", round, s)
			seen[s] = true
		}
	}
}

func TestStateMachine_RunConsumesInbox(t *testing.T) {
	sink := &recordingSink{}
	m := newTestMachine(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.Inbox() <- statusEvent(event.SourceBackend, domain.StatusProcessing)
	m.Inbox() <- statusEvent(event.SourceChain, domain.StatusSettled)

	select {
	case <-m.Terminal():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for terminal state")
	}

	cancel()
	<-done
	assert.Equal(t, domain.StatusSettled, m.Snapshot().Status)
}

func TestNewStateMachine_AlreadyTerminal(t *testing.T) {
	order := domain.Order{ID: testOrderID, Status: domain.StatusSettled}
	m := NewStateMachine(order, 1, nil, WithMetrics(infra.NewMetrics()))

	select {
	case <-m.Terminal():
	default:
		t.Fatal("restored terminal order should be terminal immediately")
	}
}
