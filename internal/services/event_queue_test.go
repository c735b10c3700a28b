package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-sync/internal/domain"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for _, op := range []domain.Operation{domain.OperationCreate, domain.OperationUpdate, domain.OperationDelete} {
		require.True(t, q.Enqueue(domain.PushEvent{Entity: domain.EntityAuction, Operation: op}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []domain.Operation{domain.OperationCreate, domain.OperationUpdate, domain.OperationDelete} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.Operation)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestEventQueue_SignalsAvailability(t *testing.T) {
	q := newEventQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(domain.PushEvent{Entity: domain.EntityBid})
	}()

	select {
	case <-q.Wait():
		_, ok := q.TryDequeue()
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("no signal")
	}
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(domain.PushEvent{}))

	select {
	case _, open := <-q.Wait():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("close did not wake waiters")
	}
}
