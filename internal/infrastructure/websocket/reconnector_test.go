package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnector_BackoffIsBounded(t *testing.T) {
	r := newReconnector(10*time.Millisecond, 50*time.Millisecond, 5)

	first := r.nextDelay()
	assert.GreaterOrEqual(t, first, 10*time.Millisecond)
	assert.Less(t, first, 16*time.Millisecond)

	for i := 0; i < 3; i++ {
		assert.LessOrEqual(t, r.nextDelay(), 50*time.Millisecond)
	}
	assert.True(t, r.shouldReconnect())

	r.nextDelay()
	assert.False(t, r.shouldReconnect())

	r.reset()
	assert.True(t, r.shouldReconnect())
}

func TestReconnector_Unbounded(t *testing.T) {
	r := newReconnector(time.Millisecond, time.Millisecond, 0)
	for i := 0; i < 100; i++ {
		r.nextDelay()
	}
	assert.True(t, r.shouldReconnect())
}
