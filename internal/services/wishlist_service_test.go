package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
	"marketplace-sync/pkg/logger"
)

func newWishlistService(env *testEnv) *WishlistService {
	env.api.reply("GET", "/wishlists?q=me", `[]`)
	return NewWishlistService(env.reader, env.coordinator, env.api, logger.NewNop())
}

func (s *WishlistService) pendingFor(auctionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.intents[auctionID]; ok {
		return in.pending
	}
	return 0
}

func TestWishlistService_AddConfirmsServerID(t *testing.T) {
	env := newTestEnv()
	svc := newWishlistService(env)

	g := newCallGate()
	env.api.on("POST", "/wishlist", g.wrap(respond(`{"id":"w-1","auction_id":"A2"}`)))

	done := make(chan error, 1)
	go func() { done <- svc.Add(context.Background(), "A2") }()

	g.waitEntered(t)
	assert.True(t, svc.Contains("A2"))
	provisional := env.value(WishlistKey).([]domain.Entity)[0].(domain.WishlistItem)
	assert.True(t, provisional.Provisional)

	g.open()
	require.NoError(t, <-done)

	list := env.value(WishlistKey).([]domain.Entity)
	require.Len(t, list, 1)
	assert.Equal(t, domain.WishlistItem{ID: "w-1", AuctionID: "A2"}, list[0])
	assert.Zero(t, svc.pendingFor("A2"))
}

func TestWishlistService_RemoveWaitsForAdd(t *testing.T) {
	env := newTestEnv()
	svc := newWishlistService(env)

	g := newCallGate()
	var mu sync.Mutex
	var order []string
	env.api.on("POST", "/wishlist", g.wrap(func(context.Context, any) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, "add")
		mu.Unlock()
		return json.RawMessage(`{"id":"w-1","auction_id":"A2"}`), nil
	}))
	env.api.on("DELETE", "/wishlist/A2", func(context.Context, any) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, "remove")
		mu.Unlock()
		return nil, nil
	})

	added := make(chan error, 1)
	go func() { added <- svc.Add(context.Background(), "A2") }()
	g.waitEntered(t)
	assert.True(t, svc.Contains("A2"))

	removed := make(chan error, 1)
	go func() { removed <- svc.Remove(context.Background(), "A2") }()
	require.Eventually(t, func() bool { return svc.pendingFor("A2") == 2 }, eventually, time.Millisecond)

	// The remove is queued, not applied.
	assert.True(t, svc.Contains("A2"))

	g.open()
	require.NoError(t, <-added)
	require.NoError(t, <-removed)

	assert.False(t, svc.Contains("A2"))
	assert.Empty(t, env.value(WishlistKey))
	mu.Lock()
	assert.Equal(t, []string{"add", "remove"}, order)
	mu.Unlock()
}

func TestWishlistService_ToggleLastIntentWins(t *testing.T) {
	env := newTestEnv()
	svc := newWishlistService(env)

	g := newCallGate()
	env.api.on("POST", "/wishlist", g.wrap(respond(`{"id":"w-1","auction_id":"A2"}`)))
	env.api.reply("DELETE", "/wishlist/A2", ``)

	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		go func() {
			wanted, err := svc.Toggle(context.Background(), "A2")
			assert.NoError(t, err)
			results <- wanted
		}()
		want := i + 1
		require.Eventually(t, func() bool { return svc.pendingFor("A2") == want }, eventually, time.Millisecond)
	}

	g.open()
	got := map[bool]int{}
	for i := 0; i < 3; i++ {
		got[<-results]++
	}
	assert.Equal(t, map[bool]int{true: 2, false: 1}, got)
	assert.True(t, svc.Contains("A2"))
	assert.Zero(t, svc.pendingFor("A2"))
}

func TestWishlistService_FailedAddRollsBack(t *testing.T) {
	env := newTestEnv()
	svc := newWishlistService(env)
	env.api.fail("POST", "/wishlist", ierr.Newf(ierr.ErrorCodeUnavailable, "wishlist service down"))

	err := svc.Add(context.Background(), "A2")
	require.Error(t, err)
	assert.False(t, svc.Contains("A2"))
	assert.Equal(t, []domain.Entity{}, env.value(WishlistKey))

	// With no intent left, Toggle reads the cache again.
	env.api.reply("POST", "/wishlist", `{"id":"w-2","auction_id":"A2"}`)
	wanted, err := svc.Toggle(context.Background(), "A2")
	require.NoError(t, err)
	assert.True(t, wanted)
}

func TestWishlistService_RequiresAuctionID(t *testing.T) {
	env := newTestEnv()
	svc := newWishlistService(env)

	err := svc.Add(context.Background(), "")
	assert.True(t, ierr.IsCode(err, ierr.ErrorCodeInvalidArgument))
}
