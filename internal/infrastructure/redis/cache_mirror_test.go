package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-sync/internal/domain"
	"marketplace-sync/pkg/logger"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func auctionEntry(version uint64, bid float64) domain.CachedEntity {
	return domain.CachedEntity{
		Key:         domain.SingletonKey(domain.EntityAuction, "A1"),
		Value:       domain.Auction{ID: "A1", CurrentHighestBid: bid},
		Status:      domain.StatusReady,
		Version:     version,
		LastUpdated: time.UnixMilli(1_700_000_000_000),
	}
}

func TestCacheMirror_PublishAndLoad(t *testing.T) {
	mr, client := newTestClient(t)
	mirror := NewCacheMirror(client, "agent-1", time.Hour, logger.NewNop())
	ctx := context.Background()

	require.NoError(t, mirror.Publish(ctx, auctionEntry(2, 150)))

	entry, ok, err := mirror.Load(ctx, domain.SingletonKey(domain.EntityAuction, "A1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), entry.Version)
	assert.Equal(t, domain.StatusReady, entry.Status)
	assert.JSONEq(t, `{"id":"A1","title":"","item_id":"","seller_id":"","starting_price":0,"current_highest_bid":150,"bid_count":0,"status":"","start_time":"0001-01-01T00:00:00Z","end_time":"0001-01-01T00:00:00Z","updated_at":"0001-01-01T00:00:00Z"}`, string(entry.Value))
	assert.Equal(t, int64(1_700_000_000_000), entry.LastUpdated.UnixMilli())
	assert.Equal(t, time.Hour, mr.TTL("sync:agent-1:auction:A1"))

	// An older write loses to the mirrored one.
	require.NoError(t, mirror.Publish(ctx, auctionEntry(1, 120)))
	entry, _, err = mirror.Load(ctx, domain.SingletonKey(domain.EntityAuction, "A1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), entry.Version)

	_, ok, err = mirror.Load(ctx, domain.SingletonKey(domain.EntityAuction, "A9"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheMirror_KeepsErrors(t *testing.T) {
	_, client := newTestClient(t)
	mirror := NewCacheMirror(client, "agent-1", 0, logger.NewNop())

	entry := domain.CachedEntity{
		Key:     domain.ListKey(domain.EntityNotification, "me"),
		Status:  domain.StatusError,
		Err:     errors.New("Unavailable: connection refused"),
		Stale:   true,
		Version: 4,
	}
	require.NoError(t, mirror.Publish(context.Background(), entry))

	got, ok, err := mirror.Load(context.Background(), entry.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Unavailable: connection refused", got.Err)
	assert.True(t, got.Stale)
	assert.Equal(t, "null", string(got.Value))
}

func TestMirrorSubscriber_ReceivesWrites(t *testing.T) {
	mr, client := newTestClient(t)
	mirror := NewCacheMirror(client, "agent-1", 0, logger.NewNop())
	sub := NewMirrorSubscriber(client, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan MirrorEvent, 4)
	stopped := make(chan error, 1)
	go func() {
		stopped <- sub.Subscribe(ctx, func(e MirrorEvent) error {
			events <- e
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(CacheEventsChannel)[CacheEventsChannel] == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Malformed lines are skipped.
	mr.Publish(CacheEventsChannel, "garbage")
	require.NoError(t, mirror.Publish(ctx, auctionEntry(7, 150)))

	select {
	case e := <-events:
		assert.Equal(t, MirrorEvent{Instance: "agent-1", Key: "auction:A1", Version: 7, Status: domain.StatusReady}, e)
	case <-time.After(2 * time.Second):
		t.Fatal("no cache event")
	}

	cancel()
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestCacheMirror_Run(t *testing.T) {
	_, client := newTestClient(t)
	mirror := NewCacheMirror(client, "agent-1", 0, logger.NewNop())

	entries := make(chan domain.CachedEntity, 2)
	entries <- auctionEntry(1, 110)
	entries <- auctionEntry(2, 120)
	close(entries)

	require.NoError(t, mirror.Run(context.Background(), entries))

	got, ok, err := mirror.Load(context.Background(), domain.SingletonKey(domain.EntityAuction, "A1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Version)
}

func TestParseMirrorEvent(t *testing.T) {
	e, err := parseMirrorEvent("agent-1|bid:list:recent@A1|3|loading")
	require.NoError(t, err)
	assert.Equal(t, "bid:list:recent@A1", e.Key)
	assert.Equal(t, domain.StatusLoading, e.Status)

	_, err = parseMirrorEvent("agent-1|auction:A1|x|ready")
	assert.Error(t, err)
}

func TestRuleStore(t *testing.T) {
	_, client := newTestClient(t)
	store := NewRuleStore(client, logger.NewNop())
	ctx := context.Background()

	_, ok, err := store.LoadBands(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	bands := []domain.IncrementBand{{Below: 1000, Increment: 20}, {Increment: 50}}
	require.NoError(t, store.SaveBands(ctx, bands))

	got, ok, err := store.LoadBands(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, bands, got)
}
