package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"marketplace-sync/pkg/logger"
)

var releaseScript = redis.NewScript(`
    if redis.call("GET", KEYS[1]) == ARGV[1] then
        return redis.call("DEL", KEYS[1])
    else
        return 0
    end
`)

var extendScript = redis.NewScript(`
    if redis.call("GET", KEYS[1]) == ARGV[1] then
        return redis.call("EXPIRE", KEYS[1], ARGV[2])
    else
        return 0
    end
`)

// InstanceLock makes sure only one agent writes a mirror namespace at a
// time. The owner key expires unless the holder keeps extending it.
type InstanceLock struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
	log    logger.Logger

	mu   sync.Mutex
	stop context.CancelFunc
	lost chan struct{}
}

func NewInstanceLock(client *redis.Client, instance, owner string, ttl time.Duration, log logger.Logger) *InstanceLock {
	return &InstanceLock{
		client: client,
		key:    fmt.Sprintf("sync_agent:%s:owner", instance),
		owner:  owner,
		ttl:    ttl,
		log:    log,
	}
}

// Acquire takes the lock and keeps it alive until ctx is done, Release is
// called or another owner takes over. It returns false when someone else
// holds it.
func (l *InstanceLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return true, nil
	}

	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		holder, _ := l.client.Get(ctx, l.key).Result()
		l.log.Warn("Instance lock held elsewhere", "key", l.key, "holder", holder)
		return false, nil
	}

	hbCtx, cancel := context.WithCancel(ctx)
	l.stop = cancel
	l.lost = make(chan struct{})
	go l.heartbeat(hbCtx, l.lost)

	l.log.Info("Acquired instance lock", "key", l.key, "owner", l.owner)
	return true, nil
}

// Lost is closed when the heartbeat stops, for whatever reason.
func (l *InstanceLock) Lost() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.lost
}

func (l *InstanceLock) IsHeld(ctx context.Context) (bool, error) {
	current, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return current == l.owner, nil
}

// Release stops the heartbeat and deletes the key if this owner still
// holds it.
func (l *InstanceLock) Release(ctx context.Context) error {
	l.mu.Lock()
	stop := l.stop
	l.stop = nil
	l.mu.Unlock()

	if stop != nil {
		stop()
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}

func (l *InstanceLock) heartbeat(ctx context.Context, lost chan struct{}) {
	defer close(lost)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	seconds := int(l.ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		extendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		result, err := extendScript.Run(extendCtx, l.client, []string{l.key}, l.owner, seconds).Int64()
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil || result == 0 {
			l.log.Error("Lost instance lock", "key", l.key, "error", err)
			l.mu.Lock()
			l.stop = nil
			l.mu.Unlock()
			return
		}
	}
}
