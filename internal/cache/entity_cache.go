package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketplace-sync/internal/domain"
	"marketplace-sync/pkg/logger"
)

// UpdateFunc computes the next state of a slot. exists is false when the
// slot has never been written; current is then an idle entry. Returning
// false leaves the slot untouched.
type UpdateFunc func(current domain.CachedEntity, exists bool) (domain.CachedEntity, bool)

// EntityCache is the process-wide store of last known server values.
// Slots are never removed, only superseded or marked stale.
type EntityCache struct {
	mu      sync.RWMutex
	entries map[domain.EntityKey]domain.CachedEntity
	subs    map[domain.EntityKey]map[int64]chan domain.CachedEntity
	global  map[int64]chan domain.CachedEntity
	nextID  int64
	now     func() time.Time
	log     logger.Logger
}

type Option func(*EntityCache)

// WithClock overrides the clock used to stamp LastUpdated.
func WithClock(now func() time.Time) Option {
	return func(c *EntityCache) { c.now = now }
}

func New(log logger.Logger, opts ...Option) *EntityCache {
	c := &EntityCache{
		entries: make(map[domain.EntityKey]domain.CachedEntity),
		subs:    make(map[domain.EntityKey]map[int64]chan domain.CachedEntity),
		global:  make(map[int64]chan domain.CachedEntity),
		now:     time.Now,
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *EntityCache) Get(key domain.EntityKey) (domain.CachedEntity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	return entry, ok
}

// Update atomically applies fn to the slot behind key.
func (c *EntityCache) Update(key domain.EntityKey, fn UpdateFunc) (domain.CachedEntity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, exists := c.entries[key]
	if !exists {
		current = domain.CachedEntity{Key: key, Status: domain.StatusIdle}
	}

	next, changed := fn(current, exists)
	if !changed {
		return current, false
	}

	next.Key = key
	next.Version = current.Version + 1
	next.LastUpdated = c.now()
	c.storeLocked(next)

	return next, true
}

// Put stores a ready, fresh value.
func (c *EntityCache) Put(key domain.EntityKey, value any) domain.CachedEntity {
	entry, _ := c.Update(key, func(current domain.CachedEntity, _ bool) (domain.CachedEntity, bool) {
		current.Value = value
		current.Status = domain.StatusReady
		current.Err = nil
		current.Stale = false
		current.Deleted = false
		return current, true
	})
	return entry
}

// Restore writes a snapshot back verbatim. Only the version moves forward
// so that subscribers observe the restoration.
func (c *EntityCache) Restore(snapshot domain.CachedEntity) domain.CachedEntity {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.entries[snapshot.Key]
	snapshot.Version = current.Version + 1
	c.storeLocked(snapshot)

	return snapshot
}

// MarkStale flags an existing slot for refetch. Unknown keys are ignored.
func (c *EntityCache) MarkStale(key domain.EntityKey) {
	c.Update(key, func(current domain.CachedEntity, exists bool) (domain.CachedEntity, bool) {
		if !exists || current.Stale {
			return current, false
		}
		current.Stale = true
		return current, true
	})
}

// Keys returns every key of the given entity type, ordered by name.
func (c *EntityCache) Keys(t domain.EntityType) []domain.EntityKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []domain.EntityKey
	for key := range c.entries {
		if key.Type == t {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	return keys
}

func (c *EntityCache) Snapshot() []domain.CachedEntity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]domain.CachedEntity, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.String() < entries[j].Key.String() })

	return entries
}

// Subscribe delivers every later write of key. Only the latest value is
// buffered; a slow reader skips intermediate states. The subscription
// ends when ctx is done or cancel is called.
func (c *EntityCache) Subscribe(ctx context.Context, key domain.EntityKey) (<-chan domain.CachedEntity, func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan domain.CachedEntity, 1)
	if c.subs[key] == nil {
		c.subs[key] = make(map[int64]chan domain.CachedEntity)
	}
	c.subs[key][id] = ch
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if subs := c.subs[key]; subs != nil {
				delete(subs, id)
				if len(subs) == 0 {
					delete(c.subs, key)
				}
			}
			close(ch)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel
}

// SubscribeAll delivers writes of every key. Unlike Subscribe it buffers
// up to size entries and drops on overflow, logging the loss.
func (c *EntityCache) SubscribeAll(ctx context.Context, size int) (<-chan domain.CachedEntity, func()) {
	if size <= 0 {
		size = 64
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan domain.CachedEntity, size)
	c.global[id] = ch
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.global, id)
			close(ch)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel
}

// IMPORTANT: It must be called only when the write lock is held.
func (c *EntityCache) storeLocked(entry domain.CachedEntity) {
	c.entries[entry.Key] = entry

	for _, ch := range c.subs[entry.Key] {
		deliverLatest(ch, entry)
	}

	for _, ch := range c.global {
		select {
		case ch <- entry:
		default:
			c.log.Warn("cache sink is full, dropping entry", "key", entry.Key.String())
		}
	}
}

func deliverLatest(ch chan domain.CachedEntity, entry domain.CachedEntity) {
	select {
	case ch <- entry:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- entry:
	default:
	}
}
