package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketplace-sync/internal/cache"
	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
	"marketplace-sync/internal/metrics"
	"marketplace-sync/pkg/logger"
	"marketplace-sync/pkg/utils"
)

// RemoteCall performs the server side of a mutation. Its response is the
// authoritative value handed to each Write's Commit.
type RemoteCall func(ctx context.Context) (any, error)

// Write is one cache slot touched by a mutation. Apply computes the
// optimistic value from the slot as it is when the mutation gets its
// turn. Commit reconciles the slot with the server response; a nil Commit
// stores the response itself, or keeps the optimistic value when the
// response is nil.
type Write struct {
	Key    domain.EntityKey
	Apply  func(current domain.CachedEntity) any
	Commit func(current domain.CachedEntity, response any) any
}

// Mutation groups writes that commit or roll back together.
type Mutation struct {
	Name   string
	Writes []Write
	Call   RemoteCall
}

// MutationError is returned for every rolled-back mutation.
type MutationError struct {
	MutationID string
	Name       string
	Status     domain.MutationStatus
	Err        error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation %s (%s) %s: %v", e.Name, e.MutationID, e.Status, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

type heldApply struct {
	seq   uint64
	apply func()
}

// MutationCoordinator runs optimistic mutations. Mutations on a key run
// one at a time in call order; a mutation over several keys waits for all
// of them. It is also the PushGate of the dispatcher: pushes for a key
// with a pending mutation are held until the mutation settles.
type MutationCoordinator struct {
	cache   *cache.EntityCache
	journal domain.MutationJournal
	metrics *metrics.Metrics
	log     logger.Logger
	now     func() time.Time

	// gate serializes every cache write made by pushes, optimistic writes,
	// commits, rollbacks and held replays.
	gate sync.Mutex

	mu       sync.Mutex
	tails    map[domain.EntityKey]chan struct{}
	inflight map[domain.EntityKey]int
	held     map[domain.EntityKey][]heldApply
	gens     map[domain.EntityKey]uint64
	seq      uint64

	wg sync.WaitGroup
}

func NewMutationCoordinator(
	entityCache *cache.EntityCache,
	journal domain.MutationJournal,
	m *metrics.Metrics,
	log logger.Logger,
) *MutationCoordinator {
	return &MutationCoordinator{
		cache:    entityCache,
		journal:  journal,
		metrics:  m,
		log:      log,
		now:      time.Now,
		tails:    make(map[domain.EntityKey]chan struct{}),
		inflight: make(map[domain.EntityKey]int),
		held:     make(map[domain.EntityKey][]heldApply),
		gens:     make(map[domain.EntityKey]uint64),
	}
}

// Mutate writes optimistic to key, runs call and then commits the
// response or restores the previous value.
func (c *MutationCoordinator) Mutate(ctx context.Context, key domain.EntityKey, optimistic any, call RemoteCall) (any, error) {
	return c.MutateMany(ctx, Mutation{
		Name: string(key.Type),
		Writes: []Write{{
			Key:   key,
			Apply: func(domain.CachedEntity) any { return optimistic },
		}},
		Call: call,
	})
}

// MutateMany runs m to completion even if ctx is cancelled; cancellation
// only stops the caller from waiting for the outcome.
func (c *MutationCoordinator) MutateMany(ctx context.Context, m Mutation) (any, error) {
	pending, err := c.Start(ctx, m)
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}

// PendingMutation is a started mutation.
type PendingMutation struct {
	ID   string
	done chan struct{}

	value any
	err   error
}

// Wait returns the outcome of the mutation or ctx.Err() if ctx ends
// first. The mutation itself keeps running.
func (p *PendingMutation) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start queues m behind earlier mutations on its keys and returns without
// waiting. Mutations started one after another run in that order.
func (c *MutationCoordinator) Start(ctx context.Context, m Mutation) (*PendingMutation, error) {
	if len(m.Writes) == 0 || m.Call == nil {
		return nil, ierr.Newf(ierr.ErrorCodeInvalidArgument, "mutation needs at least one write and a remote call")
	}

	keys := make([]domain.EntityKey, 0, len(m.Writes))
	seen := make(map[domain.EntityKey]struct{}, len(m.Writes))
	for _, w := range m.Writes {
		if _, dup := seen[w.Key]; dup {
			return nil, ierr.Newf(ierr.ErrorCodeInvalidArgument, fmt.Sprintf("mutation writes %s twice", w.Key))
		}
		if w.Apply == nil {
			return nil, ierr.Newf(ierr.ErrorCodeInvalidArgument, fmt.Sprintf("write to %s has no optimistic value", w.Key))
		}
		seen[w.Key] = struct{}{}
		keys = append(keys, w.Key)
	}

	if m.Name == "" {
		m.Name = string(keys[0].Type)
	}

	mutation := &domain.OptimisticMutation{
		ID:        utils.GenerateID("mutation"),
		Name:      m.Name,
		Keys:      keys,
		Previous:  make(map[domain.EntityKey]domain.CachedEntity, len(keys)),
		Applied:   make(map[domain.EntityKey]any, len(keys)),
		Status:    domain.MutationPending,
		StartedAt: c.now(),
	}
	pending := &PendingMutation{ID: mutation.ID, done: make(chan struct{})}

	wait, done := c.acquire(keys)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(pending.done)
		pending.value, pending.err = c.run(context.WithoutCancel(ctx), mutation, m, wait, done)
	}()

	return pending, nil
}

// Pending reports whether a mutation is queued or in flight for key.
func (c *MutationCoordinator) Pending(key domain.EntityKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[key] > 0
}

// Wait blocks until every started mutation has settled or ctx is done.
func (c *MutationCoordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Admit implements domain.PushGate.
func (c *MutationCoordinator) Admit(key domain.EntityKey, apply func()) bool {
	c.gate.Lock()
	defer c.gate.Unlock()

	c.mu.Lock()
	holdKey, hold := c.blockingKeyLocked(key)
	if hold {
		c.seq++
		c.held[holdKey] = append(c.held[holdKey], heldApply{seq: c.seq, apply: apply})
	}
	c.mu.Unlock()

	if hold {
		c.metrics.PushHeld()
		c.log.Debug("Holding push behind pending mutation", "key", key.String(), "pending_key", holdKey.String())
		return true
	}

	apply()
	return false
}

// Generation implements domain.WriteGate. It must not be called with
// c.mu held.
func (c *MutationCoordinator) Generation(key domain.EntityKey) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key]
}

func (c *MutationCoordinator) advance(keys []domain.EntityKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.gens[key]++
	}
}

// blockingKeyLocked finds the pending mutation key a push for key must
// wait for: the key itself, or a list of the same entity type.
//
// IMPORTANT: c.mu must be held.
func (c *MutationCoordinator) blockingKeyLocked(key domain.EntityKey) (domain.EntityKey, bool) {
	if c.inflight[key] > 0 {
		return key, true
	}
	for pending := range c.inflight {
		if pending.Type == key.Type && pending.IsList() {
			return pending, true
		}
	}
	return domain.EntityKey{}, false
}

func (c *MutationCoordinator) acquire(keys []domain.EntityKey) ([]chan struct{}, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	done := make(chan struct{})
	var wait []chan struct{}
	for _, key := range keys {
		if prev, ok := c.tails[key]; ok {
			wait = append(wait, prev)
		}
		c.tails[key] = done
		c.inflight[key]++
	}

	return wait, done
}

// release hands the keys to the next mutation and replays the pushes
// held for keys that have no mutation left.
func (c *MutationCoordinator) release(keys []domain.EntityKey, done chan struct{}) {
	c.gate.Lock()
	defer c.gate.Unlock()

	c.mu.Lock()
	close(done)
	var replay []heldApply
	for _, key := range keys {
		if c.tails[key] == done {
			delete(c.tails, key)
		}
		c.inflight[key]--
		if c.inflight[key] > 0 {
			continue
		}
		delete(c.inflight, key)
		replay = append(replay, c.held[key]...)
		delete(c.held, key)
	}
	c.mu.Unlock()

	sort.Slice(replay, func(i, j int) bool { return replay[i].seq < replay[j].seq })
	for _, h := range replay {
		h.apply()
	}
	if len(replay) > 0 {
		c.log.Debug("Replayed held pushes", "count", len(replay))
	}
}

func (c *MutationCoordinator) run(ctx context.Context, mutation *domain.OptimisticMutation, m Mutation, wait []chan struct{}, done chan struct{}) (any, error) {
	defer c.release(mutation.Keys, done)

	for _, ch := range wait {
		<-ch
	}

	c.gate.Lock()
	for _, w := range m.Writes {
		previous, exists := c.cache.Get(w.Key)
		if !exists {
			previous = domain.CachedEntity{Key: w.Key, Status: domain.StatusIdle}
		}
		mutation.Previous[w.Key] = previous

		value := w.Apply(previous)
		mutation.Applied[w.Key] = value
		c.cache.Update(w.Key, setReady(value))
	}
	c.advance(mutation.Keys)
	c.gate.Unlock()

	c.metrics.MutationStarted(mutation.Name)
	c.record(ctx, mutation)
	c.log.Info("Applied optimistic mutation", "mutation_id", mutation.ID, "name", mutation.Name, "keys", len(mutation.Keys))

	response, callErr := m.Call(ctx)

	c.gate.Lock()
	if callErr != nil {
		for _, w := range m.Writes {
			c.cache.Restore(mutation.Previous[w.Key])
		}
		mutation.Status = domain.MutationRolledBack
		mutation.Err = callErr
	} else {
		for _, w := range m.Writes {
			current, _ := c.cache.Get(w.Key)
			value := response
			switch {
			case w.Commit != nil:
				value = w.Commit(current, response)
			case response == nil:
				// No body: the optimistic value stands.
				value = current.Value
			}
			c.cache.Update(w.Key, setReady(value))
		}
		mutation.Status = domain.MutationCommitted
	}
	c.advance(mutation.Keys)
	mutation.SettledAt = c.now()
	c.gate.Unlock()

	c.metrics.MutationSettled(mutation.Name, string(mutation.Status), mutation.SettledAt.Sub(mutation.StartedAt).Seconds())
	c.record(ctx, mutation)

	if callErr != nil {
		c.log.Warn("Rolled back mutation", "mutation_id", mutation.ID, "name", mutation.Name, "error", callErr)
		return nil, &MutationError{
			MutationID: mutation.ID,
			Name:       mutation.Name,
			Status:     mutation.Status,
			Err:        callErr,
		}
	}

	c.log.Info("Committed mutation", "mutation_id", mutation.ID, "name", mutation.Name)
	return response, nil
}

func (c *MutationCoordinator) record(ctx context.Context, mutation *domain.OptimisticMutation) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Record(ctx, mutation); err != nil {
		c.log.Error("Failed to record mutation", "mutation_id", mutation.ID, "status", mutation.Status, "error", err)
	}
}

func setReady(value any) cache.UpdateFunc {
	return func(current domain.CachedEntity, _ bool) (domain.CachedEntity, bool) {
		current.Value = value
		current.Status = domain.StatusReady
		current.Err = nil
		current.Stale = false
		current.Deleted = false
		return current, true
	}
}
