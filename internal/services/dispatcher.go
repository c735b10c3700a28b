package services

import (
	"context"
	"time"

	"marketplace-sync/internal/cache"
	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/merge"
	"marketplace-sync/internal/metrics"
	"marketplace-sync/pkg/logger"
)

// Dispatcher applies push events to the cache. Channels enqueue; Run is
// the single consumer, so no two events ever interleave their writes.
type Dispatcher struct {
	cache    *cache.EntityCache
	registry *merge.Registry
	gate     domain.PushGate
	queue    *eventQueue
	metrics  *metrics.Metrics
	log      logger.Logger
}

// NewDispatcher builds a dispatcher. A nil gate applies every event at
// once.
func NewDispatcher(
	entityCache *cache.EntityCache,
	registry *merge.Registry,
	gate domain.PushGate,
	m *metrics.Metrics,
	log logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		cache:    entityCache,
		registry: registry,
		gate:     gate,
		queue:    newEventQueue(),
		metrics:  m,
		log:      log,
	}
}

// Enqueue implements domain.EventSink.
func (d *Dispatcher) Enqueue(event domain.PushEvent) {
	if !d.queue.Enqueue(event) {
		d.log.Warn("Dispatcher stopped, dropping push", "entity", event.Entity, "operation", event.Operation)
		d.metrics.PushDropped("stopped")
		return
	}
	d.metrics.PushReceived(string(event.Entity))
	d.metrics.SetQueueDepth(d.queue.Len())
}

// Run consumes the queue until ctx is done. Events still queued at that
// point are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("Starting push dispatcher")
	defer d.queue.Close()

	for {
		for {
			event, ok := d.queue.TryDequeue()
			if !ok {
				break
			}
			d.Dispatch(event)
			d.metrics.SetQueueDepth(d.queue.Len())
		}

		select {
		case <-ctx.Done():
			d.log.Info("Stopping push dispatcher", "pending", d.queue.Len())
			return ctx.Err()
		case _, open := <-d.queue.Wait():
			if !open {
				return nil
			}
		}
	}
}

// Dispatch applies one event. Unknown entity types and malformed payloads
// are logged and dropped.
func (d *Dispatcher) Dispatch(event domain.PushEvent) {
	start := time.Now()
	defer func() { d.metrics.ObserveDispatch(time.Since(start).Seconds()) }()

	policy, ok := d.registry.Lookup(event.Entity)
	if !ok {
		d.log.Debug("Ignoring push for unknown entity type", "entity", event.Entity)
		d.metrics.PushDropped("unknown_entity")
		return
	}

	switch event.Operation {
	case domain.OperationCreate, domain.OperationUpdate, domain.OperationDelete:
	default:
		d.log.Warn("Ignoring push with unknown operation", "entity", event.Entity, "operation", event.Operation)
		d.metrics.PushDropped("unknown_operation")
		return
	}

	value, err := policy.Decode(event.Payload)
	if err != nil {
		d.log.Warn("Ignoring undecodable push", "entity", event.Entity, "operation", event.Operation, "error", err)
		d.metrics.PushDropped("bad_payload")
		return
	}

	change := domain.Change{Entity: event.Entity, Operation: event.Operation, Value: value}
	key := domain.SingletonKey(event.Entity, value.EntityID())
	apply := func() { d.apply(policy, key, change) }

	if d.gate == nil {
		apply()
		return
	}
	d.gate.Admit(key, apply)
}

func (d *Dispatcher) apply(policy merge.Policy, key domain.EntityKey, change domain.Change) {
	if current, ok := d.cache.Get(key); ok && current.Tombstoned() && change.Operation != domain.OperationDelete {
		d.log.Debug("Dropping push for deleted entity", "key", key.String(), "operation", change.Operation)
		d.metrics.PushDropped("deleted_entity")
		return
	}

	merger := func(current domain.CachedEntity, _ bool) (domain.CachedEntity, bool) {
		return policy.Merge(current, change)
	}

	written := 0
	if _, changed := d.cache.Update(key, merger); changed {
		written++
	}

	for _, listKey := range d.cache.Keys(change.Entity) {
		if !listKey.IsList() {
			continue
		}
		if _, changed := d.cache.Update(listKey, merger); changed {
			written++
		}
	}

	if written > 0 {
		d.metrics.PushApplied(string(change.Entity))
	}
	d.log.Debug("Applied push", "key", key.String(), "operation", change.Operation, "writes", written)
}
