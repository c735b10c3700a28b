package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"golang.org/x/sync/singleflight"

	"marketplace-sync/internal/cache"
	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
	"marketplace-sync/internal/merge"
	"marketplace-sync/pkg/logger"
)

// PathResolver maps a cache key to the remote API path that serves it.
type PathResolver func(key domain.EntityKey) string

// DefaultPaths renders "/auctions/A1", "/notifications?q=me" and, for
// scoped lists, "/auctions/A1/bids?q=page%3D1".
func DefaultPaths(key domain.EntityKey) string {
	collection := string(key.Type) + "s"
	if !key.IsList() {
		return "/" + collection + "/" + url.PathEscape(key.ID)
	}

	path := "/" + collection
	if key.Scope != "" {
		path = "/auctions/" + url.PathEscape(key.Scope) + path
	}
	return path + "?q=" + url.QueryEscape(key.Query)
}

// Reader serves cache-first reads and fills misses from the remote API.
// Concurrent reads of one key share a single request.
type Reader struct {
	cache    *cache.EntityCache
	api      domain.RemoteAPI
	registry *merge.Registry
	gate     domain.WriteGate
	paths    PathResolver
	group    singleflight.Group
	log      logger.Logger
}

func NewReader(
	entityCache *cache.EntityCache,
	api domain.RemoteAPI,
	registry *merge.Registry,
	gate domain.WriteGate,
	paths PathResolver,
	log logger.Logger,
) *Reader {
	if paths == nil {
		paths = DefaultPaths
	}
	return &Reader{
		cache:    entityCache,
		api:      api,
		registry: registry,
		gate:     gate,
		paths:    paths,
		log:      log,
	}
}

// Read returns the cached entry for key, fetching it when the slot is
// missing, not ready or stale. A slot deleted by a push is returned with
// its not-found error and is not refetched.
func (r *Reader) Read(ctx context.Context, key domain.EntityKey) (domain.CachedEntity, error) {
	if entry, ok := r.cache.Get(key); ok {
		if entry.Tombstoned() {
			return entry, entry.Err
		}
		if entry.Status == domain.StatusReady && !entry.Stale {
			return entry, nil
		}
	}
	return r.load(ctx, key)
}

// Peek returns the cached entry without fetching.
func (r *Reader) Peek(key domain.EntityKey) (domain.CachedEntity, bool) {
	return r.cache.Get(key)
}

// Refresh fetches key again whatever its cached state, unless a push
// deleted it.
func (r *Reader) Refresh(ctx context.Context, key domain.EntityKey) (domain.CachedEntity, error) {
	if entry, ok := r.cache.Get(key); ok && entry.Tombstoned() {
		return entry, entry.Err
	}
	return r.load(ctx, key)
}

func (r *Reader) load(ctx context.Context, key domain.EntityKey) (domain.CachedEntity, error) {
	v, err, shared := r.group.Do(key.String(), func() (any, error) {
		return r.fetch(ctx, key)
	})
	if shared {
		r.log.Debug("Shared in-flight fetch", "key", key.String())
	}

	entry, _ := v.(domain.CachedEntity)
	return entry, err
}

// fetch writes the response unless a mutation wrote key in the meantime;
// the cache then keeps the mutation's value and the caller gets that.
func (r *Reader) fetch(ctx context.Context, key domain.EntityKey) (domain.CachedEntity, error) {
	var gen uint64
	if r.gate != nil {
		gen = r.gate.Generation(key)
	}

	r.write(key, gen, func(current domain.CachedEntity, _ bool) (domain.CachedEntity, bool) {
		current.Status = domain.StatusLoading
		return current, true
	})

	raw, err := r.api.Get(ctx, r.paths(key))
	if err == nil {
		var value any
		value, err = r.decode(key, raw)
		if err == nil {
			r.write(key, gen, setReady(value))
			entry, _ := r.cache.Get(key)
			return entry, nil
		}
	}

	if _, ok := ierr.CodeOf(err); !ok {
		err = ierr.New(ierr.ErrorCodeUnavailable, err)
	}
	r.log.Warn("Failed to fetch entity", "key", key.String(), "error", err)

	r.write(key, gen, func(current domain.CachedEntity, _ bool) (domain.CachedEntity, bool) {
		current.Status = domain.StatusError
		current.Err = err
		return current, true
	})
	entry, _ := r.cache.Get(key)
	return entry, err
}

func (r *Reader) write(key domain.EntityKey, gen uint64, fn cache.UpdateFunc) {
	if r.gate == nil {
		r.cache.Update(key, fn)
		return
	}
	r.gate.Admit(key, func() {
		if r.gate.Generation(key) != gen {
			r.log.Debug("Dropping fetch result overtaken by a mutation", "key", key.String())
			return
		}
		r.cache.Update(key, fn)
	})
}

func (r *Reader) decode(key domain.EntityKey, raw json.RawMessage) (any, error) {
	policy, ok := r.registry.Lookup(key.Type)
	if !ok {
		return nil, ierr.Newf(ierr.ErrorCodeInvalidArgument, fmt.Sprintf("no policy for entity type %s", key.Type))
	}

	if !key.IsList() {
		return policy.Decode(raw)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		var page struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("decode %s: %w", key, err))
		}
		items = page.Items
	}

	list := make([]domain.Entity, 0, len(items))
	for _, item := range items {
		entity, err := policy.Decode(item)
		if err != nil {
			return nil, err
		}
		list = append(list, entity)
	}
	return list, nil
}
