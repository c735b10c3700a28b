package domain

import (
	"time"

	"marketplace-sync/internal/ierr"
)

type CacheStatus string

const (
	StatusIdle    CacheStatus = "idle"
	StatusLoading CacheStatus = "loading"
	StatusReady   CacheStatus = "ready"
	StatusError   CacheStatus = "error"
)

// CachedEntity is one cache slot. Value is an Entity for singleton keys
// and a []Entity for list keys. Presence of a value does not imply
// freshness.
type CachedEntity struct {
	Key         EntityKey   `json:"key"`
	Value       any         `json:"value,omitempty"`
	Status      CacheStatus `json:"status"`
	Err         error       `json:"-"`
	Stale       bool        `json:"stale"`
	Deleted     bool        `json:"deleted"`
	LastUpdated time.Time   `json:"last_updated"`
	Version     uint64      `json:"version"`
}

// NotFound reports whether the slot holds a missing resource, either
// deleted by a push or answered 404 by the server.
func (c CachedEntity) NotFound() bool {
	return c.Status == StatusError && ierr.IsCode(c.Err, ierr.ErrorCodeNotFound)
}

// Tombstoned reports whether a push deleted the entity. Only a DELETE
// merge sets it; a failed fetch never does.
func (c CachedEntity) Tombstoned() bool {
	return c.Deleted
}

func (c CachedEntity) ErrMessage() string {
	if c.Err == nil {
		return ""
	}
	return c.Err.Error()
}

// List returns the value of a list-shaped slot, nil otherwise.
func (c CachedEntity) List() []Entity {
	list, _ := c.Value.([]Entity)
	return list
}
