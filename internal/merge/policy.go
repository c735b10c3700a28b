package merge

import (
	"encoding/json"
	"fmt"
	"reflect"

	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
)

// Policy combines a cached value with a decoded push change. Merge never
// mutates current; list results are always fresh slices. The boolean
// result is false when the change leaves the slot as it is.
type Policy interface {
	EntityType() domain.EntityType
	Decode(raw json.RawMessage) (domain.Entity, error)
	Merge(current domain.CachedEntity, change domain.Change) (domain.CachedEntity, bool)
}

// entityPolicy is the policy shared by every entity type. same decides
// whether two values denote the same list entry.
type entityPolicy[T domain.Entity] struct {
	entityType domain.EntityType
	same       func(a, b T) bool
}

func newPolicy[T domain.Entity](t domain.EntityType, same func(a, b T) bool) *entityPolicy[T] {
	if same == nil {
		same = func(a, b T) bool { return a.EntityID() == b.EntityID() }
	}
	return &entityPolicy[T]{entityType: t, same: same}
}

func (p *entityPolicy[T]) EntityType() domain.EntityType {
	return p.entityType
}

func (p *entityPolicy[T]) Decode(raw json.RawMessage) (domain.Entity, error) {
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("decode %s payload: %w", p.entityType, err))
	}
	if value.EntityID() == "" {
		return nil, ierr.Newf(ierr.ErrorCodeInvalidArgument, fmt.Sprintf("%s payload has no id", p.entityType))
	}
	return value, nil
}

func (p *entityPolicy[T]) Merge(current domain.CachedEntity, change domain.Change) (domain.CachedEntity, bool) {
	value, ok := change.Value.(T)
	if !ok || change.Entity != p.entityType || current.Key.Type != p.entityType {
		return current, false
	}

	if current.Key.IsList() {
		return p.mergeList(current, change.Operation, value)
	}
	return p.mergeSingleton(current, change.Operation, value)
}

func (p *entityPolicy[T]) mergeSingleton(current domain.CachedEntity, op domain.Operation, value T) (domain.CachedEntity, bool) {
	if current.Key.ID != value.EntityID() {
		return current, false
	}

	// A deleted entity is never revived by a late CREATE or UPDATE.
	if current.Tombstoned() {
		return current, false
	}

	switch op {
	case domain.OperationCreate, domain.OperationUpdate:
		if current.Status == domain.StatusReady && !current.Stale && reflect.DeepEqual(current.Value, domain.Entity(value)) {
			return current, false
		}
		next := current
		next.Value = domain.Entity(value)
		next.Status = domain.StatusReady
		next.Err = nil
		next.Stale = false
		return next, true

	case domain.OperationDelete:
		next := current
		next.Value = nil
		next.Status = domain.StatusError
		next.Err = ierr.Newf(ierr.ErrorCodeNotFound, fmt.Sprintf("%s %s was deleted", p.entityType, value.EntityID()))
		next.Stale = false
		next.Deleted = true
		return next, true
	}

	return current, false
}

func (p *entityPolicy[T]) mergeList(current domain.CachedEntity, op domain.Operation, value T) (domain.CachedEntity, bool) {
	// Pages that were never loaded have nothing to merge into.
	if current.Value == nil || !current.Key.Accepts(value) {
		return current, false
	}

	list := current.List()
	idx := p.indexOf(list, value)

	var next []domain.Entity
	switch op {
	case domain.OperationCreate:
		if idx >= 0 {
			return p.replaceAt(current, list, idx, value)
		}
		next = make([]domain.Entity, 0, len(list)+1)
		next = append(next, domain.Entity(value))
		next = append(next, list...)

	case domain.OperationUpdate:
		if idx < 0 {
			return current, false
		}
		return p.replaceAt(current, list, idx, value)

	case domain.OperationDelete:
		if idx < 0 {
			return current, false
		}
		next = make([]domain.Entity, 0, len(list)-1)
		next = append(next, list[:idx]...)
		next = append(next, list[idx+1:]...)

	default:
		return current, false
	}

	out := current
	out.Value = next
	return out, true
}

func (p *entityPolicy[T]) replaceAt(current domain.CachedEntity, list []domain.Entity, idx int, value T) (domain.CachedEntity, bool) {
	if reflect.DeepEqual(list[idx], domain.Entity(value)) {
		return current, false
	}

	next := make([]domain.Entity, len(list))
	copy(next, list)
	next[idx] = value

	out := current
	out.Value = next
	return out, true
}

func (p *entityPolicy[T]) indexOf(list []domain.Entity, value T) int {
	for i, entry := range list {
		if typed, ok := entry.(T); ok && p.same(typed, value) {
			return i
		}
	}
	return -1
}
