package domain

import (
	"context"
	"time"
)

type MutationStatus string

const (
	MutationPending    MutationStatus = "pending"
	MutationCommitted  MutationStatus = "committed"
	MutationRolledBack MutationStatus = "rolled-back"
)

type OptimisticMutation struct {
	ID        string
	Name      string
	Keys      []EntityKey
	Previous  map[EntityKey]CachedEntity
	Applied   map[EntityKey]any
	Status    MutationStatus
	Err       error
	StartedAt time.Time
	SettledAt time.Time
}

// MutationJournal records mutation transitions for later inspection.
type MutationJournal interface {
	Record(ctx context.Context, mutation *OptimisticMutation) error
}

// MutationRecord is a journaled mutation.
type MutationRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Keys      []string       `json:"keys"`
	Status    MutationStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	SettledAt *time.Time     `json:"settled_at,omitempty"`
}

// MutationHistory lists journaled mutations, newest first.
type MutationHistory interface {
	Recent(ctx context.Context, limit int) ([]MutationRecord, error)
}
