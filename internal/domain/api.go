package domain

import (
	"context"
	"encoding/json"
)

// RemoteAPI is the request/response collaborator. Failures are ierr.Error
// values; 401 responses carry ierr.ErrorCodeUnauthenticated.
type RemoteAPI interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Do(ctx context.Context, method, path string, body any) (json.RawMessage, error)
}

// CacheSink receives every cache write, e.g. to mirror it elsewhere.
type CacheSink interface {
	Publish(ctx context.Context, entry CachedEntity) error
}
