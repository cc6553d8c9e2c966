// Package statestore persists the small JSON state blobs a migration needs
// to survive process restarts: the pivot ledger and the workload scale state.
package statestore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when the key has never been saved or has
// been cleared.
var ErrNotFound = errors.New("state not found")

// Store is a minimal key-value store for migration state. Keys are short
// identifiers without path separators; values are JSON documents.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	// Clear removes the key. Clearing an absent key is not an error.
	Clear(ctx context.Context, key string) error
}
