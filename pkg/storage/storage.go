package storage

import "context"

// Writer archives raw imported artifacts to external storage.
type Writer interface {
	// Preflight verifies that the storage backend is reachable and
	// writable. Fails fast on misconfiguration before the server
	// starts accepting imports.
	Preflight(ctx context.Context) error

	// Put stores an artifact under the given key.
	Put(ctx context.Context, key string, data []byte) error
}
