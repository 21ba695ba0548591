package state

import "context"

// Store is the durable key-value surface shared by the snapshot, the
// cycle journal, the emergency latch, and the operator offset. Get
// reports a missing key through the bool, not an error.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
