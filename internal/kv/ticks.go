package kv

import (
	"context"
	"time"
)

// TickLocks holds tick locks in a KV bucket whose TTL bounds each lock's
// lifetime.
type TickLocks struct {
	store *Store
}

// NewTickLocks wraps the tick lock bucket store.
func NewTickLocks(store *Store) *TickLocks {
	return &TickLocks{store: store}
}

// TryAcquire creates lockKey. It returns false when another caller created
// it first.
func (l *TickLocks) TryAcquire(ctx context.Context, lockKey string) (bool, error) {
	_, err := l.store.Create(ctx, EncodeKey(lockKey), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	if err != nil {
		if IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
