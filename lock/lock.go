// Package lock implements spec.md §4.4 LockService: the distributed
// mutual-exclusion primitive the aggregation worker uses to guarantee only
// one process computes a given (customerID, periodType, periodKey) at a
// time.
package lock

import (
	"context"
	"time"
)

// Service acquires and releases named locks with a TTL, so a crashed
// holder's lock self-expires instead of wedging the job forever.
type Service interface {
	// Acquire attempts to take key for ttl. A false result with a nil error
	// means someone else already holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops key, regardless of who holds it — callers only release
	// locks they just acquired, so this is safe.
	Release(ctx context.Context, key string) error

	// Held reports whether key is currently locked by anyone.
	Held(ctx context.Context, key string) (bool, error)
}
