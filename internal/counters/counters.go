// Package counters provides windowed counting primitives for risk rules.
//
// All counters are tumbling buckets, not true sliding windows: a counter's
// TTL is set when the first increment lands and the whole bucket vanishes
// when it expires. A burst straddling a bucket boundary is therefore split
// across two buckets and can undercount. Sets behave differently — their
// TTL is refreshed on every add, so an active set keeps extending its life.
package counters

import (
	"context"
	"time"
)

// Store is the windowed counter abstraction used by the rule set.
// Implementations must make both operations atomic per key.
type Store interface {
	// IncrWindow increments key and returns the post-increment count.
	// If the count is 1 (first write since creation/expiry), the key's
	// TTL is set to window.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// AddToSet adds member to the set at key, refreshes the key's TTL to
	// window, and returns the set's cardinality.
	AddToSet(ctx context.Context, key string, member string, window time.Duration) (int64, error)
}
