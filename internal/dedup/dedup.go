// Package dedup guards against duplicate webhook deliveries. Providers
// retry webhooks at-least-once, so every event carries a delivery key that
// is reserved before processing and released if processing fails.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Deduper reserves delivery keys. Reserve returns true when the key was not
// seen before; a false return means the delivery is a replay and must be
// acknowledged without side effects. Release undoes a reservation so a
// failed delivery can be reprocessed when the provider retries it.
type Deduper interface {
	Reserve(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
	Close() error
}

// Key derives the deduplication key for a delivery. Providers that send a
// delivery ID header get exact-once semantics per delivery; otherwise the
// key falls back to a digest of the raw event body, which still collapses
// byte-identical retries.
func Key(deliveryID string, body []byte) string {
	if deliveryID != "" {
		return "delivery:" + deliveryID
	}
	sum := sha256.Sum256(body)
	return "body:" + hex.EncodeToString(sum[:])
}
