package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKey_PrefersDeliveryID(t *testing.T) {
	t.Parallel()
	body := []byte(`{"type":"crawl.page"}`)

	require.Equal(t, "delivery:abc-1", Key("abc-1", body))

	// Without a delivery ID the key is derived from the body, so
	// byte-identical retries collapse to the same key.
	require.Equal(t, Key("", body), Key("", []byte(`{"type":"crawl.page"}`)))
	require.NotEqual(t, Key("", body), Key("", []byte(`{"type":"crawl.completed"}`)))
}

func TestMemoryDeduper_ReserveOnce(t *testing.T) {
	t.Parallel()
	d := NewMemoryDeduper(time.Hour)
	ctx := context.Background()

	ok, err := d.Reserve(ctx, "delivery:1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = d.Reserve(ctx, "delivery:1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryDeduper_ReleaseAllowsRetry(t *testing.T) {
	t.Parallel()
	d := NewMemoryDeduper(time.Hour)
	ctx := context.Background()

	ok, err := d.Reserve(ctx, "delivery:1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, d.Release(ctx, "delivery:1"))

	ok, err = d.Reserve(ctx, "delivery:1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryDeduper_ReservationExpires(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper(time.Hour).WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, err := d.Reserve(ctx, "delivery:1")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(30 * time.Minute)
	ok, err = d.Reserve(ctx, "delivery:1")
	require.NoError(t, err)
	require.False(t, ok)

	now = now.Add(31 * time.Minute)
	ok, err = d.Reserve(ctx, "delivery:1")
	require.NoError(t, err)
	require.True(t, ok)
}
