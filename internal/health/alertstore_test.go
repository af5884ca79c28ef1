package health

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func setupTestRedisStore(t *testing.T) (*RedisAlertStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store, err := NewRedisAlertStore(mr.Addr())
	require.NoError(t, err)
	return store, mr
}

func TestRedisAlertStoreDedupsWithinWindow(t *testing.T) {
	store, mr := setupTestRedisStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	first, err := store.ShouldAlert(ctx, "transport", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, first)

	second, err := store.ShouldAlert(ctx, "transport", 5*time.Minute)
	require.NoError(t, err)
	require.False(t, second)
}

func TestRedisAlertStoreAllowsAfterWindowExpiry(t *testing.T) {
	store, mr := setupTestRedisStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	_, err := store.ShouldAlert(ctx, "buffer", 100*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(200 * time.Millisecond)

	again, err := store.ShouldAlert(ctx, "buffer", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, again)
}

func TestMonitorWithRedisStoreDedupsAcrossChecks(t *testing.T) {
	store, mr := setupTestRedisStore(t)
	defer mr.Close()
	defer store.Close()

	m := NewWithStore(Config{CheckInterval: time.Second, MetricsRetention: time.Minute}, nil, nil, store)
	m.PushComponentSample(ComponentSample{Name: "buffer", ErrorRate5Min: 20})

	m.Check(context.Background())
	m.Check(context.Background())

	require.Len(t, m.GetAlerts(24), 1)
}
