package storage

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-price-alerts/internal/model"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestCooldownWindow(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedis(t)
	key := model.AlertKey{UserID: "u1", Asset: "BTC-USDT", Exchange: "binance"}
	start := time.Unix(1_700_000_000, 0)
	window := 300 * time.Second

	ok, err := store.TryAcquireCooldown(ctx, key, start, window)
	require.NoError(t, err)
	assert.True(t, ok, "first alert must pass")

	ok, err = store.TryAcquireCooldown(ctx, key, start.Add(10*time.Second), window)
	require.NoError(t, err)
	assert.False(t, ok, "alert inside the window must be suppressed")

	stored, err := mr.Get(CooldownKey(key))
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(start.Unix(), 10), stored, "suppressed attempt must not move the timestamp")
	assert.Equal(t, window, mr.TTL(CooldownKey(key)))

	ok, err = store.TryAcquireCooldown(ctx, key, start.Add(window), window)
	require.NoError(t, err)
	assert.True(t, ok, "alert at the window boundary must pass")

	other := model.AlertKey{UserID: "u2", Asset: "BTC-USDT", Exchange: "binance"}
	ok, err = store.TryAcquireCooldown(ctx, other, start.Add(window), window)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")
}

func TestCooldownIgnoresMalformedTimestamp(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedis(t)
	key := model.AlertKey{UserID: "u1", Asset: "ETH-USDT", Exchange: "okx"}
	require.NoError(t, mr.Set(CooldownKey(key), "garbage"))

	ok, err := store.TryAcquireCooldown(ctx, key, time.Now(), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSubscriptionsAndActivePairs(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedis(t)

	require.NoError(t, store.PutSubscription(ctx, model.Subscription{
		UserID: "u1", Asset: "btc/usdt", Exchange: "Binance", Threshold: 45000,
	}))

	ids, err := store.ActivePairIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC-USDT:binance"}, ids)

	entries, err := store.SubscriberEntries(ctx, "binance")
	require.NoError(t, err)
	require.Contains(t, entries, "u1")

	sub, err := model.ParseSubscription("binance", "u1", entries["u1"])
	require.NoError(t, err)
	assert.Equal(t, 45000.0, sub.Threshold)
}

func TestMessageTracking(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedis(t)
	key := model.AlertKey{UserID: "u1", Asset: "BTC-USDT", Exchange: "binance"}

	_, found, err := store.MessageID(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SaveMessageID(ctx, key, 777))
	id, found, err := store.MessageID(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(777), id)
	assert.Equal(t, "777", mr.HGet(MessageTrackKey, "u1:BTC-USDT:binance"))
}

func TestAuditStoreNotConfigured(t *testing.T) {
	var store *Store
	err := store.RecordDelivery(context.Background(), DeliveryRecord{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, _, err = store.TryAdvisoryLock(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCooldownRoundsSubSecondWindowUp(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedis(t)
	key := model.AlertKey{UserID: "u1", Asset: "BTC-USDT", Exchange: "binance"}
	start := time.Unix(1_700_000_000, 0)

	ok, err := store.TryAcquireCooldown(ctx, key, start, 500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Second, mr.TTL(CooldownKey(key)), "sub-second window must still expire")

	ok, err = store.TryAcquireCooldown(ctx, key, start, 500*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "sub-second window must not disable the cooldown")

	ok, err = store.TryAcquireCooldown(ctx, key, start.Add(time.Second), 500*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitReadyRetriesUntilRedisIsUp(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedis(client)

	mr.Close()
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = mr.Restart()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	retry := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond}
	require.NoError(t, store.WaitReady(ctx, retry, zerolog.Nop()))
	assert.NoError(t, store.Ping(ctx))
}

func TestWaitReadyStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	retry := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond}
	assert.ErrorIs(t, NewRedis(client).WaitReady(ctx, retry, zerolog.Nop()), context.DeadlineExceeded)
}

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755))

	files, err := migrationFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "001_a.sql"), filepath.Join(dir, "002_b.sql")}, files)

	files, err = migrationFiles(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, files)

	shipped, err := migrationFiles(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("..", "..", "migrations", "001_alert_deliveries.sql")}, shipped)

	var store *Store
	_, err = store.Migrate(context.Background(), dir)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
