package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-price-alerts/internal/model"
)

func newTestStream(t *testing.T) (*Stream, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stream := NewStream(client, Options{
		Stream:   "alerts",
		Consumer: "test",
		Block:    20 * time.Millisecond,
		Count:    10,
		RetryMin: 10 * time.Millisecond,
	}, zerolog.Nop())
	return stream, mr, client
}

func testEvent(user string, price float64) model.AlertEvent {
	sub := model.Subscription{UserID: user, Asset: "BTC-USDT", Exchange: "binance", Threshold: 45000}
	return model.NewAlertEvent(sub, price, time.Now())
}

func TestPublishAndConsume(t *testing.T) {
	stream, mr, _ := newTestStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, second := testEvent("u1", 46000), testEvent("u2", 47000)
	require.NoError(t, stream.Publish(ctx, first))
	_, err := mr.XAdd("alerts", "*", []string{"data", "{not json"})
	require.NoError(t, err)
	require.NoError(t, stream.Publish(ctx, second))

	var received []model.AlertEvent
	err = stream.Consume(ctx, func(ctx context.Context, batch Batch) {
		received = append(received, batch.Events...)
		assert.False(t, batch.ReadAt.Before(batch.PreviousReadAt))
		if len(received) >= 2 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, received, 2)
	assert.Equal(t, first.ID, received[0].ID)
	assert.Equal(t, second.ID, received[1].ID)

	cursor, err := stream.Cursor(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, startCursor, cursor)
}

func TestConsumeResumesFromPersistedCursor(t *testing.T) {
	stream, _, client := newTestStream(t)
	require.NoError(t, stream.Publish(context.Background(), testEvent("u1", 46000)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err := stream.Consume(ctx, func(ctx context.Context, batch Batch) { cancel() })
	require.ErrorIs(t, err, context.Canceled)

	restarted := NewStream(client, stream.opts, zerolog.Nop())
	later := testEvent("u2", 48000)
	require.NoError(t, restarted.Publish(context.Background(), later))

	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var received []model.AlertEvent
	err = restarted.Consume(ctx, func(ctx context.Context, batch Batch) {
		received = append(received, batch.Events...)
		cancel()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, received, 1)
	assert.Equal(t, later.ID, received[0].ID)
}

func TestConsumeRetriesWhileStoreIsDown(t *testing.T) {
	stream, mr, _ := newTestStream(t)
	mr.SetError("LOADING")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		mr.SetError("")
		_ = stream.Publish(context.Background(), testEvent("u1", 46000))
	}()

	delivered := false
	err := stream.Consume(ctx, func(ctx context.Context, batch Batch) {
		delivered = len(batch.Events) == 1
		cancel()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, delivered, "consumer must recover once the store is back")
}
