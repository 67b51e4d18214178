package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-price-alerts/internal/alerting"
	"crypto-price-alerts/internal/bus"
	"crypto-price-alerts/internal/model"
	"crypto-price-alerts/internal/storage"
)

type fakeChannel struct {
	mu      sync.Mutex
	nextID  int64
	sends   []string
	edits   []int64
	editErr error
	sendErr map[string]error
}

func (c *fakeChannel) Send(_ context.Context, chatID, text string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendErr[chatID]; err != nil {
		return 0, err
	}
	c.nextID++
	c.sends = append(c.sends, chatID+"|"+text)
	return c.nextID, nil
}

func (c *fakeChannel) Edit(_ context.Context, _ string, messageID int64, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, messageID)
	return c.editErr
}

type memAudit struct {
	mu      sync.Mutex
	records []storage.DeliveryRecord
}

func (a *memAudit) RecordDelivery(_ context.Context, rec storage.DeliveryRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *memAudit) ListRecentDeliveries(context.Context, int) ([]storage.DeliveryRecord, error) {
	return nil, nil
}

func (a *memAudit) ListDeliveriesBetween(context.Context, time.Time, time.Time, string) ([]storage.DeliveryRecord, error) {
	return nil, nil
}

func (a *memAudit) DeleteDeliveriesBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.records))
	for _, rec := range a.records {
		out = append(out, rec.Action)
	}
	return out
}

func newTracker(t *testing.T) *storage.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewRedis(client)
}

func event(user string, price float64) model.AlertEvent {
	sub := model.Subscription{UserID: user, Asset: "BTC-USDT", Exchange: "binance", Threshold: 45000}
	return model.NewAlertEvent(sub, price, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
}

func freshBatch(events ...model.AlertEvent) bus.Batch {
	now := time.Now()
	return bus.Batch{Events: events, LastID: "1-0", ReadAt: now, PreviousReadAt: now.Add(-time.Second)}
}

func TestSendThenEditInPlace(t *testing.T) {
	ctx := context.Background()
	tracker := newTracker(t)
	channel := &fakeChannel{nextID: 100}
	audit := &memAudit{}
	d := New(Options{StaleWindow: 2 * time.Minute}, nil, channel, tracker, audit, zerolog.Nop())

	d.HandleBatch(ctx, freshBatch(event("u1", 46000)))
	require.Len(t, channel.sends, 1)
	id, ok, err := tracker.MessageID(ctx, model.AlertKey{UserID: "u1", Asset: "BTC-USDT", Exchange: "binance"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(101), id)

	d.HandleBatch(ctx, freshBatch(event("u1", 47000)))
	assert.Len(t, channel.sends, 1, "second alert must edit, not send")
	assert.Equal(t, []int64{101}, channel.edits)
	assert.Equal(t, []string{storage.ActionSent, storage.ActionEdited}, audit.actions())
}

func TestEditNotFoundIsDroppedNotResent(t *testing.T) {
	ctx := context.Background()
	tracker := newTracker(t)
	key := model.AlertKey{UserID: "u1", Asset: "BTC-USDT", Exchange: "binance"}
	require.NoError(t, tracker.SaveMessageID(ctx, key, 55))

	channel := &fakeChannel{editErr: fmt.Errorf("%w: deleted", alerting.ErrMessageNotFound)}
	audit := &memAudit{}
	d := New(Options{}, nil, channel, tracker, audit, zerolog.Nop())

	d.HandleBatch(ctx, freshBatch(event("u1", 46000)))
	assert.Empty(t, channel.sends)
	assert.Equal(t, []string{storage.ActionDropped}, audit.actions())

	channel.editErr = errors.New("429 too many requests")
	d.HandleBatch(ctx, freshBatch(event("u1", 46100)))
	assert.Empty(t, channel.sends)
	assert.Equal(t, []string{storage.ActionDropped, storage.ActionFailed}, audit.actions())
}

func TestStaleBatchIsDropped(t *testing.T) {
	tracker := newTracker(t)
	channel := &fakeChannel{}
	audit := &memAudit{}
	d := New(Options{StaleWindow: 2 * time.Minute}, nil, channel, tracker, audit, zerolog.Nop())

	now := time.Now()
	d.HandleBatch(context.Background(), bus.Batch{
		Events:         []model.AlertEvent{event("u1", 46000), event("u2", 46000)},
		LastID:         "9-0",
		ReadAt:         now,
		PreviousReadAt: now.Add(-5 * time.Minute),
	})

	assert.Empty(t, channel.sends)
	assert.Empty(t, channel.edits)
	assert.Equal(t, []string{storage.ActionDropped, storage.ActionDropped}, audit.actions())
}

func TestStaleGuardDisabled(t *testing.T) {
	channel := &fakeChannel{}
	d := New(Options{}, nil, channel, newTracker(t), nil, zerolog.Nop())

	now := time.Now()
	d.HandleBatch(context.Background(), bus.Batch{
		Events:         []model.AlertEvent{event("u1", 46000)},
		ReadAt:         now,
		PreviousReadAt: now.Add(-time.Hour),
	})
	assert.Len(t, channel.sends, 1)
}

func TestOneFailureDoesNotBlockBatch(t *testing.T) {
	channel := &fakeChannel{sendErr: map[string]error{"u2": errors.New("bot was blocked by the user")}}
	audit := &memAudit{}
	d := New(Options{MaxSends: 2}, nil, channel, newTracker(t), audit, zerolog.Nop())

	d.HandleBatch(context.Background(), freshBatch(event("u1", 1), event("u2", 1), event("u3", 1)))
	assert.Len(t, channel.sends, 2)
	assert.ElementsMatch(t, []string{storage.ActionSent, storage.ActionFailed, storage.ActionSent}, audit.actions())
}

func TestDeliveryRecordDerivesStableIDForLegacyEvents(t *testing.T) {
	legacy := event("u1", 46000)
	legacy.ID = uuid.Nil

	first := deliveryRecord(legacy, storage.ActionSent, nil, nil)
	second := deliveryRecord(legacy, storage.ActionSent, nil, nil)
	assert.NotEqual(t, uuid.Nil, first.AlertID)
	assert.Equal(t, first.AlertID, second.AlertID)

	failed := deliveryRecord(event("u1", 1), storage.ActionFailed, nil, errors.New("boom"))
	require.NotNil(t, failed.Error)
	assert.Equal(t, "boom", *failed.Error)
}

func TestRunConsumesStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stream := bus.NewStream(client, bus.Options{Block: 20 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, stream.Publish(context.Background(), event("u1", 46000)))

	channel := &fakeChannel{}
	d := New(Options{StaleWindow: time.Minute}, stream, channel, storage.NewRedis(client), nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		channel.mu.Lock()
		defer channel.mu.Unlock()
		return len(channel.sends) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
