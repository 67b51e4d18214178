package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"crypto-price-alerts/internal/alerting"
	"crypto-price-alerts/internal/bus"
	"crypto-price-alerts/internal/logging"
	"crypto-price-alerts/internal/model"
	"crypto-price-alerts/internal/storage"
)

// Tracker remembers the last delivered message per notification key.
type Tracker interface {
	MessageID(ctx context.Context, key model.AlertKey) (int64, bool, error)
	SaveMessageID(ctx context.Context, key model.AlertKey, messageID int64) error
}

// Consumer feeds batches from the alert bus.
type Consumer interface {
	Consume(ctx context.Context, handle bus.Handler) error
}

// Options tune delivery.
type Options struct {
	// StaleWindow drops a batch when the gap since the previous read exceeds it; zero disables.
	StaleWindow time.Duration
	// MaxSends caps concurrent deliveries within a batch; zero leaves it to the batch size.
	MaxSends int
}

// Dispatcher turns alert events into chat messages, editing in place when one already exists.
type Dispatcher struct {
	consumer Consumer
	channel  alerting.Channel
	tracker  Tracker
	audit    storage.DeliveryStore
	logger   zerolog.Logger
	opts     Options
}

// New constructs a dispatcher. audit may be nil.
func New(opts Options, consumer Consumer, channel alerting.Channel, tracker Tracker, audit storage.DeliveryStore, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		consumer: consumer,
		channel:  channel,
		tracker:  tracker,
		audit:    audit,
		logger:   logging.Component(logger, "dispatcher"),
		opts:     opts,
	}
}

// Run consumes the alert bus until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.consumer == nil {
		return fmt.Errorf("alert bus not configured")
	}
	d.logger.Info().Dur("stale_window", d.opts.StaleWindow).Msg("dispatcher started")
	return d.consumer.Consume(ctx, d.HandleBatch)
}

// HandleBatch delivers every event of one batch concurrently and waits for all of them.
func (d *Dispatcher) HandleBatch(ctx context.Context, batch bus.Batch) {
	if d.isStale(batch) {
		d.logger.Warn().
			Int("events", len(batch.Events)).
			Str("last_id", batch.LastID).
			Dur("gap", batch.ReadAt.Sub(batch.PreviousReadAt)).
			Msg("批次已过期，丢弃")
		for _, event := range batch.Events {
			d.record(ctx, event, storage.ActionDropped, nil, errors.New("stale batch"))
		}
		return
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if d.opts.MaxSends > 0 {
		group.SetLimit(d.opts.MaxSends)
	}
	for _, event := range batch.Events {
		event := event
		group.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error().Interface("panic", r).Str("key", event.Key().String()).Msg("delivery panicked")
				}
			}()
			d.Deliver(groupCtx, event)
			return nil
		})
	}
	_ = group.Wait()
}

func (d *Dispatcher) isStale(batch bus.Batch) bool {
	if d.opts.StaleWindow <= 0 || batch.PreviousReadAt.IsZero() || batch.ReadAt.IsZero() {
		return false
	}
	return batch.ReadAt.Sub(batch.PreviousReadAt) > d.opts.StaleWindow
}

// Deliver edits the tracked message for the event's key, or sends a new one.
// A failed edit is never turned into a send.
func (d *Dispatcher) Deliver(ctx context.Context, event model.AlertEvent) {
	key := event.Key()
	logger := d.logger.With().Str("key", key.String()).Logger()

	messageID, tracked, err := d.tracker.MessageID(ctx, key)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read tracked message")
		d.record(ctx, event, storage.ActionFailed, nil, err)
		return
	}

	if tracked {
		err := d.channel.Edit(ctx, key.UserID, messageID, event.Message)
		switch {
		case err == nil:
			logger.Info().Int64("message_id", messageID).Msg("alert message edited")
			d.record(ctx, event, storage.ActionEdited, &messageID, nil)
		case errors.Is(err, alerting.ErrMessageNotFound):
			logger.Warn().Err(err).Int64("message_id", messageID).Msg("tracked message gone; alert dropped")
			d.record(ctx, event, storage.ActionDropped, &messageID, err)
		default:
			logger.Error().Err(err).Int64("message_id", messageID).Msg("failed to edit alert message")
			d.record(ctx, event, storage.ActionFailed, &messageID, err)
		}
		return
	}

	sentID, err := d.channel.Send(ctx, key.UserID, event.Message)
	if err != nil {
		logger.Error().Err(err).Msg("failed to send alert message")
		d.record(ctx, event, storage.ActionFailed, nil, err)
		return
	}
	if err := d.tracker.SaveMessageID(ctx, key, sentID); err != nil {
		logger.Error().Err(err).Int64("message_id", sentID).Msg("failed to track sent message")
	}
	logger.Info().Int64("message_id", sentID).Msg("alert message sent")
	d.record(ctx, event, storage.ActionSent, &sentID, nil)
}

func (d *Dispatcher) record(ctx context.Context, event model.AlertEvent, action string, messageID *int64, cause error) {
	if d.audit == nil {
		return
	}
	rec := deliveryRecord(event, action, messageID, cause)
	if err := d.audit.RecordDelivery(ctx, rec); err != nil {
		d.logger.Warn().Err(err).Str("alert_id", rec.AlertID.String()).Str("action", action).Msg("failed to record delivery")
	}
}

func deliveryRecord(event model.AlertEvent, action string, messageID *int64, cause error) storage.DeliveryRecord {
	alertID := event.ID
	if alertID == uuid.Nil {
		// 旧版事件无 id，按内容派生稳定 id
		alertID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(event.Key().String()+"@"+event.Timestamp.UTC().Format(time.RFC3339Nano)))
	}

	rec := storage.DeliveryRecord{
		AlertID:   alertID,
		UserID:    event.UserID,
		Asset:     event.Asset,
		Exchange:  event.Exchange,
		Price:     decimal.NewFromFloat(event.Price),
		Threshold: decimal.NewFromFloat(event.Threshold),
		AlertTS:   event.Timestamp.UTC(),
		MessageID: messageID,
		Action:    action,
		CreatedAt: time.Now().UTC(),
	}
	if cause != nil {
		msg := cause.Error()
		rec.Error = &msg
	}
	return rec
}
