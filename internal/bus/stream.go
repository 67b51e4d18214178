package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crypto-price-alerts/internal/logging"
	"crypto-price-alerts/internal/model"
)

const (
	payloadField = "data"
	startCursor  = "0-0"
)

// Options tune the stream producer and consumer.
type Options struct {
	Stream   string
	Consumer string
	// Block bounds how long one read waits for new entries.
	Block time.Duration
	Count int64
	// MaxLen trims the stream approximately on publish; zero keeps everything.
	MaxLen   int64
	RetryMin time.Duration
	RetryMax time.Duration
}

// Batch is one drained slice of the stream.
type Batch struct {
	Events []model.AlertEvent
	LastID string
	// ReadAt is when this batch was read; PreviousReadAt is the previous successful read.
	ReadAt         time.Time
	PreviousReadAt time.Time
}

// Handler processes one batch. The cursor is committed after it returns.
type Handler func(ctx context.Context, batch Batch)

// Stream is an append-only alert log on a Redis stream with a persisted read cursor.
type Stream struct {
	client redis.UniversalClient
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewStream constructs a Stream over client.
func NewStream(client redis.UniversalClient, opts Options, logger zerolog.Logger) *Stream {
	if opts.Stream == "" {
		opts.Stream = "alerts"
	}
	if opts.Consumer == "" {
		opts.Consumer = "alert-dispatcher"
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	if opts.Count <= 0 {
		opts.Count = 50
	}
	if opts.RetryMin <= 0 {
		opts.RetryMin = 3 * time.Second
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = opts.RetryMin
	}

	return &Stream{
		client: client,
		opts:   opts,
		logger: logging.Component(logger, "alert_bus").With().Str("stream", opts.Stream).Logger(),
		now:    time.Now,
	}
}

// Publish appends events to the stream in one round trip.
func (s *Stream) Publish(ctx context.Context, events ...model.AlertEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, event := range events {
		payload, err := model.EncodeAlertEvent(event)
		if err != nil {
			return fmt.Errorf("encode alert %s: %w", event.Key(), err)
		}
		args := &redis.XAddArgs{
			Stream: s.opts.Stream,
			Values: map[string]interface{}{payloadField: string(payload)},
		}
		if s.opts.MaxLen > 0 {
			args.MaxLen = s.opts.MaxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %d alerts: %w", len(events), err)
	}
	return nil
}

// Cursor returns the last committed entry id, or the stream start.
func (s *Stream) Cursor(ctx context.Context) (string, error) {
	id, err := s.client.Get(ctx, s.cursorKey()).Result()
	if errors.Is(err, redis.Nil) {
		return startCursor, nil
	}
	if err != nil {
		return "", fmt.Errorf("read cursor: %w", err)
	}
	return id, nil
}

// Consume drains the stream forever, calling handle for each non-empty batch.
// Connection failures are retried on the configured backoff; only ctx ends the loop.
func (s *Stream) Consume(ctx context.Context, handle Handler) error {
	retry := &backoff.Backoff{Min: s.opts.RetryMin, Max: s.opts.RetryMax, Factor: 2}

	var cursor string
	previous := s.now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if cursor == "" {
			id, err := s.Cursor(ctx)
			if err != nil {
				if waitErr := s.wait(ctx, retry.Duration(), err); waitErr != nil {
					return waitErr
				}
				continue
			}
			cursor = id
			s.logger.Info().Str("cursor", cursor).Msg("alert bus consumer started")
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.opts.Stream, cursor},
			Count:   s.opts.Count,
			Block:   s.opts.Block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if waitErr := s.wait(ctx, retry.Duration(), err); waitErr != nil {
				return waitErr
			}
			continue
		}
		retry.Reset()

		readAt := s.now()
		batch := s.decode(streams)
		if batch.LastID == "" {
			previous = readAt
			continue
		}

		batch.ReadAt = readAt
		batch.PreviousReadAt = previous
		previous = readAt

		if len(batch.Events) > 0 {
			handle(ctx, batch)
		}

		cursor = batch.LastID
		if err := s.client.Set(ctx, s.cursorKey(), cursor, 0).Err(); err != nil {
			s.logger.Warn().Err(err).Str("cursor", cursor).Msg("failed to persist cursor; batch may be redelivered")
		}
	}
}

func (s *Stream) decode(streams []redis.XStream) Batch {
	var batch Batch
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			batch.LastID = msg.ID

			raw, ok := msg.Values[payloadField].(string)
			if !ok {
				s.logger.Warn().Str("entry_id", msg.ID).Msg("stream entry without payload; skipped")
				continue
			}
			event, err := model.DecodeAlertEvent([]byte(raw))
			if err != nil {
				s.logger.Warn().Err(err).Str("entry_id", msg.ID).Msg("malformed alert entry; skipped")
				continue
			}
			batch.Events = append(batch.Events, event)
		}
	}
	return batch
}

func (s *Stream) wait(ctx context.Context, delay time.Duration, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Error().Err(cause).Dur("retry_in", delay).Msg("alert bus unavailable, retrying")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Stream) cursorKey() string {
	return s.opts.Stream + ":cursor:" + s.opts.Consumer
}
