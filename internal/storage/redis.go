package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crypto-price-alerts/internal/model"
)

// cooldownScript writes ARGV[1] (unix seconds) only when no timestamp newer than
// the window (ARGV[2] seconds) is stored. Returns 1 when the caller may alert.
var cooldownScript = redis.NewScript(`
local last = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if last then
  local ts = tonumber(last)
  if ts and now - ts < window then
    return 0
  end
end
if window > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', window)
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// Redis wraps the single-key primitives the pipeline needs against the shared store.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wires a go-redis client into the store.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Ping checks the connection to the Redis server.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// WaitReady pings until the server answers, sleeping on retry between attempts.
// Only ctx ends the wait.
func (r *Redis) WaitReady(ctx context.Context, retry *backoff.Backoff, logger zerolog.Logger) error {
	for {
		err := r.Ping(ctx)
		if err == nil {
			retry.Reset()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := retry.Duration()
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("redis unavailable, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ActivePairIDs returns the raw members of the active pair set.
func (r *Redis) ActivePairIDs(ctx context.Context) ([]string, error) {
	members, err := r.client.SMembers(ctx, ActivePairsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ActivePairsKey, err)
	}
	return members, nil
}

// SubscriberEntries returns the raw user -> JSON table of one exchange.
func (r *Redis) SubscriberEntries(ctx context.Context, exchange string) (map[string]string, error) {
	key := PairHashKey(exchange)
	entries, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return entries, nil
}

// PutSubscription stores a subscriber entry and marks its pair active.
func (r *Redis) PutSubscription(ctx context.Context, sub model.Subscription) error {
	raw, err := model.EncodeSubscription(sub.Asset, sub.Threshold)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	pair := model.NewPair(sub.Asset, sub.Exchange)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, PairHashKey(pair.Exchange), sub.UserID, raw)
	pipe.SAdd(ctx, ActivePairsKey, pair.ID())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	return nil
}

// TryAcquireCooldown atomically checks and refreshes the cooldown timestamp of key.
// It returns false while now is within window of the previous accepted alert.
func (r *Redis) TryAcquireCooldown(ctx context.Context, key model.AlertKey, now time.Time, window time.Duration) (bool, error) {
	// 秒级存储，不足一秒向上取整
	seconds := int64((window + time.Second - 1) / time.Second)
	res, err := cooldownScript.Run(ctx, r.client, []string{CooldownKey(key)}, now.Unix(), seconds).Int()
	if err != nil {
		return false, fmt.Errorf("cooldown %s: %w", key, err)
	}
	return res == 1, nil
}

// MessageID returns the tracked delivery message id for key.
func (r *Redis) MessageID(ctx context.Context, key model.AlertKey) (int64, bool, error) {
	val, err := r.client.HGet(ctx, MessageTrackKey, key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read message track %s: %w", key, err)
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("message track %s holds %q: %w", key, val, err)
	}
	return id, true, nil
}

// SaveMessageID records the delivery message id for key.
func (r *Redis) SaveMessageID(ctx context.Context, key model.AlertKey, messageID int64) error {
	if err := r.client.HSet(ctx, MessageTrackKey, key.String(), messageID).Err(); err != nil {
		return fmt.Errorf("save message track %s: %w", key, err)
	}
	return nil
}
