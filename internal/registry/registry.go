package registry

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"crypto-price-alerts/internal/logging"
	"crypto-price-alerts/internal/model"
)

// Source is the raw view of the external subscription store.
type Source interface {
	ActivePairIDs(ctx context.Context) ([]string, error)
	SubscriberEntries(ctx context.Context, exchange string) (map[string]string, error)
}

// Registry exposes the monitored pairs and their subscribers. Malformed entries are
// dropped with a warning.
type Registry struct {
	source Source
	logger zerolog.Logger
}

// New constructs a Registry over source.
func New(source Source, logger zerolog.Logger) *Registry {
	return &Registry{source: source, logger: logging.Component(logger, "pair_registry")}
}

// ActivePairs returns the de-duplicated set of monitored pairs.
func (r *Registry) ActivePairs(ctx context.Context) ([]model.Pair, error) {
	ids, err := r.source.ActivePairIDs(ctx)
	if err != nil {
		return nil, err
	}

	pairs := lo.FilterMap(ids, func(id string, _ int) (model.Pair, bool) {
		pair, err := model.ParsePairID(id)
		if err != nil {
			r.logger.Warn().Err(err).Str("member", id).Msg("ignoring malformed active pair")
			return model.Pair{}, false
		}
		return pair, true
	})
	pairs = lo.Uniq(pairs)

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ID() < pairs[j].ID() })
	return pairs, nil
}

// SubscribersFor returns every valid subscription recorded for exchange, across all assets.
func (r *Registry) SubscribersFor(ctx context.Context, exchange string) ([]model.Subscription, error) {
	entries, err := r.source.SubscriberEntries(ctx, exchange)
	if err != nil {
		return nil, err
	}

	subs := make([]model.Subscription, 0, len(entries))
	for userID, raw := range entries {
		sub, err := model.ParseSubscription(exchange, userID, raw)
		if err != nil {
			r.logger.Warn().Err(err).
				Str("exchange", exchange).
				Str("user_id", userID).
				Str("value", raw).
				Msg("ignoring invalid subscriber entry")
			continue
		}
		subs = append(subs, sub)
	}

	sort.Slice(subs, func(i, j int) bool { return subs[i].UserID < subs[j].UserID })
	return subs, nil
}
