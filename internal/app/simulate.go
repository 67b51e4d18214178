package app

import (
	"context"
	"errors"
	"time"

	"crypto-price-alerts/internal/model"
)

// Subscribe 写入一条订阅，并把交易对登记为活跃。
func (a *App) Subscribe(ctx context.Context, opts SubscribeOptions) error {
	sub, err := buildSubscription(opts.UserID, opts.Asset, opts.Exchange, opts.Threshold)
	if err != nil {
		return err
	}

	rdb, closeClient, err := a.connectRedis(ctx)
	if err != nil {
		return err
	}
	defer closeClient()

	if err := rdb.PutSubscription(ctx, sub); err != nil {
		return err
	}

	a.Logger.Info().
		Str("user_id", sub.UserID).
		Str("pair", model.NewPair(sub.Asset, sub.Exchange).ID()).
		Float64("threshold", sub.Threshold).
		Msg("subscription saved")
	return nil
}

// SimulateAlert 直接向告警总线发布一条合成告警，供调度器投递。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (model.AlertEvent, error) {
	if opts.Price <= 0 {
		return model.AlertEvent{}, errors.New("price 必须大于 0")
	}
	sub, err := buildSubscription(opts.UserID, opts.Asset, opts.Exchange, opts.Threshold)
	if err != nil {
		return model.AlertEvent{}, err
	}

	client, closeClient := a.openRedis()
	defer closeClient()

	event := model.NewAlertEvent(sub, opts.Price, time.Now())
	if err := a.newStream(client).Publish(ctx, event); err != nil {
		return model.AlertEvent{}, err
	}

	a.Logger.Info().Str("alert_id", event.ID.String()).Str("key", event.Key().String()).Msg("simulated alert published")
	return event, nil
}

func buildSubscription(userID, asset, exchange string, threshold float64) (model.Subscription, error) {
	if userID == "" {
		return model.Subscription{}, errors.New("user id 不能为空")
	}
	pair := model.NewPair(asset, exchange)
	if pair.Asset == "" || pair.Exchange == "" {
		return model.Subscription{}, errors.New("asset 与 exchange 不能为空")
	}
	return model.Subscription{
		UserID:    userID,
		Asset:     pair.Asset,
		Exchange:  pair.Exchange,
		Threshold: threshold,
	}, nil
}
