package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Subscription is one user's threshold for one asset on one exchange.
type Subscription struct {
	UserID    string
	Asset     string
	Exchange  string
	Threshold float64
}

// Key returns the cooldown and message-tracking identity of the subscription.
func (s Subscription) Key() AlertKey {
	return AlertKey{UserID: s.UserID, Asset: s.Asset, Exchange: s.Exchange}
}

type subscriptionPayload struct {
	Asset     string          `json:"asset"`
	Threshold json.RawMessage `json:"threshold"`
}

// ParseSubscription decodes a subscriber hash value {"asset": "...", "threshold": ...}.
// The threshold may be a JSON number or a numeric string.
func ParseSubscription(exchange, userID, raw string) (Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return Subscription{}, errors.New("subscription: empty user id")
	}

	var payload subscriptionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Subscription{}, fmt.Errorf("subscription: decode: %w", err)
	}

	asset := NormalizeAsset(payload.Asset)
	if asset == "" {
		return Subscription{}, errors.New("subscription: missing asset")
	}

	threshold, err := parseNumber(payload.Threshold)
	if err != nil {
		return Subscription{}, fmt.Errorf("subscription: threshold: %w", err)
	}

	return Subscription{
		UserID:    userID,
		Asset:     asset,
		Exchange:  NormalizeExchange(exchange),
		Threshold: threshold.InexactFloat64(),
	}, nil
}

// EncodeSubscription renders the subscriber hash value for asset and threshold.
func EncodeSubscription(asset string, threshold float64) (string, error) {
	body, err := json.Marshal(map[string]any{
		"asset":     NormalizeAsset(asset),
		"threshold": threshold,
	})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func parseNumber(raw json.RawMessage) (decimal.Decimal, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.Trim(text, `"`)
	if text == "" || text == "null" {
		return decimal.Decimal{}, errors.New("missing value")
	}
	return decimal.NewFromString(text)
}
