package storage

import "crypto-price-alerts/internal/model"

// Store layout shared with the subscription flow.
const (
	ActivePairsKey  = "active_pairs"
	PairHashPrefix  = "pair:"
	LastAlertPrefix = "last_alert:"
	MessageTrackKey = "sent_messages"
)

// PairHashKey is the subscriber hash for one exchange.
func PairHashKey(exchange string) string {
	return PairHashPrefix + model.NormalizeExchange(exchange)
}

// CooldownKey is the last-alert timestamp key for one notification slot.
func CooldownKey(key model.AlertKey) string {
	return LastAlertPrefix + key.String()
}
