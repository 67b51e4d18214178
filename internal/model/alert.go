package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AlertKey identifies a (user, asset, exchange) notification slot.
type AlertKey struct {
	UserID   string
	Asset    string
	Exchange string
}

// String renders the key as "user:asset:exchange".
func (k AlertKey) String() string {
	return k.UserID + ":" + k.Asset + ":" + k.Exchange
}

// AlertEvent is a triggered threshold crossing travelling over the alert bus.
type AlertEvent struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Asset     string    `json:"asset"`
	Exchange  string    `json:"exchange"`
	Price     float64   `json:"price"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// NewAlertEvent builds the event raised for sub at the observed price.
func NewAlertEvent(sub Subscription, price float64, at time.Time) AlertEvent {
	event := AlertEvent{
		ID:        uuid.New(),
		UserID:    sub.UserID,
		Asset:     sub.Asset,
		Exchange:  sub.Exchange,
		Price:     price,
		Threshold: sub.Threshold,
		Timestamp: at.UTC(),
	}
	event.Message = RenderMessage(event)
	return event
}

// Key returns the notification identity of the event.
func (e AlertEvent) Key() AlertKey {
	return AlertKey{UserID: e.UserID, Asset: e.Asset, Exchange: e.Exchange}
}

// Validate checks the fields the dispatcher depends on.
func (e AlertEvent) Validate() error {
	switch {
	case e.UserID == "":
		return errors.New("alert: missing user_id")
	case e.Asset == "" || e.Exchange == "":
		return errors.New("alert: missing asset or exchange")
	case e.Message == "":
		return errors.New("alert: missing message")
	}
	return nil
}

// EncodeAlertEvent serialises the event for the bus.
func EncodeAlertEvent(e AlertEvent) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeAlertEvent parses and validates a bus payload. Events without an id are accepted.
func DecodeAlertEvent(data []byte) (AlertEvent, error) {
	var event AlertEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return AlertEvent{}, fmt.Errorf("alert: decode: %w", err)
	}
	if err := event.Validate(); err != nil {
		return AlertEvent{}, err
	}
	return event, nil
}

// RenderMessage formats the notification text for an event.
func RenderMessage(e AlertEvent) string {
	return fmt.Sprintf("⚠️ %s - %s on %s price %s crossed your threshold %s",
		e.Timestamp.UTC().Format(time.RFC3339),
		e.Asset,
		e.Exchange,
		decimal.NewFromFloat(e.Price).String(),
		decimal.NewFromFloat(e.Threshold).String(),
	)
}
