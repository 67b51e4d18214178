package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Delivery outcomes recorded in the audit log.
const (
	ActionSent    = "sent"
	ActionEdited  = "edited"
	ActionDropped = "dropped"
	ActionFailed  = "failed"
)

// DeliveryRecord captures one dispatcher outcome for auditing.
type DeliveryRecord struct {
	AlertID   uuid.UUID
	UserID    string
	Asset     string
	Exchange  string
	Price     decimal.Decimal
	Threshold decimal.Decimal
	AlertTS   time.Time
	MessageID *int64
	Action    string
	Error     *string
	CreatedAt time.Time
}
