package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertDeliverySQL = `INSERT INTO alert_deliveries (
        alert_id,
        user_id,
        asset,
        exchange,
        price,
        threshold,
        alert_ts,
        message_id,
        action,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (alert_id, action) DO NOTHING;`

	deliveryColumns = `alert_id::text,
        user_id,
        asset,
        exchange,
        price::text,
        threshold::text,
        alert_ts,
        message_id,
        action,
        error,
        created_at`

	listRecentDeliveriesSQL = `SELECT ` + deliveryColumns + `
    FROM alert_deliveries
    ORDER BY created_at DESC
    LIMIT $1;`

	listDeliveriesBetweenSQL = `SELECT ` + deliveryColumns + `
    FROM alert_deliveries
    WHERE alert_ts >= $1
      AND alert_ts < $2
      AND ($3 = '' OR asset = $3)
    ORDER BY alert_ts;`

	deleteDeliveriesBeforeSQL = `DELETE FROM alert_deliveries WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DeliveryStore defines operations for the delivery audit log.
type DeliveryStore interface {
	RecordDelivery(ctx context.Context, rec DeliveryRecord) error
	ListRecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)
	ListDeliveriesBetween(ctx context.Context, from, to time.Time, asset string) ([]DeliveryRecord, error)
	DeleteDeliveriesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL-backed audit log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the session lock dies with the connection if the unlock fails
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// RecordDelivery persists a delivery outcome. Replays of the same alert and action are ignored.
func (s *Store) RecordDelivery(ctx context.Context, rec DeliveryRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var messageID interface{}
	if rec.MessageID != nil {
		messageID = *rec.MessageID
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	alertID := rec.AlertID
	if alertID == uuid.Nil {
		alertID = uuid.New()
	}

	_, execErr := pool.Exec(ctx, insertDeliverySQL,
		alertID.String(),
		rec.UserID,
		rec.Asset,
		rec.Exchange,
		rec.Price.String(),
		rec.Threshold.String(),
		rec.AlertTS,
		messageID,
		rec.Action,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("insert delivery: %w", execErr)
	}
	return nil
}

// ListRecentDeliveries lists the most recent outcomes, newest first.
func (s *Store) ListRecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDeliveriesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent deliveries: %w", queryErr)
	}
	defer rows.Close()

	return collectDeliveries(rows, limit)
}

// ListDeliveriesBetween lists outcomes for alerts raised within [from, to), optionally for one asset.
func (s *Store) ListDeliveriesBetween(ctx context.Context, from, to time.Time, asset string) ([]DeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDeliveriesBetweenSQL, from, to, asset)
	if queryErr != nil {
		return nil, fmt.Errorf("list deliveries between: %w", queryErr)
	}
	defer rows.Close()

	return collectDeliveries(rows, 0)
}

// DeleteDeliveriesBefore prunes audit rows older than olderThan.
func (s *Store) DeleteDeliveriesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteDeliveriesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete deliveries before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectDeliveries(rows pgx.Rows, capacity int) ([]DeliveryRecord, error) {
	records := make([]DeliveryRecord, 0, capacity)
	for rows.Next() {
		rec, scanErr := scanDelivery(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanDelivery(rows pgx.Rows) (DeliveryRecord, error) {
	var (
		alertID      string
		rec          DeliveryRecord
		priceStr     string
		thresholdStr string
		messageID    sql.NullInt64
		errMsg       sql.NullString
	)

	if err := rows.Scan(
		&alertID,
		&rec.UserID,
		&rec.Asset,
		&rec.Exchange,
		&priceStr,
		&thresholdStr,
		&rec.AlertTS,
		&messageID,
		&rec.Action,
		&errMsg,
		&rec.CreatedAt,
	); err != nil {
		return DeliveryRecord{}, err
	}

	var err error
	if rec.AlertID, err = uuid.Parse(alertID); err != nil {
		return DeliveryRecord{}, fmt.Errorf("parse alert id: %w", err)
	}
	if rec.Price, err = decimal.NewFromString(priceStr); err != nil {
		return DeliveryRecord{}, fmt.Errorf("parse price: %w", err)
	}
	if rec.Threshold, err = decimal.NewFromString(thresholdStr); err != nil {
		return DeliveryRecord{}, fmt.Errorf("parse threshold: %w", err)
	}

	if messageID.Valid {
		value := messageID.Int64
		rec.MessageID = &value
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	return rec, nil
}

var (
	_ DeliveryStore  = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
