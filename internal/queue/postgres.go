package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
	"github.com/google/uuid"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PostgresQueue stores notifications in a table and uses FOR UPDATE SKIP
// LOCKED so concurrent workers never receive the same message inside one
// visibility window.
type PostgresQueue struct {
	db                DB
	visibilityTimeout time.Duration
	now               func() time.Time
}

func NewPostgresQueue(db DB, visibilityTimeout time.Duration) *PostgresQueue {
	if db == nil {
		return nil
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 2 * time.Minute
	}
	return &PostgresQueue{
		db:                db,
		visibilityTimeout: visibilityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

const receiveQuery = `UPDATE notification_queue
	SET visible_at = $1, attempts = attempts + 1, delivery_handle = gen_random_uuid()::text
	WHERE message_id IN (
		SELECT message_id FROM notification_queue
		WHERE visible_at <= $2
		ORDER BY enqueued_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	)
	RETURNING delivery_handle, attempts, payload`

const ackQuery = `DELETE FROM notification_queue WHERE delivery_handle = $1 AND visible_at > $2`

const publishQuery = `INSERT INTO notification_queue (message_id, payload, enqueued_at, visible_at, attempts)
	VALUES ($1, $2, $3, $3, 0)`

func (q *PostgresQueue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("queue not initialized")
	}
	if max <= 0 {
		max = 1
	}
	now := q.now()
	rows, err := q.db.QueryContext(ctx, receiveQuery, now.Add(q.visibilityTimeout), now, max)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	defer rows.Close()

	deliveries := make([]Delivery, 0, max)
	for rows.Next() {
		var d Delivery
		var payload []byte
		if err := rows.Scan(&d.Handle, &d.Attempt, &payload); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if err := json.Unmarshal(payload, &d.Message); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	return deliveries, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, handle string) error {
	if q == nil || q.db == nil {
		return errors.New("queue not initialized")
	}
	if handle == "" {
		return errors.New("delivery handle is required")
	}
	res, err := q.db.ExecContext(ctx, ackQuery, handle, q.now())
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if affected == 0 {
		return ErrUnknownDelivery
	}
	return nil
}

func (q *PostgresQueue) Publish(ctx context.Context, msg domain.NotificationMessage) error {
	if q == nil || q.db == nil {
		return errors.New("queue not initialized")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, publishQuery, uuid.NewString(), payload, q.now()); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}
