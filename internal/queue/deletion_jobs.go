package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
)

// TargetStore names which backing store a deletion job runs against.
type TargetStore string

const (
	TargetPrimary   TargetStore = "primary"
	TargetFederated TargetStore = "federated"
)

// DeletionJob is one batch of objects handed from the soft-delete service to
// the background hard-delete workers.
type DeletionJob struct {
	Store      TargetStore       `json:"store"`
	ObjectType domain.ObjectType `json:"object_type"`
	ObjectIDs  []string          `json:"object_ids"`
	ActorID    string            `json:"actor_id"`
}

func (j DeletionJob) Validate() error {
	if j.Store != TargetPrimary && j.Store != TargetFederated {
		return fmt.Errorf("unknown target store %q", j.Store)
	}
	if j.ObjectType == "" {
		return errors.New("object type is required")
	}
	if len(j.ObjectIDs) == 0 {
		return errors.New("at least one object id is required")
	}
	if j.ActorID == "" {
		return errors.New("actor id is required")
	}
	return nil
}

// DeletionJobDelivery is one received job plus its receipt.
type DeletionJobDelivery struct {
	Handle  string
	Attempt int
	Job     DeletionJob
}

// DeletionJobQueue carries hard-delete work with the same at-least-once
// contract as the notification queue.
type DeletionJobQueue interface {
	Enqueue(ctx context.Context, job DeletionJob) error
	Receive(ctx context.Context, max int) ([]DeletionJobDelivery, error)
	Ack(ctx context.Context, handle string) error
}

// PostgresDeletionJobQueue stores deletion jobs next to the data they will
// destroy, so the hand-off survives process restarts without a broker.
type PostgresDeletionJobQueue struct {
	db                DB
	visibilityTimeout time.Duration
	now               func() time.Time
}

func NewPostgresDeletionJobQueue(db DB, visibilityTimeout time.Duration) *PostgresDeletionJobQueue {
	if db == nil {
		return nil
	}
	if visibilityTimeout <= 0 {
		// Hard deletes pace themselves between items; give a batch room to
		// finish before it becomes visible again.
		visibilityTimeout = 30 * time.Minute
	}
	return &PostgresDeletionJobQueue{
		db:                db,
		visibilityTimeout: visibilityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

const receiveDeletionJobsQuery = `UPDATE deletion_job_queue
	SET visible_at = $1, attempts = attempts + 1, delivery_handle = gen_random_uuid()::text
	WHERE job_id IN (
		SELECT job_id FROM deletion_job_queue
		WHERE visible_at <= $2
		ORDER BY enqueued_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	)
	RETURNING delivery_handle, attempts, payload`

const ackDeletionJobQuery = `DELETE FROM deletion_job_queue WHERE delivery_handle = $1 AND visible_at > $2`

const enqueueDeletionJobQuery = `INSERT INTO deletion_job_queue (job_id, payload, enqueued_at, visible_at, attempts)
	VALUES ($1, $2, $3, $3, 0)`

func (q *PostgresDeletionJobQueue) Enqueue(ctx context.Context, job DeletionJob) error {
	if q == nil || q.db == nil {
		return errors.New("deletion job queue not initialized")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode deletion job: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, enqueueDeletionJobQuery, uuid.NewString(), payload, q.now()); err != nil {
		return fmt.Errorf("enqueue deletion job: %w", err)
	}
	return nil
}

func (q *PostgresDeletionJobQueue) Receive(ctx context.Context, max int) ([]DeletionJobDelivery, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("deletion job queue not initialized")
	}
	if max <= 0 {
		max = 1
	}
	now := q.now()
	rows, err := q.db.QueryContext(ctx, receiveDeletionJobsQuery, now.Add(q.visibilityTimeout), now, max)
	if err != nil {
		return nil, fmt.Errorf("receive deletion jobs: %w", err)
	}
	defer rows.Close()

	deliveries := make([]DeletionJobDelivery, 0, max)
	for rows.Next() {
		var d DeletionJobDelivery
		var payload []byte
		if err := rows.Scan(&d.Handle, &d.Attempt, &payload); err != nil {
			return nil, fmt.Errorf("scan deletion job: %w", err)
		}
		if err := json.Unmarshal(payload, &d.Job); err != nil {
			return nil, fmt.Errorf("decode deletion job: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receive deletion jobs: %w", err)
	}
	return deliveries, nil
}

func (q *PostgresDeletionJobQueue) Ack(ctx context.Context, handle string) error {
	if q == nil || q.db == nil {
		return errors.New("deletion job queue not initialized")
	}
	if handle == "" {
		return errors.New("delivery handle is required")
	}
	res, err := q.db.ExecContext(ctx, ackDeletionJobQuery, handle, q.now())
	if err != nil {
		return fmt.Errorf("ack deletion job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack deletion job: %w", err)
	}
	if affected == 0 {
		return ErrUnknownDelivery
	}
	return nil
}
