package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
)

// DeletionLogStore persists the deletion pipeline's audit trail. Rows are
// inserted at soft-delete time, stamped once on confirmed hard delete, and
// never removed.
type DeletionLogStore struct {
	db DB
}

func NewDeletionLogStore(db DB) *DeletionLogStore {
	if db == nil {
		return nil
	}
	return &DeletionLogStore{db: db}
}

const stampHardDeletedQuery = `UPDATE deletion_logs
	SET hard_deleted_at = $1
	WHERE object_type = $2 AND hard_deleted_at IS NULL AND object_id IN (%s)`

const selectOpenLogsQuery = `SELECT log_id, object_id, object_type, actor_id, soft_deleted_at, hard_deleted_at, metadata
	FROM deletion_logs
	WHERE hard_deleted_at IS NULL AND soft_deleted_at < $1
	ORDER BY soft_deleted_at ASC`

func (s *DeletionLogStore) CreateDeletionLog(ctx context.Context, log domain.DeletionLog) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("deletion log store not initialized")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	metaJSON, err := encodeMetadata(log.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO deletion_logs (log_id, object_id, object_type, actor_id, soft_deleted_at, hard_deleted_at, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		strings.TrimSpace(log.ID),
		strings.TrimSpace(log.ObjectID),
		string(log.ObjectType),
		strings.TrimSpace(log.ActorID),
		log.SoftDeletedAt.UTC(),
		nullTime(log.HardDeletedAt),
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("insert deletion log: %w", err)
	}
	return nil
}

func (s *DeletionLogStore) GetDeletionLog(ctx context.Context, objectType domain.ObjectType, objectID string) (domain.DeletionLog, error) {
	if s == nil || s.db == nil {
		return domain.DeletionLog{}, fmt.Errorf("deletion log store not initialized")
	}
	objectID = strings.TrimSpace(objectID)
	if objectID == "" {
		return domain.DeletionLog{}, fmt.Errorf("object id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT log_id, object_id, object_type, actor_id, soft_deleted_at, hard_deleted_at, metadata
		 FROM deletion_logs
		 WHERE object_type = $1 AND object_id = $2`,
		string(objectType),
		objectID,
	)
	log, err := scanDeletionLog(row)
	if err != nil {
		return domain.DeletionLog{}, handleNotFound(err)
	}
	return log, nil
}

func (s *DeletionLogStore) ListDeletionLogs(ctx context.Context, objectType domain.ObjectType, objectIDs []string) ([]domain.DeletionLog, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("deletion log store not initialized")
	}
	objectIDs, err := trimmedIDs(objectIDs)
	if err != nil {
		return nil, err
	}
	query := `SELECT log_id, object_id, object_type, actor_id, soft_deleted_at, hard_deleted_at, metadata
		FROM deletion_logs
		WHERE object_type = $1 AND object_id IN (` + placeholders(2, len(objectIDs)) + `)`
	args := append([]any{string(objectType)}, idArgs(objectIDs)...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deletion logs: %w", err)
	}
	defer rows.Close()

	logs := make([]domain.DeletionLog, 0, len(objectIDs))
	for rows.Next() {
		log, err := scanDeletionLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deletion log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deletion logs: %w", err)
	}
	return logs, nil
}

func (s *DeletionLogStore) StampHardDeleted(ctx context.Context, objectType domain.ObjectType, objectIDs []string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("deletion log store not initialized")
	}
	objectIDs, err := trimmedIDs(objectIDs)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(stampHardDeletedQuery, placeholders(3, len(objectIDs)))
	args := append([]any{normalizeTime(at), string(objectType)}, idArgs(objectIDs)...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("stamp hard deleted: %w", err)
	}
	return nil
}

func (s *DeletionLogStore) ListOpenOlderThan(ctx context.Context, cutoff time.Time) ([]domain.DeletionLog, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("deletion log store not initialized")
	}
	if cutoff.IsZero() {
		return nil, fmt.Errorf("cutoff is required")
	}
	rows, err := s.db.QueryContext(ctx, selectOpenLogsQuery, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list open deletion logs: %w", err)
	}
	defer rows.Close()

	logs := make([]domain.DeletionLog, 0)
	for rows.Next() {
		log, err := scanDeletionLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deletion log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list open deletion logs: %w", err)
	}
	return logs, nil
}

func scanDeletionLog(row rowScanner) (domain.DeletionLog, error) {
	var log domain.DeletionLog
	var hardDeletedAt sql.NullTime
	var metaJSON []byte
	if err := row.Scan(&log.ID, &log.ObjectID, &log.ObjectType, &log.ActorID, &log.SoftDeletedAt, &hardDeletedAt, &metaJSON); err != nil {
		return domain.DeletionLog{}, err
	}
	if hardDeletedAt.Valid {
		t := hardDeletedAt.Time.UTC()
		log.HardDeletedAt = &t
	}
	meta, err := decodeMetadata(metaJSON)
	if err != nil {
		return domain.DeletionLog{}, fmt.Errorf("decode metadata: %w", err)
	}
	log.Metadata = meta
	log.SoftDeletedAt = log.SoftDeletedAt.UTC()
	return log, nil
}
