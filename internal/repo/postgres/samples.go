package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
	"github.com/arcadia-bio/arcadia-go/internal/repo"
)

type SampleStore struct {
	db DB
}

func NewSampleStore(db DB) *SampleStore {
	if db == nil {
		return nil
	}
	return &SampleStore{db: db}
}

func (s *SampleStore) CreateSample(ctx context.Context, sample domain.Sample) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sample store not initialized")
	}
	if err := sample.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO samples (sample_id, project_id, name, created_at, deleted_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		strings.TrimSpace(sample.ID),
		strings.TrimSpace(sample.ProjectID),
		strings.TrimSpace(sample.Name),
		normalizeTime(sample.CreatedAt),
		nullTime(sample.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

func (s *SampleStore) GetSample(ctx context.Context, id string) (domain.Sample, error) {
	if s == nil || s.db == nil {
		return domain.Sample{}, fmt.Errorf("sample store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Sample{}, fmt.Errorf("sample id is required")
	}
	var sample domain.Sample
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(
		ctx,
		`SELECT sample_id, project_id, name, created_at, deleted_at
		 FROM samples WHERE sample_id = $1`,
		id,
	).Scan(&sample.ID, &sample.ProjectID, &sample.Name, &sample.CreatedAt, &deletedAt)
	if err != nil {
		return domain.Sample{}, handleNotFound(err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		sample.DeletedAt = &t
	}
	sample.CreatedAt = sample.CreatedAt.UTC()
	return sample, nil
}

func (s *SampleStore) SoftDeletedSampleIDs(ctx context.Context, ids []string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sample store not initialized")
	}
	ids, err := trimmedIDs(ids)
	if err != nil {
		return nil, err
	}
	query := `SELECT sample_id FROM samples
		WHERE deleted_at IS NOT NULL AND sample_id IN (` + placeholders(1, len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query soft-deleted samples: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sample id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query soft-deleted samples: %w", err)
	}
	return out, nil
}

func (s *SampleStore) SoftDeleteSamples(ctx context.Context, ids []string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sample store not initialized")
	}
	ids, err := trimmedIDs(ids)
	if err != nil {
		return err
	}
	query := `UPDATE samples SET deleted_at = $1
		WHERE deleted_at IS NULL AND sample_id IN (` + placeholders(2, len(ids)) + `)`
	args := append([]any{normalizeTime(at)}, idArgs(ids)...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("soft delete samples: %w", err)
	}
	return nil
}

func (s *SampleStore) DestroySample(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sample store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sample id is required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM samples WHERE sample_id = $1`, id)
	if err != nil {
		return fmt.Errorf("destroy sample: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("destroy sample: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}
