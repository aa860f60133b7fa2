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

// RunStore persists all run variants in one table discriminated by kind.
type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

const runColumns = `run_id, kind, sample_id, status, execution_handle, executed_at,
	finalized, finalized_at, deleted_at, deprecated, result_load_status,
	workflow, pipeline_version, total_stages, tree_name`

const selectRunByHandleQuery = `SELECT ` + runColumns + `
	FROM runs
	WHERE execution_handle = $1`

const selectRunByIDQuery = `SELECT ` + runColumns + `
	FROM runs
	WHERE kind = $1 AND run_id = $2`

const selectOverdueRunsQuery = `SELECT ` + runColumns + `
	FROM runs
	WHERE finalized = FALSE
	  AND deleted_at IS NULL
	  AND executed_at < $1
	ORDER BY executed_at ASC
	LIMIT $2`

const finalizeRunQuery = `UPDATE runs
	SET status = $1, finalized = TRUE, finalized_at = $2
	WHERE kind = $3 AND run_id = $4 AND finalized = FALSE AND deleted_at IS NULL`

const transitionLoadStateQuery = `UPDATE runs
	SET result_load_status = jsonb_set(COALESCE(result_load_status, '{}'::jsonb), ARRAY[$1], to_jsonb($2::text))
	WHERE kind = $3 AND run_id = $4
	  AND COALESCE(result_load_status->>$1, 'not_loaded') = $5`

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	core := run.Core()
	if err := core.Validate(); err != nil {
		return err
	}
	loadJSON, err := encodeLoadStatus(core.ResultLoadStatus)
	if err != nil {
		return fmt.Errorf("encode result load status: %w", err)
	}

	var workflow, pipelineVersion, treeName sql.NullString
	var totalStages sql.NullInt64
	switch v := run.(type) {
	case *domain.PipelineRun:
		pipelineVersion = nullIfEmpty(v.PipelineVersion)
		totalStages = sql.NullInt64{Int64: int64(v.TotalStages), Valid: v.TotalStages > 0}
	case *domain.WorkflowRun:
		workflow = nullIfEmpty(v.Workflow)
	case *domain.TreeRun:
		treeName = nullIfEmpty(v.TreeName)
	default:
		return fmt.Errorf("unsupported run kind %q", run.Kind())
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		strings.TrimSpace(core.ID),
		string(run.Kind()),
		strings.TrimSpace(core.SampleID),
		string(core.Status),
		nullIfEmpty(core.ExecutionHandle),
		normalizeTime(core.ExecutedAt),
		core.Finalized,
		nullTime(core.FinalizedAt),
		nullTime(core.DeletedAt),
		core.Deprecated,
		loadJSON,
		workflow,
		pipelineVersion,
		totalStages,
		treeName,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, kind domain.RunKind, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, selectRunByIDQuery, string(kind), id)
	run, err := scanRun(row)
	if err != nil {
		return nil, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) GetRunByExecutionHandle(ctx context.Context, handle string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, fmt.Errorf("execution handle is required")
	}
	row := s.db.QueryRowContext(ctx, selectRunByHandleQuery, handle)
	run, err := scanRun(row)
	if err != nil {
		return nil, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListOverdueRuns(ctx context.Context, filter repo.OverdueFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if filter.ExecutedBefore.IsZero() {
		return nil, fmt.Errorf("cutoff is required")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectOverdueRunsQuery, filter.ExecutedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list overdue runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) FinalizeRun(ctx context.Context, kind domain.RunKind, id string, status domain.RunStatus, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx, finalizeRunQuery, string(status), normalizeTime(at), string(kind), id)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if affected == 0 {
		return repo.ErrStaleState
	}
	return nil
}

func (s *RunStore) TransitionResultLoadState(ctx context.Context, kind domain.RunKind, id, output string, from, to domain.ResultLoadState) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	output = strings.TrimSpace(output)
	if id == "" || output == "" {
		return false, fmt.Errorf("run id and output are required")
	}
	res, err := s.db.ExecContext(ctx, transitionLoadStateQuery, output, string(to), string(kind), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition load state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition load state: %w", err)
	}
	return affected == 1, nil
}

func (s *RunStore) ListStageResults(ctx context.Context, runID string) ([]domain.StageResult, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, stage, succeeded, COALESCE(diagnostics, '')
		 FROM run_stage_results
		 WHERE run_id = $1
		 ORDER BY stage ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	defer rows.Close()

	results := make([]domain.StageResult, 0)
	for rows.Next() {
		var sr domain.StageResult
		if err := rows.Scan(&sr.RunID, &sr.Stage, &sr.Succeeded, &sr.Diagnostics); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		results = append(results, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	return results, nil
}

func (s *RunStore) SoftDeletedIDs(ctx context.Context, kind domain.RunKind, ids []string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	ids, err := trimmedIDs(ids)
	if err != nil {
		return nil, err
	}
	query := `SELECT run_id FROM runs
		WHERE kind = $1 AND deleted_at IS NOT NULL AND run_id IN (` + placeholders(2, len(ids)) + `)`
	args := append([]any{string(kind)}, idArgs(ids)...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query soft-deleted runs: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query soft-deleted runs: %w", err)
	}
	return out, nil
}

func (s *RunStore) SoftDeleteRuns(ctx context.Context, kind domain.RunKind, ids []string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	ids, err := trimmedIDs(ids)
	if err != nil {
		return err
	}
	query := `UPDATE runs SET deleted_at = $1
		WHERE kind = $2 AND deleted_at IS NULL AND run_id IN (` + placeholders(3, len(ids)) + `)`
	args := append([]any{normalizeTime(at), string(kind)}, idArgs(ids)...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("soft delete runs: %w", err)
	}
	return nil
}

func (s *RunStore) DestroyRun(ctx context.Context, kind domain.RunKind, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_stage_results WHERE run_id = $1`, id); err != nil {
		return fmt.Errorf("destroy run stage results: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE kind = $1 AND run_id = $2`, string(kind), id)
	if err != nil {
		return fmt.Errorf("destroy run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("destroy run: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) CountLiveRunsForSample(ctx context.Context, sampleID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	sampleID = strings.TrimSpace(sampleID)
	if sampleID == "" {
		return 0, fmt.Errorf("sample id is required")
	}
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM runs WHERE sample_id = $1 AND deprecated = FALSE`,
		sampleID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count live runs: %w", err)
	}
	return count, nil
}

func (s *RunStore) CountUndeletedRunsForSample(ctx context.Context, sampleID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	sampleID = strings.TrimSpace(sampleID)
	if sampleID == "" {
		return 0, fmt.Errorf("sample id is required")
	}
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM runs WHERE sample_id = $1 AND deprecated = FALSE AND deleted_at IS NULL`,
		sampleID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count undeleted runs: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var core domain.RunCore
	var kind string
	var handle, workflow, pipelineVersion, treeName sql.NullString
	var finalizedAt, deletedAt sql.NullTime
	var totalStages sql.NullInt64
	var loadJSON []byte

	if err := row.Scan(
		&core.ID, &kind, &core.SampleID, &core.Status, &handle, &core.ExecutedAt,
		&core.Finalized, &finalizedAt, &deletedAt, &core.Deprecated, &loadJSON,
		&workflow, &pipelineVersion, &totalStages, &treeName,
	); err != nil {
		return nil, err
	}
	if handle.Valid {
		core.ExecutionHandle = handle.String
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time.UTC()
		core.FinalizedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		core.DeletedAt = &t
	}
	loadStatus, err := decodeLoadStatus(loadJSON)
	if err != nil {
		return nil, fmt.Errorf("decode result load status: %w", err)
	}
	core.ResultLoadStatus = loadStatus
	core.ExecutedAt = core.ExecutedAt.UTC()

	switch domain.RunKind(kind) {
	case domain.RunKindPipeline:
		run := &domain.PipelineRun{RunCore: core}
		if pipelineVersion.Valid {
			run.PipelineVersion = pipelineVersion.String
		}
		if totalStages.Valid {
			run.TotalStages = int(totalStages.Int64)
		}
		return run, nil
	case domain.RunKindWorkflow:
		run := &domain.WorkflowRun{RunCore: core}
		if workflow.Valid {
			run.Workflow = workflow.String
		}
		return run, nil
	case domain.RunKindTree:
		run := &domain.TreeRun{RunCore: core}
		if treeName.Valid {
			run.TreeName = treeName.String
		}
		return run, nil
	default:
		return nil, fmt.Errorf("unknown run kind %q", kind)
	}
}
