package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Severity orders alerts for the on-call rotation.
type Severity string

const (
	// SeverityWarning marks recoverable conditions worth a look.
	SeverityWarning Severity = "warning"
	// SeverityCritical marks broken invariants requiring human action.
	SeverityCritical Severity = "critical"
)

// Alert is a structured operator-facing report. End users never see these.
type Alert struct {
	OccurredAt time.Time
	Severity   Severity
	Job        string
	Summary    string
	Err        error
	ObjectIDs  []string
	Metadata   map[string]any
}

func (a Alert) Validate() error {
	if strings.TrimSpace(a.Job) == "" {
		return errors.New("job is required")
	}
	if strings.TrimSpace(a.Summary) == "" {
		return errors.New("summary is required")
	}
	if a.Severity != SeverityWarning && a.Severity != SeverityCritical {
		return fmt.Errorf("unknown severity %q", a.Severity)
	}
	return nil
}

// Reporter is the single funnel to the on-call notification system.
type Reporter interface {
	Report(ctx context.Context, a Alert) error
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DBReporter persists alerts and mirrors them to the log so an outage of one
// channel does not lose the report.
type DBReporter struct {
	db     QueryRower
	logger *slog.Logger
}

func NewDBReporter(db QueryRower, logger *slog.Logger) *DBReporter {
	if db == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DBReporter{db: db, logger: logger}
}

const insertAlertQuery = `INSERT INTO operator_alerts (
		occurred_at,
		severity,
		job,
		summary,
		error,
		object_ids,
		metadata
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	RETURNING alert_id`

func (r *DBReporter) Report(ctx context.Context, a Alert) error {
	if r == nil || r.db == nil {
		return errors.New("alert reporter not initialized")
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC()
	}
	if err := a.Validate(); err != nil {
		return err
	}

	errText := sql.NullString{}
	if a.Err != nil {
		errText = sql.NullString{String: a.Err.Error(), Valid: true}
	}
	idsJSON, err := json.Marshal(a.ObjectIDs)
	if err != nil {
		return fmt.Errorf("marshal object ids: %w", err)
	}
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var id int64
	err = r.db.QueryRowContext(
		ctx,
		insertAlertQuery,
		a.OccurredAt.UTC(),
		string(a.Severity),
		strings.TrimSpace(a.Job),
		strings.TrimSpace(a.Summary),
		errText,
		idsJSON,
		metaJSON,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	r.logger.Error("operator alert",
		"alert_id", id,
		"severity", a.Severity,
		"job", a.Job,
		"summary", a.Summary,
		"error", errText.String,
		"object_ids", a.ObjectIDs,
	)
	return nil
}

// LogReporter only logs. Used in tests and local development.
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(ctx context.Context, a Alert) error {
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC()
	}
	if err := a.Validate(); err != nil {
		return err
	}
	errText := ""
	if a.Err != nil {
		errText = a.Err.Error()
	}
	r.logger.Error("operator alert",
		"severity", a.Severity,
		"job", a.Job,
		"summary", a.Summary,
		"error", errText,
		"object_ids", a.ObjectIDs,
	)
	return nil
}
