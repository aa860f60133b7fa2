package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired is returned when another holder owns a live lease.
var ErrNotAcquired = errors.New("lease not acquired")

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Manager hands out one TTL lease per periodic-job name so that only one
// scheduler instance runs a given sweep at a time. An expired lease can be
// taken over without the previous holder releasing it.
type Manager struct {
	db  DB
	now func() time.Time
}

func NewManager(db DB) *Manager {
	if db == nil {
		return nil
	}
	return &Manager{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Lease is a held lease. Release it when the sweep completes; if the process
// dies the TTL expires it.
type Lease struct {
	Name    string
	Holder  string
	Expires time.Time
}

const acquireLeaseQuery = `INSERT INTO job_leases (job_name, holder, expires_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (job_name) DO UPDATE
	SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
	WHERE job_leases.expires_at < $4`

const releaseLeaseQuery = `DELETE FROM job_leases WHERE job_name = $1 AND holder = $2`

func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	if m == nil || m.db == nil {
		return Lease{}, errors.New("lease manager not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Lease{}, errors.New("lease name is required")
	}
	if ttl <= 0 {
		return Lease{}, errors.New("lease ttl must be positive")
	}

	holder := uuid.NewString()
	now := m.now()
	expires := now.Add(ttl)

	res, err := m.db.ExecContext(ctx, acquireLeaseQuery, name, holder, expires, now)
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease %q: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease %q: %w", name, err)
	}
	if affected == 0 {
		return Lease{}, ErrNotAcquired
	}
	return Lease{Name: name, Holder: holder, Expires: expires}, nil
}

func (m *Manager) Release(ctx context.Context, l Lease) error {
	if m == nil || m.db == nil {
		return errors.New("lease manager not initialized")
	}
	if strings.TrimSpace(l.Name) == "" || strings.TrimSpace(l.Holder) == "" {
		return errors.New("lease name and holder are required")
	}
	if _, err := m.db.ExecContext(ctx, releaseLeaseQuery, l.Name, l.Holder); err != nil {
		return fmt.Errorf("release lease %q: %w", l.Name, err)
	}
	return nil
}
