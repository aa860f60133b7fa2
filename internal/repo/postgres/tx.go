package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/arcadia-bio/arcadia-go/internal/repo"
)

// TxRunner implements repo.Transactor over database/sql. The stores handed to
// fn share one transaction, so a soft delete and its audit rows commit or
// roll back together.
type TxRunner struct {
	db *sql.DB
}

func NewTxRunner(db *sql.DB) *TxRunner {
	if db == nil {
		return nil
	}
	return &TxRunner{db: db}
}

func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context, s repo.Stores) error) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("tx runner not initialized")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	stores := repo.Stores{
		Runs:    NewRunStore(tx),
		Samples: NewSampleStore(tx),
		Logs:    NewDeletionLogStore(tx),
	}
	if err := fn(ctx, stores); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
