package repo

import "context"

// Stores is one consistent view over the primary store's repositories.
type Stores struct {
	Runs    RunRepository
	Samples SampleRepository
	Logs    DeletionLogRepository
}

// Transactor runs fn inside a single primary-store transaction. A non-nil
// error from fn rolls everything back.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}
