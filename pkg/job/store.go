package job

import (
	"context"

	"github.com/genforge/genforge/pkg/wallet"
)

// Store is the transactional persistence contract for jobs. Implementations
// must enforce a unique constraint on the idempotency key and provide
// row-level locking inside WithTx.
type Store interface {
	// WithTx runs fn inside one atomic transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// UserExists reports whether the owning user is known.
	UserExists(ctx context.Context, userID string) (bool, error)

	// InsertJob persists a new job. Idempotency-key collisions surface as
	// ErrDuplicateIdempotencyKey.
	InsertJob(ctx context.Context, record Job) error

	// GetJob returns a job by id.
	GetJob(ctx context.Context, id ID) (Job, bool, error)

	// GetJobForUpdate returns a job by id with the row locked for update.
	GetJobForUpdate(ctx context.Context, id ID) (Job, bool, error)

	// GetJobByProviderTaskID returns the job a provider callback refers to.
	GetJobByProviderTaskID(ctx context.Context, taskID string) (Job, bool, error)

	// GetJobByIdempotencyKey returns an existing job for a replayed request.
	GetJobByIdempotencyKey(ctx context.Context, key string) (Job, bool, error)

	// UpdateJob persists changed job fields.
	UpdateJob(ctx context.Context, record Job) error

	// ListUndelivered returns done jobs whose result has not reached the
	// user yet, oldest finished first.
	ListUndelivered(ctx context.Context, limit int) ([]Job, error)

	// ListRunning returns running jobs, oldest update first.
	ListRunning(ctx context.Context, limit int) ([]Job, error)

	// ListStale returns pending and running jobs not updated since the
	// cutoff, oldest update first. Rows are not locked; the reaper re-reads
	// each one under a row lock before acting on it.
	ListStale(ctx context.Context, updatedBeforeUnixUTC int64, limit int) ([]Job, error)

	// ListUserJobs returns a user's jobs, newest first.
	ListUserJobs(ctx context.Context, userID string, limit int) ([]Job, error)
}

// Funds is the slice of the wallet service the job state machine moves money
// through. Every transition that touches money goes through these three.
type Funds interface {
	Hold(ctx context.Context, userID wallet.UserID, amount wallet.PositiveAmountCents, ref wallet.Ref, metadata wallet.MetadataJSON) (wallet.Movement, error)
	Release(ctx context.Context, userID wallet.UserID, amount wallet.PositiveAmountCents, ref wallet.Ref, metadata wallet.MetadataJSON) (wallet.Movement, error)
	Charge(ctx context.Context, userID wallet.UserID, amount wallet.PositiveAmountCents, ref wallet.Ref, metadata wallet.MetadataJSON) (wallet.Movement, error)
}
