package wallet

import "context"

// Store is the transactional persistence contract for wallets and ledger
// entries. Implementations must provide row-level locking inside WithTx and a
// unique constraint over the ref of done entries.
type Store interface {
	// WithTx runs fn inside one atomic transaction. The store passed to fn
	// operates within that transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// LockWallet returns the wallet row locked for update, creating a zero
	// wallet when none exists yet.
	LockWallet(ctx context.Context, userID UserID) (Snapshot, error)

	// SaveWallet persists new balance and hold totals for a locked wallet.
	SaveWallet(ctx context.Context, snapshot Snapshot) error

	// FindDoneEntry reports whether a done entry with the given ref exists.
	FindDoneEntry(ctx context.Context, ref Ref) (Entry, bool, error)

	// InsertEntry appends an immutable ledger entry. A ref collision among
	// done entries surfaces as ErrDuplicateRef.
	InsertEntry(ctx context.Context, input EntryInput) error

	// ListEntries returns the most recent entries for a user, newest first.
	ListEntries(ctx context.Context, userID UserID, limit int) ([]Entry, error)
}
