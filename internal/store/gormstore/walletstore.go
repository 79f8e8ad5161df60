package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/genforge/genforge/pkg/wallet"
)

// WalletStore implements wallet.Store using GORM.
type WalletStore struct {
	db *gorm.DB
}

// WithTx executes fn within a transaction.
func (store *WalletStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &WalletStore{db: transaction})
	})
}

// LockWallet takes the wallet row under FOR UPDATE, creating a zero wallet
// for a first-time user. Creation races resolve by re-taking the winner's
// row.
func (store *WalletStore) LockWallet(ctx context.Context, userID wallet.UserID) (wallet.Snapshot, error) {
	var model Wallet
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		now := time.Now().UTC()
		model = Wallet{UserID: userID.String(), CreatedAt: now, UpdatedAt: now}
		createErr := store.db.WithContext(ctx).Create(&model).Error
		if createErr != nil && !isUniqueViolation(createErr, "wallets_pkey") {
			return wallet.Snapshot{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, createErr)
		}
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID.String()).
			Take(&model).Error
	}
	if err != nil {
		return wallet.Snapshot{}, wrapStoreError(errorSubjectWallet, errorCodeLock, err)
	}
	return wallet.Snapshot{
		UserID:       userID,
		BalanceCents: wallet.AmountCents(model.BalanceCents),
		HeldCents:    wallet.AmountCents(model.HeldCents),
	}, nil
}

// SaveWallet writes the mutated balance and hold back to the locked row.
func (store *WalletStore) SaveWallet(ctx context.Context, snapshot wallet.Snapshot) error {
	err := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ?", snapshot.UserID.String()).
		Updates(map[string]interface{}{
			"balance_cents": snapshot.BalanceCents.Int64(),
			"held_cents":    snapshot.HeldCents.Int64(),
			"updated_at":    time.Now().UTC(),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
	}
	return nil
}

// FindDoneEntry looks up a done entry by its idempotency ref.
func (store *WalletStore) FindDoneEntry(ctx context.Context, ref wallet.Ref) (wallet.Entry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("ref = ? AND status = ?", ref.String(), wallet.EntryStatusDone.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.Entry{}, false, nil
	}
	if err != nil {
		return wallet.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(model)
	if err != nil {
		return wallet.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

// InsertEntry appends a ledger entry. A ref collision maps to
// wallet.ErrDuplicateRef.
func (store *WalletStore) InsertEntry(ctx context.Context, input wallet.EntryInput) error {
	model := LedgerEntry{
		UserID:      input.UserID().String(),
		Kind:        input.Kind().String(),
		AmountCents: input.AmountCents().Int64(),
		Status:      input.Status().String(),
		Ref:         input.Ref().String(),
		Metadata:    datatypesJSON(input.MetadataJSON().String()),
		CreatedAt:   time.Unix(input.CreatedUnixUTC(), 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintLedgerRef) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, wallet.ErrDuplicateRef)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// ListEntries returns the user's most recent balance movements.
func (store *WalletStore) ListEntries(ctx context.Context, userID wallet.UserID, limit int) ([]wallet.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]wallet.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (wallet.Entry, error) {
	userID, err := wallet.NewUserID(row.UserID)
	if err != nil {
		return wallet.Entry{}, err
	}
	kind, err := wallet.ParseEntryKind(row.Kind)
	if err != nil {
		return wallet.Entry{}, err
	}
	ref, err := wallet.NewRef(row.Ref)
	if err != nil {
		return wallet.Entry{}, err
	}
	metadata, err := wallet.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return wallet.Entry{}, err
	}
	return wallet.Entry{
		UserID:         userID,
		Kind:           kind,
		AmountCents:    wallet.AmountCents(row.AmountCents),
		Status:         wallet.EntryStatus(row.Status),
		Ref:            ref,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}
