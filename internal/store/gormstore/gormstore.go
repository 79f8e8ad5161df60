package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/genforge/genforge/pkg/wallet"
)

const (
	constraintLedgerRef      = "uniq_ledger_ref"
	constraintJobIdempotency = "uniq_jobs_idem"
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	errorOperationStore      = "store"
	errorSubjectWallet       = "wallet"
	errorSubjectEntry        = "entry"
	errorSubjectJob          = "job"
	errorSubjectUser         = "user"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLock            = "lock"
	errorCodeSave            = "save"
	errorCodeUpdate          = "update"
)

// Store owns the shared gorm handle. Wallets and Jobs expose the two
// domain-facing store facades over the same database.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the schema. Used for sqlite; postgres schemas are
// managed externally.
func (store *Store) AutoMigrate() error {
	return store.db.AutoMigrate(&User{}, &Wallet{}, &LedgerEntry{}, &JobRecord{})
}

// Wallets returns the wallet.Store facade.
func (store *Store) Wallets() *WalletStore {
	return &WalletStore{db: store.db}
}

// Jobs returns the job.Store facade, which also carries the delivery lock.
func (store *Store) Jobs() *JobStore {
	return &JobStore{db: store.db}
}

// EnsureUser creates the user row if it does not exist.
func (store *Store) EnsureUser(ctx context.Context, userID string) error {
	user := User{UserID: userID, CreatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).FirstOrCreate(&user, User{UserID: userID}).Error
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func unixOrNil(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	at := time.Unix(value, 0).UTC()
	return &at
}
