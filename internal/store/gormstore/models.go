package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table.
type User struct {
	UserID    string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Wallet mirrors the wallets table. One row per user, mutated only under a
// row lock.
type Wallet struct {
	UserID       string    `gorm:"primaryKey"`
	BalanceCents int64     `gorm:"not null"`
	HeldCents    int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// LedgerEntry mirrors the ledger_entries table. The unique ref is the
// idempotency guard for balance movements.
type LedgerEntry struct {
	EntryID     string         `gorm:"type:uuid;primaryKey"`
	UserID      string         `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	Kind        string         `gorm:"not null"`
	AmountCents int64          `gorm:"not null"`
	Status      string         `gorm:"not null"`
	Ref         string         `gorm:"not null;index:uniq_ledger_ref,unique"`
	Metadata    datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// JobRecord mirrors the jobs table. LockedBy and LockedUntil form the
// time-bounded delivery lock; DeliveredAt is orthogonal to Status.
type JobRecord struct {
	JobID          string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_jobs_user_created,priority:1"`
	ModelID        string         `gorm:"not null"`
	Category       string         `gorm:"not null"`
	InputParams    datatypes.JSON `gorm:"not null"`
	PriceCents     int64          `gorm:"not null"`
	Status         string         `gorm:"not null;index"`
	ProviderTaskID string         `gorm:"index"`
	ResultURLs     datatypes.JSON `gorm:"not null"`
	ErrorText      string         `gorm:""`
	IdempotencyKey string         `gorm:"not null;index:uniq_jobs_idem,unique"`
	ChatTarget     int64          `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_jobs_user_created,priority:2"`
	UpdatedAt      time.Time      `gorm:"not null"`
	FinishedAt     *time.Time     `gorm:""`
	DeliveredAt    *time.Time     `gorm:""`
	LockedBy       string         `gorm:""`
	LockedUntil    *time.Time     `gorm:""`
}

func (JobRecord) TableName() string { return "jobs" }
