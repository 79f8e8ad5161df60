package wallet

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is an integer currency amount in cents.
type AmountCents int64

// Int64 returns the raw cent value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewAmountCents validates a non-negative cent amount.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmountCents, raw)
	}
	return AmountCents(raw), nil
}

// PositiveAmountCents is a strictly positive cent amount.
type PositiveAmountCents struct {
	value int64
}

// NewPositiveAmountCents validates a strictly positive cent amount.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return PositiveAmountCents{}, fmt.Errorf("%w: %d", ErrInvalidAmountCents, raw)
	}
	return PositiveAmountCents{value: raw}, nil
}

// ToAmountCents converts to the plain amount representation.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount.value)
}

// Int64 returns the raw cent value.
func (amount PositiveAmountCents) Int64() int64 {
	return amount.value
}

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// Ref is the caller-supplied idempotency reference for a money movement.
type Ref struct {
	value string
}

// NewRef validates and normalizes an idempotency reference.
func NewRef(raw string) (Ref, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Ref{}, fmt.Errorf("%w: empty value", ErrInvalidRef)
	}
	return Ref{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref Ref) String() string {
	return ref.value
}

// MetadataJSON stores arbitrary request metadata as a JSON document.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates that raw is a JSON document. Empty input maps to "{}".
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MetadataJSON{value: "{}"}, nil
	}
	if !json.Valid([]byte(trimmed)) {
		return MetadataJSON{}, fmt.Errorf("%w: not a json document", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: trimmed}, nil
}

// String returns the JSON document.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryHold    EntryKind = "hold"
	EntryCharge  EntryKind = "charge"
	EntryRelease EntryKind = "release"
	EntryTopup   EntryKind = "topup"
)

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case EntryHold, EntryCharge, EntryRelease, EntryTopup:
		return EntryKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// String returns the stored representation.
func (kind EntryKind) String() string {
	return string(kind)
}

// EntryStatus is the lifecycle status of a ledger entry. Only done entries
// participate in idempotency detection.
type EntryStatus string

const (
	EntryStatusDone EntryStatus = "done"
)

// String returns the stored representation.
func (status EntryStatus) String() string {
	return string(status)
}

// Snapshot is a point-in-time view of one wallet.
type Snapshot struct {
	UserID       UserID
	BalanceCents AmountCents
	HeldCents    AmountCents
}

// AvailableCents is balance minus active holds.
func (snapshot Snapshot) AvailableCents() AmountCents {
	return snapshot.BalanceCents - snapshot.HeldCents
}

// Validate checks the wallet invariant 0 <= held <= balance.
func (snapshot Snapshot) Validate() error {
	if snapshot.BalanceCents < 0 {
		return fmt.Errorf("%w: negative balance %d for user %s", ErrInvariantViolation, snapshot.BalanceCents, snapshot.UserID)
	}
	if snapshot.HeldCents < 0 {
		return fmt.Errorf("%w: negative hold %d for user %s", ErrInvariantViolation, snapshot.HeldCents, snapshot.UserID)
	}
	if snapshot.HeldCents > snapshot.BalanceCents {
		return fmt.Errorf("%w: hold %d exceeds balance %d for user %s", ErrInvariantViolation, snapshot.HeldCents, snapshot.BalanceCents, snapshot.UserID)
	}
	return nil
}

// Entry is a stored, immutable balance movement.
type Entry struct {
	UserID         UserID
	Kind           EntryKind
	AmountCents    AmountCents
	Status         EntryStatus
	Ref            Ref
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// EntryInput carries the fields for a new ledger entry.
type EntryInput struct {
	userID         UserID
	kind           EntryKind
	amountCents    AmountCents
	status         EntryStatus
	ref            Ref
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewEntryInput validates the fields for a new ledger entry.
func NewEntryInput(userID UserID, kind EntryKind, amountCents AmountCents, ref Ref, metadata MetadataJSON, createdUnixUTC int64) (EntryInput, error) {
	if userID.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty user id", ErrInvalidUserID)
	}
	if _, err := ParseEntryKind(kind.String()); err != nil {
		return EntryInput{}, err
	}
	if amountCents < 0 {
		return EntryInput{}, fmt.Errorf("%w: %d", ErrInvalidAmountCents, amountCents)
	}
	if ref.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidRef)
	}
	return EntryInput{
		userID:         userID,
		kind:           kind,
		amountCents:    amountCents,
		status:         EntryStatusDone,
		ref:            ref,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// UserID returns the wallet owner.
func (input EntryInput) UserID() UserID { return input.userID }

// Kind returns the entry kind.
func (input EntryInput) Kind() EntryKind { return input.kind }

// AmountCents returns the moved amount.
func (input EntryInput) AmountCents() AmountCents { return input.amountCents }

// Status returns the entry status.
func (input EntryInput) Status() EntryStatus { return input.status }

// Ref returns the idempotency reference.
func (input EntryInput) Ref() Ref { return input.ref }

// MetadataJSON returns the attached metadata.
func (input EntryInput) MetadataJSON() MetadataJSON { return input.metadata }

// CreatedUnixUTC returns the creation timestamp.
func (input EntryInput) CreatedUnixUTC() int64 { return input.createdUnixUTC }

// Movement reports the outcome of a mutating wallet operation. Applied is
// false when the ref was already processed and nothing changed.
type Movement struct {
	Applied      bool
	AmountCents  AmountCents
	BalanceAfter AmountCents
	HeldAfter    AmountCents
}
