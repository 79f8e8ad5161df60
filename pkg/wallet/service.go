package wallet

import (
	"context"
	"fmt"
)

// Service contains the money-movement logic over a Store. Every mutating
// operation runs in one atomic transaction that locks the wallet row,
// re-validates the invariant, and appends a ledger entry keyed by the
// caller-supplied ref. Replaying a ref is a no-op returning the prior outcome.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the wallet snapshot for a user.
func (service *Service) Balance(ctx context.Context, userID UserID) (Snapshot, error) {
	var snapshot Snapshot
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, lockErr := transactionStore.LockWallet(ctx, userID)
		if lockErr != nil {
			return lockErr
		}
		snapshot = locked
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// Hold reserves amount against the user's available balance.
func (service *Service) Hold(ctx context.Context, userID UserID, amount PositiveAmountCents, ref Ref, metadata MetadataJSON) (Movement, error) {
	movement, operationError := service.mutate(ctx, userID, EntryHold, amount.ToAmountCents(), ref, metadata,
		func(snapshot *Snapshot) (AmountCents, error) {
			if snapshot.AvailableCents() < amount.ToAmountCents() {
				return 0, ErrInsufficientFunds
			}
			snapshot.HeldCents += amount.ToAmountCents()
			return amount.ToAmountCents(), nil
		})
	service.logMovement(ctx, operationHold, userID, movement, ref, metadata, operationError)
	return movement, operationError
}

// Charge converts a prior hold into a permanent debit.
func (service *Service) Charge(ctx context.Context, userID UserID, amount PositiveAmountCents, ref Ref, metadata MetadataJSON) (Movement, error) {
	movement, operationError := service.mutate(ctx, userID, EntryCharge, amount.ToAmountCents(), ref, metadata,
		func(snapshot *Snapshot) (AmountCents, error) {
			if snapshot.HeldCents < amount.ToAmountCents() {
				return 0, fmt.Errorf("%w: held %d, charging %d", ErrInsufficientHold, snapshot.HeldCents, amount.Int64())
			}
			if snapshot.BalanceCents < amount.ToAmountCents() {
				return 0, fmt.Errorf("%w: balance %d, charging %d", ErrInsufficientFunds, snapshot.BalanceCents, amount.Int64())
			}
			snapshot.BalanceCents -= amount.ToAmountCents()
			snapshot.HeldCents -= amount.ToAmountCents()
			return amount.ToAmountCents(), nil
		})
	service.logMovement(ctx, operationCharge, userID, movement, ref, metadata, operationError)
	return movement, operationError
}

// Release returns a prior hold to the available balance without debiting.
// When less than amount is actually held, only the held portion is released
// and the discrepancy is reported through the operation logger.
func (service *Service) Release(ctx context.Context, userID UserID, amount PositiveAmountCents, ref Ref, metadata MetadataJSON) (Movement, error) {
	short := false
	movement, operationError := service.mutate(ctx, userID, EntryRelease, amount.ToAmountCents(), ref, metadata,
		func(snapshot *Snapshot) (AmountCents, error) {
			releasing := amount.ToAmountCents()
			if snapshot.HeldCents < releasing {
				short = true
				releasing = snapshot.HeldCents
			}
			snapshot.HeldCents -= releasing
			return releasing, nil
		})
	logEntry := OperationLog{
		Operation: operationRelease,
		UserID:    userID,
		Amount:    movement.AmountCents,
		Ref:       ref,
		Metadata:  metadata,
		Error:     operationError,
	}
	if short && operationError == nil {
		logEntry.Status = operationStatusPartial
	}
	service.logOperation(ctx, logEntry)
	return movement, operationError
}

// Topup adds funds to the user's balance.
func (service *Service) Topup(ctx context.Context, userID UserID, amount PositiveAmountCents, ref Ref, metadata MetadataJSON) (Movement, error) {
	movement, operationError := service.mutate(ctx, userID, EntryTopup, amount.ToAmountCents(), ref, metadata,
		func(snapshot *Snapshot) (AmountCents, error) {
			snapshot.BalanceCents += amount.ToAmountCents()
			return amount.ToAmountCents(), nil
		})
	service.logMovement(ctx, operationTopup, userID, movement, ref, metadata, operationError)
	return movement, operationError
}

// ListEntries lists the most recent ledger entries for a user.
func (service *Service) ListEntries(ctx context.Context, userID UserID, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, userID, limit)
}

// mutate runs one locked wallet mutation. apply adjusts the snapshot and
// returns the amount actually moved (Release may move less than requested).
func (service *Service) mutate(ctx context.Context, userID UserID, kind EntryKind, amount AmountCents, ref Ref, metadata MetadataJSON, apply func(*Snapshot) (AmountCents, error)) (Movement, error) {
	var movement Movement
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		snapshot, err := transactionStore.LockWallet(ctx, userID)
		if err != nil {
			return err
		}
		if err := snapshot.Validate(); err != nil {
			return err
		}
		if prior, found, err := transactionStore.FindDoneEntry(ctx, ref); err != nil {
			return err
		} else if found {
			movement = Movement{
				Applied:      false,
				AmountCents:  prior.AmountCents,
				BalanceAfter: snapshot.BalanceCents,
				HeldAfter:    snapshot.HeldCents,
			}
			return nil
		}
		moved, err := apply(&snapshot)
		if err != nil {
			return err
		}
		if err := snapshot.Validate(); err != nil {
			return err
		}
		if err := transactionStore.SaveWallet(ctx, snapshot); err != nil {
			return err
		}
		entryInput, err := NewEntryInput(userID, kind, moved, ref, metadata, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
			return err
		}
		movement = Movement{
			Applied:      true,
			AmountCents:  moved,
			BalanceAfter: snapshot.BalanceCents,
			HeldAfter:    snapshot.HeldCents,
		}
		return nil
	})
	return movement, operationError
}

func (service *Service) logMovement(ctx context.Context, operation string, userID UserID, movement Movement, ref Ref, metadata MetadataJSON, operationError error) {
	logEntry := OperationLog{
		Operation: operation,
		UserID:    userID,
		Amount:    movement.AmountCents,
		Ref:       ref,
		Metadata:  metadata,
		Error:     operationError,
	}
	if operationError == nil && !movement.Applied {
		logEntry.Status = operationStatusReplay
	}
	service.logOperation(ctx, logEntry)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
