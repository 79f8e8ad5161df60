package wallet

import (
	"errors"
	"testing"
)

func TestNewUserIDRejectsEmpty(test *testing.T) {
	test.Parallel()
	if _, err := NewUserID("   "); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	userID, err := NewUserID("  user-9 ")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if userID.String() != "user-9" {
		test.Fatalf("expected trimmed id, got %q", userID.String())
	}
}

func TestNewPositiveAmountCentsRejectsNonPositive(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -1, -100} {
		if _, err := NewPositiveAmountCents(raw); !errors.Is(err, ErrInvalidAmountCents) {
			test.Fatalf("expected ErrInvalidAmountCents for %d, got %v", raw, err)
		}
	}
}

func TestNewMetadataJSONDefaultsAndValidates(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("empty metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected {} default, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParseEntryKind(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"hold", "charge", "release", "topup"} {
		if _, err := ParseEntryKind(raw); err != nil {
			test.Fatalf("parse %q: %v", raw, err)
		}
	}
	if _, err := ParseEntryKind("escrow"); !errors.Is(err, ErrInvalidEntryKind) {
		test.Fatalf("expected ErrInvalidEntryKind, got %v", err)
	}
}

func TestSnapshotValidate(test *testing.T) {
	test.Parallel()
	userID, err := NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	cases := []struct {
		name    string
		balance int64
		held    int64
		ok      bool
	}{
		{name: "zero", balance: 0, held: 0, ok: true},
		{name: "held equals balance", balance: 50, held: 50, ok: true},
		{name: "negative balance", balance: -1, held: 0, ok: false},
		{name: "negative hold", balance: 10, held: -1, ok: false},
		{name: "hold exceeds balance", balance: 10, held: 11, ok: false},
	}
	for _, testCase := range cases {
		snapshot := Snapshot{UserID: userID, BalanceCents: AmountCents(testCase.balance), HeldCents: AmountCents(testCase.held)}
		err := snapshot.Validate()
		if testCase.ok && err != nil {
			test.Fatalf("%s: unexpected error %v", testCase.name, err)
		}
		if !testCase.ok && !errors.Is(err, ErrInvariantViolation) {
			test.Fatalf("%s: expected ErrInvariantViolation, got %v", testCase.name, err)
		}
	}
}

func TestOperationErrorProvidesSegments(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("store", "wallet", "lock", ErrUnknownWallet)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "wallet" || operationError.Code() != "lock" {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
	if !errors.Is(wrapped, ErrUnknownWallet) {
		test.Fatal("expected unwrap to reach sentinel")
	}
	if WrapError("store", "wallet", "lock", nil) != nil {
		test.Fatal("expected nil passthrough")
	}
}
