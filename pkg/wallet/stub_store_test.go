package wallet

import (
	"context"
	"testing"
)

// stubStore is an in-memory Store used by the service tests. It mimics the
// transactional contract well enough for single-goroutine tests: WithTx runs
// the callback directly against the same state.
type stubStore struct {
	wallets map[string]Snapshot
	entries []Entry
	byRef   map[string]Entry

	failLockWallet  error
	failSaveWallet  error
	failInsertEntry error
	failFindEntry   error
}

func newStubStore(test *testing.T, balances map[string]int64) *stubStore {
	test.Helper()
	store := &stubStore{
		wallets: map[string]Snapshot{},
		byRef:   map[string]Entry{},
	}
	for rawUserID, balance := range balances {
		userID := mustUserID(test, rawUserID)
		store.wallets[rawUserID] = Snapshot{
			UserID:       userID,
			BalanceCents: AmountCents(balance),
		}
	}
	return store
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) LockWallet(_ context.Context, userID UserID) (Snapshot, error) {
	if store.failLockWallet != nil {
		return Snapshot{}, store.failLockWallet
	}
	snapshot, found := store.wallets[userID.String()]
	if !found {
		snapshot = Snapshot{UserID: userID}
		store.wallets[userID.String()] = snapshot
	}
	return snapshot, nil
}

func (store *stubStore) SaveWallet(_ context.Context, snapshot Snapshot) error {
	if store.failSaveWallet != nil {
		return store.failSaveWallet
	}
	store.wallets[snapshot.UserID.String()] = snapshot
	return nil
}

func (store *stubStore) FindDoneEntry(_ context.Context, ref Ref) (Entry, bool, error) {
	if store.failFindEntry != nil {
		return Entry{}, false, store.failFindEntry
	}
	entry, found := store.byRef[ref.String()]
	return entry, found, nil
}

func (store *stubStore) InsertEntry(_ context.Context, input EntryInput) error {
	if store.failInsertEntry != nil {
		return store.failInsertEntry
	}
	if _, exists := store.byRef[input.Ref().String()]; exists {
		return ErrDuplicateRef
	}
	entry := Entry{
		UserID:         input.UserID(),
		Kind:           input.Kind(),
		AmountCents:    input.AmountCents(),
		Status:         input.Status(),
		Ref:            input.Ref(),
		Metadata:       input.MetadataJSON(),
		CreatedUnixUTC: input.CreatedUnixUTC(),
	}
	store.entries = append(store.entries, entry)
	store.byRef[input.Ref().String()] = entry
	return nil
}

func (store *stubStore) ListEntries(_ context.Context, userID UserID, limit int) ([]Entry, error) {
	entries := make([]Entry, 0, limit)
	for index := len(store.entries) - 1; index >= 0 && len(entries) < limit; index-- {
		if store.entries[index].UserID.String() == userID.String() {
			entries = append(entries, store.entries[index])
		}
	}
	return entries, nil
}

func (store *stubStore) mustSnapshot(test *testing.T, rawUserID string) Snapshot {
	test.Helper()
	snapshot, found := store.wallets[rawUserID]
	if !found {
		test.Fatalf("expected wallet for %s", rawUserID)
	}
	return snapshot
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustRef(test *testing.T, raw string) Ref {
	test.Helper()
	ref, err := NewRef(raw)
	if err != nil {
		test.Fatalf("ref: %v", err)
	}
	return ref
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	amount, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

// recordingLogger captures operation logs for assertions.
type recordingLogger struct {
	logs []OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.logs = append(logger.logs, entry)
}
