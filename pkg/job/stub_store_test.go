package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/genforge/genforge/pkg/wallet"
)

// stubStore is an in-memory job Store. The mutex keeps the reaper test's
// background sweep race-free.
type stubStore struct {
	mu    sync.Mutex
	users map[string]bool
	jobs  map[string]Job

	failUserExists error
	failInsertJob  error
	failGetJob     error
}

func newStubStore() *stubStore {
	return &stubStore{
		users: map[string]bool{},
		jobs:  map[string]Job{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) UserExists(_ context.Context, userID string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failUserExists != nil {
		return false, store.failUserExists
	}
	return store.users[userID], nil
}

func (store *stubStore) InsertJob(_ context.Context, record Job) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failInsertJob != nil {
		return store.failInsertJob
	}
	for _, existing := range store.jobs {
		if existing.IdempotencyKey == record.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
	}
	store.jobs[record.ID.String()] = record
	return nil
}

func (store *stubStore) GetJob(_ context.Context, id ID) (Job, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failGetJob != nil {
		return Job{}, false, store.failGetJob
	}
	record, found := store.jobs[id.String()]
	return record, found, nil
}

func (store *stubStore) GetJobForUpdate(ctx context.Context, id ID) (Job, bool, error) {
	return store.GetJob(ctx, id)
}

func (store *stubStore) GetJobByProviderTaskID(_ context.Context, taskID string) (Job, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, record := range store.jobs {
		if record.ProviderTaskID == taskID && taskID != "" {
			return record, true, nil
		}
	}
	return Job{}, false, nil
}

func (store *stubStore) GetJobByIdempotencyKey(_ context.Context, key string) (Job, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, record := range store.jobs {
		if record.IdempotencyKey == key {
			return record, true, nil
		}
	}
	return Job{}, false, nil
}

func (store *stubStore) UpdateJob(_ context.Context, record Job) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, found := store.jobs[record.ID.String()]; !found {
		return fmt.Errorf("%w: %s", ErrUnknownJob, record.ID)
	}
	store.jobs[record.ID.String()] = record
	return nil
}

func (store *stubStore) ListUndelivered(_ context.Context, limit int) ([]Job, error) {
	return store.filter(limit, func(record Job) bool {
		return record.Status == StatusDone && !record.Delivered()
	}), nil
}

func (store *stubStore) ListRunning(_ context.Context, limit int) ([]Job, error) {
	return store.filter(limit, func(record Job) bool {
		return record.Status == StatusRunning
	}), nil
}

func (store *stubStore) ListStale(_ context.Context, updatedBeforeUnixUTC int64, limit int) ([]Job, error) {
	return store.filter(limit, func(record Job) bool {
		return !record.Status.IsTerminal() && record.UpdatedUnixUTC < updatedBeforeUnixUTC
	}), nil
}

func (store *stubStore) ListUserJobs(_ context.Context, userID string, limit int) ([]Job, error) {
	return store.filter(limit, func(record Job) bool {
		return record.UserID == userID
	}), nil
}

func (store *stubStore) filter(limit int, keep func(Job) bool) []Job {
	store.mu.Lock()
	defer store.mu.Unlock()
	ids := make([]string, 0, len(store.jobs))
	for id := range store.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	records := make([]Job, 0, limit)
	for _, id := range ids {
		if len(records) == limit {
			break
		}
		if keep(store.jobs[id]) {
			records = append(records, store.jobs[id])
		}
	}
	return records
}

func (store *stubStore) jobStatus(id ID) Status {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.jobs[id.String()].Status
}

// memoryWalletStore is a minimal wallet.Store so job tests run against the
// real wallet service.
type memoryWalletStore struct {
	wallets map[string]wallet.Snapshot
	entries map[string]wallet.Entry

	// failSaveWallet is consumed by the first SaveWallet call.
	failSaveWallet error
}

func newMemoryWalletStore() *memoryWalletStore {
	return &memoryWalletStore{
		wallets: map[string]wallet.Snapshot{},
		entries: map[string]wallet.Entry{},
	}
}

func (store *memoryWalletStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return fn(ctx, store)
}

func (store *memoryWalletStore) LockWallet(_ context.Context, userID wallet.UserID) (wallet.Snapshot, error) {
	snapshot, found := store.wallets[userID.String()]
	if !found {
		snapshot = wallet.Snapshot{UserID: userID}
		store.wallets[userID.String()] = snapshot
	}
	return snapshot, nil
}

func (store *memoryWalletStore) SaveWallet(_ context.Context, snapshot wallet.Snapshot) error {
	if store.failSaveWallet != nil {
		err := store.failSaveWallet
		store.failSaveWallet = nil
		return err
	}
	store.wallets[snapshot.UserID.String()] = snapshot
	return nil
}

func (store *memoryWalletStore) FindDoneEntry(_ context.Context, ref wallet.Ref) (wallet.Entry, bool, error) {
	entry, found := store.entries[ref.String()]
	return entry, found, nil
}

func (store *memoryWalletStore) InsertEntry(_ context.Context, input wallet.EntryInput) error {
	if _, exists := store.entries[input.Ref().String()]; exists {
		return wallet.ErrDuplicateRef
	}
	store.entries[input.Ref().String()] = wallet.Entry{
		UserID:      input.UserID(),
		Kind:        input.Kind(),
		AmountCents: input.AmountCents(),
		Status:      input.Status(),
		Ref:         input.Ref(),
	}
	return nil
}

func (store *memoryWalletStore) ListEntries(_ context.Context, userID wallet.UserID, limit int) ([]wallet.Entry, error) {
	entries := make([]wallet.Entry, 0, limit)
	for _, entry := range store.entries {
		if entry.UserID.String() == userID.String() && len(entries) < limit {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (store *memoryWalletStore) countEntries(kind wallet.EntryKind) int {
	count := 0
	for _, entry := range store.entries {
		if entry.Kind == kind {
			count++
		}
	}
	return count
}

func (store *memoryWalletStore) snapshot(test *testing.T, rawUserID string) wallet.Snapshot {
	test.Helper()
	snapshot, found := store.wallets[rawUserID]
	if !found {
		test.Fatalf("expected wallet for %s", rawUserID)
	}
	return snapshot
}

type fixture struct {
	store       *stubStore
	walletStore *memoryWalletStore
	funds       *wallet.Service
	service     *Service
	now         int64
}

func newFixture(test *testing.T) *fixture {
	test.Helper()
	fix := &fixture{
		store:       newStubStore(),
		walletStore: newMemoryWalletStore(),
		now:         1700000000,
	}
	funds, err := wallet.NewService(fix.walletStore, func() int64 { return fix.now })
	if err != nil {
		test.Fatalf("wallet service: %v", err)
	}
	fix.funds = funds
	nextID := 0
	service, err := NewService(fix.store, funds, func() int64 { return fix.now }, func() string {
		nextID++
		return fmt.Sprintf("job-%d", nextID)
	}, WithLogger(zap.NewNop()))
	if err != nil {
		test.Fatalf("job service: %v", err)
	}
	fix.service = service
	return fix
}

func (fix *fixture) addUser(test *testing.T, rawUserID string, balance int64) {
	test.Helper()
	fix.store.users[rawUserID] = true
	userID, err := wallet.NewUserID(rawUserID)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	fix.walletStore.wallets[rawUserID] = wallet.Snapshot{UserID: userID, BalanceCents: wallet.AmountCents(balance)}
}

func defaultCreateParams() CreateParams {
	return CreateParams{
		UserID:         "user-1",
		ModelID:        "wan/text-to-video",
		Category:       "video",
		InputParams:    `{"prompt":"a quiet harbor at dawn"}`,
		PriceCents:     30,
		IdempotencyKey: "req-1",
		ChatTarget:     4242,
	}
}
