package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/genforge/genforge/pkg/job"
	"github.com/genforge/genforge/pkg/wallet"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	store := New(db)
	if err := store.AutoMigrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func mustWalletUserID(test *testing.T, raw string) wallet.UserID {
	test.Helper()
	userID, err := wallet.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustWalletRef(test *testing.T, raw string) wallet.Ref {
	test.Helper()
	ref, err := wallet.NewRef(raw)
	if err != nil {
		test.Fatalf("ref: %v", err)
	}
	return ref
}

func mustEntryInput(test *testing.T, rawUserID string, kind wallet.EntryKind, amount int64, rawRef string) wallet.EntryInput {
	test.Helper()
	metadata, err := wallet.NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	input, err := wallet.NewEntryInput(
		mustWalletUserID(test, rawUserID),
		kind,
		wallet.AmountCents(amount),
		mustWalletRef(test, rawRef),
		metadata,
		time.Now().UTC().Unix(),
	)
	if err != nil {
		test.Fatalf("entry input: %v", err)
	}
	return input
}

func mustStoreJobID(test *testing.T, raw string) job.ID {
	test.Helper()
	id, err := job.NewID(raw)
	if err != nil {
		test.Fatalf("job id: %v", err)
	}
	return id
}

func testJob(test *testing.T, rawID string, key string) job.Job {
	test.Helper()
	now := time.Now().UTC().Unix()
	return job.Job{
		ID:             mustStoreJobID(test, rawID),
		UserID:         "user-1",
		ModelID:        "flux/dev",
		Category:       "image",
		InputParams:    `{"prompt":"a pier in fog"}`,
		PriceCents:     30,
		Status:         job.StatusPending,
		IdempotencyKey: key,
		ChatTarget:     4242,
		CreatedUnixUTC: now,
		UpdatedUnixUTC: now,
	}
}

func TestLockWalletCreatesZeroWallet(test *testing.T) {
	store := newTestStore(test)
	wallets := store.Wallets()

	snapshot, err := wallets.LockWallet(context.Background(), mustWalletUserID(test, "user-1"))
	if err != nil {
		test.Fatalf("lock wallet: %v", err)
	}
	if snapshot.BalanceCents != 0 || snapshot.HeldCents != 0 {
		test.Fatalf("expected zero wallet, got %+v", snapshot)
	}
}

func TestSaveWalletRoundTrip(test *testing.T) {
	store := newTestStore(test)
	wallets := store.Wallets()
	ctx := context.Background()
	userID := mustWalletUserID(test, "user-1")

	if _, err := wallets.LockWallet(ctx, userID); err != nil {
		test.Fatalf("lock wallet: %v", err)
	}
	saved := wallet.Snapshot{UserID: userID, BalanceCents: 100, HeldCents: 30}
	if err := wallets.SaveWallet(ctx, saved); err != nil {
		test.Fatalf("save wallet: %v", err)
	}
	reloaded, err := wallets.LockWallet(ctx, userID)
	if err != nil {
		test.Fatalf("relock wallet: %v", err)
	}
	if reloaded.BalanceCents != 100 || reloaded.HeldCents != 30 {
		test.Fatalf("round trip lost state: %+v", reloaded)
	}
}

func TestInsertEntryDuplicateRef(test *testing.T) {
	store := newTestStore(test)
	wallets := store.Wallets()
	ctx := context.Background()

	first := mustEntryInput(test, "user-1", wallet.EntryHold, 30, "req-1")
	if err := wallets.InsertEntry(ctx, first); err != nil {
		test.Fatalf("insert entry: %v", err)
	}
	second := mustEntryInput(test, "user-1", wallet.EntryHold, 30, "req-1")
	if err := wallets.InsertEntry(ctx, second); !errors.Is(err, wallet.ErrDuplicateRef) {
		test.Fatalf("expected ErrDuplicateRef, got %v", err)
	}

	entry, found, err := wallets.FindDoneEntry(ctx, mustWalletRef(test, "req-1"))
	if err != nil || !found {
		test.Fatalf("expected entry found, got found=%v err=%v", found, err)
	}
	if entry.Kind != wallet.EntryHold || entry.AmountCents != 30 {
		test.Fatalf("unexpected entry: %+v", entry)
	}
	if _, found, err := wallets.FindDoneEntry(ctx, mustWalletRef(test, "req-2")); err != nil || found {
		test.Fatalf("unknown ref must report not found, got found=%v err=%v", found, err)
	}
}

func TestWalletServiceOverSQLite(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	service, err := wallet.NewService(store.Wallets(), func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("wallet service: %v", err)
	}
	userID := mustWalletUserID(test, "user-1")
	amount, err := wallet.NewPositiveAmountCents(100)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	metadata, err := wallet.NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}

	if _, err := service.Topup(ctx, userID, amount, mustWalletRef(test, "topup-1"), metadata); err != nil {
		test.Fatalf("topup: %v", err)
	}
	hold, err := wallet.NewPositiveAmountCents(30)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if _, err := service.Hold(ctx, userID, hold, mustWalletRef(test, "hold-1"), metadata); err != nil {
		test.Fatalf("hold: %v", err)
	}
	replay, err := service.Hold(ctx, userID, hold, mustWalletRef(test, "hold-1"), metadata)
	if err != nil {
		test.Fatalf("replayed hold: %v", err)
	}
	if replay.Applied {
		test.Fatalf("replayed hold must be a no-op")
	}
	snapshot, err := service.Balance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if snapshot.BalanceCents != 100 || snapshot.HeldCents != 30 {
		test.Fatalf("expected balance 100 held 30, got %+v", snapshot)
	}
}

func TestEnsureUserAndUserExists(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()

	exists, err := store.Jobs().UserExists(ctx, "user-1")
	if err != nil {
		test.Fatalf("user exists: %v", err)
	}
	if exists {
		test.Fatalf("user must not exist yet")
	}
	if err := store.EnsureUser(ctx, "user-1"); err != nil {
		test.Fatalf("ensure user: %v", err)
	}
	if err := store.EnsureUser(ctx, "user-1"); err != nil {
		test.Fatalf("ensure user twice: %v", err)
	}
	exists, err = store.Jobs().UserExists(ctx, "user-1")
	if err != nil || !exists {
		test.Fatalf("expected user to exist, got exists=%v err=%v", exists, err)
	}
}

func TestInsertJobRoundTripAndDuplicateKey(test *testing.T) {
	store := newTestStore(test)
	jobs := store.Jobs()
	ctx := context.Background()

	record := testJob(test, "8c9f2f6e-0000-4000-8000-000000000001", "req-1")
	record.ResultURLs = []string{"https://cdn.example/a.png"}
	if err := jobs.InsertJob(ctx, record); err != nil {
		test.Fatalf("insert job: %v", err)
	}

	loaded, found, err := jobs.GetJob(ctx, record.ID)
	if err != nil || !found {
		test.Fatalf("get job: found=%v err=%v", found, err)
	}
	if loaded.ModelID != record.ModelID || loaded.Category != record.Category ||
		loaded.PriceCents != record.PriceCents || loaded.ChatTarget != record.ChatTarget ||
		loaded.IdempotencyKey != record.IdempotencyKey {
		test.Fatalf("round trip lost fields: %+v", loaded)
	}
	if len(loaded.ResultURLs) != 1 || loaded.ResultURLs[0] != "https://cdn.example/a.png" {
		test.Fatalf("result urls lost: %+v", loaded.ResultURLs)
	}

	duplicate := testJob(test, "8c9f2f6e-0000-4000-8000-000000000002", "req-1")
	if err := jobs.InsertJob(ctx, duplicate); !errors.Is(err, job.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}

	byKey, found, err := jobs.GetJobByIdempotencyKey(ctx, "req-1")
	if err != nil || !found || byKey.ID != record.ID {
		test.Fatalf("lookup by key failed: found=%v err=%v", found, err)
	}
}

func TestGetJobByProviderTaskID(test *testing.T) {
	store := newTestStore(test)
	jobs := store.Jobs()
	ctx := context.Background()

	record := testJob(test, "8c9f2f6e-0000-4000-8000-000000000001", "req-1")
	record.Status = job.StatusRunning
	record.ProviderTaskID = "task-9"
	if err := jobs.InsertJob(ctx, record); err != nil {
		test.Fatalf("insert job: %v", err)
	}
	loaded, found, err := jobs.GetJobByProviderTaskID(ctx, "task-9")
	if err != nil || !found || loaded.ID != record.ID {
		test.Fatalf("lookup by task id failed: found=%v err=%v", found, err)
	}
	if _, found, err := jobs.GetJobByProviderTaskID(ctx, ""); err != nil || found {
		test.Fatalf("empty task id must not match, got found=%v err=%v", found, err)
	}
}

func TestUpdateJobUnknownJob(test *testing.T) {
	store := newTestStore(test)
	record := testJob(test, "8c9f2f6e-0000-4000-8000-000000000001", "req-1")

	err := store.Jobs().UpdateJob(context.Background(), record)
	if !errors.Is(err, job.ErrUnknownJob) {
		test.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestJobListFilters(test *testing.T) {
	store := newTestStore(test)
	jobs := store.Jobs()
	ctx := context.Background()
	now := time.Now().UTC().Unix()

	running := testJob(test, "8c9f2f6e-0000-4000-8000-000000000001", "req-1")
	running.Status = job.StatusRunning
	running.UpdatedUnixUTC = now - 3600

	doneUndelivered := testJob(test, "8c9f2f6e-0000-4000-8000-000000000002", "req-2")
	doneUndelivered.Status = job.StatusDone
	doneUndelivered.FinishedUnixUTC = now

	delivered := testJob(test, "8c9f2f6e-0000-4000-8000-000000000003", "req-3")
	delivered.Status = job.StatusDone
	delivered.FinishedUnixUTC = now
	delivered.DeliveredUnixUTC = now

	stuckPending := testJob(test, "8c9f2f6e-0000-4000-8000-000000000004", "req-4")
	stuckPending.UpdatedUnixUTC = now - 3600

	for _, record := range []job.Job{running, doneUndelivered, delivered, stuckPending} {
		if err := jobs.InsertJob(ctx, record); err != nil {
			test.Fatalf("insert %s: %v", record.ID, err)
		}
	}

	undelivered, err := jobs.ListUndelivered(ctx, 10)
	if err != nil {
		test.Fatalf("list undelivered: %v", err)
	}
	if len(undelivered) != 1 || undelivered[0].ID != doneUndelivered.ID {
		test.Fatalf("unexpected undelivered set: %+v", undelivered)
	}

	runningJobs, err := jobs.ListRunning(ctx, 10)
	if err != nil {
		test.Fatalf("list running: %v", err)
	}
	if len(runningJobs) != 1 || runningJobs[0].ID != running.ID {
		test.Fatalf("unexpected running set: %+v", runningJobs)
	}

	stale, err := jobs.ListStale(ctx, now-1800, 10)
	if err != nil {
		test.Fatalf("list stale: %v", err)
	}
	if len(stale) != 2 {
		test.Fatalf("unexpected stale set: %+v", stale)
	}
	staleIDs := map[job.ID]bool{stale[0].ID: true, stale[1].ID: true}
	if !staleIDs[running.ID] || !staleIDs[stuckPending.ID] {
		test.Fatalf("expected stale running and pending jobs, got %+v", stale)
	}
	if fresh, err := jobs.ListStale(ctx, now-7200, 10); err != nil || len(fresh) != 0 {
		test.Fatalf("expected no jobs stale beyond 2h, got %d err=%v", len(fresh), err)
	}

	userJobs, err := jobs.ListUserJobs(ctx, "user-1", 10)
	if err != nil || len(userJobs) != 4 {
		test.Fatalf("expected 4 user jobs, got %d err=%v", len(userJobs), err)
	}
}

func TestClaimDeliveryLockSingleWinner(test *testing.T) {
	store := newTestStore(test)
	jobs := store.Jobs()
	ctx := context.Background()

	record := testJob(test, "8c9f2f6e-0000-4000-8000-000000000001", "req-1")
	record.Status = job.StatusDone
	if err := jobs.InsertJob(ctx, record); err != nil {
		test.Fatalf("insert job: %v", err)
	}
	until := time.Now().UTC().Add(5 * time.Minute).Unix()

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		holder := fmt.Sprintf("holder-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := jobs.ClaimDeliveryLock(ctx, record.ID, holder, until)
			if err != nil {
				test.Errorf("claim: %v", err)
				return
			}
			wins <- claimed
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for claimed := range wins {
		if claimed {
			winners++
		}
	}
	if winners != 1 {
		test.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestClaimDeliveryLockExpiryAndRelease(test *testing.T) {
	store := newTestStore(test)
	jobs := store.Jobs()
	ctx := context.Background()

	record := testJob(test, "8c9f2f6e-0000-4000-8000-000000000001", "req-1")
	record.Status = job.StatusDone
	if err := jobs.InsertJob(ctx, record); err != nil {
		test.Fatalf("insert job: %v", err)
	}

	expired := time.Now().UTC().Add(-time.Minute).Unix()
	claimed, err := jobs.ClaimDeliveryLock(ctx, record.ID, "crashed-holder", expired)
	if err != nil || !claimed {
		test.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}

	// The first holder's lock has already expired, so a new claim wins.
	live := time.Now().UTC().Add(5 * time.Minute).Unix()
	claimed, err = jobs.ClaimDeliveryLock(ctx, record.ID, "recovering-holder", live)
	if err != nil || !claimed {
		test.Fatalf("expired lock must be reclaimable: claimed=%v err=%v", claimed, err)
	}

	claimed, err = jobs.ClaimDeliveryLock(ctx, record.ID, "late-holder", live)
	if err != nil {
		test.Fatalf("competing claim: %v", err)
	}
	if claimed {
		test.Fatalf("live lock must not be reclaimable")
	}

	if err := jobs.ReleaseDeliveryLock(ctx, record.ID, "someone-else"); err != nil {
		test.Fatalf("release by non-holder: %v", err)
	}
	if claimed, err = jobs.ClaimDeliveryLock(ctx, record.ID, "late-holder", live); err != nil || claimed {
		test.Fatalf("non-holder release must not free the lock: claimed=%v err=%v", claimed, err)
	}

	if err := jobs.ReleaseDeliveryLock(ctx, record.ID, "recovering-holder"); err != nil {
		test.Fatalf("release: %v", err)
	}
	if claimed, err = jobs.ClaimDeliveryLock(ctx, record.ID, "late-holder", live); err != nil || !claimed {
		test.Fatalf("released lock must be claimable: claimed=%v err=%v", claimed, err)
	}
}

func TestClaimDeliveryLockRefusesDeliveredJob(test *testing.T) {
	store := newTestStore(test)
	jobs := store.Jobs()
	ctx := context.Background()

	record := testJob(test, "8c9f2f6e-0000-4000-8000-000000000001", "req-1")
	record.Status = job.StatusDone
	record.DeliveredUnixUTC = time.Now().UTC().Unix()
	if err := jobs.InsertJob(ctx, record); err != nil {
		test.Fatalf("insert job: %v", err)
	}

	until := time.Now().UTC().Add(5 * time.Minute).Unix()
	claimed, err := jobs.ClaimDeliveryLock(ctx, record.ID, "holder", until)
	if err != nil {
		test.Fatalf("claim: %v", err)
	}
	if claimed {
		test.Fatalf("delivered job must not be claimable")
	}
}
