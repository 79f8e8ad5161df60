package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/genforge/genforge/pkg/wallet"
)

// Service owns the job lifecycle from creation to terminal state. All money
// movement tied to transitions goes through Funds with per-job idempotency
// refs, so replays and races converge on one applied movement. Transitions
// out of a terminal state are logged no-ops, which is what collapses
// duplicate and late provider callbacks.
type Service struct {
	store  Store
	funds  Funds
	nowFn  func() int64
	newID  func() string
	logger *zap.Logger
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithLogger wires a zap logger; a nop logger is used otherwise.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIDGenerator overrides job id minting, for tests.
func WithIDGenerator(newID func() string) ServiceOption {
	return func(service *Service) {
		service.newID = newID
	}
}

// NewService wires a Service.
func NewService(store Store, funds Funds, now func() int64, newID func() string, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if funds == nil {
		return nil, fmt.Errorf("%w: funds dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if newID == nil {
		return nil, fmt.Errorf("%w: id generator is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, funds: funds, nowFn: now, newID: newID, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Create registers a new job as pending after holding its price. An existing
// job under the same idempotency key is returned as-is with exactly one hold
// recorded: the hold ref is the idempotency key itself, so a replayed create
// never reserves twice. Funds are held before any external call.
func (service *Service) Create(ctx context.Context, params CreateParams) (Job, error) {
	if err := params.Validate(); err != nil {
		return Job{}, err
	}
	if existing, found, err := service.store.GetJobByIdempotencyKey(ctx, params.IdempotencyKey); err != nil {
		return Job{}, err
	} else if found {
		if existing.UserID != params.UserID {
			// Keys are caller-scoped; returning another user's job would
			// leak their results.
			return Job{}, fmt.Errorf("%w: idempotency key is owned by another user", ErrValidation)
		}
		service.logger.Info("job create replayed",
			zap.String("job_id", existing.ID.String()),
			zap.String("idempotency_key", params.IdempotencyKey))
		return existing, nil
	}
	exists, err := service.store.UserExists(ctx, params.UserID)
	if err != nil {
		return Job{}, err
	}
	if !exists {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownUser, params.UserID)
	}
	if params.PriceCents > 0 {
		if err := service.holdPrice(ctx, params); err != nil {
			return Job{}, err
		}
	}
	now := service.nowFn()
	record := Job{
		UserID:         params.UserID,
		ModelID:        params.ModelID,
		Category:       params.Category,
		InputParams:    params.InputParams,
		PriceCents:     params.PriceCents,
		Status:         StatusPending,
		IdempotencyKey: params.IdempotencyKey,
		ChatTarget:     params.ChatTarget,
		CreatedUnixUTC: now,
		UpdatedUnixUTC: now,
	}
	record.ID, err = NewID(service.newID())
	if err != nil {
		return Job{}, err
	}
	if err := service.store.InsertJob(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Lost the insert race to a concurrent identical request.
			existing, found, lookupErr := service.store.GetJobByIdempotencyKey(ctx, params.IdempotencyKey)
			if lookupErr != nil {
				return Job{}, lookupErr
			}
			if found {
				if existing.UserID != params.UserID {
					return Job{}, fmt.Errorf("%w: idempotency key is owned by another user", ErrValidation)
				}
				return existing, nil
			}
		}
		return Job{}, err
	}
	service.logger.Info("job created",
		zap.String("job_id", record.ID.String()),
		zap.String("user_id", record.UserID),
		zap.String("model_id", record.ModelID),
		zap.Int64("price_cents", record.PriceCents))
	return record, nil
}

// AttachProviderTask transitions pending -> running once dispatch returned a
// provider task handle. A terminal job makes this a logged no-op.
func (service *Service) AttachProviderTask(ctx context.Context, id ID, providerTaskID string) error {
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		record, found, err := txStore.GetJobForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
		if record.Status.IsTerminal() {
			service.logger.Warn("ignoring task attach for terminal job",
				zap.String("job_id", id.String()),
				zap.String("status", record.Status.String()))
			return nil
		}
		record.Status = StatusRunning
		record.ProviderTaskID = providerTaskID
		record.UpdatedUnixUTC = service.nowFn()
		return txStore.UpdateJob(ctx, record)
	})
}

// ApplyOutcome records a provider outcome: done keeps the result for the
// delivery coordinator (charging waits for delivery), failed and canceled
// release the held funds. Duplicate outcomes for a terminal job are logged
// no-ops. The release runs before the transition commits; its per-job ref
// makes a replay after a crash a no-op, so a lost transition is recovered by
// the reaper without double-releasing.
func (service *Service) ApplyOutcome(ctx context.Context, id ID, outcome Outcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("%w: outcome status %q is not terminal", ErrValidation, outcome.Status)
	}
	record, found, err := service.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if record.Status.IsTerminal() {
		service.logger.Warn("ignoring outcome for terminal job",
			zap.String("job_id", id.String()),
			zap.String("status", record.Status.String()),
			zap.String("attempted", outcome.Status.String()))
		return nil
	}
	if outcome.Status != StatusDone && record.PriceCents > 0 {
		if err := service.releaseHold(ctx, record, "provider_"+outcome.Status.String()); err != nil {
			return err
		}
	}
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		locked, found, err := txStore.GetJobForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
		if locked.Status.IsTerminal() {
			service.logger.Warn("lost outcome race, job already terminal",
				zap.String("job_id", id.String()),
				zap.String("status", locked.Status.String()))
			return nil
		}
		now := service.nowFn()
		locked.Status = outcome.Status
		locked.ResultURLs = outcome.ResultURLs
		locked.ErrorText = outcome.ErrorText
		locked.FinishedUnixUTC = now
		locked.UpdatedUnixUTC = now
		if err := txStore.UpdateJob(ctx, locked); err != nil {
			return err
		}
		service.logger.Info("job outcome applied",
			zap.String("job_id", id.String()),
			zap.String("status", outcome.Status.String()))
		return nil
	})
}

// ApplyProviderOutcome routes a push callback or poll result by provider task
// id. An outcome for an unknown task is an orphan: logged and dropped.
func (service *Service) ApplyProviderOutcome(ctx context.Context, providerTaskID string, outcome Outcome) error {
	record, found, err := service.store.GetJobByProviderTaskID(ctx, providerTaskID)
	if err != nil {
		return err
	}
	if !found {
		service.logger.Warn("dropping orphan provider outcome",
			zap.String("provider_task_id", providerTaskID),
			zap.String("state", outcome.Status.String()))
		return nil
	}
	return service.ApplyOutcome(ctx, record.ID, outcome)
}

// FinalizeDelivery marks the job delivered and converts the hold into a
// charge. Re-marking is a no-op, but the charge is re-attempted on replay so
// a crash between mark and charge never strands the hold. The charge fires
// only when the locked row still reads done with the price held; a drifted
// status or short hold is logged and skipped so the user is never debited
// for an undelivered result.
func (service *Service) FinalizeDelivery(ctx context.Context, id ID) (bool, error) {
	var toCharge *Job
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		record, found, err := txStore.GetJobForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
		if record.Delivered() {
			service.logger.Info("job already marked delivered",
				zap.String("job_id", id.String()))
			// A crash between the delivered mark and the charge loses the
			// charge; the delivery-scoped ref makes re-attempting it safe.
			if record.Status == StatusDone && record.PriceCents > 0 {
				toCharge = &record
			}
			return nil
		}
		now := service.nowFn()
		record.DeliveredUnixUTC = now
		record.UpdatedUnixUTC = now
		if err := txStore.UpdateJob(ctx, record); err != nil {
			return err
		}
		if record.Status == StatusDone && record.PriceCents > 0 {
			toCharge = &record
		} else if record.PriceCents > 0 {
			service.logger.Warn("delivered job not in done status, skipping charge",
				zap.String("job_id", id.String()),
				zap.String("status", record.Status.String()))
		}
		return nil
	})
	if err != nil || toCharge == nil {
		return false, err
	}
	charged, err := service.chargePrice(ctx, *toCharge)
	if err != nil {
		return false, err
	}
	return charged, nil
}

// Invalidate fails a done job whose result turned out to be undeliverable,
// releasing the held funds. This is the one sanctioned exit from done: the
// result never reached the user and never will, so keeping the hold would
// strand their money. A delivered or already failed job is a logged no-op.
func (service *Service) Invalidate(ctx context.Context, id ID, reason string) error {
	record, found, err := service.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if record.Delivered() || record.Status != StatusDone {
		service.logger.Warn("ignoring invalidation",
			zap.String("job_id", id.String()),
			zap.String("status", record.Status.String()),
			zap.Bool("delivered", record.Delivered()))
		return nil
	}
	if record.PriceCents > 0 {
		if err := service.releaseHold(ctx, record, "invalid_result"); err != nil {
			return err
		}
	}
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		locked, found, err := txStore.GetJobForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
		if locked.Delivered() || locked.Status != StatusDone {
			return nil
		}
		now := service.nowFn()
		locked.Status = StatusFailed
		locked.ErrorText = reason
		locked.UpdatedUnixUTC = now
		if err := txStore.UpdateJob(ctx, locked); err != nil {
			return err
		}
		service.logger.Warn("job invalidated",
			zap.String("job_id", id.String()),
			zap.String("reason", reason))
		return nil
	})
}

// ReapStale fails pending and running jobs whose last update is older than
// the per-category allowance returned by staleFor, releasing their holds.
// Pending jobs cover crashes between the hold and the dispatch; running jobs
// cover callbacks that never arrive.
func (service *Service) ReapStale(ctx context.Context, staleFor func(category string) time.Duration, limit int) (int, error) {
	if staleFor == nil {
		return 0, fmt.Errorf("%w: nil staleness function", ErrInvalidServiceConfig)
	}
	now := service.nowFn()
	candidates, err := service.store.ListStale(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, record := range candidates {
		allowance := staleFor(record.Category)
		if allowance <= 0 || now-record.UpdatedUnixUTC < int64(allowance/time.Second) {
			continue
		}
		outcome := Outcome{
			Status:    StatusFailed,
			ErrorText: fmt.Sprintf("timeout: no provider outcome within %s", allowance),
		}
		if err := service.ApplyOutcome(ctx, record.ID, outcome); err != nil {
			service.logger.Error("reap failed",
				zap.String("job_id", record.ID.String()),
				zap.Error(err))
			continue
		}
		service.logger.Warn("reaped stale job",
			zap.String("job_id", record.ID.String()),
			zap.Int64("stale_since", record.UpdatedUnixUTC))
		reaped++
	}
	return reaped, nil
}

// GetByID returns a job by id.
func (service *Service) GetByID(ctx context.Context, id ID) (Job, error) {
	record, found, err := service.store.GetJob(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if !found {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return record, nil
}

// GetByProviderTaskID returns the job holding a provider task handle.
func (service *Service) GetByProviderTaskID(ctx context.Context, providerTaskID string) (Job, error) {
	record, found, err := service.store.GetJobByProviderTaskID(ctx, providerTaskID)
	if err != nil {
		return Job{}, err
	}
	if !found {
		return Job{}, fmt.Errorf("%w: task %s", ErrUnknownJob, providerTaskID)
	}
	return record, nil
}

// GetByIdempotencyKey returns the job created under an idempotency key.
func (service *Service) GetByIdempotencyKey(ctx context.Context, key string) (Job, error) {
	record, found, err := service.store.GetJobByIdempotencyKey(ctx, key)
	if err != nil {
		return Job{}, err
	}
	if !found {
		return Job{}, fmt.Errorf("%w: key %s", ErrUnknownJob, key)
	}
	return record, nil
}

// ListUndelivered returns done-but-undelivered jobs for delivery retries.
func (service *Service) ListUndelivered(ctx context.Context, limit int) ([]Job, error) {
	return service.store.ListUndelivered(ctx, limit)
}

// ListRunning returns running jobs for the poller.
func (service *Service) ListRunning(ctx context.Context, limit int) ([]Job, error) {
	return service.store.ListRunning(ctx, limit)
}

// ListUserJobs returns a user's job history, newest first.
func (service *Service) ListUserJobs(ctx context.Context, userID string, limit int) ([]Job, error) {
	return service.store.ListUserJobs(ctx, userID, limit)
}

func (service *Service) holdPrice(ctx context.Context, params CreateParams) error {
	userID, err := wallet.NewUserID(params.UserID)
	if err != nil {
		return err
	}
	amount, err := wallet.NewPositiveAmountCents(params.PriceCents)
	if err != nil {
		return err
	}
	ref, err := wallet.NewRef(params.IdempotencyKey)
	if err != nil {
		return err
	}
	metadata, err := wallet.NewMetadataJSON(fmt.Sprintf(`{"model_id":%q,"category":%q}`, params.ModelID, params.Category))
	if err != nil {
		return err
	}
	_, err = service.funds.Hold(ctx, userID, amount, ref, metadata)
	return err
}

func (service *Service) releaseHold(ctx context.Context, record Job, reason string) error {
	userID, err := wallet.NewUserID(record.UserID)
	if err != nil {
		return err
	}
	amount, err := wallet.NewPositiveAmountCents(record.PriceCents)
	if err != nil {
		return err
	}
	ref, err := wallet.NewRef(fmt.Sprintf("job:%s:release", record.ID))
	if err != nil {
		return err
	}
	metadata, err := wallet.NewMetadataJSON(fmt.Sprintf(`{"job_id":%q,"reason":%q}`, record.ID, reason))
	if err != nil {
		return err
	}
	movement, err := service.funds.Release(ctx, userID, amount, ref, metadata)
	if err != nil {
		return err
	}
	if movement.Applied && movement.AmountCents.Int64() < record.PriceCents {
		service.logger.Warn("released less than job price",
			zap.String("job_id", record.ID.String()),
			zap.Int64("price_cents", record.PriceCents),
			zap.Int64("released_cents", movement.AmountCents.Int64()))
	}
	return nil
}

func (service *Service) chargePrice(ctx context.Context, record Job) (bool, error) {
	userID, err := wallet.NewUserID(record.UserID)
	if err != nil {
		return false, err
	}
	amount, err := wallet.NewPositiveAmountCents(record.PriceCents)
	if err != nil {
		return false, err
	}
	ref, err := wallet.NewRef(fmt.Sprintf("job:%s:delivered", record.ID))
	if err != nil {
		return false, err
	}
	metadata, err := wallet.NewMetadataJSON(fmt.Sprintf(`{"job_id":%q,"idempotency_key":%q}`, record.ID, record.IdempotencyKey))
	if err != nil {
		return false, err
	}
	movement, err := service.funds.Charge(ctx, userID, amount, ref, metadata)
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientHold) || errors.Is(err, wallet.ErrInsufficientFunds) {
			service.logger.Error("delivery charge skipped, hold drifted",
				zap.String("job_id", record.ID.String()),
				zap.Error(err))
			return false, nil
		}
		return false, err
	}
	if movement.Applied {
		service.logger.Info("charged after delivery",
			zap.String("job_id", record.ID.String()),
			zap.Int64("price_cents", record.PriceCents),
			zap.Int64("balance_after", movement.BalanceAfter.Int64()))
	}
	return movement.Applied, nil
}
