package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/genforge/genforge/pkg/job"
)

const (
	defaultLockTTL     = 5 * time.Minute
	defaultMaxAttempts = 3
	defaultBaseDelay   = 2 * time.Second
)

// Jobs is the slice of the job service the coordinator drives.
type Jobs interface {
	GetByID(ctx context.Context, id job.ID) (job.Job, error)
	FinalizeDelivery(ctx context.Context, id job.ID) (bool, error)
	Invalidate(ctx context.Context, id job.ID, reason string) error
}

// LockStore claims and releases the time-bounded delivery lock on a job row.
type LockStore interface {
	// ClaimDeliveryLock claims the lock when it is unclaimed or expired and
	// the job is not yet delivered. It reports whether this holder won.
	ClaimDeliveryLock(ctx context.Context, id job.ID, holder string, untilUnixUTC int64) (bool, error)

	// ReleaseDeliveryLock clears the lock if holder still owns it.
	ReleaseDeliveryLock(ctx context.Context, id job.ID, holder string) error
}

// Breaker is the slice of the provider breaker delivery consults. A nil
// breaker never short-circuits.
type Breaker interface {
	Allow() error
}

// Coordinator guarantees a finished job's result reaches the user's chat
// exactly once, then triggers the charge. The delivery lock is the only
// serialization point: concurrent callers for one job collapse to a single
// winner, everyone else gets ErrAlreadyDeliveredOrInProgress.
type Coordinator struct {
	jobs        Jobs
	locks       LockStore
	messenger   Messenger
	fetcher     Fetcher
	breaker     Breaker
	lockTTL     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	nowFn       func() int64
	newHolder   func() string
	sleepFn     func(ctx context.Context, delay time.Duration) error
	logger      *zap.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLockTTL overrides the delivery lock TTL.
func WithLockTTL(ttl time.Duration) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.lockTTL = ttl
	}
}

// WithMaxAttempts overrides the send attempt budget.
func WithMaxAttempts(attempts int) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.maxAttempts = attempts
	}
}

// WithBaseDelay overrides the first backoff delay.
func WithBaseDelay(delay time.Duration) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.baseDelay = delay
	}
}

// WithDeliveryBreaker wires a circuit breaker that can short-circuit send
// attempts.
func WithDeliveryBreaker(breaker Breaker) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.breaker = breaker
	}
}

// WithFetcher overrides the byte fetcher for the re-upload tier.
func WithFetcher(fetcher Fetcher) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.fetcher = fetcher
	}
}

// WithCoordinatorLogger wires a zap logger; a nop logger is used otherwise.
func WithCoordinatorLogger(logger *zap.Logger) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.logger = logger
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() int64) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.nowFn = now
	}
}

// WithHolderGenerator overrides lock holder minting, for tests.
func WithHolderGenerator(newHolder func() string) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.newHolder = newHolder
	}
}

// WithSleeper overrides backoff sleeping, for tests.
func WithSleeper(sleepFn func(ctx context.Context, delay time.Duration) error) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.sleepFn = sleepFn
	}
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(jobs Jobs, locks LockStore, messenger Messenger, options ...CoordinatorOption) (*Coordinator, error) {
	if jobs == nil {
		return nil, fmt.Errorf("%w: jobs dependency is nil", ErrInvalidCoordinatorConfig)
	}
	if locks == nil {
		return nil, fmt.Errorf("%w: lock store dependency is nil", ErrInvalidCoordinatorConfig)
	}
	if messenger == nil {
		return nil, fmt.Errorf("%w: messenger dependency is nil", ErrInvalidCoordinatorConfig)
	}
	coordinator := &Coordinator{
		jobs:        jobs,
		locks:       locks,
		messenger:   messenger,
		fetcher:     httpFetcher{},
		lockTTL:     defaultLockTTL,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		nowFn:       func() int64 { return time.Now().UTC().Unix() },
		newHolder:   uuid.NewString,
		sleepFn:     sleepContext,
		logger:      zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	return coordinator, nil
}

// Deliver hands the job's result to its chat target and finalizes billing.
// Losing the lock returns ErrAlreadyDeliveredOrInProgress. Exhausted sends
// release the lock but keep the funds held, leaving the job done and
// undelivered for a later attempt.
func (coordinator *Coordinator) Deliver(ctx context.Context, id job.ID) error {
	record, err := coordinator.jobs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if record.Delivered() {
		return ErrAlreadyDeliveredOrInProgress
	}
	holder := coordinator.newHolder()
	claimed, err := coordinator.locks.ClaimDeliveryLock(ctx, id, holder, coordinator.nowFn()+int64(coordinator.lockTTL/time.Second))
	if err != nil {
		return err
	}
	if !claimed {
		return ErrAlreadyDeliveredOrInProgress
	}
	defer func() {
		if err := coordinator.locks.ReleaseDeliveryLock(context.WithoutCancel(ctx), id, holder); err != nil {
			coordinator.logger.Error("delivery lock release failed",
				zap.String("job_id", id.String()),
				zap.Error(err))
		}
	}()

	resultURL, usable := firstUsableResultURL(record.ResultURLs)
	if !usable {
		coordinator.logger.Error("job finished without a usable result",
			zap.String("job_id", id.String()),
			zap.Strings("result_urls", record.ResultURLs))
		if err := coordinator.jobs.Invalidate(ctx, id, "result reference is missing or malformed"); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s", ErrNoDeliverableResult, id)
	}

	if err := coordinator.send(ctx, record, resultURL); err != nil {
		return err
	}

	if _, err := coordinator.jobs.FinalizeDelivery(ctx, id); err != nil {
		return err
	}
	return nil
}

// send walks the fidelity tiers under the attempt budget. A transport error
// drops to the next tier for the following attempt; the last tier absorbs
// the rest of the budget.
func (coordinator *Coordinator) send(ctx context.Context, record job.Job, resultURL string) error {
	caption := captionFor(record)
	tiers := []PayloadKind{PayloadURL, PayloadBytes, PayloadAttachment}
	tier := 0
	var lastErr error
	for attempt := 0; attempt < coordinator.maxAttempts; attempt++ {
		if coordinator.breaker != nil {
			if err := coordinator.breaker.Allow(); err != nil {
				coordinator.logger.Warn("delivery short-circuited by breaker",
					zap.String("job_id", record.ID.String()),
					zap.Error(err))
				return err
			}
		}
		payload, buildErr := coordinator.buildPayload(ctx, tiers[tier], resultURL)
		if buildErr != nil {
			coordinator.logger.Warn("payload tier unavailable, dropping fidelity",
				zap.String("job_id", record.ID.String()),
				zap.String("tier", string(tiers[tier])),
				zap.Error(buildErr))
			lastErr = buildErr
			if tier < len(tiers)-1 {
				tier++
			}
			continue
		}
		err := coordinator.messenger.SendMedia(ctx, record.ChatTarget, record.Category, payload, caption)
		if err == nil {
			coordinator.logger.Info("result delivered",
				zap.String("job_id", record.ID.String()),
				zap.String("tier", string(payload.Kind)),
				zap.Int("attempt", attempt+1))
			return nil
		}
		var transportError *TransportError
		if !errors.As(err, &transportError) {
			return err
		}
		lastErr = transportError
		coordinator.logger.Warn("send failed",
			zap.String("job_id", record.ID.String()),
			zap.String("tier", string(payload.Kind)),
			zap.Int("attempt", attempt+1),
			zap.Error(transportError))
		if tier < len(tiers)-1 {
			tier++
		}
		if attempt == coordinator.maxAttempts-1 {
			break
		}
		delay := coordinator.baseDelay << uint(attempt)
		if transportError.RetryAfter > 0 {
			delay = transportError.RetryAfter
		}
		if err := coordinator.sleepFn(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: job %s: %v", ErrAttemptsExhausted, record.ID, lastErr)
}

func (coordinator *Coordinator) buildPayload(ctx context.Context, kind PayloadKind, resultURL string) (MediaPayload, error) {
	switch kind {
	case PayloadURL:
		return MediaPayload{Kind: PayloadURL, URL: resultURL}, nil
	case PayloadBytes:
		content, fileName, err := coordinator.fetcher.Fetch(ctx, resultURL)
		if err != nil {
			return MediaPayload{}, err
		}
		if fileName == "" {
			fileName = fileNameFromURL(resultURL)
		}
		return MediaPayload{Kind: PayloadBytes, Bytes: content, FileName: fileName}, nil
	default:
		return MediaPayload{Kind: PayloadAttachment, URL: resultURL}, nil
	}
}

func captionFor(record job.Job) string {
	return fmt.Sprintf("Your %s result is ready", record.Category)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
