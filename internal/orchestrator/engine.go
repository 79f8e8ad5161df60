// Package orchestrator ties job creation, provider dispatch, outcome intake,
// and delivery into one engine. Push callbacks and the poll loop are two
// producers converging on the same idempotent outcome path; the delivery
// lock collapses their delivery races.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/genforge/genforge/pkg/delivery"
	"github.com/genforge/genforge/pkg/job"
	"github.com/genforge/genforge/pkg/provider"
)

const (
	defaultPollInterval  = 30 * time.Second
	defaultSweepInterval = 5 * time.Minute
	defaultBatchSize     = 50
)

// ErrInvalidEngineConfig marks an engine built with bad dependencies.
var ErrInvalidEngineConfig = errors.New("invalid orchestrator configuration")

// Jobs is the slice of the job service the engine drives.
type Jobs interface {
	Create(ctx context.Context, params job.CreateParams) (job.Job, error)
	AttachProviderTask(ctx context.Context, id job.ID, providerTaskID string) error
	ApplyOutcome(ctx context.Context, id job.ID, outcome job.Outcome) error
	ApplyProviderOutcome(ctx context.Context, providerTaskID string, outcome job.Outcome) error
	GetByID(ctx context.Context, id job.ID) (job.Job, error)
	GetByProviderTaskID(ctx context.Context, providerTaskID string) (job.Job, error)
	ListRunning(ctx context.Context, limit int) ([]job.Job, error)
	ListUndelivered(ctx context.Context, limit int) ([]job.Job, error)
}

// Dispatcher is the slice of the provider client the engine calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, modelID string, input map[string]any) (string, error)
	Poll(ctx context.Context, taskID string, category string) (provider.TaskStatus, error)
}

// Deliverer runs the delivery step for a finished job.
type Deliverer interface {
	Deliver(ctx context.Context, id job.ID) error
}

// Engine owns the submit/outcome/deliver control flow.
type Engine struct {
	jobs          Jobs
	dispatcher    Dispatcher
	deliverer     Deliverer
	pollInterval  time.Duration
	sweepInterval time.Duration
	batchSize     int
	logger        *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPollInterval overrides the running-job poll cadence.
func WithPollInterval(interval time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.pollInterval = interval
	}
}

// WithSweepInterval overrides the undelivered retry cadence.
func WithSweepInterval(interval time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.sweepInterval = interval
	}
}

// WithBatchSize overrides how many jobs one sweep touches.
func WithBatchSize(size int) EngineOption {
	return func(engine *Engine) {
		engine.batchSize = size
	}
}

// WithEngineLogger wires a zap logger; a nop logger is used otherwise.
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// NewEngine wires an Engine.
func NewEngine(jobs Jobs, dispatcher Dispatcher, deliverer Deliverer, options ...EngineOption) (*Engine, error) {
	if jobs == nil {
		return nil, fmt.Errorf("%w: jobs dependency is nil", ErrInvalidEngineConfig)
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher dependency is nil", ErrInvalidEngineConfig)
	}
	if deliverer == nil {
		return nil, fmt.Errorf("%w: deliverer dependency is nil", ErrInvalidEngineConfig)
	}
	engine := &Engine{
		jobs:          jobs,
		dispatcher:    dispatcher,
		deliverer:     deliverer,
		pollInterval:  defaultPollInterval,
		sweepInterval: defaultSweepInterval,
		batchSize:     defaultBatchSize,
		logger:        zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// Submit creates the job, holds its price, and dispatches it. The dispatch
// runs outside any store transaction: funds are already held, so a crash
// here is recovered by the reaper. A dispatch rejection applies the failed
// outcome, which releases the hold. Replayed submissions return the existing
// job untouched.
func (engine *Engine) Submit(ctx context.Context, params job.CreateParams) (job.Job, error) {
	record, err := engine.jobs.Create(ctx, params)
	if err != nil {
		return job.Job{}, err
	}
	if record.Status != job.StatusPending {
		return record, nil
	}
	input := map[string]any{}
	if record.InputParams != "" {
		if err := json.Unmarshal([]byte(record.InputParams), &input); err != nil {
			return record, engine.failDispatch(ctx, record, fmt.Errorf("input params are not a json object: %w", err))
		}
	}
	taskID, err := engine.dispatcher.Dispatch(ctx, record.ModelID, input)
	if err != nil {
		return record, engine.failDispatch(ctx, record, err)
	}
	if err := engine.jobs.AttachProviderTask(ctx, record.ID, taskID); err != nil {
		return record, err
	}
	return engine.jobs.GetByID(ctx, record.ID)
}

// HandleProviderOutcome routes one provider report, whether it arrived by
// push callback or poll. Non-terminal states are ignored; done triggers
// delivery, where the delivery lock absorbs a racing producer.
func (engine *Engine) HandleProviderOutcome(ctx context.Context, providerTaskID string, rawState string, resultURLs []string, errorText string) error {
	status := job.NormalizeProviderState(rawState)
	if !status.IsTerminal() {
		engine.logger.Debug("provider reported non-terminal state",
			zap.String("provider_task_id", providerTaskID),
			zap.String("state", rawState))
		return nil
	}
	outcome := job.Outcome{Status: status, ResultURLs: resultURLs, ErrorText: errorText}
	if status == job.StatusFailed && outcome.ErrorText == "" {
		outcome.ErrorText = "provider reported failure"
	}
	if err := engine.jobs.ApplyProviderOutcome(ctx, providerTaskID, outcome); err != nil {
		return err
	}
	if status != job.StatusDone {
		return nil
	}
	record, err := engine.jobs.GetByProviderTaskID(ctx, providerTaskID)
	if err != nil {
		if errors.Is(err, job.ErrUnknownJob) {
			// Orphan callback, already logged and dropped upstream.
			return nil
		}
		return err
	}
	if err := engine.deliverer.Deliver(ctx, record.ID); err != nil && !errors.Is(err, delivery.ErrAlreadyDeliveredOrInProgress) {
		return err
	}
	return nil
}

// PollRunningOnce polls every running job once and routes terminal reports.
func (engine *Engine) PollRunningOnce(ctx context.Context) error {
	running, err := engine.jobs.ListRunning(ctx, engine.batchSize)
	if err != nil {
		return err
	}
	for _, record := range running {
		if record.ProviderTaskID == "" {
			continue
		}
		status, err := engine.dispatcher.Poll(ctx, record.ProviderTaskID, record.Category)
		if err != nil {
			engine.logger.Warn("poll failed",
				zap.String("job_id", record.ID.String()),
				zap.String("provider_task_id", record.ProviderTaskID),
				zap.Error(err))
			continue
		}
		if err := engine.HandleProviderOutcome(ctx, record.ProviderTaskID, status.State, status.ResultURLs, status.ErrorText); err != nil {
			engine.logger.Error("poll outcome handling failed",
				zap.String("job_id", record.ID.String()),
				zap.Error(err))
		}
	}
	return nil
}

// RetryUndeliveredOnce re-runs delivery for done-but-undelivered jobs.
func (engine *Engine) RetryUndeliveredOnce(ctx context.Context) error {
	undelivered, err := engine.jobs.ListUndelivered(ctx, engine.batchSize)
	if err != nil {
		return err
	}
	for _, record := range undelivered {
		err := engine.deliverer.Deliver(ctx, record.ID)
		if err != nil && !errors.Is(err, delivery.ErrAlreadyDeliveredOrInProgress) {
			engine.logger.Warn("delivery retry failed",
				zap.String("job_id", record.ID.String()),
				zap.Error(err))
		}
	}
	return nil
}

// RunPoller polls running jobs on the configured interval until ctx is
// canceled.
func (engine *Engine) RunPoller(ctx context.Context) {
	engine.runLoop(ctx, "poller", engine.pollInterval, engine.PollRunningOnce)
}

// RunRetrySweep retries undelivered jobs on the configured interval until
// ctx is canceled.
func (engine *Engine) RunRetrySweep(ctx context.Context) {
	engine.runLoop(ctx, "retry sweep", engine.sweepInterval, engine.RetryUndeliveredOnce)
}

func (engine *Engine) runLoop(ctx context.Context, name string, interval time.Duration, step func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	engine.logger.Info("loop started",
		zap.String("loop", name),
		zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			engine.logger.Info("loop stopped", zap.String("loop", name))
			return
		case <-ticker.C:
			if err := step(ctx); err != nil {
				engine.logger.Error("loop step failed",
					zap.String("loop", name),
					zap.Error(err))
			}
		}
	}
}

func (engine *Engine) failDispatch(ctx context.Context, record job.Job, dispatchErr error) error {
	engine.logger.Error("dispatch failed",
		zap.String("job_id", record.ID.String()),
		zap.String("model_id", record.ModelID),
		zap.Error(dispatchErr))
	outcome := job.Outcome{Status: job.StatusFailed, ErrorText: dispatchErr.Error()}
	if err := engine.jobs.ApplyOutcome(ctx, record.ID, outcome); err != nil {
		return errors.Join(dispatchErr, err)
	}
	return dispatchErr
}
