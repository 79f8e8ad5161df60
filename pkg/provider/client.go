package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// TaskStatus is the provider's view of one task. State carries the provider's
// raw vocabulary; callers normalize it onto their own lifecycle.
type TaskStatus struct {
	TaskID     string
	State      string
	ResultURLs []string
	ErrorText  string
}

// Transport performs the actual provider calls. Implementations return the
// typed errors from this package so the client can classify them.
type Transport interface {
	// CreateTask submits a generation request and returns the provider task id.
	CreateTask(ctx context.Context, modelID string, input map[string]any) (string, error)

	// TaskInfo fetches the current status of a task.
	TaskInfo(ctx context.Context, taskID string) (TaskStatus, error)
}

// Client wraps a Transport with catalog pre-flight validation, category
// deadlines, retry with backoff, and an optional circuit breaker.
type Client struct {
	transport Transport
	catalog   *Catalog
	breaker   *Breaker
	policy    RetryPolicy
	logger    *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBreaker wires a circuit breaker; calls bypass breaker checks otherwise.
func WithBreaker(breaker *Breaker) ClientOption {
	return func(client *Client) {
		client.breaker = breaker
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(client *Client) {
		client.policy = policy
	}
}

// WithClientLogger wires a zap logger; a nop logger is used otherwise.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient wires a Client.
func NewClient(transport Transport, catalog *Catalog, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport dependency is nil", ErrInvalidClientConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidClientConfig)
	}
	client := &Client{
		transport: transport,
		catalog:   catalog,
		policy:    DefaultRetryPolicy(),
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// Breaker exposes the circuit breaker so delivery can short-circuit on it.
// Nil when none is wired.
func (client *Client) Breaker() *Breaker {
	return client.breaker
}

// Dispatch validates the request against the catalog and submits it under the
// category deadline. Validation failures never reach the transport.
func (client *Client) Dispatch(ctx context.Context, modelID string, input map[string]any) (string, error) {
	if err := client.catalog.ValidateInput(modelID, input); err != nil {
		return "", err
	}
	model, _ := client.catalog.Lookup(modelID)
	ctx, cancel := context.WithTimeout(ctx, CategoryDeadline(model.Category))
	defer cancel()
	var taskID string
	err := client.call(ctx, "dispatch", func(ctx context.Context) error {
		created, err := client.transport.CreateTask(ctx, modelID, input)
		if err != nil {
			return err
		}
		taskID = created
		return nil
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// Poll fetches task status under the category deadline.
func (client *Client) Poll(ctx context.Context, taskID string, category string) (TaskStatus, error) {
	if taskID == "" {
		return TaskStatus{}, fmt.Errorf("%w: empty task id", ErrValidation)
	}
	ctx, cancel := context.WithTimeout(ctx, CategoryDeadline(category))
	defer cancel()
	var status TaskStatus
	err := client.call(ctx, "poll", func(ctx context.Context) error {
		fetched, err := client.transport.TaskInfo(ctx, taskID)
		if err != nil {
			return err
		}
		status = fetched
		return nil
	})
	if err != nil {
		return TaskStatus{}, err
	}
	return status, nil
}

// call runs one transport operation under the retry policy. The breaker is
// consulted before every attempt, so a circuit opening mid-retry cuts the
// loop short. Client errors are final on first sight.
func (client *Client) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempts := client.policy.attempts()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if client.breaker != nil {
			if err := client.breaker.Allow(); err != nil {
				return err
			}
		}
		err := fn(ctx)
		if err == nil {
			if client.breaker != nil {
				client.breaker.OnSuccess()
			}
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if client.breaker != nil {
			client.breaker.OnFailure()
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		delay := client.policy.Delay(attempt, err)
		client.logger.Warn("provider call failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}
