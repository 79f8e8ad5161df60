package provider

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks a request rejected before any transport call.
	ErrValidation = errors.New("provider request validation failed")

	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("provider circuit open")

	// ErrInvalidClientConfig marks a client constructed with bad dependencies.
	ErrInvalidClientConfig = errors.New("invalid provider client configuration")
)

// ClientError is a 4xx-class rejection. The request is wrong, so it is never
// retried.
type ClientError struct {
	Status  int
	Message string
}

func (clientError *ClientError) Error() string {
	return fmt.Sprintf("provider rejected request: status %d: %s", clientError.Status, clientError.Message)
}

// ServerError is a 5xx-class failure on the provider side, retried with
// backoff.
type ServerError struct {
	Status  int
	Message string
}

func (serverError *ServerError) Error() string {
	return fmt.Sprintf("provider server error: status %d: %s", serverError.Status, serverError.Message)
}

// RateLimitError reports throttling. RetryAfter is zero when the provider did
// not name a wait.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (rateLimitError *RateLimitError) Error() string {
	if rateLimitError.RetryAfter > 0 {
		return fmt.Sprintf("provider rate limited: retry after %s: %s", rateLimitError.RetryAfter, rateLimitError.Message)
	}
	return fmt.Sprintf("provider rate limited: %s", rateLimitError.Message)
}

// NetworkError wraps a transport-level failure below the HTTP layer.
type NetworkError struct {
	Err error
}

func (networkError *NetworkError) Error() string {
	return fmt.Sprintf("provider unreachable: %v", networkError.Err)
}

func (networkError *NetworkError) Unwrap() error {
	return networkError.Err
}

// Retryable reports whether another attempt can change the result. Client
// errors and validation failures are final.
func Retryable(err error) bool {
	var serverError *ServerError
	if errors.As(err, &serverError) {
		return true
	}
	var rateLimitError *RateLimitError
	if errors.As(err, &rateLimitError) {
		return true
	}
	var networkError *NetworkError
	return errors.As(err, &networkError)
}
