package delivery

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyDeliveredOrInProgress is returned to losers of the delivery
	// lock and to callers re-delivering a delivered job.
	ErrAlreadyDeliveredOrInProgress = errors.New("delivery already done or in progress")

	// ErrNoDeliverableResult marks a done job whose result references are all
	// unusable.
	ErrNoDeliverableResult = errors.New("no deliverable result reference")

	// ErrAttemptsExhausted is returned when every send attempt failed. The job
	// stays done and undelivered for a later retry.
	ErrAttemptsExhausted = errors.New("delivery attempts exhausted")

	// ErrInvalidCoordinatorConfig marks a coordinator built with bad
	// dependencies.
	ErrInvalidCoordinatorConfig = errors.New("invalid delivery coordinator configuration")
)

// TransportError is a failed send that the next tier or a later attempt may
// recover from. RetryAfter carries a server-mandated wait, zero when none was
// named.
type TransportError struct {
	RetryAfter time.Duration
	Err        error
}

func (transportError *TransportError) Error() string {
	if transportError.RetryAfter > 0 {
		return fmt.Sprintf("send failed, retry after %s: %v", transportError.RetryAfter, transportError.Err)
	}
	return fmt.Sprintf("send failed: %v", transportError.Err)
}

func (transportError *TransportError) Unwrap() error {
	return transportError.Err
}
