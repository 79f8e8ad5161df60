package job

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ID identifies a generation job.
type ID struct {
	value string
}

// NewID validates and normalizes a job id.
func NewID(raw string) (ID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ID{}, fmt.Errorf("%w: empty value", ErrInvalidJobID)
	}
	return ID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ID) String() string {
	return id.value
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusRunning, StatusDone, StatusFailed, StatusCanceled:
		return Status(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// String returns the stored representation.
func (status Status) String() string {
	return string(status)
}

// IsTerminal reports whether no further status transitions are allowed.
func (status Status) IsTerminal() bool {
	switch status {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// NormalizeProviderState maps the provider's state vocabulary onto job
// statuses. Providers report success as any of success/done/completed and
// failure as failed/error/fail; canceled keeps its own terminal state.
// Unknown states are treated as still running.
func NormalizeProviderState(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "done", "completed":
		return StatusDone
	case "failed", "error", "fail":
		return StatusFailed
	case "canceled", "cancelled":
		return StatusCanceled
	default:
		return StatusRunning
	}
}

// Job is one generation request from creation to terminal state. DeliveredAt
// is orthogonal to Status: a job can be done but not yet delivered. LockedBy
// and LockedUntil form the time-bounded delivery lock.
type Job struct {
	ID              ID
	UserID          string
	ModelID         string
	Category        string
	InputParams     string
	PriceCents      int64
	Status          Status
	ProviderTaskID  string
	ResultURLs      []string
	ErrorText       string
	IdempotencyKey  string
	ChatTarget      int64
	CreatedUnixUTC  int64
	UpdatedUnixUTC  int64
	FinishedUnixUTC int64
	DeliveredUnixUTC int64
	LockedBy        string
	LockedUntilUnixUTC int64
}

// Delivered reports whether the job result reached the user.
func (job Job) Delivered() bool {
	return job.DeliveredUnixUTC != 0
}

// CreateParams carries the caller inputs for a new job.
type CreateParams struct {
	UserID         string
	ModelID        string
	Category       string
	InputParams    string
	PriceCents     int64
	IdempotencyKey string
	ChatTarget     int64
}

// Validate rejects malformed create inputs before any money moves.
func (params CreateParams) Validate() error {
	if strings.TrimSpace(params.UserID) == "" {
		return fmt.Errorf("%w: empty user id", ErrValidation)
	}
	if strings.TrimSpace(params.ModelID) == "" {
		return fmt.Errorf("%w: empty model id", ErrValidation)
	}
	if strings.TrimSpace(params.Category) == "" {
		return fmt.Errorf("%w: empty category", ErrValidation)
	}
	if params.PriceCents < 0 {
		return fmt.Errorf("%w: negative price %d", ErrValidation, params.PriceCents)
	}
	if strings.TrimSpace(params.IdempotencyKey) == "" {
		return fmt.Errorf("%w: empty idempotency key", ErrValidation)
	}
	if params.ChatTarget <= 0 {
		return fmt.Errorf("%w: chat target must be positive", ErrValidation)
	}
	if params.InputParams != "" && !json.Valid([]byte(params.InputParams)) {
		return fmt.Errorf("%w: input params are not a json document", ErrValidation)
	}
	return nil
}

// Outcome is a provider-reported result applied to a running job.
type Outcome struct {
	Status     Status
	ResultURLs []string
	ErrorText  string
}
