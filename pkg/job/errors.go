package job

import "errors"

// Domain-level error values returned by the job service.
var (
	ErrValidation              = errors.New("invalid job input")
	ErrInvalidJobID            = errors.New("invalid job id")
	ErrInvalidStatus           = errors.New("invalid job status")
	ErrUnknownJob              = errors.New("unknown job")
	ErrUnknownUser             = errors.New("unknown user")
	ErrTerminalState           = errors.New("job already in terminal state")
	ErrDuplicateIdempotencyKey = errors.New("duplicate job idempotency key")
	ErrInvalidServiceConfig    = errors.New("invalid job service config")
)
