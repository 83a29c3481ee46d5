package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrDuplicateKey   = errors.New("duplicate job")
	ErrUnknownJobType = errors.New("unknown job type")
	ErrInvalidRequest = errors.New("invalid job request")
	ErrNotCancellable = errors.New("job cannot be cancelled")
)

// DuplicateKeyError is returned by Insert when a live job already holds
// the key or the execution id.
type DuplicateKeyError struct {
	Key         string
	ExecutionID string
}

func (e *DuplicateKeyError) Error() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("job with execution %s already exists", e.ExecutionID)
	}
	return fmt.Sprintf("job with key %s already exists", e.Key)
}

func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}
