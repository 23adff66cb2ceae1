package models

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrJobNotFound = errors.New("job not found")
	ErrRunNotFound = errors.New("run not found")
)

// ResourceLimitError is returned when a dispatch would exceed the
// configured ceiling of concurrently active jobs. No state is mutated;
// the caller may retry later.
type ResourceLimitError struct {
	Limit int
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("active job limit reached (%d)", e.Limit)
}

// IsResourceLimit reports whether err is a ResourceLimitError.
func IsResourceLimit(err error) bool {
	var rle *ResourceLimitError
	return errors.As(err, &rle)
}
