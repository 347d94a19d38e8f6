package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoResponse means no response is available for an intercepted request.
	// The caller must treat it as a failed load.
	ErrNoResponse = errors.New("no response available")

	// ErrStore wraps failures of the underlying cache provider.
	// Such failures are never fatal for a request.
	ErrStore = errors.New("cache store operation failed")
)

// SeedError lists the seed paths that could not be stored during install.
type SeedError struct {
	Failed map[string]error
}

func (e *SeedError) Error() string {
	paths := make([]string, 0, len(e.Failed))
	for path := range e.Failed {
		paths = append(paths, path)
	}
	return fmt.Sprintf("seeding incomplete, %d entries failed: %s", len(e.Failed), strings.Join(paths, ", "))
}

func (e *SeedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
