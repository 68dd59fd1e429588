package rules

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed rule content. Nothing is stored when it
// is returned.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid rule: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid rule: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func newValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// NotFoundError reports an unknown id.
type NotFoundError struct {
	Resource string // "rule" or "request"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}
