package pipeline

import (
	"fmt"

	"github.com/codefionn/umleitung/umleitung-srv/rules"
)

// HandlerExecutionError reports a handler that failed. Its effects were
// discarded and the remaining handlers still ran.
type HandlerExecutionError struct {
	RuleID string
	Index  int // position in the rule's handler list
	Type   rules.HandlerKind
	Cause  error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler %d (%s) of rule %s failed: %v", e.Index, e.Type, e.RuleID, e.Cause)
}

func (e *HandlerExecutionError) Unwrap() error {
	return e.Cause
}
