package dynstate

import (
	"errors"
	"fmt"
)

var (
	// ErrTableFull is returned when the global entry cap is reached and
	// reaping expired entries freed nothing.
	ErrTableFull = errors.New("dynamic state table full")

	// ErrLimitExceeded is matched by every *LimitError.
	ErrLimitExceeded = errors.New("too many concurrent sessions for rule")

	// ErrClosed is returned by Install after Close.
	ErrClosed = errors.New("dynamic state table closed")
)

// LimitError reports which limit rule refused a new session.
type LimitError struct {
	Rule  RuleRef
	Limit uint32
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rule %s: too many concurrent sessions (limit %d)", e.Rule, e.Limit)
}

// Is makes errors.Is(err, ErrLimitExceeded) hold.
func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}
