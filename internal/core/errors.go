package core

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Concrete errors wrap one of these.
var (
	// ErrAuth means bad credentials or a repeated 401
	ErrAuth = errors.New("authentication failed")
	// ErrRateLimited means 429 responses outlasted the retry budget
	ErrRateLimited = errors.New("rate limited by remote API")
	// ErrTransientNetwork covers timeouts, connection failures and 5xx responses
	ErrTransientNetwork = errors.New("transient network error")
	// ErrRemote covers any other non-success answer from the remote API
	ErrRemote = errors.New("remote API error")
	// ErrValidation means a request was outside accepted bounds
	ErrValidation = errors.New("validation error")
	// ErrPartialCommand means a composite command stopped part way
	ErrPartialCommand = errors.New("composite command aborted")
)

// CommandError reports the step at which a composite command stopped
type CommandError struct {
	Target TargetMode
	Index  int
	Step   string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s step %d (%s): %v", ErrPartialCommand, e.Target, e.Index, e.Step, e.Err)
}

// Unwrap exposes both the partial-command sentinel and the step's own error
func (e *CommandError) Unwrap() []error {
	return []error{ErrPartialCommand, e.Err}
}
