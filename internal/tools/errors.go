package tools

import (
	"errors"
	"fmt"
)

// ErrInvalidArguments is returned when tool arguments are not a JSON
// object.
var ErrInvalidArguments = errors.New("invalid arguments")

// ErrToolUnavailable is returned when a call targets a tool that is not
// registered. It is a caller mistake, not a transient failure, and is
// not recorded as a turn.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
