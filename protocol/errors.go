package protocol

import "fmt"

// StateError reports an attempt to move a session to a phase the current
// phase does not allow. The engine treats it as a protocol violation and
// terminates the offending session.
type StateError struct {
	From State
	To   State
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("illegal protocol transition from %s to %s", e.From, e.To)
}
