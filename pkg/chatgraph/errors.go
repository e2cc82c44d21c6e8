package chatgraph

import "fmt"

// GraphInvariantError reports a mutation that would break the conversation
// graph's structural rules. These are defensive: the blessed operations are
// the only mutation path, so an invariant error indicates a caller bug rather
// than a user-recoverable condition.
type GraphInvariantError struct {
	Op     string
	Reason string
}

func (e *GraphInvariantError) Error() string {
	return fmt.Sprintf("graph invariant violated in %s: %s", e.Op, e.Reason)
}
