package sparql

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout marks a query that exceeded its execution deadline. Callers
// present different guidance for timeouts (narrow the query scope) than for
// hard endpoint errors, so the kind must survive wrapping.
var ErrTimeout = errors.New("query timed out")

// ErrNoUpstreamData marks a step whose placeholder resolution found zero
// bindings in the upstream result. The step fails before any query is
// dispatched so the endpoint never sees a degenerate empty VALUES clause.
var ErrNoUpstreamData = errors.New("no upstream data for placeholder")

// QueryError is an endpoint-reported query failure: a syntax or semantic
// rejection, carrying the identity of the endpoint that rejected it.
type QueryError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *QueryError) Error() string {
	msg := e.Message
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return fmt.Sprintf("endpoint %s rejected query (status %d): %s", e.Endpoint, e.Status, msg)
}

// Repairable reports whether the failure looks like a malformed query that
// a constrained rewrite pass could fix, as opposed to auth or server faults.
func (e *QueryError) Repairable() bool {
	if e.Status == 400 {
		return true
	}
	lower := strings.ToLower(e.Message)
	return strings.Contains(lower, "malformed") ||
		strings.Contains(lower, "syntax") ||
		strings.Contains(lower, "parse")
}

// MissingSlotError is a compilation failure: the intent lacks required
// slots. This is a build-time error for the step, never a dispatched query.
type MissingSlotError struct {
	Task  string
	Slots []string
}

func (e *MissingSlotError) Error() string {
	return fmt.Sprintf("task %s: missing required slots: %s", e.Task, strings.Join(e.Slots, ", "))
}

// UnresolvedPlaceholderError is a compilation failure: a step placeholder
// token reached the compiler without being substituted. This indicates a
// defect in plan construction or execution ordering.
type UnresolvedPlaceholderError struct {
	Token string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("unresolved placeholder %s reached the compiler", e.Token)
}
