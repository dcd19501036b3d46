package bpmn

import (
	"errors"
	"fmt"
)

// ParseError reports a malformed or unsupported process definition. It
// always names the offending element; a definition that fails to parse
// never yields a partial graph.
type ParseError struct {
	Element string
	Msg     string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error in element %q: %s: %s", e.Element, e.Msg, e.Err)
	}
	return fmt.Sprintf("parse error in element %q: %s", e.Element, e.Msg)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NoApplicableFlowError is raised by an exclusive gateway when no
// condition matched and no default flow is declared.
type NoApplicableFlowError struct {
	NodeId string
}

func (e *NoApplicableFlowError) Error() string {
	return fmt.Sprintf("no matching condition and no default flow at gateway %q", e.NodeId)
}

// ExecutionError wraps a node behavior's failure. It fails the instance;
// the node id and cause are retained for diagnostics.
type ExecutionError struct {
	NodeId string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed at node %q: %s", e.NodeId, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ContentionError marks a transient store failure or lost claim race.
// It is not fatal to the instance; the dispatcher retries on the next
// tick.
type ContentionError struct {
	Err error
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("store contention: %s", e.Err)
}

func (e *ContentionError) Unwrap() error {
	return e.Err
}

// IsContention reports whether err is retryable store contention rather
// than a fatal failure.
func IsContention(err error) bool {
	var ce *ContentionError
	return errors.As(err, &ce)
}

func newExecutionError(nodeId string, format string, a ...any) *ExecutionError {
	return &ExecutionError{NodeId: nodeId, Err: fmt.Errorf(format, a...)}
}
