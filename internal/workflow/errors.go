package workflow

import "fmt"

// ConnectionError means the protocol session could not be established or
// verified. Fatal to the run; no later phase executes.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DiscoveryError means the tool catalog could not be retrieved. Fatal.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery error: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// InferenceError means an LLM call failed or returned unusable output.
// Fatal in both the selection and synthesis phases.
type InferenceError struct {
	Phase string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference error (%s): %v", e.Phase, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// ToolCallError means a single tool invocation failed. Recoverable: the
// orchestrator records it as an error result and forwards it to synthesis
// instead of failing the run.
type ToolCallError struct {
	Tool string
	Err  error
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("tool call error (%s): %v", e.Tool, e.Err)
}

func (e *ToolCallError) Unwrap() error { return e.Err }

// ExecutionError means the protocol collaborator became unreachable during
// the execution phase. Unlike ToolCallError it is fatal to the run.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CancelledError means the caller aborted the run mid-phase.
type CancelledError struct {
	Phase string
	Err   error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("run cancelled during %s: %v", e.Phase, e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }
