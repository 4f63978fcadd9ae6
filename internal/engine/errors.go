package engine

import "errors"

var (
	// ErrWorkflowActive is returned when a workflow is started while another
	// one is still planning or executing.
	ErrWorkflowActive = errors.New("a workflow is already active")
	// ErrNoWorkflow is returned by operations that need a current workflow.
	ErrNoWorkflow = errors.New("no workflow")
	// ErrUnknownStep is returned when a step id does not exist.
	ErrUnknownStep = errors.New("unknown step")
	// ErrNotAwaitingApproval is returned by Approve and Reject for a step that
	// is not waiting at the approval gate. It makes both idempotent.
	ErrNotAwaitingApproval = errors.New("step is not awaiting approval")
	// ErrStepSettled is returned when a step is already COMPLETED or FAILED.
	ErrStepSettled = errors.New("step already settled")
	// ErrNoAgents is returned when the engine is built with an empty registry.
	ErrNoAgents = errors.New("agent registry is empty")
	// ErrWorkflowReset is returned when a workflow is reset while it is still
	// being planned.
	ErrWorkflowReset = errors.New("workflow was reset")
)
