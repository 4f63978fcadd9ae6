package oracle

import (
	"context"
	"errors"

	"github.com/sunshow/workgear/conductor/internal/graph"
)

// Oracle is the external planning, execution and verification service. The
// engine treats it as opaque: results may be arbitrarily late and calls are
// never cancelled mid-flight.
type Oracle interface {
	GeneratePlan(ctx context.Context, req *PlanRequest) (*PlanResult, error)
	ExecuteStep(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error)
	VerifyOutput(ctx context.Context, req *VerifyRequest) (*VerifyResult, error)
	Replan(ctx context.Context, req *ReplanRequest) (*PlanResult, error)
}

// PlanRequest asks for an initial step graph for a goal.
type PlanRequest struct {
	Goal string
	// Image is an optional attachment (data URI or URL) describing the goal.
	Image string
}

// PlanResult is an ordered batch of steps. Ids are only unique within the
// batch; the engine re-namespaces replanned batches before splicing.
type PlanResult struct {
	Steps      []graph.Step
	TokensUsed int
}

// ExecuteRequest asks the oracle to perform one step.
type ExecuteRequest struct {
	Step       graph.Step
	PriorSteps []graph.Step
	Goal       string
}

// ExecuteResult is the outcome of a step execution.
type ExecuteResult struct {
	Output     string
	Reasoning  []string
	TokensUsed int
	Citations  []string
	ModelUsed  string
	// Confidence is the oracle's self-reported confidence in [0, 1].
	Confidence float64
}

// Rigor selects how strict a verification pass is.
type Rigor string

const (
	RigorStrict  Rigor = "strict"
	RigorRelaxed Rigor = "relaxed"
)

// VerifyRequest asks the oracle to check a step's output against the goal.
type VerifyRequest struct {
	Step   graph.Step
	Output string
	Goal   string
	Rigor  Rigor
}

// VerifyResult is the verdict on a step's output.
type VerifyResult struct {
	Passed     bool
	Reason     string
	TokensUsed int
}

// ReplanRequest asks for a replacement sub-graph after a failure.
type ReplanRequest struct {
	FailedStep  graph.Step
	AllSteps    []graph.Step
	ErrorReason string
	Goal        string
}

var (
	// ErrQuotaExceeded means the oracle refused the call for rate or billing
	// reasons. It is never retried.
	ErrQuotaExceeded = errors.New("oracle quota exceeded")
	// ErrMalformedOutput means the oracle answered with something that could
	// not be decoded into the expected shape.
	ErrMalformedOutput = errors.New("oracle returned malformed output")
)

// IsQuota reports whether err is a quota or rate limit error.
func IsQuota(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case IsQuota(err),
		errors.Is(err, ErrMalformedOutput),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
