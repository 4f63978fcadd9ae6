package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// VerifyOnError decides the verdict when verification itself cannot be
// obtained.
type VerifyOnError string

const (
	// VerifyPass treats an unreachable verifier as a pass.
	VerifyPass VerifyOnError = "pass"
	// VerifyFail treats an unreachable verifier as a rejection.
	VerifyFail VerifyOnError = "fail"
)

// RetryPolicy bounds the exponential backoff applied to transient errors.
type RetryPolicy struct {
	MaxAttempts uint
	Initial     time.Duration
	MaxInterval time.Duration
}

// DefaultRetryPolicy is used for zero-valued fields.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Initial:     500 * time.Millisecond,
	MaxInterval: 10 * time.Second,
}

// ResilientOptions configures a Resilient oracle.
type ResilientOptions struct {
	Retry RetryPolicy
	// Fallback, when set, answers plan generation after the primary fails.
	Fallback      Oracle
	VerifyOnError VerifyOnError
}

// Resilient wraps an oracle with retries, plan fallback and verification
// degradation.
type Resilient struct {
	inner    Oracle
	fallback Oracle
	policy   RetryPolicy
	onVerify VerifyOnError
	logger   *zap.SugaredLogger
}

// NewResilient wraps inner.
func NewResilient(inner Oracle, opts ResilientOptions, logger *zap.SugaredLogger) *Resilient {
	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.Initial <= 0 {
		policy.Initial = DefaultRetryPolicy.Initial
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	onVerify := opts.VerifyOnError
	if onVerify == "" {
		onVerify = VerifyPass
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Resilient{
		inner:    inner,
		fallback: opts.Fallback,
		policy:   policy,
		onVerify: onVerify,
		logger:   logger,
	}
}

func retry[T any](ctx context.Context, r *Resilient, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.Initial
	b.MaxInterval = r.policy.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warnw("Oracle call failed, retrying",
				"op", op,
				"retry_in", next,
				"error", err,
			)
		}),
	)
}

// GeneratePlan retries transient errors and then falls back to the offline
// oracle if one is configured.
func (r *Resilient) GeneratePlan(ctx context.Context, req *PlanRequest) (*PlanResult, error) {
	res, err := retry(ctx, r, "generate_plan", func() (*PlanResult, error) {
		return r.inner.GeneratePlan(ctx, req)
	})
	if err == nil && (res == nil || len(res.Steps) == 0) {
		err = fmt.Errorf("empty plan: %w", ErrMalformedOutput)
	}
	if err == nil {
		return res, nil
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("generate plan: %w", err)
	}
	r.logger.Warnw("Plan generation failed, using fallback oracle",
		"quota", IsQuota(err),
		"error", err,
	)
	res, ferr := r.fallback.GeneratePlan(ctx, req)
	if ferr != nil {
		return nil, fmt.Errorf("fallback plan: %w", ferr)
	}
	return res, nil
}

// ExecuteStep retries transient errors.
func (r *Resilient) ExecuteStep(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	res, err := retry(ctx, r, "execute_step", func() (*ExecuteResult, error) {
		return r.inner.ExecuteStep(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("execute step %s: %w", req.Step.ID, err)
	}
	if res == nil {
		return nil, fmt.Errorf("execute step %s: %w", req.Step.ID, ErrMalformedOutput)
	}
	return res, nil
}

// VerifyOutput retries transient errors. If no verdict can be obtained the
// configured VerifyOnError policy decides; it never returns an error.
func (r *Resilient) VerifyOutput(ctx context.Context, req *VerifyRequest) (*VerifyResult, error) {
	res, err := retry(ctx, r, "verify_output", func() (*VerifyResult, error) {
		return r.inner.VerifyOutput(ctx, req)
	})
	if err == nil && res != nil {
		return res, nil
	}
	if err == nil {
		err = ErrMalformedOutput
	}
	passed := r.onVerify == VerifyPass
	r.logger.Warnw("Verification unavailable",
		"step_id", req.Step.ID,
		"policy", r.onVerify,
		"error", err,
	)
	return &VerifyResult{
		Passed: passed,
		Reason: fmt.Sprintf("verification unavailable (%s): %v", r.onVerify, err),
	}, nil
}

// Replan retries transient errors. A replan failure is returned as is; the
// engine treats it as unrecoverable.
func (r *Resilient) Replan(ctx context.Context, req *ReplanRequest) (*PlanResult, error) {
	res, err := retry(ctx, r, "replan", func() (*PlanResult, error) {
		return r.inner.Replan(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("replan %s: %w", req.FailedStep.ID, err)
	}
	if res == nil {
		return nil, fmt.Errorf("replan %s: %w", req.FailedStep.ID, ErrMalformedOutput)
	}
	return res, nil
}
