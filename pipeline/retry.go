package pipeline

import (
	"context"
	"fmt"
)

type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeExhausted OutcomeKind = "exhausted"
	OutcomeHalted    OutcomeKind = "halted"
)

// Outcome is the typed result of a bounded retry run. Err holds the last
// attempt's error for exhausted and halted runs.
type Outcome struct {
	Kind     OutcomeKind
	Attempts int
	Err      error
}

func (o Outcome) Succeeded() bool { return o.Kind == OutcomeSucceeded }

func (o Outcome) Exhausted() bool { return o.Kind == OutcomeExhausted }

// RetryPolicy runs an operation up to MaxAttempts times back to back. Halt
// stops early on errors that another attempt cannot change.
type RetryPolicy struct {
	MaxAttempts int
	Halt        func(error) bool
}

func (p RetryPolicy) Run(ctx context.Context, op func(ctx context.Context, attempt int) error) Outcome {
	if op == nil {
		return Outcome{Kind: OutcomeHalted, Err: fmt.Errorf("pipeline: retry operation is required")}
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return Outcome{Kind: OutcomeSucceeded, Attempts: attempt}
		}
		if p.Halt != nil && p.Halt(lastErr) {
			return Outcome{Kind: OutcomeHalted, Attempts: attempt, Err: lastErr}
		}
	}
	return Outcome{Kind: OutcomeExhausted, Attempts: maxAttempts, Err: lastErr}
}
