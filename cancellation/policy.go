package cancellation

import (
	"time"

	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
)

// RetryPolicy bounds provider cancellation retries. Attempts count
// deliveries, so MaxAttempts=5 means one try plus four retries before the
// job is dead-lettered.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Worker maps the policy onto the go-job exponential backoff.
func (p RetryPolicy) Worker() worker.DefaultRetryPolicy {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return worker.DefaultRetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff: worker.BackoffConfig{
			Strategy:    worker.BackoffExponential,
			Interval:    base,
			MaxInterval: maxDelay,
		},
	}
}

// Decide implements worker.RetryPolicy. Terminal errors and the last
// attempt dead-letter; everything else retries after the backoff.
func (p RetryPolicy) Decide(attempt int, err error) queue.NackOptions {
	return p.Worker().Decide(attempt, err)
}

// Exhausted reports whether a nack ends the job.
func Exhausted(opts queue.NackOptions) bool {
	return opts.Disposition != queue.NackDispositionRetry
}

var _ worker.RetryPolicy = RetryPolicy{}
