package worker

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines executor-side retry behavior. The engine itself
// never retries a task; an executor applies its policy before reporting a
// terminal outcome.
type RetryPolicy struct {
	MaxRetries     int           `json:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	BackoffFactor  float64       `json:"backoff_factor"`
	EnableJitter   bool          `json:"enable_jitter"`
	JitterFactor   float64       `json:"jitter_factor"` // Percentage of jitter (0.0 to 1.0)
}

// NewDefaultRetryPolicy creates a retry policy with sensible defaults
func NewDefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		EnableJitter:   true,
		JitterFactor:   0.3, // 30% jitter
	}
}

// BackoffDuration calculates the backoff duration for a given attempt count
func (p *RetryPolicy) BackoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := time.Duration(float64(p.InitialBackoff) * math.Pow(p.BackoffFactor, float64(attempt-1)))
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}

	// Jitter prevents synchronized retry storms across workers.
	if p.EnableJitter {
		jitter := rand.Float64() * p.JitterFactor
		backoff = time.Duration(float64(backoff) * (1 + jitter))
	}

	return backoff
}

// Run invokes fn up to MaxRetries+1 times with exponential backoff,
// heartbeating across backoff sleeps so the supervisor does not mistake
// a retrying executor for a hung one. It returns the last error if every
// attempt fails, or nil on the first success.
func (p *RetryPolicy) Run(ctx context.Context, heartbeat func(), fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.BackoffDuration(attempt)):
			}
		}
		if heartbeat != nil {
			heartbeat()
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
