package framework

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// StepFunc is the unit of work a node performs. It reads the merged state
// and returns a partial update; it must not mutate st.
type StepFunc func(ctx context.Context, st State) (Update, error)

// RetryPolicy bounds how often a step is attempted.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"attempts" json:"attempts"`
	Backoff     time.Duration `yaml:"backoff" json:"backoff"`
}

// DefaultRetryPolicy runs a step once.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 1, Backoff: time.Second}

// MaxBackoff caps the wait between attempts.
const MaxBackoff = 10 * time.Minute

// Delay returns the wait before the attempt following attempt n (1-based):
// Backoff * 2^(n-1), capped at MaxBackoff.
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.Backoff
	for i := 1; i < n && d > 0 && d < MaxBackoff; i++ {
		d *= 2
	}
	return min(d, MaxBackoff)
}

// Fail builds the update a failed node contributes: one error record and nothing else.
func Fail(node string, err error) Update {
	u := Update{}
	Errors.Set(u, []ErrorRecord{{Node: node, Message: err.Error(), Timestamp: time.Now().UTC()}})
	return u
}

// sleep is swapped by tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry wraps step so that raised errors are retried up to p.MaxAttempts
// times. The returned StepFunc never returns an error: exhaustion becomes a
// single ErrorRecord naming node. PrerequisiteError and context
// cancellation end the attempts early.
func Retry(node string, p RetryPolicy, step StepFunc) StepFunc {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return func(ctx context.Context, st State) (Update, error) {
		var lastErr error
		attempts := 0
		for attempts < p.MaxAttempts {
			attempts++
			u, err := step(ctx, st)
			if err == nil {
				return u, nil
			}
			lastErr = err

			var pe *PrerequisiteError
			if errors.As(err, &pe) || ctx.Err() != nil {
				break
			}
			if attempts == p.MaxAttempts {
				break
			}
			wait := p.Delay(attempts)
			slog.Default().Debug("retrying step",
				slog.String("node", node),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()))
			if err := sleep(ctx, wait); err != nil {
				break
			}
		}
		exhausted := &NodeExhaustedError{Node: node, Attempts: attempts, Err: lastErr}
		slog.Default().Warn("step failed", slog.String("node", node), slog.String("error", exhausted.Error()))
		return Fail(node, lastErr), nil
	}
}
