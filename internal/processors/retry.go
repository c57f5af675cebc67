package processors

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/eventcore/internal/model"
)

// Default retry policy values.
const (
	DefaultInitialRetry = time.Second
	DefaultMaxRetry     = 5 * time.Minute
	DefaultMultiplier   = 2.0
)

// maxBackOffSteps bounds the interval computation; the interval is capped
// at Max long before this.
const maxBackOffSteps = 64

// RetryPolicy maps handler errors to processing results.
//
// A nil error succeeds. An error wrapping *backoff.PermanentError fails
// permanently. Any other error is retryable after an exponentially growing
// timeout: Initial for the first failure, multiplied by Multiplier for each
// further attempt and capped at Max.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:    DefaultInitialRetry,
		Max:        DefaultMaxRetry,
		Multiplier: DefaultMultiplier,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Initial <= 0 {
		p.Initial = DefaultInitialRetry
	}
	if p.Max <= 0 {
		p.Max = DefaultMaxRetry
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// Timeout returns the retry timeout after a failure, given the number of
// attempts that already failed before it.
func (p RetryPolicy) Timeout(attempts uint32) time.Duration {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.Initial),
		backoff.WithMaxInterval(p.Max),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)

	steps := int(attempts)
	if steps > maxBackOffSteps {
		steps = maxBackOffSteps
	}
	timeout := b.NextBackOff()
	for range steps {
		timeout = b.NextBackOff()
	}
	return timeout
}

// Result converts a handler error into a processing result.
func (p RetryPolicy) Result(err error, attempts uint32) model.ProcessingResult {
	if err == nil {
		return model.Succeeded()
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return model.Fail(err.Error())
	}
	return model.RetryAfter(err.Error(), p.Timeout(attempts))
}

// Permanent marks err as a permanent failure.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
