package retry

import (
	"errors"
	"time"

	"order-pipeline/internal/models"
)

// PermanentError marks a task failure that must never be retried, such as a
// payload that can never validate. The retry policy abandons the envelope
// immediately regardless of remaining attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Classifier decides whether an error of a given task kind is permanent.
type Classifier func(err error) bool

// Decision is the policy's verdict for one failure.
type Decision struct {
	Abandon bool
	// RetryAt is the earliest eligible dequeue time for the re-enqueued
	// envelope. Only meaningful when Abandon is false.
	RetryAt time.Time
	Delay   time.Duration
}

// Policy computes retry decisions: exponential backoff doubling per attempt,
// capped at MaxDelay. The delay sequence is deterministic so it is
// monotonically non-decreasing across consecutive attempts.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// PerKind classifies certain error categories of a kind as permanent on
	// top of the PermanentError marker.
	PerKind map[string]Classifier
}

// NewPolicy builds a policy with the given backoff bounds.
func NewPolicy(base, max time.Duration) *Policy {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Policy{BaseDelay: base, MaxDelay: max, PerKind: make(map[string]Classifier)}
}

// ClassifyKind installs a permanent-error classifier for one task kind.
func (p *Policy) ClassifyKind(kind string, c Classifier) {
	p.PerKind[kind] = c
}

// Backoff returns the delay before the given attempt (1-based) runs again.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// OnFailure decides what happens to a failed envelope: abandon when the error
// is permanent for its kind or attempts are exhausted, otherwise re-enqueue
// after the backoff delay. The envelope's attempt counter is expected to hold
// the count before this failure.
func (p *Policy) OnFailure(env models.Envelope, err error) Decision {
	if IsPermanent(err) {
		return Decision{Abandon: true}
	}
	if c, ok := p.PerKind[env.Kind]; ok && c != nil && c(err) {
		return Decision{Abandon: true}
	}
	next := env.Attempt + 1
	if next > env.MaxAttempts {
		return Decision{Abandon: true}
	}
	delay := p.Backoff(next)
	return Decision{RetryAt: time.Now().Add(delay), Delay: delay}
}
