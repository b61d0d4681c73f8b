package retry

import (
	"errors"
	"strings"
	"testing"
	"time"

	"order-pipeline/internal/models"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := NewPolicy(2*time.Second, 30*time.Second)

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Backoff(attempt)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %s < %s", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("backoff exceeded cap at attempt %d: %s", attempt, d)
		}
		prev = d
	}
	if got := p.Backoff(1); got != 4*time.Second {
		t.Fatalf("first retry delay = %s", got)
	}
	if got := p.Backoff(10); got != 30*time.Second {
		t.Fatalf("late retry delay should hit cap, got %s", got)
	}
}

func TestOnFailurePermanentError(t *testing.T) {
	p := NewPolicy(time.Second, time.Minute)
	env := models.Envelope{Kind: "charge_payment", Attempt: 0, MaxAttempts: 5}

	d := p.OnFailure(env, Permanent(errors.New("card declined")))
	if !d.Abandon {
		t.Fatal("permanent error should abandon immediately")
	}

	wrapped := errors.New("wrapped: " + Permanent(errors.New("x")).Error())
	d = p.OnFailure(env, wrapped)
	if d.Abandon {
		t.Fatal("plain error should not abandon on first attempt")
	}
}

func TestOnFailureKindClassifier(t *testing.T) {
	p := NewPolicy(time.Second, time.Minute)
	p.ClassifyKind("validate_order", func(err error) bool {
		return strings.Contains(err.Error(), "malformed")
	})

	env := models.Envelope{Kind: "validate_order", Attempt: 0, MaxAttempts: 5}
	if d := p.OnFailure(env, errors.New("malformed order")); !d.Abandon {
		t.Fatal("classified error should abandon")
	}
	if d := p.OnFailure(env, errors.New("timeout")); d.Abandon {
		t.Fatal("unclassified error should retry")
	}
}

func TestOnFailureAttemptExhaustion(t *testing.T) {
	p := NewPolicy(time.Second, time.Minute)
	err := errors.New("flaky")

	env := models.Envelope{Kind: "charge_payment", Attempt: 2, MaxAttempts: 3}
	d := p.OnFailure(env, err)
	if d.Abandon {
		t.Fatal("attempt within budget should retry")
	}
	if d.RetryAt.Before(time.Now()) {
		t.Fatal("retry time should be in the future")
	}
	if d.Delay != p.Backoff(3) {
		t.Fatalf("delay = %s, want %s", d.Delay, p.Backoff(3))
	}

	env.Attempt = 3
	if d := p.OnFailure(env, err); !d.Abandon {
		t.Fatal("exhausted attempts should abandon")
	}
}

func TestIsPermanentUnwraps(t *testing.T) {
	base := errors.New("boom")
	if !IsPermanent(Permanent(base)) {
		t.Fatal("marker not detected")
	}
	if !IsPermanent(wrapErr{Permanent(base)}) {
		t.Fatal("marker not detected through wrapping")
	}
	if IsPermanent(base) {
		t.Fatal("plain error misclassified")
	}
	if !errors.Is(Permanent(base), base) {
		t.Fatal("marker should unwrap to the cause")
	}
}

type wrapErr struct{ err error }

func (w wrapErr) Error() string { return w.err.Error() }
func (w wrapErr) Unwrap() error { return w.err }
