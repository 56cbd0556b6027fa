package engine

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

type Backoff struct {
	Type       string
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// RetryPolicy bounds attempts of source, sink and quarantine writes. Only
// transient errors are retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: Backoff{
			Type:       BackoffExponential,
			Initial:    500 * time.Millisecond,
			Max:        10 * time.Second,
			Multiplier: 2,
		},
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1")
	}
	switch strings.ToLower(p.Backoff.Type) {
	case BackoffFixed:
	case BackoffExponential:
		if p.Backoff.Multiplier < 1 {
			return fmt.Errorf("exponential backoff multiplier must be >= 1")
		}
	default:
		return fmt.Errorf("backoff type must be fixed or exponential, got %q", p.Backoff.Type)
	}
	if p.Backoff.Initial < 0 || p.Backoff.Max < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	return nil
}

// delay returns the wait before retrying after the given failed attempt (1-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	initial := p.Backoff.Initial
	if initial < 0 {
		initial = 0
	}
	max := p.Backoff.Max
	if max < 0 {
		max = 0
	}

	switch strings.ToLower(p.Backoff.Type) {
	case BackoffExponential:
		backoff := float64(initial) * math.Pow(p.Backoff.Multiplier, float64(attempt-1))
		if max > 0 && backoff > float64(max) {
			return max
		}
		return time.Duration(backoff)
	default:
		if max > 0 && initial > max {
			return max
		}
		return initial
	}
}
