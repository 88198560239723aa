package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultMaxAttempts bounds retries of a mutation the service keeps failing.
	DefaultMaxAttempts     = 8
	defaultInitialInterval = 2 * time.Second
	defaultMaxInterval     = 5 * time.Minute
	defaultMultiplier      = 2.0
)

// Trigger names what started a flush pass.
type Trigger string

const (
	TriggerReconnect Trigger = "reconnect"
	TriggerVisible   Trigger = "visible"
	TriggerWrite     Trigger = "write"
	TriggerTimer     Trigger = "timer"
	TriggerManual    Trigger = "manual"
)

// honorsBackoff reports whether entries still cooling down after a failure are skipped. Only the
// periodic timer waits; user-driven triggers retry at once.
func (t Trigger) honorsBackoff() bool {
	return t == TriggerTimer
}

// RetryPolicy decides when a failed mutation may be retried and when it is abandoned.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy waits 2s after the first failure, doubling up to 5m, and gives up after
// DefaultMaxAttempts service failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
		Multiplier:      defaultMultiplier,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaults.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaults.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaults.Multiplier
	}
	return p
}

// Delay returns how long a mutation that failed attempts times waits before its next send.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	schedule.Reset()
	var delay time.Duration
	for attempt := 0; attempt < attempts; attempt++ {
		delay = schedule.NextBackOff()
		if delay >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	return delay
}

// Exhausted reports whether a mutation has used up its attempts.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
