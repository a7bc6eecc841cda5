package connection

import "time"

// BackoffConfig defines the delay before each reconnect attempt. A Multiplier
// of 1 or less keeps every delay at InitialDelay.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// FixedBackoff retries at a constant interval.
func FixedBackoff(d time.Duration) BackoffConfig {
	return BackoffConfig{InitialDelay: d, Multiplier: 1}
}

// Delay returns the wait before reconnect attempt n, counted from 1. With
// Jitter the delay is spread over [d/2, 3d/2) using rnd, which yields [0, 1).
func (b BackoffConfig) Delay(attempt int, rnd func() float64) time.Duration {
	d := b.InitialDelay
	if d <= 0 {
		return 0
	}
	capped := func(d time.Duration) bool { return b.MaxDelay > 0 && d >= b.MaxDelay }

	if b.Multiplier > 1 {
		for n := 1; n < attempt && !capped(d); n++ {
			d = time.Duration(float64(d) * b.Multiplier)
		}
	}
	if capped(d) {
		d = b.MaxDelay
	}
	if b.Jitter && rnd != nil {
		d = d/2 + time.Duration(rnd()*float64(d))
	}
	return d
}
