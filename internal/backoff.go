package internal

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect and retry delays. The delay before attempt n
// is Factor * ExponentBase^min(n, NumOfRetries), moved by up to
// JitterPercent in either direction.
type Backoff struct {
	NumOfRetries  int           `mapstructure:"num_of_retries"`
	Factor        time.Duration `mapstructure:"factor"`
	ExponentBase  int           `mapstructure:"exponent_base"`
	JitterPercent int           `mapstructure:"jitter_percent"`

	// MaxAttempts stops reconnecting after that many failures. Zero keeps
	// trying forever.
	MaxAttempts int `mapstructure:"max_attempts"`
}

func DefaultBackoff() Backoff {
	return Backoff{
		NumOfRetries:  5,
		Factor:        100 * time.Millisecond,
		ExponentBase:  2,
		JitterPercent: 20,
	}
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > b.NumOfRetries {
		attempt = b.NumOfRetries
	}
	base := b.ExponentBase
	if base < 1 {
		base = 1
	}
	d := float64(b.Factor) * math.Pow(float64(base), float64(attempt))
	if b.JitterPercent > 0 {
		j := float64(b.JitterPercent) / 100
		d *= 1 - j + 2*j*rand.Float64()
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether failures have reached MaxAttempts.
func (b Backoff) Exhausted(failures int) bool {
	return b.MaxAttempts > 0 && failures >= b.MaxAttempts
}
