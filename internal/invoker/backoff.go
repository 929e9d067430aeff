package invoker

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

const jitterResolution = 1 << 20

// Backoff computes capped exponential delays with symmetric jitter.
type Backoff struct {
	initial  time.Duration
	max      time.Duration
	jitter   float64
	fraction func() float64
}

// NewBackoff builds a Backoff. jitter is the relative spread, e.g. 0.2 for ±20%.
func NewBackoff(initial, maxDelay time.Duration, jitter float64) *Backoff {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &Backoff{initial: initial, max: maxDelay, jitter: jitter, fraction: randomFraction}
}

// Delay returns initial*2^retry plus extra, capped at the max delay.
func (b *Backoff) Delay(retry int, extra time.Duration) time.Duration {
	delay := float64(b.initial)*math.Pow(2, float64(retry)) + float64(extra)
	if b.max > 0 && delay > float64(b.max) {
		delay = float64(b.max)
	}
	return time.Duration(delay)
}

// Jitter spreads d uniformly over [d*(1-j), d*(1+j)].
func (b *Backoff) Jitter(d time.Duration) time.Duration {
	if d <= 0 || b.jitter == 0 {
		return d
	}
	factor := 1 - b.jitter + 2*b.jitter*b.fraction()
	return time.Duration(float64(d) * factor)
}

// Max returns the delay cap.
func (b *Backoff) Max() time.Duration {
	return b.max
}

func randomFraction() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(jitterResolution))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / jitterResolution
}
