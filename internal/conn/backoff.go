package conn

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// reconnectBackoff yields full-jitter delays under an exponential ceiling.
type reconnectBackoff struct {
	exp *backoff.ExponentialBackOff
}

func newReconnectBackoff(base, max time.Duration) *reconnectBackoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.MaxInterval = max
	exp.RandomizationFactor = 0
	exp.Reset()
	return &reconnectBackoff{exp: exp}
}

// next returns a delay in (0, ceiling] and doubles the ceiling up to the cap.
func (b *reconnectBackoff) next() time.Duration {
	ceiling := b.exp.NextBackOff()
	if ceiling <= 0 {
		ceiling = b.exp.MaxInterval
	}
	return time.Duration(rand.Int64N(int64(ceiling))) + 1
}

func (b *reconnectBackoff) reset() {
	b.exp.Reset()
}
