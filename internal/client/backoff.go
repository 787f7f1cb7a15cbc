package client

import (
	"math/rand"
	"time"
)

const maxBackoff = 60 * time.Second

// jitterBackoff grows base by 1.6x per attempt up to a minute and spreads
// the result over [0.75d, 1.25d).
func jitterBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt && d < maxBackoff; i++ {
		d = time.Duration(float64(d) * 1.6)
		if d > maxBackoff {
			d = maxBackoff
			break
		}
	}
	jitter := d / 2
	if jitter <= 0 {
		return d
	}
	return d - jitter/2 + time.Duration(rand.Int63n(int64(jitter)))
}
