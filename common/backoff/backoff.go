// Package backoff contains helpers for dealing with backoffs.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewExponentialBackOff creates an instance of ExponentialBackOff using
// reasonable defaults. A zero maxElapsedTime never stops the backoff.
func NewExponentialBackOff(maxElapsedTime time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsedTime
	b.Reset()
	return b
}
