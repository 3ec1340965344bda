// Package backoff implements the bounded retry schedule used at the
// RPC adapter boundaries.
package backoff

import (
	"context"
	"time"
)

// Schedule is a bounded exponential backoff: after a failed try the
// caller waits Base, then 2*Base, then 4*Base, and so on, for up to
// Retries additional tries.
type Schedule struct {
	Retries int
	Base    time.Duration
}

// Default is the adapter-boundary policy: three retries after the
// first failure, waiting 1s, 2s, then 4s.
var Default = Schedule{Retries: 3, Base: time.Second}

// Retry runs fn until it succeeds, reports a non-retryable failure,
// exhausts the schedule, or ctx is cancelled. It returns the total
// number of tries made and the last error.
func Retry(ctx context.Context, s Schedule, fn func() (retryable bool, err error)) (tries int, err error) {
	delay := s.Base
	for attempt := 0; ; attempt++ {
		tries++
		retryable, ferr := fn()
		if ferr == nil {
			return tries, nil
		}
		err = ferr
		if !retryable || attempt >= s.Retries {
			return tries, err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return tries, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
