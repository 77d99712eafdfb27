package service

import "time"

// Backoff is the sleep after the given number of consecutive failed polls. It doubles
// from interval with every failure and is capped at maxBackoff, but never drops below interval.
func Backoff(interval, maxBackoff time.Duration, failures int) time.Duration {
	d := interval
	for i := 1; i < failures && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	if d < interval {
		d = interval
	}
	return d
}
