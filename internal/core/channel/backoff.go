package channel

import "time"

// backoffDelay is the wait before retry number attempt (1-based): initial
// doubled per attempt, capped at max.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// sleep waits for d or until one of the channels fires. It reports false
// when done fired.
func sleep(d time.Duration, done <-chan struct{}, interrupt <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-interrupt:
		return true
	case <-t.C:
		return true
	}
}
