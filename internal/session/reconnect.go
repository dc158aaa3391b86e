package session

import (
	"log"
	"sync"
	"time"
)

// Stopper cancels a scheduled callback
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d, like time.AfterFunc
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Reconnector schedules reconnection attempts with exponential backoff.
// The delay before attempt n (counting from zero) is base * 2^n. Once
// maxAttempts have been scheduled without a Reset, further Schedule calls
// report exhaustion instead of retrying.
type Reconnector struct {
	base        time.Duration
	maxAttempts int
	afterFunc   AfterFunc
	onAttempt   func(attempt int)
	onExhausted func(attempts int)

	mu       sync.Mutex
	attempts int
	timer    Stopper
	token    uint64
	notified bool
	closed   bool
}

// NewReconnector creates a controller. onAttempt runs on the timer
// goroutine when a scheduled delay elapses.
func NewReconnector(base time.Duration, maxAttempts int, onAttempt func(attempt int), onExhausted func(attempts int)) *Reconnector {
	return &Reconnector{
		base:        base,
		maxAttempts: maxAttempts,
		afterFunc:   realAfterFunc,
		onAttempt:   onAttempt,
		onExhausted: onExhausted,
	}
}

// Delay returns the backoff before attempt n
func (r *Reconnector) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	return r.base << uint(n)
}

// Schedule arms the next attempt. It returns the delay and true when an
// attempt was scheduled, or false when one is already pending, the
// controller is closed, or the attempt ceiling has been reached.
func (r *Reconnector) Schedule() (time.Duration, bool) {
	r.mu.Lock()
	if r.closed || r.timer != nil {
		r.mu.Unlock()
		return 0, false
	}
	if r.attempts >= r.maxAttempts {
		notify := !r.notified
		r.notified = true
		attempts := r.attempts
		r.mu.Unlock()

		if notify {
			log.Printf("[Reconnect] Giving up after %d attempts", attempts)
			if r.onExhausted != nil {
				r.onExhausted(attempts)
			}
		}
		return 0, false
	}

	delay := r.Delay(r.attempts)
	r.attempts++
	attempt := r.attempts
	r.token++
	token := r.token
	r.timer = r.afterFunc(delay, func() { r.fire(token, attempt) })
	r.mu.Unlock()

	log.Printf("[Reconnect] Attempt %d/%d in %v", attempt, r.maxAttempts, delay)
	return delay, true
}

func (r *Reconnector) fire(token uint64, attempt int) {
	r.mu.Lock()
	if r.closed || token != r.token {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	if r.onAttempt != nil {
		r.onAttempt(attempt)
	}
}

// Reset zeroes the attempt counter after a successful authenticated
// connection
func (r *Reconnector) Reset() {
	r.mu.Lock()
	r.attempts = 0
	r.notified = false
	r.mu.Unlock()
}

// Rearm lets the exhaustion notice fire again without resetting the
// counter, so an explicit retry after giving up is reported if it fails
func (r *Reconnector) Rearm() {
	r.mu.Lock()
	r.notified = false
	r.mu.Unlock()
}

// Cancel stops a scheduled attempt. A callback already running is not
// interrupted, but one whose timer fires after Cancel is discarded.
func (r *Reconnector) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked()
}

// Close cancels any scheduled attempt and refuses further scheduling
func (r *Reconnector) Close() {
	r.mu.Lock()
	r.closed = true
	r.cancelLocked()
	r.mu.Unlock()
}

func (r *Reconnector) cancelLocked() bool {
	r.token++
	if r.timer == nil {
		return false
	}
	r.timer.Stop()
	r.timer = nil
	return true
}

// Pending reports whether an attempt is scheduled
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Exhausted reports whether the attempt ceiling has been reached
func (r *Reconnector) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts >= r.maxAttempts
}

// Attempts returns the number of attempts scheduled since the last Reset
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
