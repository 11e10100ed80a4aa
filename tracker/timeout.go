package tracker

import (
	"time"

	"github.com/trackd/trackd/eventloop"
)

// timeoutHandler watches a single request with two independent budgets: the
// completion timeout measured from the start of the request and the read
// timeout measured from the last time data was received. It keeps at most one
// timer armed at the earlier of the two deadlines and re-arms itself when it
// wakes up early.
//
// All methods must be called from the event loop.
type timeoutHandler struct {
	loop *eventloop.Loop

	// onTimeout is called once a budget has been exhausted.
	onTimeout func(err error)

	completionTimeout time.Duration
	readTimeout       time.Duration

	startTime time.Time
	readTime  time.Time

	timer *eventloop.Timer

	// generation identifies the currently armed timer. Callbacks of
	// superseded timers carry an older generation and are ignored.
	generation uint64

	abort bool
}

// newTimeoutHandler returns a handler that calls onTimeout on the loop.
func newTimeoutHandler(loop *eventloop.Loop,
	onTimeout func(err error)) *timeoutHandler {

	return &timeoutHandler{
		loop:      loop,
		onTimeout: onTimeout,
	}
}

// setTimeout starts a new watch period. A zero budget is disabled, but at
// least one of them must be positive.
func (t *timeoutHandler) setTimeout(completion, read time.Duration) error {
	if completion <= 0 && read <= 0 {
		return ErrNoTimeout
	}

	t.completionTimeout = max(completion, 0)
	t.readTimeout = max(read, 0)

	now := t.loop.Now()
	t.startTime = now
	t.readTime = now

	if t.abort {
		return nil
	}

	t.arm(now, nextDeadline(
		t.startTime, t.readTime, t.completionTimeout, t.readTimeout,
	))

	return nil
}

// restartReadTimeout records that data has just been received. The armed
// timer is left alone and picks the new read time up when it fires.
func (t *timeoutHandler) restartReadTimeout() {
	t.readTime = t.loop.Now()
}

// cancel disarms the handler for good.
func (t *timeoutHandler) cancel() {
	t.abort = true
	t.completionTimeout = 0
	t.generation++

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// arm replaces the armed timer with one that fires at deadline.
func (t *timeoutHandler) arm(now, deadline time.Time) {
	if t.timer != nil {
		t.timer.Stop()
	}

	t.generation++
	generation := t.generation

	t.timer = t.loop.AfterFunc(deadline.Sub(now), func() {
		t.timeoutCallback(generation)
	})
}

// timeoutCallback runs on the loop when an armed timer fires.
func (t *timeoutHandler) timeoutCallback(generation uint64) {
	if t.abort || generation != t.generation {
		return
	}

	now := t.loop.Now()
	err := expired(
		now, t.startTime, t.readTime, t.completionTimeout,
		t.readTimeout,
	)
	if err != nil {
		t.timer = nil
		t.onTimeout(err)

		return
	}

	t.arm(now, nextDeadline(
		t.startTime, t.readTime, t.completionTimeout, t.readTimeout,
	))
}

// nextDeadline returns the earlier of the enabled deadlines.
func nextDeadline(start, lastRead time.Time, completion,
	read time.Duration) time.Time {

	var deadline time.Time
	if read > 0 {
		deadline = lastRead.Add(read)
	}
	if completion > 0 {
		end := start.Add(completion)
		if deadline.IsZero() || end.Before(deadline) {
			deadline = end
		}
	}

	return deadline
}

// expired returns the timeout error if one of the enabled budgets has been
// used up at now.
func expired(now, start, lastRead time.Time, completion,
	read time.Duration) error {

	switch {
	case read > 0 && now.Sub(lastRead) >= read:
		return ErrReadTimeout

	case completion > 0 && now.Sub(start) >= completion:
		return ErrCompletionTimeout
	}

	return nil
}
