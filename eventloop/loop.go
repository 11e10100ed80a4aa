// Package eventloop provides a single goroutine executor. Every task posted
// to a Loop runs on the same goroutine in FIFO order, which lets the owner of
// the loop keep its state free of locks.
package eventloop

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
)

// taskBufferSize is the number of tasks buffered in the output channel of the
// task queue before it spills into its overflow list.
const taskBufferSize = 64

// ErrLoopStopped is returned when a task is handed to a loop that has been
// stopped.
var ErrLoopStopped = errors.New("event loop stopped")

// Loop executes posted tasks one at a time on a dedicated goroutine. Posting
// never blocks on the task being run, so a task is free to post further tasks
// onto the loop it runs on.
type Loop struct {
	started sync.Once
	stopped sync.Once

	// running is set by Start. Tasks posted before are refused.
	running atomic.Bool

	clock clock.Clock

	// tasks is an unbounded FIFO of func() values.
	tasks *queue.ConcurrentQueue

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a loop that reads time from the given clock. Start must be
// called before tasks are executed.
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &Loop{
		clock: clk,
		tasks: queue.NewConcurrentQueue(taskBufferSize),
		quit:  make(chan struct{}),
	}
}

// Start launches the goroutine that executes tasks.
func (l *Loop) Start() {
	l.started.Do(func() {
		log.Debugf("Event loop starting")

		l.tasks.Start()

		l.wg.Add(1)
		go l.run()

		l.running.Store(true)
	})
}

// Stop signals the loop to exit and waits for the task currently running to
// return. Tasks still queued are discarded.
func (l *Loop) Stop() {
	l.stopped.Do(func() {
		log.Debugf("Event loop stopping")

		close(l.quit)
		l.wg.Wait()
		l.tasks.Stop()
	})
}

// run is the main goroutine of the loop.
//
// NOTE: This MUST be run as a goroutine.
func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case item := <-l.tasks.ChanOut():
			task, ok := item.(func())
			if !ok {
				log.Errorf("Dropping unknown task type %T", item)
				continue
			}

			task()

		case <-l.quit:
			return
		}
	}
}

// Post queues the task for execution and returns immediately. It returns
// false if the loop is not running.
func (l *Loop) Post(task func()) bool {
	if !l.running.Load() {
		return false
	}

	select {
	case <-l.quit:
		return false
	default:
	}

	select {
	case l.tasks.ChanIn() <- task:
		return true

	case <-l.quit:
		return false
	}
}

// Call runs the task on the loop and blocks until it has returned.
//
// NOTE: Call must not be used from a task running on the same loop, as the
// loop would wait on itself.
func (l *Loop) Call(task func()) error {
	done := make(chan struct{})
	posted := l.Post(func() {
		defer close(done)
		task()
	})
	if !posted {
		return ErrLoopStopped
	}

	select {
	case <-done:
		return nil

	case <-l.quit:
		return ErrLoopStopped
	}
}

// Now returns the current time of the loop's clock.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Timer is a pending AfterFunc task.
type Timer struct {
	once   sync.Once
	cancel chan struct{}
}

// Stop prevents the timer's task from being posted. A task that has already
// been posted to the loop is not recalled, so callers that need a hard
// guarantee must guard the task themselves.
func (t *Timer) Stop() {
	t.once.Do(func() {
		close(t.cancel)
	})
}

// AfterFunc posts the task to the loop once the duration has elapsed on the
// loop's clock.
func (l *Loop) AfterFunc(d time.Duration, task func()) *Timer {
	timer := &Timer{
		cancel: make(chan struct{}),
	}

	select {
	case <-l.quit:
		timer.Stop()
		return timer
	default:
	}

	tick := l.clock.TickAfter(d)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		select {
		case <-tick:
			select {
			case <-timer.cancel:
				return
			default:
			}

			l.Post(task)

		case <-timer.cancel:
		case <-l.quit:
		}
	}()

	return timer
}
