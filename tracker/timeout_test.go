package tracker

import (
	"sort"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"github.com/trackd/trackd/eventloop"
	"pgregory.net/rapid"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// timeoutTestCtx drives a timeoutHandler on a loop with a test clock.
type timeoutTestCtx struct {
	t       *testing.T
	clock   *clock.TestClock
	loop    *eventloop.Loop
	handler *timeoutHandler
	fired   chan error
}

func newTimeoutTestCtx(t *testing.T) *timeoutTestCtx {
	t.Helper()

	clk := clock.NewTestClock(testTime)
	loop := eventloop.New(clk)
	loop.Start()
	t.Cleanup(loop.Stop)

	ctx := &timeoutTestCtx{
		t:     t,
		clock: clk,
		loop:  loop,
		fired: make(chan error, 1),
	}
	ctx.handler = newTimeoutHandler(loop, func(err error) {
		ctx.fired <- err
	})

	return ctx
}

// do runs f on the loop.
func (c *timeoutTestCtx) do(f func()) {
	c.t.Helper()
	require.NoError(c.t, c.loop.Call(f))
}

// setTimeout arms the handler and returns the generation of its timer.
func (c *timeoutTestCtx) setTimeout(completion, read time.Duration) uint64 {
	c.t.Helper()

	var (
		err        error
		generation uint64
	)
	c.do(func() {
		err = c.handler.setTimeout(completion, read)
		generation = c.handler.generation
	})
	require.NoError(c.t, err)

	return generation
}

// advance moves the clock to the given offset from testTime.
func (c *timeoutTestCtx) advance(offset time.Duration) {
	c.clock.SetTime(testTime.Add(offset))
}

// waitRearmed waits until the handler armed a timer after generation.
func (c *timeoutTestCtx) waitRearmed(generation uint64) uint64 {
	c.t.Helper()

	var current uint64
	require.Eventually(c.t, func() bool {
		c.do(func() {
			current = c.handler.generation
		})
		return current > generation
	}, time.Second, 5*time.Millisecond)

	return current
}

func (c *timeoutTestCtx) requireFired(expected error) {
	c.t.Helper()

	select {
	case err := <-c.fired:
		require.ErrorIs(c.t, err, expected)
		require.ErrorIs(c.t, err, ErrTimedOut)
	case <-time.After(time.Second):
		c.t.Fatal("timeout did not fire")
	}
}

func (c *timeoutTestCtx) requireNotFired() {
	c.t.Helper()

	select {
	case err := <-c.fired:
		c.t.Fatalf("unexpected timeout: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestTimeoutWithoutReads asserts that the read budget fires first when
// nothing is received.
func TestTimeoutWithoutReads(t *testing.T) {
	t.Parallel()

	ctx := newTimeoutTestCtx(t)
	ctx.setTimeout(10*time.Second, 5*time.Second)

	ctx.advance(4 * time.Second)
	ctx.requireNotFired()

	ctx.advance(5 * time.Second)
	ctx.requireFired(ErrReadTimeout)
}

// TestTimeoutReadMovesDeadline asserts that a read pushes the read deadline
// back without the handler being re-armed by the read itself.
func TestTimeoutReadMovesDeadline(t *testing.T) {
	t.Parallel()

	ctx := newTimeoutTestCtx(t)
	generation := ctx.setTimeout(10*time.Second, 5*time.Second)

	ctx.advance(3 * time.Second)
	ctx.do(ctx.handler.restartReadTimeout)

	// The timer armed for 5s wakes up, finds the read and re-arms for 8s.
	ctx.advance(5 * time.Second)
	ctx.waitRearmed(generation)
	ctx.requireNotFired()

	ctx.advance(8 * time.Second)
	ctx.requireFired(ErrReadTimeout)
}

// TestTimeoutCompletionCaps asserts that reads can't extend a request past
// its completion budget.
func TestTimeoutCompletionCaps(t *testing.T) {
	t.Parallel()

	ctx := newTimeoutTestCtx(t)
	generation := ctx.setTimeout(10*time.Second, 5*time.Second)

	ctx.advance(3 * time.Second)
	ctx.do(ctx.handler.restartReadTimeout)

	ctx.advance(5 * time.Second)
	generation = ctx.waitRearmed(generation)

	ctx.advance(6 * time.Second)
	ctx.do(ctx.handler.restartReadTimeout)

	// Woken at 8s, the next deadline is capped at 10s instead of 11s.
	ctx.advance(8 * time.Second)
	ctx.waitRearmed(generation)

	ctx.advance(9 * time.Second)
	ctx.do(ctx.handler.restartReadTimeout)
	ctx.requireNotFired()

	ctx.advance(10 * time.Second)
	ctx.requireFired(ErrCompletionTimeout)
}

// TestTimeoutCancel asserts that a cancelled handler never fires and stays
// cancelled when armed again.
func TestTimeoutCancel(t *testing.T) {
	t.Parallel()

	ctx := newTimeoutTestCtx(t)
	ctx.setTimeout(0, 5*time.Second)

	ctx.do(ctx.handler.cancel)
	ctx.do(ctx.handler.cancel)

	ctx.advance(5 * time.Second)
	ctx.requireNotFired()

	ctx.setTimeout(0, time.Second)
	ctx.advance(10 * time.Second)
	ctx.requireNotFired()
}

// TestTimeoutRequiresBudget asserts that arming without any budget fails.
func TestTimeoutRequiresBudget(t *testing.T) {
	t.Parallel()

	ctx := newTimeoutTestCtx(t)

	var err error
	ctx.do(func() {
		err = ctx.handler.setTimeout(0, 0)
	})
	require.ErrorIs(t, err, ErrNoTimeout)
}

// TestTimeoutDeadlineProperties checks the watchdog arithmetic against a
// direct computation of when the first budget is used up.
func TestTimeoutDeadlineProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		ms := func(n int64) time.Duration {
			return time.Duration(n) * time.Millisecond
		}

		completion := ms(rapid.Int64Range(0, 60_000).Draw(
			t, "completion",
		))
		read := ms(rapid.Int64Range(0, 60_000).Draw(t, "read"))
		if completion == 0 && read == 0 {
			read = time.Millisecond
		}

		offsets := rapid.SliceOfN(
			rapid.Int64Range(1, 120_000), 0, 20,
		).Draw(t, "reads")
		sort.Slice(offsets, func(i, j int) bool {
			return offsets[i] < offsets[j]
		})

		start := testTime
		reads := make([]time.Time, len(offsets))
		for i, offset := range offsets {
			reads[i] = start.Add(ms(offset))
		}

		// Simulate the handler: reads before a deadline only move the
		// read time, the deadline itself either fires or re-arms.
		lastRead := start
		next := 0
		var (
			firedAt  time.Time
			firedErr error
		)
		for {
			deadline := nextDeadline(start, lastRead, completion, read)
			for next < len(reads) && reads[next].Before(deadline) {
				lastRead = reads[next]
				next++
			}

			err := expired(deadline, start, lastRead, completion, read)
			if err != nil {
				firedAt, firedErr = deadline, err
				break
			}
			require.True(t, nextDeadline(
				start, lastRead, completion, read,
			).After(deadline))
		}

		// Compute when each budget runs out directly.
		var readExpiry, completionExpiry time.Time
		if read > 0 {
			last := start
			for _, r := range reads {
				if !r.Before(last.Add(read)) {
					break
				}
				last = r
			}
			readExpiry = last.Add(read)
		}
		if completion > 0 {
			completionExpiry = start.Add(completion)
		}

		expectedAt, expectedErr := readExpiry, ErrReadTimeout
		switch {
		case readExpiry.IsZero():
			expectedAt, expectedErr = completionExpiry,
				ErrCompletionTimeout

		case !completionExpiry.IsZero() &&
			completionExpiry.Before(readExpiry):

			expectedAt, expectedErr = completionExpiry,
				ErrCompletionTimeout
		}

		require.Equal(t, expectedAt, firedAt)
		require.ErrorIs(t, firedErr, expectedErr)
	})
}
