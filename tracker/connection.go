package tracker

import (
	"fmt"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/google/uuid"
)

// connection is a single in-flight tracker request. All methods are called
// from the manager's event loop.
type connection interface {
	// start begins the request. Failures are reported asynchronously.
	start()

	// close cancels the request without notifying the requester and
	// removes it from the manager.
	close()

	// onTimeout is called by the timeout handler.
	onTimeout(err error)

	// request returns the request being served.
	request() *Request
}

// connBase carries the state and behaviour shared by all connection types.
type connBase struct {
	id  uuid.UUID
	req Request
	ref RequesterRef
	mgr *Manager

	timeout *timeoutHandler

	// self is the concrete connection embedding this base. It is the
	// identity registered with the manager.
	self connection

	// closed is set once the connection has been torn down. No callback
	// is delivered after that.
	closed bool

	// failing is set once a failure has been posted. Later failures and
	// responses are ignored.
	failing bool

	log btclog.Logger
}

// init prepares the base for the connection self.
func (c *connBase) init(mgr *Manager, req Request, ref RequesterRef,
	self connection, transport string) {

	c.id = uuid.New()
	c.req = req
	c.ref = ref
	c.mgr = mgr
	c.self = self
	c.timeout = newTimeoutHandler(mgr.loop, self.onTimeout)
	c.log = log.WithPrefix(fmt.Sprintf("%v(%v):", transport,
		c.id.String()[:8]))
}

// request returns the request being served.
func (c *connBase) request() *Request {
	return &c.req
}

// withRequester calls f with the requester if it is still around.
func (c *connBase) withRequester(f func(Requester)) {
	requester := c.ref.Load()
	if requester.IsNone() {
		c.log.Tracef("Requester of %v is gone, dropping callback",
			c.req)
	}

	requester.WhenSome(f)
}

// fail reports the failure to the requester from a separate loop task and
// closes the connection.
func (c *connBase) fail(err error, code int, msg string, interval,
	minInterval time.Duration) {

	if c.closed || c.failing {
		return
	}
	c.failing = true

	c.mgr.loop.Post(func() {
		c.failImpl(err, code, msg, interval, minInterval)
	})
}

// failImpl delivers a failure posted by fail.
func (c *connBase) failImpl(err error, code int, msg string, interval,
	minInterval time.Duration) {

	if c.closed {
		c.log.Tracef("Dropping failure of closed request: %v", err)
		return
	}

	retry := interval
	if retry == 0 {
		retry = minInterval
	}

	c.log.Debugf("Request %v failed: code=%d, msg=%q, retry=%v: %v",
		c.req, code, msg, retry, err)

	c.withRequester(func(r Requester) {
		r.TrackerRequestError(c.req, code, err, msg, retry)
	})

	c.self.close()
}

// respond delivers a successful outcome and closes the connection.
func (c *connBase) respond(deliver func(Requester)) {
	if c.closed || c.failing {
		return
	}

	c.withRequester(deliver)
	c.self.close()
}

// closeBase cancels the timeout and unregisters the connection.
func (c *connBase) closeBase() {
	if c.closed {
		return
	}
	c.closed = true

	c.timeout.cancel()
	c.mgr.removeRequest(c.self)
}

// sentBytes accounts for n bytes sent to the tracker.
func (c *connBase) sentBytes(n int) {
	c.mgr.sentBytes(n)
}

// receivedBytes accounts for n bytes received from the tracker and pushes
// the read timeout back.
func (c *connBase) receivedBytes(n int) {
	c.mgr.receivedBytes(n)
	c.timeout.restartReadTimeout()
}
