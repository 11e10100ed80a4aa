package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/http/httputil"
	"net/netip"

	"github.com/davecgh/go-spew/spew"
)

// httpConn is a request to an HTTP tracker. The round trip runs in a helper
// goroutine owned by the manager; every result is posted back to the loop.
type httpConn struct {
	connBase

	// cancel aborts the round trip.
	cancel context.CancelFunc
}

// A compile time check to ensure httpConn implements connection.
var _ connection = (*httpConn)(nil)

// newHTTPConn returns an HTTP connection for req.
func newHTTPConn(mgr *Manager, req Request, ref RequesterRef) *httpConn {
	c := &httpConn{}
	c.init(mgr, req, ref, c, "HTTPTracker")

	return c
}

// httpResult is the outcome of a round trip.
type httpResult struct {
	status int
	body   []byte
	remote netip.AddrPort
	err    error
}

// start arms the timeout and launches the round trip.
func (c *httpConn) start() {
	reqURL, err := buildRequestURL(&c.req)
	if err != nil {
		c.fail(err, -1, "", 0, 0)
		return
	}

	settings := &c.mgr.cfg.Settings
	completion := settings.CompletionTimeout
	if c.req.Event == EventStopped {
		completion = settings.stopTimeout()
	}

	err = c.timeout.setTimeout(completion, settings.ReceiveTimeout)
	if err != nil {
		c.fail(err, -1, "", 0, 0)
		return
	}

	c.log.Debugf("Starting %v", c.req)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	var (
		loop      = c.mgr.loop
		client    = c.mgr.cfg.HTTPClient
		maxLen    = settings.maxResponseLength()
		userAgent = settings.UserAgent
	)
	started := c.mgr.goroutines.Go(ctx, func(ctx context.Context) {
		onSent := func(n int) {
			loop.Post(func() { c.onSent(n) })
		}
		onData := func(n int) {
			loop.Post(func() { c.onData(n) })
		}

		result := roundTrip(
			ctx, client, reqURL, userAgent, maxLen, onSent, onData,
		)
		loop.Post(func() {
			c.onResult(result)
		})
	})
	if !started {
		cancel()
		c.fail(ErrManagerShuttingDown, -1, "", 0, 0)
	}
}

// roundTrip performs the GET request. It never touches connection state and
// reports traffic through the callbacks.
func roundTrip(ctx context.Context, client *http.Client, reqURL,
	userAgent string, maxLen int64, onSent, onData func(int)) httpResult {

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodGet, reqURL, nil,
	)
	if err != nil {
		return httpResult{
			err: fmt.Errorf("%w: %v", ErrInvalidTrackerURL, err),
		}
	}
	if userAgent != "" {
		httpReq.Header.Set("User-Agent", userAgent)
	}
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)

	if dump, err := httputil.DumpRequestOut(httpReq, false); err == nil {
		onSent(len(dump))
	}

	var remote netip.AddrPort
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Conn == nil || info.Conn.RemoteAddr() == nil {
				return
			}

			addr, err := netip.ParseAddrPort(
				info.Conn.RemoteAddr().String(),
			)
			if err == nil {
				remote = addr
			}
		},
	}
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(ctx, trace))

	resp, err := client.Do(httpReq)
	if err != nil {
		return httpResult{err: err}
	}
	defer resp.Body.Close()

	// Traffic is accounted on the wire, the size limit applies to the
	// decoded body.
	wire := &countingReader{r: resp.Body, onRead: onData}
	decoded, closeDecoder, err := decodeBody(
		resp.Header.Get("Content-Encoding"), wire,
	)
	if err != nil {
		return httpResult{status: resp.StatusCode, err: err}
	}
	defer func() { _ = closeDecoder() }()

	body, err := io.ReadAll(io.LimitReader(decoded, maxLen+1))

	return httpResult{
		status: resp.StatusCode,
		body:   body,
		remote: remote,
		err:    err,
	}
}

// countingReader reports the size of every read.
type countingReader struct {
	r      io.Reader
	onRead func(int)
}

// Read reads from the underlying reader.
func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.onRead(n)
	}

	return n, err
}

// onSent accounts for the request.
func (c *httpConn) onSent(n int) {
	if c.closed {
		return
	}

	c.sentBytes(n)
}

// onData accounts for a chunk of the response and pushes the read timeout
// back.
func (c *httpConn) onData(n int) {
	if c.closed || c.failing {
		return
	}

	c.receivedBytes(n)
}

// onResult handles the outcome of the round trip.
func (c *httpConn) onResult(res httpResult) {
	if c.closed || c.failing {
		return
	}

	maxLen := c.mgr.cfg.Settings.maxResponseLength()

	switch {
	case res.err != nil:
		c.fail(res.err, -1, "", 0, 0)

	case int64(len(res.body)) > maxLen:
		c.fail(fmt.Errorf("%w: more than %d bytes",
			ErrResponseTooLarge, maxLen), res.status, "", 0, 0)

	case res.status != http.StatusOK:
		c.fail(fmt.Errorf("%w: %d", ErrHTTPStatus, res.status),
			res.status, http.StatusText(res.status), 0, 0)

	case c.req.Kind == KindScrape:
		c.onScrapeResponse(res)

	default:
		c.onAnnounceResponse(res)
	}
}

// onAnnounceResponse parses and delivers an announce response.
func (c *httpConn) onAnnounceResponse(res httpResult) {
	raw, err := parseAnnounceResponse(res.body)
	if err != nil {
		c.fail(err, res.status, "", 0, 0)
		return
	}

	interval, minInterval := raw.intervals()
	if raw.FailureReason != "" {
		c.fail(ErrTrackerFailure, res.status, raw.FailureReason,
			interval, minInterval)
		return
	}

	if raw.WarningMessage != "" {
		c.log.Debugf("Tracker warning: %v", raw.WarningMessage)

		c.withRequester(func(r Requester) {
			r.TrackerWarning(c.req, raw.WarningMessage)
		})
	}

	resp, err := raw.announceResponse()
	if err != nil {
		c.fail(err, res.status, "", interval, minInterval)
		return
	}
	resp.TrackerAddr = res.remote

	c.log.Debugf("Announce response: %d peers, interval %v",
		len(resp.Peers), resp.Interval)
	c.log.Tracef("Announce response: %v", newLogClosure(func() string {
		return spew.Sdump(resp)
	}))

	c.respond(func(r Requester) {
		r.TrackerResponse(c.req, resp)
	})
}

// onScrapeResponse parses and delivers a scrape response.
func (c *httpConn) onScrapeResponse(res httpResult) {
	raw, err := parseScrapeResponse(res.body)
	if err != nil {
		c.fail(err, res.status, "", 0, 0)
		return
	}

	if raw.FailureReason != "" {
		c.fail(ErrTrackerFailure, res.status, raw.FailureReason, 0, 0)
		return
	}

	resp, err := raw.scrapeResponse(c.req.InfoHash)
	if err != nil {
		c.fail(err, res.status, "", 0, 0)
		return
	}

	c.respond(func(r Requester) {
		r.TrackerScrapeResponse(c.req, resp)
	})
}

// onTimeout aborts the round trip and fails the request.
func (c *httpConn) onTimeout(err error) {
	if c.closed || c.failing {
		return
	}

	c.log.Debugf("Request %v timed out: %v", c.req, err)

	if c.cancel != nil {
		c.cancel()
	}
	c.fail(err, -1, "", 0, 0)
}

// close aborts the round trip and unregisters the connection.
func (c *httpConn) close() {
	if c.cancel != nil {
		c.cancel()
	}

	c.closeBase()
}
