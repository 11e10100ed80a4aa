package tracker

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedURLProtocol is reported when a request URL carries a
	// scheme no connection type can serve.
	ErrUnsupportedURLProtocol = errors.New("unsupported URL protocol")

	// ErrNegativeNumWant is returned by QueueRequest when the request asks
	// for a negative number of peers.
	ErrNegativeNumWant = errors.New("num want must not be negative")

	// ErrNoTimeout is returned when a timeout is armed with both the
	// completion and the read budget disabled.
	ErrNoTimeout = errors.New("at least one of the completion and read " +
		"timeouts must be set")

	// ErrTimedOut is the parent of every timeout reported to a requester.
	ErrTimedOut = errors.New("timed out")

	// ErrReadTimeout is reported when the tracker stayed silent for longer
	// than the read timeout.
	ErrReadTimeout = fmt.Errorf("%w: no data received", ErrTimedOut)

	// ErrCompletionTimeout is reported when the request as a whole took
	// longer than the completion timeout.
	ErrCompletionTimeout = fmt.Errorf("%w: request did not complete",
		ErrTimedOut)

	// ErrTrackerFailure is reported when the tracker answered with an
	// explicit failure message.
	ErrTrackerFailure = errors.New("tracker returned a failure")

	// ErrInvalidTrackerResponse is reported when the tracker's answer could
	// not be parsed.
	ErrInvalidTrackerResponse = errors.New("invalid tracker response")

	// ErrHTTPStatus is reported when an HTTP tracker answered with a non-200
	// status. The status code is passed alongside.
	ErrHTTPStatus = errors.New("unexpected HTTP status")

	// ErrResponseTooLarge is reported when a response exceeds the maximum
	// configured length.
	ErrResponseTooLarge = errors.New("tracker response too large")

	// ErrScrapeNotSupported is reported when a scrape URL cannot be derived
	// from the announce URL.
	ErrScrapeNotSupported = errors.New("tracker does not support scrape")

	// ErrInvalidTrackerURL is reported when the request URL cannot be used
	// to reach the tracker.
	ErrInvalidTrackerURL = errors.New("invalid tracker URL")

	// ErrNoAddress is reported when the tracker hostname resolved to no
	// usable address.
	ErrNoAddress = errors.New("tracker hostname has no address")

	// ErrHostnameSendUnsupported is reported when a hostname addressed
	// datagram is requested but no hostname send capability was configured.
	ErrHostnameSendUnsupported = errors.New("sending to hostnames is not " +
		"supported")

	// ErrManagerShuttingDown is returned when the manager can no longer
	// accept work.
	ErrManagerShuttingDown = errors.New("tracker manager shutting down")
)
