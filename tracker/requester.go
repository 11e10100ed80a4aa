package tracker

import (
	"sync"
	"time"
	"weak"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Requester receives the outcome of tracker requests. All callbacks run on
// the manager's event loop and must not block.
type Requester interface {
	// TrackerResponse delivers a successful announce.
	TrackerResponse(req Request, resp *AnnounceResponse)

	// TrackerScrapeResponse delivers a successful scrape.
	TrackerScrapeResponse(req Request, resp *ScrapeResponse)

	// TrackerWarning delivers a warning message sent along with a
	// response.
	TrackerWarning(req Request, msg string)

	// TrackerRequestError reports a failed request. Code is the HTTP
	// status where one applies and -1 otherwise. A non-zero retry is the
	// interval the tracker asked the client to wait.
	TrackerRequestError(req Request, code int, err error, msg string,
		retry time.Duration)
}

// RequesterRef is a reference to a Requester that does not keep it alive.
// Load is called for every callback and returns None once the requester has
// gone away, in which case the callback is skipped.
type RequesterRef interface {
	Load() fn.Option[Requester]
}

// weakRef is a RequesterRef backed by a weak pointer.
type weakRef[T any] struct {
	ptr weak.Pointer[T]
	as  func(*T) Requester
}

// Load returns the requester if it has not been collected yet.
func (w *weakRef[T]) Load() fn.Option[Requester] {
	p := w.ptr.Value()
	if p == nil {
		return fn.None[Requester]()
	}

	return fn.Some(w.as(p))
}

// Weak returns a reference to r that lets the garbage collector reclaim r
// while requests are in flight.
func Weak[T any, P interface {
	*T
	Requester
}](r P) RequesterRef {

	return &weakRef[T]{
		ptr: weak.Make((*T)(r)),
		as: func(p *T) Requester {
			return P(p)
		},
	}
}

// Handle is a RequesterRef that holds its requester until Release is called.
type Handle struct {
	mu        sync.Mutex
	requester fn.Option[Requester]
}

// NewHandle returns a handle to r.
func NewHandle(r Requester) *Handle {
	return &Handle{
		requester: fn.Some(r),
	}
}

// Load returns the requester unless the handle was released.
func (h *Handle) Load() fn.Option[Requester] {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.requester
}

// Release detaches the requester. Callbacks of requests still in flight are
// dropped from now on.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.requester = fn.None[Requester]()
}

// detached is the reference used for requests queued without a requester.
type detached struct{}

// Load always returns None.
func (detached) Load() fn.Option[Requester] {
	return fn.None[Requester]()
}
