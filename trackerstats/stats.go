// Package trackerstats accounts for tracker traffic, in memory and as
// Prometheus metrics.
package trackerstats

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/trackd/trackd/tracker"
)

const (
	namespace = "trackd"
	subsystem = "tracker"
)

// Counters is an in-memory StatsSink.
type Counters struct {
	sent atomic.Uint64
	recv atomic.Uint64
}

// A compile time check to ensure Counters implements tracker.StatsSink.
var _ tracker.StatsSink = (*Counters)(nil)

// AddSentTrackerBytes records n bytes sent to trackers.
func (c *Counters) AddSentTrackerBytes(n int) {
	c.sent.Add(uint64(n))
}

// AddRecvTrackerBytes records n bytes received from trackers.
func (c *Counters) AddRecvTrackerBytes(n int) {
	c.recv.Add(uint64(n))
}

// Sent returns the number of bytes sent so far.
func (c *Counters) Sent() uint64 {
	return c.sent.Load()
}

// Received returns the number of bytes received so far.
func (c *Counters) Received() uint64 {
	return c.recv.Load()
}

// PromSink exports tracker traffic as Prometheus counters.
type PromSink struct {
	sent prometheus.Counter
	recv prometheus.Counter
}

// A compile time check to ensure PromSink implements tracker.StatsSink.
var _ tracker.StatsSink = (*PromSink)(nil)

// NewPromSink creates the traffic counters and registers them with reg.
// Counters that are already registered are reused.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	sent, err := registerCounter(reg, prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sent_bytes_total",
			Help:      "Bytes sent to trackers.",
		},
	))
	if err != nil {
		return nil, err
	}

	recv, err := registerCounter(reg, prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "received_bytes_total",
			Help:      "Bytes received from trackers.",
		},
	))
	if err != nil {
		return nil, err
	}

	return &PromSink{
		sent: sent,
		recv: recv,
	}, nil
}

// registerCounter registers c, or returns the counter registered before
// under the same name.
func registerCounter(reg prometheus.Registerer,
	c prometheus.Counter) (prometheus.Counter, error) {

	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
			return existing, nil
		}
	}

	return nil, err
}

// AddSentTrackerBytes records n bytes sent to trackers.
func (p *PromSink) AddSentTrackerBytes(n int) {
	p.sent.Add(float64(n))
}

// AddRecvTrackerBytes records n bytes received from trackers.
func (p *PromSink) AddRecvTrackerBytes(n int) {
	p.recv.Add(float64(n))
}

// RegisterInFlight exports the number of requests in flight as reported by
// numRequests.
func RegisterInFlight(reg prometheus.Registerer,
	numRequests func() int) error {

	return reg.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_in_flight",
			Help:      "Tracker requests awaiting an answer.",
		},
		func() float64 {
			return float64(numRequests())
		},
	))
}

// Multi fans every call out to all sinks.
type Multi []tracker.StatsSink

// A compile time check to ensure Multi implements tracker.StatsSink.
var _ tracker.StatsSink = (Multi)(nil)

// AddSentTrackerBytes records n bytes sent to trackers.
func (m Multi) AddSentTrackerBytes(n int) {
	for _, sink := range m {
		sink.AddSentTrackerBytes(n)
	}
}

// AddRecvTrackerBytes records n bytes received from trackers.
func (m Multi) AddRecvTrackerBytes(n int) {
	for _, sink := range m {
		sink.AddRecvTrackerBytes(n)
	}
}
