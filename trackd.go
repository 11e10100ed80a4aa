// Package trackd wires the tracker manager to a UDP socket, a resolver and
// statistics sinks, and announces a torrent to a list of trackers.
package trackd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"time"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trackd/trackd/resolver"
	"github.com/trackd/trackd/signal"
	"github.com/trackd/trackd/tracker"
	"github.com/trackd/trackd/trackerstats"
	"github.com/trackd/trackd/udpsock"
	"golang.org/x/sync/errgroup"
)

const (
	// stopSlack is added to the stop timeout while waiting for the
	// answers to stopped announces.
	stopSlack = time.Second

	// metricsReadHeaderTimeout bounds the header read of metrics scrapes.
	metricsReadHeaderTimeout = 10 * time.Second
)

// errInterrupted is returned by a round cut short by a shutdown request.
var errInterrupted = errors.New("interrupted")

// Main is the true entry point for trackd. It announces to the configured
// trackers, prints the outcomes and, when the metrics exporter is enabled,
// keeps serving until a shutdown is requested. Announces sent with the
// started event are followed by a stopped announce on the way out.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		tdmnLog.Info("Shutdown complete")

		if err := cfg.LogRotator.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "could not close log "+
				"rotator: %v\n", err)
		}
	}()

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}

	if err := d.start(); err != nil {
		return err
	}
	defer d.stop()

	// Signal readiness to systemd when running as a service.
	notified, err := systemd.SdNotify(false, systemd.SdNotifyReady)
	if err != nil {
		tdmnLog.Warnf("Unable to notify systemd: %v", err)
	} else if notified {
		tdmnLog.Debugf("Notified systemd that trackd is ready")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if d.registry != nil {
		srv := &http.Server{
			Addr: cfg.Prometheus.Listen,
			Handler: promhttp.HandlerFor(
				d.registry, promhttp.HandlerOpts{},
			),
			ReadHeaderTimeout: metricsReadHeaderTimeout,
		}

		g.Go(func() error {
			tdmnLog.Infof("Prometheus exporter listening on %v",
				cfg.Prometheus.Listen)

			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}

			return err
		})
		g.Go(func() error {
			<-gctx.Done()

			return srv.Shutdown(context.Background())
		})
	}

	g.Go(func() error {
		defer cancel()

		return d.run(gctx, interceptor.ShutdownChannel(), os.Stdout)
	})

	return g.Wait()
}

// daemon holds the wired services of a trackd run.
type daemon struct {
	cfg *Config

	sock     *udpsock.Socket
	mgr      *tracker.Manager
	counters *trackerstats.Counters

	// registry is set when the metrics exporter is enabled.
	registry *prometheus.Registry

	// res resolves tracker hostnames for the manager and the socket.
	res tracker.Resolver

	// monitor runs the resolver health check while the daemon keeps
	// serving metrics. It is nil otherwise.
	monitor *healthcheck.Monitor

	// key identifies this client to trackers across IP changes.
	key uint32
}

// newDaemon creates the services described by cfg without starting them.
func newDaemon(cfg *Config) (*daemon, error) {
	var res tracker.Resolver = resolver.NewNetResolver()
	if cfg.Resolver.DNSServer != "" {
		res = resolver.NewDNSResolver(resolver.Config{
			Server:    cfg.Resolver.DNSServer,
			Timeout:   cfg.Resolver.Timeout,
			CacheSize: uint64(cfg.Resolver.CacheSize),
		})
	}

	sock := udpsock.New(&udpsock.Config{
		Listen:            cfg.UDP.Listen,
		ReadBuffer:        cfg.UDP.ReadBuffer,
		Resolver:          res,
		HostnameCacheSize: cfg.UDP.HostnameCache,
	})

	d := &daemon{
		cfg:      cfg,
		sock:     sock,
		counters: &trackerstats.Counters{},
		res:      res,
		key:      rand.Uint32(),
	}

	sinks := trackerstats.Multi{d.counters}
	if cfg.Prometheus.Enable {
		d.registry = prometheus.NewRegistry()

		promSink, err := trackerstats.NewPromSink(d.registry)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, promSink)
	}

	mgr, err := tracker.NewManager(&tracker.Config{
		Send:         sock.Send,
		SendHostname: sock.SendHostname,
		Resolver:     res,
		Stats:        sinks,
		Settings:     cfg.trackerSettings(),
		HTTPClient:   newHTTPClient(cfg),
	})
	if err != nil {
		return nil, err
	}
	d.mgr = mgr

	if d.registry != nil {
		err := trackerstats.RegisterInFlight(d.registry, mgr.NumRequests)
		if err != nil {
			return nil, err
		}

		d.monitor = newHealthMonitor(cfg, res)
	}

	return d, nil
}

// start starts the manager and then the socket feeding it.
func (d *daemon) start() error {
	if err := d.mgr.Start(); err != nil {
		return err
	}

	if err := d.sock.Start(d.mgr); err != nil {
		_ = d.mgr.Stop()
		return err
	}

	tdmnLog.Infof("Tracker socket bound to %v", d.sock.LocalAddr())

	if d.monitor != nil {
		if err := d.monitor.Start(); err != nil {
			_ = d.sock.Stop()
			_ = d.mgr.Stop()
			return err
		}
	}

	return nil
}

// stop shuts the services down in reverse order.
func (d *daemon) stop() {
	if d.monitor != nil {
		if err := d.monitor.Stop(); err != nil {
			tdmnLog.Errorf("Unable to stop health monitor: %v", err)
		}
	}
	if err := d.sock.Stop(); err != nil {
		tdmnLog.Errorf("Unable to close tracker socket: %v", err)
	}
	if err := d.mgr.Stop(); err != nil {
		tdmnLog.Errorf("Unable to stop tracker manager: %v", err)
	}

	tdmnLog.Infof("Tracker traffic: %d bytes sent, %d bytes received",
		d.counters.Sent(), d.counters.Received())
}

// run performs the configured round, prints its outcomes to w and, once the
// daemon is asked to leave, sends the stopped announces.
func (d *daemon) run(ctx context.Context, shutdown <-chan struct{},
	w io.Writer) error {

	event := d.cfg.event()
	kind := tracker.KindAnnounce
	if d.cfg.Scrape {
		kind = tracker.KindScrape
	}

	outcomes, err := d.round(ctx, kind, event, shutdown, 0)
	printOutcomes(w, outcomes)

	interrupted := errors.Is(err, errInterrupted)
	if err != nil && !interrupted {
		return err
	}

	if !interrupted && d.registry != nil {
		select {
		case <-shutdown:
		case <-ctx.Done():
		}
	}

	if interrupted {
		if err := d.mgr.AbortAllRequests(false); err != nil {
			return err
		}
	}

	if kind != tracker.KindAnnounce || event != tracker.EventStarted {
		return nil
	}

	// The stopped round runs even if a shutdown was requested, bounded by
	// the stop timeout.
	stopped, err := d.round(
		context.Background(), tracker.KindAnnounce,
		tracker.EventStopped, nil,
		d.cfg.Tracker.StopTimeout+stopSlack,
	)
	printOutcomes(w, stopped)

	if errors.Is(err, tracker.ErrTimedOut) {
		tdmnLog.Warnf("Not every tracker answered the stopped announce")
		return nil
	}

	return err
}

// round queues one request per tracker and collects the outcomes. It returns
// early with errInterrupted once shutdown is closed, and with
// tracker.ErrTimedOut when a positive limit elapses first.
func (d *daemon) round(ctx context.Context, kind tracker.Kind,
	event tracker.Event, shutdown <-chan struct{},
	limit time.Duration) ([]outcome, error) {

	c := newCollector(len(d.cfg.Trackers))
	handle := tracker.NewHandle(c)
	defer handle.Release()

	pending := make(map[string]*outcome, len(d.cfg.Trackers))
	for _, rawURL := range d.cfg.Trackers {
		req := d.request(rawURL, kind, event)
		if err := d.mgr.QueueRequest(req, handle); err != nil {
			return nil, err
		}

		pending[rawURL] = &outcome{url: rawURL}
	}

	var timeout <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()

		timeout = timer.C
	}

	outcomes := make([]outcome, 0, len(pending))
	for len(pending) > 0 {
		select {
		case ev := <-c.events:
			o, ok := pending[ev.url]
			if !ok {
				continue
			}
			if !ev.merge(o) {
				continue
			}

			outcomes = append(outcomes, *o)
			delete(pending, ev.url)

		case <-shutdown:
			return outcomes, errInterrupted

		case <-timeout:
			return outcomes, tracker.ErrTimedOut

		case <-ctx.Done():
			return outcomes, ctx.Err()
		}
	}

	return outcomes, nil
}

// request builds the request sent to the tracker at rawURL.
func (d *daemon) request(rawURL string, kind tracker.Kind,
	event tracker.Event) tracker.Request {

	return tracker.Request{
		URL:        rawURL,
		Kind:       kind,
		Event:      event,
		InfoHash:   d.cfg.infoHash,
		PeerID:     d.cfg.peerID,
		Port:       d.cfg.Port,
		Uploaded:   d.cfg.Uploaded,
		Downloaded: d.cfg.Downloaded,
		Left:       d.cfg.Left,
		NumWant:    d.cfg.NumWant,
		Key:        d.key,
	}
}

// outcome is the result of one tracker request.
type outcome struct {
	url string

	announce *tracker.AnnounceResponse
	scrape   *tracker.ScrapeResponse
	warning  string

	err   error
	code  int
	msg   string
	retry time.Duration
}

// collectorEvent is a single requester callback.
type collectorEvent struct {
	url      string
	announce *tracker.AnnounceResponse
	scrape   *tracker.ScrapeResponse
	warning  string
	err      error
	code     int
	msg      string
	retry    time.Duration
}

// merge folds the event into o and reports whether it ended the request.
func (e collectorEvent) merge(o *outcome) bool {
	switch {
	case e.announce != nil:
		o.announce = e.announce

	case e.scrape != nil:
		o.scrape = e.scrape

	case e.err != nil:
		o.err, o.code, o.msg, o.retry = e.err, e.code, e.msg, e.retry

	default:
		o.warning = e.warning
		return false
	}

	return true
}

// collector is the requester of a round. Its callbacks run on the manager's
// loop so they only hand the events over.
type collector struct {
	events chan collectorEvent
}

// A compile time check to ensure collector implements tracker.Requester.
var _ tracker.Requester = (*collector)(nil)

// newCollector returns a collector for n requests. Every request reports at
// most a warning and a final outcome, so the buffer never fills up.
func newCollector(n int) *collector {
	return &collector{
		events: make(chan collectorEvent, 2*n),
	}
}

func (c *collector) TrackerResponse(req tracker.Request,
	resp *tracker.AnnounceResponse) {

	c.events <- collectorEvent{url: req.URL, announce: resp}
}

func (c *collector) TrackerScrapeResponse(req tracker.Request,
	resp *tracker.ScrapeResponse) {

	c.events <- collectorEvent{url: req.URL, scrape: resp}
}

func (c *collector) TrackerWarning(req tracker.Request, msg string) {
	c.events <- collectorEvent{url: req.URL, warning: msg}
}

func (c *collector) TrackerRequestError(req tracker.Request, code int,
	err error, msg string, retry time.Duration) {

	c.events <- collectorEvent{
		url:   req.URL,
		err:   err,
		code:  code,
		msg:   msg,
		retry: retry,
	}
}

// printOutcomes renders the outcomes as a table on w.
func printOutcomes(w io.Writer, outcomes []outcome) {
	if len(outcomes) == 0 {
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Tracker", "Result"})

	for _, o := range outcomes {
		tw.AppendRow(table.Row{o.url, describe(o)})

		if o.announce != nil {
			for _, p := range o.announce.Peers {
				tdmnLog.Debugf("%v: peer %v", o.url, p)
			}
		}
	}

	tw.Render()
}

// describe summarizes an outcome on a single line.
func describe(o outcome) string {
	var b strings.Builder

	switch {
	case o.err != nil:
		fmt.Fprintf(&b, "error: %v", o.err)
		if o.code > 0 {
			fmt.Fprintf(&b, " (status %d)", o.code)
		}
		if o.msg != "" {
			fmt.Fprintf(&b, " %q", o.msg)
		}
		if o.retry > 0 {
			fmt.Fprintf(&b, " retry in %v", o.retry)
		}

	case o.announce != nil:
		a := o.announce
		fmt.Fprintf(&b, "interval=%v min_interval=%v seeders=%d "+
			"leechers=%d peers=%d", a.Interval, a.MinInterval,
			a.Complete, a.Incomplete, len(a.Peers))
		if a.ExternalIP.IsValid() {
			fmt.Fprintf(&b, " external_ip=%v", a.ExternalIP)
		}

	case o.scrape != nil:
		s := o.scrape
		fmt.Fprintf(&b, "seeders=%d leechers=%d downloaded=%d",
			s.Complete, s.Incomplete, s.Downloaded)
	}

	if o.warning != "" {
		fmt.Fprintf(&b, " warning=%q", o.warning)
	}

	return b.String()
}
