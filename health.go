package trackd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/tor"
	"github.com/trackd/trackd/tracker"
)

// newHTTPClient returns the client used for HTTP trackers. With Tor active
// every connection is dialed through its SOCKS proxy.
func newHTTPClient(cfg *Config) *http.Client {
	if !cfg.Tor.Active {
		return &http.Client{}
	}

	proxy := &tor.ProxyNet{
		SOCKS:           cfg.Tor.SOCKS,
		StreamIsolation: cfg.Tor.StreamIsolation,
	}

	dialTimeout := cfg.Tracker.CompletionTimeout
	if dialTimeout <= 0 {
		dialTimeout = cfg.Tracker.ReceiveTimeout
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, network,
				addr string) (net.Conn, error) {

				return proxy.Dial(network, addr, dialTimeout)
			},
		},
	}
}

// trackerHosts returns the distinct hostnames of the tracker URLs. IP
// literals need no resolution and are left out.
func trackerHosts(trackers []string) []string {
	seen := make(map[string]struct{})

	var hosts []string
	for _, rawURL := range trackers {
		u, err := url.Parse(rawURL)
		if err != nil {
			continue
		}

		host := u.Hostname()
		if host == "" {
			continue
		}
		if _, err := netip.ParseAddr(host); err == nil {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}

		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}

	return hosts
}

// resolveCheck returns a health check passing when every host resolves.
func resolveCheck(res tracker.Resolver, hosts []string,
	timeout time.Duration) func() error {

	return func() error {
		ctx, cancel := context.WithTimeout(
			context.Background(), timeout,
		)
		defer cancel()

		for _, host := range hosts {
			if _, err := res.Resolve(ctx, host); err != nil {
				return fmt.Errorf("resolving %v: %w", host, err)
			}
		}

		return nil
	}
}

// newHealthMonitor returns the monitor of the tracker hostname resolution, or
// nil if there is nothing to check.
func newHealthMonitor(cfg *Config,
	res tracker.Resolver) *healthcheck.Monitor {

	hosts := trackerHosts(cfg.Trackers)
	if !cfg.HealthCheck.Enabled() || cfg.Tor.Active || len(hosts) == 0 {
		return nil
	}

	hc := cfg.HealthCheck
	check := healthcheck.NewObservation(
		"tracker resolver", resolveCheck(res, hosts, hc.Timeout),
		hc.Interval, hc.Timeout, hc.Backoff, hc.Attempts,
	)

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   []*healthcheck.Observation{check},
		Shutdown: tdmnLog.Criticalf,
	})
}
