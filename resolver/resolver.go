// Package resolver resolves tracker hostnames, either through the system
// resolver or by querying a DNS server directly.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound is returned when the name does not exist.
	ErrNotFound = errors.New("host not found")

	// ErrNoRecords is returned when the name exists but has no address
	// records.
	ErrNoRecords = errors.New("host has no address records")
)

// NetResolver resolves names through the resolver of the operating system.
type NetResolver struct {
	resolver *net.Resolver
}

// NewNetResolver returns a resolver backed by net.DefaultResolver.
func NewNetResolver() *NetResolver {
	return &NetResolver{
		resolver: net.DefaultResolver,
	}
}

// Resolve returns the addresses of host.
func (r *NetResolver) Resolve(ctx context.Context,
	host string) ([]netip.Addr, error) {

	addrs, err := r.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, host)
		}

		return nil, err
	}

	for i, addr := range addrs {
		addrs[i] = addr.Unmap()
	}

	return addrs, nil
}

// Config configures a DNSResolver.
type Config struct {
	// Server is the host:port of the DNS server queried.
	Server string

	// Timeout bounds a single lookup.
	Timeout time.Duration

	// CacheSize is the number of names whose answers are cached. Zero
	// disables the cache.
	CacheSize uint64

	// Clock is used to expire cached answers. It defaults to the wall
	// clock.
	Clock clock.Clock
}

// cachedAnswer holds the addresses of a name until its TTL runs out.
type cachedAnswer struct {
	addrs   []netip.Addr
	expires time.Time
}

// Size returns the "size" of an entry.
func (c *cachedAnswer) Size() (uint64, error) {
	return 1, nil
}

// DNSResolver resolves names by querying A and AAAA records from a single
// DNS server. Concurrent lookups of the same name share one query and
// answers are cached for their TTL.
type DNSResolver struct {
	cfg Config

	client *dns.Client

	// inflight de-duplicates concurrent lookups of a name.
	inflight singleflight.Group

	answers *lru.Cache[string, *cachedAnswer]
}

// NewDNSResolver returns a resolver querying cfg.Server.
func NewDNSResolver(cfg Config) *DNSResolver {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	r := &DNSResolver{
		cfg: cfg,
		client: &dns.Client{
			Net:     "udp",
			Timeout: cfg.Timeout,
		},
	}
	if cfg.CacheSize > 0 {
		r.answers = lru.NewCache[string, *cachedAnswer](cfg.CacheSize)
	}

	return r
}

// Resolve returns the addresses of host. IP literals are returned as is.
func (r *DNSResolver) Resolve(ctx context.Context,
	host string) ([]netip.Addr, error) {

	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	name := dns.Fqdn(strings.ToLower(host))
	if addrs, ok := r.cached(name); ok {
		log.Tracef("Answering %v from cache", name)
		return addrs, nil
	}

	results := r.inflight.DoChan(name, func() (interface{}, error) {
		return r.lookup(name)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		addrs := res.Val.([]netip.Addr)

		return append([]netip.Addr(nil), addrs...), nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cached returns the unexpired answer for name.
func (r *DNSResolver) cached(name string) ([]netip.Addr, bool) {
	if r.answers == nil {
		return nil, false
	}

	answer, err := r.answers.Get(name)
	switch {
	case errors.Is(err, cache.ErrElementNotFound):
		return nil, false

	case err != nil:
		return nil, false
	}

	if !r.cfg.Clock.Now().Before(answer.expires) {
		r.answers.Delete(name)
		return nil, false
	}

	return append([]netip.Addr(nil), answer.addrs...), true
}

// lookup queries the A and AAAA records of name in parallel.
func (r *DNSResolver) lookup(name string) ([]netip.Addr, error) {
	ctx := context.Background()
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	var (
		answers [2]*dns.Msg
		qtypes  = [2]uint16{dns.TypeA, dns.TypeAAAA}
	)
	g, ctx := errgroup.WithContext(ctx)
	for i, qtype := range qtypes {
		i, qtype := i, qtype
		g.Go(func() error {
			msg := new(dns.Msg)
			msg.SetQuestion(name, qtype)
			msg.RecursionDesired = true

			resp, _, err := r.client.ExchangeContext(
				ctx, msg, r.cfg.Server,
			)
			if err != nil {
				return fmt.Errorf("querying %v %v: %w", name,
					dns.TypeToString[qtype], err)
			}
			answers[i] = resp

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		addrs  []netip.Addr
		minTTL uint32
		found  bool
	)
	for _, resp := range answers {
		switch resp.Rcode {
		case dns.RcodeSuccess:
			found = true

		case dns.RcodeNameError:
			continue

		default:
			return nil, fmt.Errorf("querying %v: %v", name,
				dns.RcodeToString[resp.Rcode])
		}

		for _, rr := range resp.Answer {
			var ip net.IP
			switch rr := rr.(type) {
			case *dns.A:
				ip = rr.A
			case *dns.AAAA:
				ip = rr.AAAA
			default:
				continue
			}

			addr, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			addrs = append(addrs, addr.Unmap())

			if ttl := rr.Header().Ttl; minTTL == 0 || ttl < minTTL {
				minTTL = ttl
			}
		}
	}

	switch {
	case !found:
		return nil, fmt.Errorf("%w: %v", ErrNotFound, name)

	case len(addrs) == 0:
		return nil, fmt.Errorf("%w: %v", ErrNoRecords, name)
	}

	log.Debugf("Resolved %v to %v (ttl %ds)", name, addrs, minTTL)

	if r.answers != nil && minTTL > 0 {
		_, err := r.answers.Put(name, &cachedAnswer{
			addrs: addrs,
			expires: r.cfg.Clock.Now().Add(
				time.Duration(minTTL) * time.Second,
			),
		})
		if err != nil {
			log.Debugf("Unable to cache answer for %v: %v", name,
				err)
		}
	}

	return addrs, nil
}
