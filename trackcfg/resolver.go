package trackcfg

import (
	"fmt"
	"net"
	"time"
)

const (
	// DefaultResolverTimeout is the default timeout of a single DNS
	// exchange.
	DefaultResolverTimeout = 5 * time.Second

	// DefaultResolverCacheSize is the default number of hostnames whose
	// answers are cached.
	DefaultResolverCacheSize = 256
)

// Resolver configures how tracker hostnames are resolved.
//
//nolint:lll
type Resolver struct {
	DNSServer string        `long:"dnsserver" description:"host:port of a DNS server queried directly. Empty uses the system resolver."`
	Timeout   time.Duration `long:"timeout" description:"Timeout of a single DNS exchange."`
	CacheSize int           `long:"cachesize" description:"Number of hostnames whose answers are cached."`
}

// DefaultResolver returns the default resolver configuration.
func DefaultResolver() *Resolver {
	return &Resolver{
		Timeout:   DefaultResolverTimeout,
		CacheSize: DefaultResolverCacheSize,
	}
}

// Validate checks the resolver configuration.
func (r *Resolver) Validate() error {
	if r.DNSServer != "" {
		if _, _, err := net.SplitHostPort(r.DNSServer); err != nil {
			return fmt.Errorf("invalid dnsserver %q: %w",
				r.DNSServer, err)
		}
	}

	if r.Timeout <= 0 {
		return fmt.Errorf("resolver timeout must be positive")
	}

	if r.CacheSize < 0 {
		return fmt.Errorf("resolver cachesize must not be negative")
	}

	return nil
}
