package trackcfg

import (
	"fmt"
	"net"
)

// DefaultTorSOCKS is the default address of Tor's SOCKS proxy.
const DefaultTorSOCKS = "localhost:9050"

// Tor holds the options for reaching HTTP trackers through Tor.
//
//nolint:lll
type Tor struct {
	Active          bool   `long:"active" description:"Route HTTP tracker requests through Tor. UDP trackers can't be used then."`
	SOCKS           string `long:"socks" description:"The host:port that Tor's exposed SOCKS5 proxy is listening on"`
	StreamIsolation bool   `long:"streamisolation" description:"Enable Tor stream isolation by randomizing user credentials for each connection."`
}

// DefaultTor returns the default Tor configuration.
func DefaultTor() *Tor {
	return &Tor{
		SOCKS: DefaultTorSOCKS,
	}
}

// Validate checks the Tor configuration.
func (t *Tor) Validate() error {
	if !t.Active {
		return nil
	}

	if _, _, err := net.SplitHostPort(t.SOCKS); err != nil {
		return fmt.Errorf("invalid tor socks address %q: %w",
			t.SOCKS, err)
	}

	return nil
}
