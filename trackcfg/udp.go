package trackcfg

import (
	"fmt"
	"net"

	"github.com/trackd/trackd/udpsock"
)

// DefaultUDPListen is the default address the tracker socket binds to.
const DefaultUDPListen = "0.0.0.0:0"

// UDP holds the configuration of the socket used to talk to UDP trackers.
//
//nolint:lll
type UDP struct {
	Listen        string `long:"listen" description:"host:port the UDP tracker socket binds to. Port 0 picks a random port."`
	ReadBuffer    int    `long:"readbuffer" description:"Size of the socket read buffer in bytes. 0 keeps the OS default."`
	HostnameCache int    `long:"hostnamecache" description:"Number of tracker endpoints whose hostname is remembered for routing answers."`
}

// DefaultUDP returns the default UDP socket configuration.
func DefaultUDP() *UDP {
	return &UDP{
		Listen:        DefaultUDPListen,
		HostnameCache: udpsock.DefaultHostnameCacheSize,
	}
}

// Validate checks the UDP socket configuration.
func (u *UDP) Validate() error {
	if _, _, err := net.SplitHostPort(u.Listen); err != nil {
		return fmt.Errorf("invalid udp listen address %q: %w",
			u.Listen, err)
	}

	if u.ReadBuffer < 0 {
		return fmt.Errorf("readbuffer must not be negative")
	}

	if u.HostnameCache < 1 {
		return fmt.Errorf("hostnamecache must be at least 1")
	}

	return nil
}
