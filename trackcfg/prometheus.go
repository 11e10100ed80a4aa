package trackcfg

import (
	"fmt"
	"net"
)

// DefaultPrometheusListen is the default address of the metrics endpoint.
const DefaultPrometheusListen = "127.0.0.1:8989"

// Prometheus configures the Prometheus exporter.
//
//nolint:lll
type Prometheus struct {
	Enable bool   `long:"enable" description:"Export tracker metrics over HTTP."`
	Listen string `long:"listen" description:"host:port the metrics endpoint listens on."`
}

// DefaultPrometheus returns the default exporter configuration.
func DefaultPrometheus() *Prometheus {
	return &Prometheus{
		Listen: DefaultPrometheusListen,
	}
}

// Validate checks the exporter configuration.
func (p *Prometheus) Validate() error {
	if !p.Enable {
		return nil
	}

	if _, _, err := net.SplitHostPort(p.Listen); err != nil {
		return fmt.Errorf("invalid prometheus listen address %q: %w",
			p.Listen, err)
	}

	return nil
}
