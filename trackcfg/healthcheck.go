package trackcfg

import (
	"fmt"
	"time"
)

const (
	// DefaultHealthCheckInterval is how often the resolver health check
	// runs.
	DefaultHealthCheckInterval = time.Minute

	// DefaultHealthCheckTimeout bounds a single health check.
	DefaultHealthCheckTimeout = 10 * time.Second

	// DefaultHealthCheckBackoff is the wait between failed attempts.
	DefaultHealthCheckBackoff = 30 * time.Second

	// DefaultHealthCheckAttempts is the number of failed attempts after
	// which the daemon shuts down.
	DefaultHealthCheckAttempts = 3
)

// HealthCheck configures the periodic check that the tracker hostnames still
// resolve. It only runs while the daemon keeps serving metrics.
//
//nolint:lll
type HealthCheck struct {
	Interval time.Duration `long:"interval" description:"How often to check that tracker hostnames resolve. 0 disables the check."`
	Timeout  time.Duration `long:"timeout" description:"Timeout of a single check."`
	Backoff  time.Duration `long:"backoff" description:"Time to wait between failed attempts."`
	Attempts int           `long:"attempts" description:"Number of failed attempts before the daemon shuts down."`
}

// DefaultHealthCheck returns the default health check configuration.
func DefaultHealthCheck() *HealthCheck {
	return &HealthCheck{
		Interval: DefaultHealthCheckInterval,
		Timeout:  DefaultHealthCheckTimeout,
		Backoff:  DefaultHealthCheckBackoff,
		Attempts: DefaultHealthCheckAttempts,
	}
}

// Enabled reports whether the check should run.
func (h *HealthCheck) Enabled() bool {
	return h.Interval > 0
}

// Validate checks the health check configuration.
func (h *HealthCheck) Validate() error {
	if !h.Enabled() {
		return nil
	}

	if h.Timeout <= 0 {
		return fmt.Errorf("healthcheck timeout must be positive")
	}

	if h.Backoff < 0 {
		return fmt.Errorf("healthcheck backoff must not be negative")
	}

	if h.Attempts < 1 {
		return fmt.Errorf("healthcheck attempts must be at least 1")
	}

	return nil
}
