package trackcfg

import (
	"errors"
	"fmt"
	"time"

	"github.com/trackd/trackd/tracker"
)

// ErrNoTrackerTimeout is returned when both the completion and the receive
// timeout are disabled.
var ErrNoTrackerTimeout = errors.New("at least one of completiontimeout " +
	"and receivetimeout must be positive")

// Tracker holds the tunables of tracker requests.
//
//nolint:lll
type Tracker struct {
	CompletionTimeout  time.Duration `long:"completiontimeout" description:"Maximum total duration of a tracker request. 0 disables the limit."`
	ReceiveTimeout     time.Duration `long:"receivetimeout" description:"Maximum time between two reads of a tracker response. 0 disables the limit."`
	StopTimeout        time.Duration `long:"stoptimeout" description:"Completion timeout used for announces with the stopped event."`
	MaxResponseLength  int64         `long:"maxresponselength" description:"Maximum size in bytes of an HTTP tracker response."`
	UDPAttemptTimeout  time.Duration `long:"udpattempttimeout" description:"Timeout of a single UDP tracker attempt."`
	UDPMaxAttempts     int           `long:"udpmaxattempts" description:"Number of times a UDP tracker message is sent before giving up."`
	ConnectionIDExpiry time.Duration `long:"connectionidexpiry" description:"How long a UDP tracker connection id is reused."`
	AllowHTTPS         bool          `long:"allowhttps" description:"Allow announcing to https:// trackers."`
	ProxyHostnames     bool          `long:"proxyhostnames" description:"Hand UDP tracker hostnames to the socket instead of resolving them locally."`
	StatsInterval      time.Duration `long:"statsinterval" description:"How often to log the number of in-flight tracker requests."`
}

// DefaultTracker returns the default tracker tunables, which are the
// defaults of the tracker manager.
func DefaultTracker() *Tracker {
	return &Tracker{
		CompletionTimeout:  tracker.DefaultCompletionTimeout,
		ReceiveTimeout:     tracker.DefaultReceiveTimeout,
		StopTimeout:        tracker.DefaultStopTimeout,
		MaxResponseLength:  tracker.DefaultMaxResponseLength,
		UDPAttemptTimeout:  tracker.DefaultUDPAttemptTimeout,
		UDPMaxAttempts:     tracker.DefaultUDPMaxAttempts,
		ConnectionIDExpiry: tracker.DefaultUDPConnectionIDExpiry,
		AllowHTTPS:         true,
		StatsInterval:      tracker.DefaultStatsInterval,
	}
}

// Validate checks the values configured for tracker requests.
func (t *Tracker) Validate() error {
	if t.CompletionTimeout < 0 || t.ReceiveTimeout < 0 {
		return fmt.Errorf("tracker timeouts must not be negative")
	}

	// A request with neither budget could hang forever on a silent
	// tracker.
	if t.CompletionTimeout == 0 && t.ReceiveTimeout == 0 {
		return ErrNoTrackerTimeout
	}

	if t.StopTimeout <= 0 {
		return fmt.Errorf("stoptimeout must be positive")
	}

	if t.MaxResponseLength <= 0 {
		return fmt.Errorf("maxresponselength must be positive")
	}

	if t.UDPAttemptTimeout <= 0 {
		return fmt.Errorf("udpattempttimeout must be positive")
	}

	if t.UDPMaxAttempts < 1 {
		return fmt.Errorf("udpmaxattempts must be at least 1")
	}

	if t.ConnectionIDExpiry < 0 {
		return fmt.Errorf("connectionidexpiry must not be negative")
	}

	if t.StatsInterval <= 0 {
		return fmt.Errorf("statsinterval must be positive")
	}

	return nil
}
