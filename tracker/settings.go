package tracker

import "time"

const (
	// DefaultCompletionTimeout is the default budget for a whole request.
	DefaultCompletionTimeout = 30 * time.Second

	// DefaultReceiveTimeout is the default budget between two reads.
	DefaultReceiveTimeout = 10 * time.Second

	// DefaultStopTimeout is the completion budget of stopped announces.
	DefaultStopTimeout = 5 * time.Second

	// DefaultMaxResponseLength is the largest HTTP response body accepted.
	DefaultMaxResponseLength = 1 << 20

	// DefaultUDPAttemptTimeout is how long a UDP connection waits for an
	// answer before retransmitting.
	DefaultUDPAttemptTimeout = 15 * time.Second

	// DefaultUDPMaxAttempts is the number of datagrams sent for a single
	// step of the UDP conversation before giving up.
	DefaultUDPMaxAttempts = 3

	// DefaultUDPConnectionIDExpiry is how long a UDP connection id is
	// reused. BEP 15 allows one minute.
	DefaultUDPConnectionIDExpiry = time.Minute

	// DefaultStatsInterval is the interval of the in-flight request log.
	DefaultStatsInterval = time.Minute

	// connectionIDCacheSize bounds the number of cached UDP connection
	// ids.
	connectionIDCacheSize = 1024
)

// Settings tunes the behaviour of the manager and its connections. A copy is
// taken when the manager is created.
type Settings struct {
	// CompletionTimeout caps the total duration of an HTTP request. Zero
	// disables it.
	CompletionTimeout time.Duration

	// ReceiveTimeout caps the time between two reads of an HTTP response.
	// Zero disables it.
	ReceiveTimeout time.Duration

	// StopTimeout replaces CompletionTimeout for stopped announces.
	StopTimeout time.Duration

	// MaxResponseLength is the largest HTTP response body accepted. Zero
	// selects DefaultMaxResponseLength.
	MaxResponseLength int64

	// UDPAttemptTimeout is how long to wait for each UDP answer.
	UDPAttemptTimeout time.Duration

	// UDPMaxAttempts is the number of datagrams sent per UDP step.
	UDPMaxAttempts int

	// UDPConnectionIDExpiry is how long a UDP connection id is reused.
	// Zero disables the cache.
	UDPConnectionIDExpiry time.Duration

	// AllowHTTPS enables https tracker URLs.
	AllowHTTPS bool

	// ProxyHostnames sends UDP tracker datagrams addressed by hostname
	// instead of resolving the hostname locally.
	ProxyHostnames bool

	// UserAgent is sent with HTTP requests when set.
	UserAgent string

	// StatsInterval is the interval of the in-flight request log.
	StatsInterval time.Duration
}

// DefaultSettings returns the default settings.
func DefaultSettings() Settings {
	return Settings{
		CompletionTimeout:     DefaultCompletionTimeout,
		ReceiveTimeout:        DefaultReceiveTimeout,
		StopTimeout:           DefaultStopTimeout,
		MaxResponseLength:     DefaultMaxResponseLength,
		UDPAttemptTimeout:     DefaultUDPAttemptTimeout,
		UDPMaxAttempts:        DefaultUDPMaxAttempts,
		UDPConnectionIDExpiry: DefaultUDPConnectionIDExpiry,
		AllowHTTPS:            true,
		StatsInterval:         DefaultStatsInterval,
	}
}

// validate checks the settings that would otherwise leave requests without
// any timeout.
func (s *Settings) validate() error {
	if s.CompletionTimeout <= 0 && s.ReceiveTimeout <= 0 {
		return ErrNoTimeout
	}
	if s.UDPAttemptTimeout <= 0 {
		return ErrNoTimeout
	}

	return nil
}

// stopTimeout returns the completion budget of a stopped announce.
func (s *Settings) stopTimeout() time.Duration {
	if s.StopTimeout > 0 {
		return s.StopTimeout
	}

	return s.CompletionTimeout
}

// maxResponseLength returns the largest HTTP response body accepted.
func (s *Settings) maxResponseLength() int64 {
	if s.MaxResponseLength <= 0 {
		return DefaultMaxResponseLength
	}

	return s.MaxResponseLength
}

// maxAttempts returns the number of datagrams sent per UDP step.
func (s *Settings) maxAttempts() int {
	if s.UDPMaxAttempts < 1 {
		return 1
	}

	return s.UDPMaxAttempts
}
