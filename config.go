package trackd

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/trackd/trackd/build"
	"github.com/trackd/trackd/signal"
	"github.com/trackd/trackd/trackcfg"
	"github.com/trackd/trackd/tracker"
)

const (
	defaultConfigFilename = "trackd.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "trackd.log"
	defaultLogLevel       = "info"
	defaultPort           = 6881
	defaultNumWant        = 50

	// peerIDPrefix is the Azureus style client prefix of generated peer
	// ids.
	peerIDPrefix = "-TD0100-"
)

var (
	// DefaultTrackdDir is the default directory holding the config file
	// and logs.
	DefaultTrackdDir = CleanAndExpandPath("~/.trackd")

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(
		DefaultTrackdDir, defaultConfigFilename,
	)

	defaultLogDir = filepath.Join(DefaultTrackdDir, defaultLogDirname)
)

// Config defines the configuration options for trackd.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:lll
type Config struct {
	TrackdDir  string `long:"trackddir" description:"The base directory that contains the config file and logs."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	Trackers   []string `short:"t" long:"tracker" description:"Announce URL of a tracker. May be given multiple times."`
	InfoHash   string   `long:"infohash" description:"Hex encoded info hash of the torrent."`
	PeerID     string   `long:"peerid" description:"20 byte peer id. A random one is generated when empty."`
	Port       uint16   `long:"port" description:"Port other peers should connect to."`
	Event      string   `long:"event" description:"Event sent with the announce." choice:"none" choice:"started" choice:"completed" choice:"stopped" choice:"paused"`
	Scrape     bool     `long:"scrape" description:"Scrape the trackers instead of announcing."`
	NumWant    int32    `long:"numwant" description:"Number of peers to ask for."`
	Uploaded   int64    `long:"uploaded" description:"Bytes uploaded so far."`
	Downloaded int64    `long:"downloaded" description:"Bytes downloaded so far."`
	Left       int64    `long:"left" description:"Bytes left to download."`
	UserAgent  string   `long:"useragent" description:"User agent sent to HTTP trackers."`

	Tracker     *trackcfg.Tracker     `group:"tracker" namespace:"tracker"`
	UDP         *trackcfg.UDP         `group:"udp" namespace:"udp"`
	Resolver    *trackcfg.Resolver    `group:"resolver" namespace:"resolver"`
	Prometheus  *trackcfg.Prometheus  `group:"prometheus" namespace:"prometheus"`
	HealthCheck *trackcfg.HealthCheck `group:"healthcheck" namespace:"healthcheck"`
	Tor         *trackcfg.Tor         `group:"tor" namespace:"tor"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	// SubLogMgr is the root logger that all the daemon's subloggers are
	// hooked up to.
	SubLogMgr *build.SubLoggerManager

	// LogRotator is the file log writer. It is closed on shutdown.
	LogRotator *build.RotatingLogWriter

	// infoHash and peerID hold the decoded forms of InfoHash and PeerID.
	infoHash tracker.InfoHash
	peerID   tracker.PeerID
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		TrackdDir:   DefaultTrackdDir,
		ConfigFile:  DefaultConfigFile,
		LogDir:      defaultLogDir,
		DebugLevel:  defaultLogLevel,
		Port:        defaultPort,
		Event:       "started",
		NumWant:     defaultNumWant,
		Tracker:     trackcfg.DefaultTracker(),
		UDP:         trackcfg.DefaultUDP(),
		Resolver:    trackcfg.DefaultResolver(),
		Prometheus:  trackcfg.DefaultPrometheus(),
		HealthCheck: trackcfg.DefaultHealthCheck(),
		Tor:         trackcfg.DefaultTor(),
		LogConfig:   build.DefaultLogConfig(),
		LogRotator:  build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(interceptor signal.Interceptor) (*Config, error) {
	cfg, configFileError, err := loadConfig(os.Args[1:])
	if err != nil {
		return nil, err
	}

	if err := cfg.setupLogging(interceptor); err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		tdmnLog.Warnf("%v", configFileError)
	}

	return cfg, nil
}

// loadConfig parses the given arguments on top of the config file and
// validates the result. A config file that could not be read is returned as
// the second value as it is not fatal.
func loadConfig(args []string) (*Config, error, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, nil, err
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their trackddir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.TrackdDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultTrackdDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, nil, err
	}

	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	return cleanCfg, configFileError, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided trackd directory is not the default, we'll move the
	// log directory into it.
	trackdDir := CleanAndExpandPath(cfg.TrackdDir)
	if trackdDir != DefaultTrackdDir && cfg.LogDir == defaultLogDir {
		cfg.LogDir = filepath.Join(trackdDir, defaultLogDirname)
	}
	cfg.TrackdDir = trackdDir
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	err := trackcfg.Validate(
		cfg.Tracker, cfg.UDP, cfg.Resolver, cfg.Prometheus,
		cfg.HealthCheck, cfg.Tor, cfg.LogConfig,
	)
	if err != nil {
		return nil, err
	}

	if len(cfg.Trackers) == 0 {
		return nil, errors.New("at least one --tracker must be given")
	}
	for _, rawURL := range cfg.Trackers {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("invalid tracker %q: %w",
				rawURL, err)
		}

		switch u.Scheme {
		case "http":
		case "udp":
			if cfg.Tor.Active {
				return nil, fmt.Errorf("udp tracker %q can't "+
					"be reached over tor", rawURL)
			}

		case "https":
			if !cfg.Tracker.AllowHTTPS {
				return nil, fmt.Errorf("https tracker %q "+
					"given but tracker.allowhttps is off",
					rawURL)
			}

		default:
			return nil, fmt.Errorf("tracker %q: %w", rawURL,
				tracker.ErrUnsupportedURLProtocol)
		}
	}

	infoHash, err := hex.DecodeString(cfg.InfoHash)
	if err != nil || len(infoHash) != len(cfg.infoHash) {
		return nil, fmt.Errorf("infohash must be %d hex encoded bytes",
			len(cfg.infoHash))
	}
	copy(cfg.infoHash[:], infoHash)

	switch {
	case cfg.PeerID == "":
		copy(cfg.peerID[:], peerIDPrefix)
		_, err := rand.Read(cfg.peerID[len(peerIDPrefix):])
		if err != nil {
			return nil, err
		}

	case len(cfg.PeerID) != len(cfg.peerID):
		return nil, fmt.Errorf("peerid must be %d bytes long",
			len(cfg.peerID))

	default:
		copy(cfg.peerID[:], cfg.PeerID)
	}

	if cfg.NumWant < 0 {
		return nil, tracker.ErrNegativeNumWant
	}

	if cfg.Uploaded < 0 || cfg.Downloaded < 0 || cfg.Left < 0 {
		return nil, errors.New("transfer counters must not be negative")
	}

	return &cfg, nil
}

// setupLogging creates the log handlers, hooks up all subsystem loggers and
// applies the debug level.
func (c *Config) setupLogging(interceptor signal.Interceptor) error {
	if !c.LogConfig.File.Disable {
		err := c.LogRotator.InitLogRotator(
			c.LogConfig.File,
			filepath.Join(c.LogDir, defaultLogFilename),
		)
		if err != nil {
			return fmt.Errorf("log rotation setup failed: %w", err)
		}
	}

	c.SubLogMgr = build.NewSubLoggerManager(
		build.NewDefaultLogHandlers(c.LogConfig, c.LogRotator)...,
	)
	SetupLoggers(c.SubLogMgr, interceptor)

	// Parse, validate, and set debug log level(s).
	err := build.ParseAndSetDebugLevels(c.DebugLevel, c.SubLogMgr)
	if err != nil {
		return fmt.Errorf("invalid debuglevel: %w", err)
	}

	return nil
}

// event returns the announce event configured.
func (c *Config) event() tracker.Event {
	switch c.Event {
	case "started":
		return tracker.EventStarted
	case "completed":
		return tracker.EventCompleted
	case "stopped":
		return tracker.EventStopped
	case "paused":
		return tracker.EventPaused
	default:
		return tracker.EventNone
	}
}

// trackerSettings translates the tracker options into manager settings.
func (c *Config) trackerSettings() tracker.Settings {
	return tracker.Settings{
		CompletionTimeout:     c.Tracker.CompletionTimeout,
		ReceiveTimeout:        c.Tracker.ReceiveTimeout,
		StopTimeout:           c.Tracker.StopTimeout,
		MaxResponseLength:     c.Tracker.MaxResponseLength,
		UDPAttemptTimeout:     c.Tracker.UDPAttemptTimeout,
		UDPMaxAttempts:        c.Tracker.UDPMaxAttempts,
		UDPConnectionIDExpiry: c.Tracker.ConnectionIDExpiry,
		AllowHTTPS:            c.Tracker.AllowHTTPS,
		ProxyHostnames:        c.Tracker.ProxyHostnames,
		UserAgent:             c.UserAgent,
		StatsInterval:         c.Tracker.StatsInterval,
	}
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
