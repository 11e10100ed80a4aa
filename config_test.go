package trackd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/trackd/trackd/tracker"
)

const testInfoHash = "0102030405060708090a0b0c0d0e0f1011121314"

// TestLoadConfigArgs asserts that command line options land in the config
// and that the derived fields are filled in.
func TestLoadConfigArgs(t *testing.T) {
	dir := t.TempDir()

	cfg, fileErr, err := loadConfig([]string{
		"--trackddir=" + dir,
		"--tracker=udp://tracker.example.org:6969/announce",
		"-t", "http://tracker.example.org/announce",
		"--infohash=" + testInfoHash,
		"--port=51413",
		"--tracker.completiontimeout=45s",
	})
	require.NoError(t, err)

	// There is no config file in the fresh directory.
	require.Error(t, fileErr)

	require.Len(t, cfg.Trackers, 2)
	require.Equal(t, uint16(51413), cfg.Port)
	require.Equal(t, filepath.Join(dir, defaultLogDirname), cfg.LogDir)
	require.Equal(t, 45*time.Second, cfg.Tracker.CompletionTimeout)
	require.Equal(t, tracker.EventStarted, cfg.event())

	require.Equal(t, byte(0x01), cfg.infoHash[0])
	require.Equal(t, byte(0x14), cfg.infoHash[19])
	require.True(t, strings.HasPrefix(string(cfg.peerID[:]), peerIDPrefix))

	settings := cfg.trackerSettings()
	require.Equal(t, 45*time.Second, settings.CompletionTimeout)
	require.True(t, settings.AllowHTTPS)
}

// TestLoadConfigFile asserts that the config file is read from the trackd
// directory and that the command line takes precedence over it.
func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()

	conf := strings.Join([]string{
		"[Application Options]",
		"tracker=http://a.example.org/announce",
		"infohash=" + testInfoHash,
		"port=7000",
		"event=completed",
		"",
		"[tracker]",
		"tracker.udpmaxattempts=5",
	}, "\n")
	err := os.WriteFile(
		filepath.Join(dir, defaultConfigFilename), []byte(conf), 0600,
	)
	require.NoError(t, err)

	cfg, fileErr, err := loadConfig([]string{
		"--trackddir=" + dir,
		"--port=7001",
	})
	require.NoError(t, err)
	require.NoError(t, fileErr)

	require.Equal(t, []string{"http://a.example.org/announce"},
		cfg.Trackers)
	require.Equal(t, uint16(7001), cfg.Port)
	require.Equal(t, tracker.EventCompleted, cfg.event())
	require.Equal(t, 5, cfg.Tracker.UDPMaxAttempts)
}

// TestLoadConfigInvalidFile asserts that a malformed config file is fatal.
func TestLoadConfigInvalidFile(t *testing.T) {
	dir := t.TempDir()

	err := os.WriteFile(
		filepath.Join(dir, defaultConfigFilename),
		[]byte("[Application Options]\nnosuchoption=1\n"), 0600,
	)
	require.NoError(t, err)

	_, _, err = loadConfig([]string{
		"--trackddir=" + dir,
		"--tracker=http://a.example.org/announce",
		"--infohash=" + testInfoHash,
	})
	require.Error(t, err)
}

// TestValidateConfig checks the rejected combinations of options.
func TestValidateConfig(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		cfg := DefaultConfig()
		cfg.Trackers = []string{"udp://tracker.example.org:6969"}
		cfg.InfoHash = testInfoHash

		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errStr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name: "explicit peer id",
			mutate: func(c *Config) {
				c.PeerID = "-XX0001-abcdefghijkl"
			},
		},
		{
			name: "no trackers",
			mutate: func(c *Config) {
				c.Trackers = nil
			},
			errStr: "at least one --tracker",
		},
		{
			name: "unsupported scheme",
			mutate: func(c *Config) {
				c.Trackers = []string{"wss://tracker.example.org"}
			},
			errStr: "unsupported",
		},
		{
			name: "https disabled",
			mutate: func(c *Config) {
				c.Trackers = []string{"https://tracker.example.org"}
				c.Tracker.AllowHTTPS = false
			},
			errStr: "allowhttps",
		},
		{
			name: "short info hash",
			mutate: func(c *Config) {
				c.InfoHash = "0102"
			},
			errStr: "infohash",
		},
		{
			name: "bad peer id",
			mutate: func(c *Config) {
				c.PeerID = "short"
			},
			errStr: "peerid",
		},
		{
			name: "negative numwant",
			mutate: func(c *Config) {
				c.NumWant = -1
			},
			errStr: "num want",
		},
		{
			name: "negative left",
			mutate: func(c *Config) {
				c.Left = -1
			},
			errStr: "negative",
		},
		{
			name: "no timeouts",
			mutate: func(c *Config) {
				c.Tracker.CompletionTimeout = 0
				c.Tracker.ReceiveTimeout = 0
			},
			errStr: "must be positive",
		},
		{
			name: "udp tracker over tor",
			mutate: func(c *Config) {
				c.Tor.Active = true
			},
			errStr: "over tor",
		},
		{
			name: "http tracker over tor",
			mutate: func(c *Config) {
				c.Trackers = []string{"http://a.example.org"}
				c.Tor.Active = true
			},
		},
		{
			name: "bad log compressor",
			mutate: func(c *Config) {
				c.LogConfig.File.Compressor = "lz4"
			},
			errStr: "compressor",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			test.mutate(&cfg)

			clean, err := ValidateConfig(cfg)
			if test.errStr != "" {
				require.ErrorContains(t, err, test.errStr)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, clean)
		})
	}
}
