// Package config holds the relay's startup configuration: bind address,
// auth token, client-root path segment, and log file path.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Version is the relay's product version, used for Browser.getVersion,
// /version, and the lifecycle supervisor's singleton-by-version check. Set
// at build time via -ldflags.
var Version = "dev"

// DefaultPort is the loopback port the relay listens on absent an override.
const DefaultPort = 19988

// DefaultClientRoot is the path segment preceding <clientId> on the client
// WebSocket endpoint: /<ClientRoot>/<clientId>.
const DefaultClientRoot = "client"

// Config holds everything the relay needs to bind, authenticate, and log.
type Config struct {
	Port  int
	Host  string // bind/probe host; "127.0.0.1" by default, another address for remote mode
	Token string // auth token; when empty, every non-loopback request is refused

	ClientRoot     string
	LogFile        string
	SeparateWindow bool // carried in the config only; the relay does not send it to the extension
	Debug          bool
}

// DefaultConfig returns the relay's default configuration: loopback bind,
// XDG-resolved log path, no auth token (loopback-only is safe without one).
func DefaultConfig() Config {
	return Config{
		Port:       DefaultPort,
		Host:       "127.0.0.1",
		ClientRoot: DefaultClientRoot,
		LogFile:    DefaultLogPath(),
	}
}

// Loopback reports whether the relay is bound to localhost only, the case
// in which an auth token is not required.
func (c Config) Loopback() bool {
	return c.Host == "127.0.0.1" || c.Host == "localhost" || c.Host == "::1"
}

// Addr is the host:port pair to listen on.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultLogPath returns the XDG-compliant log file path.
func DefaultLogPath() string {
	if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
		return filepath.Join(stateHome, "cdprelay", "relay.log")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), fmt.Sprintf("cdprelay-%d", os.Getuid()), "relay.log")
	}
	return filepath.Join(home, ".local", "state", "cdprelay", "relay.log")
}

// DefaultPIDPath returns the XDG-compliant PID file path the lifecycle
// supervisor uses to record the detached child's PID.
func DefaultPIDPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "cdprelay", "cdprelay.pid")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("cdprelay-%d", os.Getuid()), "cdprelay.pid")
}
