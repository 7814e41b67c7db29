// Package config resolves the broker's runtime settings from flag defaults
// and environment overrides, and locates the per-user data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/capa-dev/capabroker/pkg/logging"
)

const (
	// DefaultHost is the loopback-only bind address; the broker never
	// listens beyond localhost.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the broker's default listening port.
	DefaultPort = 5912
)

// Config holds the resolved settings for a single broker process.
type Config struct {
	Host     string
	Port     int
	LogLevel logging.LogLevel
	DataDir  string
}

// Default returns the built-in defaults before flag/environment overrides
// are applied.
func Default() Config {
	return Config{
		Host:     DefaultHost,
		Port:     DefaultPort,
		LogLevel: logging.LevelInfo,
		DataDir:  defaultDataDir(),
	}
}

// ApplyEnv overrides cfg's fields from HOST, PORT, and LOG_LEVEL, per the
// broker's documented environment variables. A malformed PORT is ignored and
// leaves the existing value in place.
func (c Config) ApplyEnv() Config {
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = logging.ParseLevel(v)
	}
	return c
}

// Addr returns the host:port string to bind the control and MCP HTTP server to.
func (c Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// PIDFilePath is the path the daemon writes its "<pid>:<version>" record to.
func (c Config) PIDFilePath() string {
	return filepath.Join(c.DataDir, "server.pid")
}

// StorePath is the path to the embedded sqlite database.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, "capa.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".capa"
	}
	return filepath.Join(home, ".capa")
}

// EnsureDataDir creates the data directory if it does not already exist.
func (c Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// ReadPidFile parses an existing "<pid>:<version>" pidfile, used by the
// CLI's stop/status commands.
func ReadPidFile(path string) (pid int, version string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "", err
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed pidfile %s", path)
	}
	pid, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("malformed pid in %s: %w", path, err)
	}
	return pid, parts[1], nil
}
