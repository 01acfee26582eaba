package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// Snapshot bootstrap
	Dir        string `toml:"dir"`
	DBFilename string `toml:"dbfilename"`

	// ReplicaOf is "<host> <port>"; non-empty enables follower mode.
	ReplicaOf string `toml:"replicaof"`

	ReadBufferSize int    `toml:"read_buffer_size"`
	LogLevel       string `toml:"loglevel"`
	MetricsAddr    string `toml:"metrics_addr"`
}

func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           6379,
		Dir:            "tmp",
		DBFilename:     "dump.rdb",
		ReadBufferSize: 4096,
		LogLevel:       "info",
	}
}

// ApplyFile overlays settings from a TOML file. Flags set explicitly on
// the command line are applied afterwards and win.
func (c *Config) ApplyFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}
	return nil
}

// ParseReplicaOf splits the `--replicaof "<host> <port>"` value.
func ParseReplicaOf(value string) (string, int, error) {
	parts := strings.Fields(value)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed replicaof %q, want \"<host> <port>\"", value)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("malformed replicaof port %q", parts[1])
	}
	return parts[0], port, nil
}

// SnapshotPath joins the snapshot directory and filename.
func (c *Config) SnapshotPath() string {
	dir := strings.TrimRight(c.Dir, "/")
	if dir == "" {
		return c.DBFilename
	}
	return dir + "/" + c.DBFilename
}
