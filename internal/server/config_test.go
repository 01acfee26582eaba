package server

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReplicaOf(t *testing.T) {
	host, port, err := ParseReplicaOf("localhost 6379")
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, 6379, port)

	for _, bad := range []string{"", "localhost", "localhost 6379 extra", "localhost notaport", "localhost 0"} {
		_, _, err := ParseReplicaOf(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestSnapshotPath(t *testing.T) {
	cfg := &Config{Dir: "tmp", DBFilename: "dump.rdb"}
	assert.Equal(t, "tmp/dump.rdb", cfg.SnapshotPath())

	cfg = &Config{Dir: "/data/", DBFilename: "db.rdb"}
	assert.Equal(t, "/data/db.rdb", cfg.SnapshotPath())

	cfg = &Config{Dir: "", DBFilename: "dump.rdb"}
	assert.Equal(t, "dump.rdb", cfg.SnapshotPath())
}

func TestApplyFile(t *testing.T) {
	path := t.TempDir() + "/server.toml"
	content := `
port = 7000
dir = "/var/lib/redistream"
dbfilename = "boot.rdb"
replicaof = "10.0.0.1 6379"
loglevel = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyFile(path))

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "/var/lib/redistream", cfg.Dir)
	assert.Equal(t, "boot.rdb", cfg.DBFilename)
	assert.Equal(t, "10.0.0.1 6379", cfg.ReplicaOf)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, "localhost", cfg.Host)
}

func TestApplyFileMissing(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.ApplyFile("does/not/exist.toml"))
}
