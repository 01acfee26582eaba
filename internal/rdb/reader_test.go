package rdb

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSnapshot assembles a minimal valid image around the given record
// section.
func buildSnapshot(records []byte) []byte {
	var b bytes.Buffer
	b.WriteString(magicHeader)
	// one metadata pair
	b.WriteByte(opCodeMetadata)
	writeTestString(&b, "redis-ver")
	writeTestString(&b, "7.2.0")
	// db selector + resize hint
	b.WriteByte(opCodeSelectDB)
	b.WriteByte(0)
	b.WriteByte(opCodeResizeDB)
	b.WriteByte(2)
	b.WriteByte(0)
	b.Write(records)
	b.WriteByte(opCodeEOF)
	return b.Bytes()
}

func writeTestString(b *bytes.Buffer, s string) {
	b.WriteByte(byte(len(s)))
	b.WriteString(s)
}

func stringRecord(key, value string) []byte {
	var b bytes.Buffer
	b.WriteByte(typeString)
	writeTestString(&b, key)
	writeTestString(&b, value)
	return b.Bytes()
}

func TestParsePlainRecords(t *testing.T) {
	records := append(stringRecord("foo", "bar"), stringRecord("baz", "qux")...)
	parsed, err := Parse(buildSnapshot(records), 1000)
	require.NoError(t, err)

	require.Equal(t, 2, len(parsed))
	assert.Equal(t, Record{Key: "foo", Value: "bar"}, parsed[0])
	assert.Equal(t, Record{Key: "baz", Value: "qux"}, parsed[1])
}

func TestParseExpiryMilliseconds(t *testing.T) {
	var rec bytes.Buffer
	rec.WriteByte(opCodeExpireTimeMS)
	binary.Write(&rec, binary.LittleEndian, uint64(5000))
	rec.Write(stringRecord("k", "v"))

	parsed, err := Parse(buildSnapshot(rec.Bytes()), 1000)
	require.NoError(t, err)
	require.Equal(t, 1, len(parsed))
	assert.Equal(t, int64(5000), parsed[0].ExpiresAt)
}

func TestParseExpirySeconds(t *testing.T) {
	var rec bytes.Buffer
	rec.WriteByte(opCodeExpireTime)
	binary.Write(&rec, binary.LittleEndian, uint32(7))
	rec.Write(stringRecord("k", "v"))

	parsed, err := Parse(buildSnapshot(rec.Bytes()), 1000)
	require.NoError(t, err)
	require.Equal(t, 1, len(parsed))
	assert.Equal(t, int64(7000), parsed[0].ExpiresAt)
}

func TestParseFiltersExpiredAtLoad(t *testing.T) {
	var rec bytes.Buffer
	rec.WriteByte(opCodeExpireTimeMS)
	binary.Write(&rec, binary.LittleEndian, uint64(500))
	rec.Write(stringRecord("dead", "v"))
	rec.Write(stringRecord("alive", "v"))

	parsed, err := Parse(buildSnapshot(rec.Bytes()), 1000)
	require.NoError(t, err)
	require.Equal(t, 1, len(parsed))
	assert.Equal(t, "alive", parsed[0].Key)
}

func TestParseBadMagic(t *testing.T) {
	parsed, err := Parse([]byte("REDIS0042garbage"), 1000)
	require.NoError(t, err)
	assert.Empty(t, parsed)
}

func TestParseUnsupportedTypeStops(t *testing.T) {
	var rec bytes.Buffer
	rec.Write(stringRecord("kept", "v"))
	rec.WriteByte(0x04) // hash type, unsupported
	writeTestString(&rec, "dropped")

	parsed, err := Parse(buildSnapshot(rec.Bytes()), 1000)
	require.NoError(t, err)
	require.Equal(t, 1, len(parsed))
	assert.Equal(t, "kept", parsed[0].Key)
}

func TestSizeEncodings(t *testing.T) {
	// 14-bit: high bits 01, value spread over two bytes big-endian.
	r := &reader{data: []byte{0x41, 0x02}}
	size, ok := r.readSize()
	require.True(t, ok)
	assert.Equal(t, 0x102, size)

	// 32-bit: high bits 10, next four bytes big-endian.
	r = &reader{data: []byte{0x80, 0x00, 0x01, 0x00, 0x00}}
	size, ok = r.readSize()
	require.True(t, ok)
	assert.Equal(t, 0x10000, size)

	// 6-bit inline.
	r = &reader{data: []byte{0x2A}}
	size, ok = r.readSize()
	require.True(t, ok)
	assert.Equal(t, 42, size)

	// Special encoding aborts gracefully.
	r = &reader{data: []byte{0xC0, 0x01}}
	_, ok = r.readSize()
	assert.False(t, ok)
}

func TestParseSpecialEncodingStopsGracefully(t *testing.T) {
	var rec bytes.Buffer
	rec.Write(stringRecord("kept", "v"))
	rec.WriteByte(typeString)
	rec.WriteByte(0xC0) // special string encoding, unsupported
	rec.WriteByte(0x01)

	parsed, err := Parse(buildSnapshot(rec.Bytes()), 1000)
	require.NoError(t, err)
	require.Equal(t, 1, len(parsed))
	assert.Equal(t, "kept", parsed[0].Key)
}

func TestLoadMissingFile(t *testing.T) {
	parsed, err := Load("does/not/exist.rdb", 1000)
	require.NoError(t, err)
	assert.Empty(t, parsed)
}

func TestLoadFromDisk(t *testing.T) {
	path := t.TempDir() + "/dump.rdb"
	image := buildSnapshot(stringRecord("disk", "value"))
	require.NoError(t, os.WriteFile(path, image, 0o644))

	parsed, err := Load(path, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, len(parsed))
	assert.Equal(t, "disk", parsed[0].Key)
	assert.Equal(t, "value", parsed[0].Value)
}

func TestEmptySnapshotHeader(t *testing.T) {
	snapshot := EmptySnapshot()
	require.True(t, len(snapshot) > len(magicHeader))
	assert.Equal(t, magicHeader, string(snapshot[:len(magicHeader)]))

	// The empty image must load as zero records.
	parsed, err := Parse(snapshot, 1000)
	require.NoError(t, err)
	assert.Empty(t, parsed)
}
