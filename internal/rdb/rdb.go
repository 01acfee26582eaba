// Package rdb reads the snapshot subset used for startup bootstrap and
// replication full-resync transfer. Only string records are supported;
// the file is never written, only read.
package rdb

import "encoding/hex"

const (
	magicHeader = "REDIS0011"

	opCodeMetadata     = 0xFA
	opCodeResizeDB     = 0xFB
	opCodeExpireTimeMS = 0xFC
	opCodeExpireTime   = 0xFD
	opCodeSelectDB     = 0xFE
	opCodeEOF          = 0xFF

	typeString = 0x00
)

// emptySnapshotHex is the canonical empty-database image a leader sends
// during FULLRESYNC: header, metadata, EOF marker, checksum.
const emptySnapshotHex = "524544495330303131fa0972656469732d76657205372e322e30fa0a72656469732d62697473c040fa056374696d65c26d08bc65fa08757365642d6d656dc2b0c41000fa08616f662d62617365c000fff06e3bfec0ff5aa2"

var emptySnapshot []byte

func init() {
	var err error
	emptySnapshot, err = hex.DecodeString(emptySnapshotHex)
	if err != nil {
		panic("rdb: bad empty snapshot constant: " + err.Error())
	}
}

// EmptySnapshot returns the fixed empty-database snapshot bytes.
func EmptySnapshot() []byte {
	out := make([]byte, len(emptySnapshot))
	copy(out, emptySnapshot)
	return out
}
