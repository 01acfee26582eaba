package rdb

import (
	"encoding/binary"
	"fmt"
	"os"

	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("rdb")

// Record is one restored key: value plus an optional absolute expiry in
// ms since epoch (0 = none).
type Record struct {
	Key       string
	Value     string
	ExpiresAt int64
}

// Load reads the snapshot at path and returns the live records in file
// order. A missing file yields an empty result without error. Records
// already expired at now are filtered out.
func Load(path string, now int64) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugf("no snapshot at %s, starting empty", path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return Parse(data, now)
}

// Parse decodes snapshot bytes. An unrecognized header yields an empty
// result with a warning; an unsupported record type or size encoding
// stops the parse and returns what was read so far.
func Parse(data []byte, now int64) ([]Record, error) {
	r := &reader{data: data}

	header := r.take(len(magicHeader))
	if string(header) != magicHeader {
		log.Warningf("unsupported snapshot header, ignoring file")
		return nil, nil
	}

	// Metadata section: 0xFA followed by a name/value string pair.
	for r.peek() == opCodeMetadata {
		r.pos++
		if _, ok := r.readString(); !ok {
			return nil, nil
		}
		if _, ok := r.readString(); !ok {
			return nil, nil
		}
	}

	// Database selector and resize hint.
	for !r.done() {
		b := r.data[r.pos]
		r.pos++
		if b == opCodeSelectDB {
			if _, ok := r.readSize(); !ok {
				return nil, nil
			}
		} else if b == opCodeResizeDB {
			if _, ok := r.readSize(); !ok {
				return nil, nil
			}
			if _, ok := r.readSize(); !ok {
				return nil, nil
			}
			break
		}
	}

	records := make([]Record, 0)
	for !r.done() {
		b := r.data[r.pos]
		r.pos++
		if b == opCodeEOF {
			break
		}

		var expiresAt int64
		switch b {
		case opCodeExpireTimeMS:
			raw := r.take(8)
			if raw == nil {
				return records, nil
			}
			expiresAt = int64(binary.LittleEndian.Uint64(raw))
			if r.done() {
				return records, nil
			}
			b = r.data[r.pos]
			r.pos++
		case opCodeExpireTime:
			raw := r.take(4)
			if raw == nil {
				return records, nil
			}
			expiresAt = int64(binary.LittleEndian.Uint32(raw)) * 1000
			if r.done() {
				return records, nil
			}
			b = r.data[r.pos]
			r.pos++
		}

		if b != typeString {
			log.Warningf("unsupported record type 0x%02X, stopping snapshot load", b)
			return records, nil
		}

		key, ok := r.readString()
		if !ok {
			return records, nil
		}
		value, ok := r.readString()
		if !ok {
			return records, nil
		}

		if expiresAt > 0 && expiresAt < now {
			continue
		}
		records = append(records, Record{Key: key, Value: value, ExpiresAt: expiresAt})
	}

	return records, nil
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) done() bool {
	return r.pos >= len(r.data)
}

func (r *reader) peek() byte {
	if r.done() {
		return 0
	}
	return r.data[r.pos]
}

func (r *reader) take(n int) []byte {
	if r.pos+n > len(r.data) {
		r.pos = len(r.data)
		return nil
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out
}

// readSize decodes the size prefix: the high two bits of the first byte
// pick a 6-bit inline, 14-bit, or 32-bit big-endian form. The special
// "11" encodings are not supported and abort the parse with a warning.
func (r *reader) readSize() (int, bool) {
	if r.done() {
		return 0, false
	}
	first := r.data[r.pos]
	r.pos++

	switch first >> 6 {
	case 0b00:
		return int(first & 0x3F), true
	case 0b01:
		raw := r.take(1)
		if raw == nil {
			return 0, false
		}
		return int(first&0x3F)<<8 | int(raw[0]), true
	case 0b10:
		raw := r.take(4)
		if raw == nil {
			return 0, false
		}
		return int(binary.BigEndian.Uint32(raw)), true
	default:
		log.Warningf("skipping unsupported special size encoding 0x%02X", first)
		return 0, false
	}
}

func (r *reader) readString() (string, bool) {
	size, ok := r.readSize()
	if !ok {
		return "", false
	}
	raw := r.take(size)
	if raw == nil {
		return "", false
	}
	return string(raw), true
}
