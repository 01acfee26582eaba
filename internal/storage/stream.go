package storage

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EntryID identifies a stream entry as a (milliseconds, sequence) pair,
// ordered numerically on ms then seq and rendered "ms-seq".
type EntryID struct {
	Ms  int64
	Seq int64
}

func (id EntryID) String() string {
	return strconv.FormatInt(id.Ms, 10) + "-" + strconv.FormatInt(id.Seq, 10)
}

func (id EntryID) Less(other EntryID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

func (id EntryID) LessEq(other EntryID) bool {
	return !other.Less(id)
}

// StreamEntry is one stream record: its ID plus a flat field/value list.
type StreamEntry struct {
	ID     EntryID
	Fields []string
}

// Stream keeps its entries in insertion order; XADD enforces that IDs
// strictly increase, so the last element is always the top item.
type Stream struct {
	Entries []StreamEntry
}

func (st *Stream) Last() (EntryID, bool) {
	if len(st.Entries) == 0 {
		return EntryID{}, false
	}
	return st.Entries[len(st.Entries)-1].ID, true
}

// StreamMatch pairs a stream key with the entries XREAD found for it.
type StreamMatch struct {
	Key     string
	Entries []StreamEntry
}

var (
	ErrStreamWrongType = errors.New("ERR key exists but is not a stream")
	ErrStreamIDZero    = errors.New("ERR The ID specified in XADD must be greater than 0-0")
	ErrStreamIDSmall   = errors.New("ERR The ID specified in XADD is equal or smaller than the target stream top item")
	errBadEntryID      = errors.New("ERR Invalid stream ID specified as stream command argument")
)

// parseEntryID parses "ms" or "ms-seq"; a bare ms gets defaultSeq.
func parseEntryID(spec string, defaultSeq int64) (EntryID, error) {
	msPart := spec
	seq := defaultSeq
	if idx := strings.IndexByte(spec, '-'); idx != -1 {
		msPart = spec[:idx]
		parsed, err := strconv.ParseInt(spec[idx+1:], 10, 64)
		if err != nil || parsed < 0 {
			return EntryID{}, errBadEntryID
		}
		seq = parsed
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil || ms < 0 {
		return EntryID{}, errBadEntryID
	}
	return EntryID{Ms: ms, Seq: seq}, nil
}

// XAdd appends an entry to the stream at key, creating the stream if the
// key is absent. idSpec is "*", "ms-*", or "ms-seq"; the final assigned
// ID string is returned. fields is a flat, even-length field/value list.
func (s *Store) XAdd(key, idSpec string, fields []string, now int64) (string, error) {
	val, exists := s.lookup(key, now)
	if exists && val.Type != StreamType {
		return "", ErrStreamWrongType
	}
	if !exists {
		val = &Value{Type: StreamType, Stream: &Stream{}}
		s.data[key] = val
	}
	st := val.Stream

	id, err := resolveEntryID(st, idSpec, now)
	if err != nil {
		return "", err
	}

	entry := StreamEntry{ID: id, Fields: append([]string(nil), fields...)}
	st.Entries = append(st.Entries, entry)
	return id.String(), nil
}

// resolveEntryID applies the XADD ID assignment rules against the
// stream's current top item.
func resolveEntryID(st *Stream, spec string, now int64) (EntryID, error) {
	last, hasLast := st.Last()

	if spec == "*" {
		id := EntryID{Ms: now, Seq: 0}
		if hasLast {
			if last.Ms >= id.Ms {
				id.Ms = last.Ms
				id.Seq = last.Seq + 1
			}
		}
		return id, nil
	}

	if strings.HasSuffix(spec, "-*") {
		ms, err := strconv.ParseInt(strings.TrimSuffix(spec, "-*"), 10, 64)
		if err != nil || ms < 0 {
			return EntryID{}, errBadEntryID
		}
		id := EntryID{Ms: ms}
		switch {
		case hasLast && last.Ms == ms:
			id.Seq = last.Seq + 1
		case ms == 0:
			id.Seq = 1
		default:
			id.Seq = 0
		}
		if hasLast && id.LessEq(last) {
			return EntryID{}, ErrStreamIDSmall
		}
		return id, nil
	}

	id, err := parseEntryID(spec, 0)
	if err != nil {
		return EntryID{}, err
	}
	if id.Ms == 0 && id.Seq == 0 {
		return EntryID{}, ErrStreamIDZero
	}
	if hasLast && id.LessEq(last) {
		return EntryID{}, ErrStreamIDSmall
	}
	return id, nil
}

// XRange returns the entries with start <= ID <= end. The spec forms
// "-" and "+" expand to the minimum and maximum IDs; a bare ms expands
// to ms-0 on the start bound and ms-max on the end bound. The second
// return value is false when the key is missing or not a stream.
func (s *Store) XRange(key, startSpec, endSpec string, now int64) ([]StreamEntry, bool, error) {
	val, exists := s.lookup(key, now)
	if !exists || val.Type != StreamType {
		return nil, false, nil
	}

	var start, end EntryID
	var err error
	if startSpec == "-" {
		start = EntryID{}
	} else if start, err = parseEntryID(startSpec, 0); err != nil {
		return nil, true, err
	}
	if endSpec == "+" {
		end = EntryID{Ms: math.MaxInt64, Seq: math.MaxInt64}
	} else if end, err = parseEntryID(endSpec, math.MaxInt64); err != nil {
		return nil, true, err
	}

	result := make([]StreamEntry, 0)
	for _, entry := range val.Stream.Entries {
		if start.LessEq(entry.ID) && entry.ID.LessEq(end) {
			result = append(result, entry)
		}
	}
	return result, true, nil
}

// XRead collects, for each (key, lastID) pair, the entries with IDs
// strictly greater than lastID. Streams without newer entries (or keys
// that are missing or not streams) are skipped.
func (s *Store) XRead(keys []string, lastIDs []string, now int64) ([]StreamMatch, error) {
	if len(keys) != len(lastIDs) {
		return nil, fmt.Errorf("ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified")
	}

	matches := make([]StreamMatch, 0, len(keys))
	for i, key := range keys {
		val, exists := s.lookup(key, now)
		if !exists || val.Type != StreamType {
			continue
		}
		after, err := parseEntryID(lastIDs[i], 0)
		if err != nil {
			return nil, err
		}

		entries := make([]StreamEntry, 0)
		for _, entry := range val.Stream.Entries {
			if after.Less(entry.ID) {
				entries = append(entries, entry)
			}
		}
		if len(entries) > 0 {
			matches = append(matches, StreamMatch{Key: key, Entries: entries})
		}
	}
	return matches, nil
}

// XLen reports the number of entries in the stream at key; missing keys
// count zero.
func (s *Store) XLen(key string, now int64) (int64, error) {
	val, exists := s.lookup(key, now)
	if !exists {
		return 0, nil
	}
	if val.Type != StreamType {
		return 0, ErrStreamWrongType
	}
	return int64(len(val.Stream.Entries)), nil
}
