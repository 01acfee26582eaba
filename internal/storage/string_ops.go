package storage

import (
	"fmt"
	"strconv"
)

// Set stores a string value. px is a relative TTL in milliseconds;
// zero means no expiry. An existing entry of any type is replaced.
func (s *Store) Set(key, value string, px int64, now int64) {
	var expiresAt int64
	if px > 0 {
		expiresAt = now + px
	}
	s.data[key] = &Value{
		Type:      StringType,
		Data:      value,
		ExpiresAt: expiresAt,
	}
}

// Get retrieves a string value by key. Non-string entries report as
// absent.
func (s *Store) Get(key string, now int64) (string, bool) {
	val, exists := s.lookup(key, now)
	if !exists || val.Type != StringType {
		return "", false
	}
	return val.Data, true
}

// Delete removes a key regardless of type. Expired entries count as
// already gone.
func (s *Store) Delete(key string, now int64) bool {
	_, exists := s.lookup(key, now)
	if !exists {
		return false
	}
	delete(s.data, key)
	return true
}

// Exists checks whether a key is present and unexpired.
func (s *Store) Exists(key string, now int64) bool {
	_, exists := s.lookup(key, now)
	return exists
}

// Keys returns every live string-typed key, sweeping out the expired
// string entries it observes during the scan.
func (s *Store) Keys(now int64) []string {
	keys := make([]string, 0, len(s.data))
	expired := make([]string, 0)

	for key, val := range s.data {
		if val.Type != StringType {
			continue
		}
		if val.ExpiresAt > 0 && now >= val.ExpiresAt {
			expired = append(expired, key)
			continue
		}
		keys = append(keys, key)
	}
	for _, key := range expired {
		delete(s.data, key)
	}

	return keys
}

// Type reports "string", "stream", or "none", treating expired entries
// as absent.
func (s *Store) Type(key string, now int64) string {
	val, exists := s.lookup(key, now)
	if !exists {
		return "none"
	}
	return val.Type.String()
}

// TTL returns the remaining time-to-live in seconds.
// -2 if the key does not exist, -1 if it has no expiry.
func (s *Store) TTL(key string, now int64) int64 {
	val, exists := s.lookup(key, now)
	if !exists {
		return -2
	}
	if val.ExpiresAt == 0 {
		return -1
	}
	return (val.ExpiresAt - now) / 1000
}

// IncrBy adjusts the integer value of a string key by delta, creating
// the key at zero when absent. The result is stored back as a string to
// match Redis behavior.
func (s *Store) IncrBy(key string, delta int64, now int64) (int64, error) {
	var current int64
	if val, exists := s.lookup(key, now); exists {
		if val.Type != StringType {
			return 0, fmt.Errorf("ERR value is not an integer or out of range")
		}
		parsed, err := strconv.ParseInt(val.Data, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("ERR value is not an integer or out of range")
		}
		current = parsed
	}

	current += delta
	s.data[key] = &Value{
		Type: StringType,
		Data: strconv.FormatInt(current, 10),
	}
	return current, nil
}
