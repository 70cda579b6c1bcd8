package pdu

// This file implements the key-value text format carried in login and
// text data segments (RFC 3720 Section 5.1): "Key=Value" pairs
// separated by NUL bytes, padded with NULs to a 4-byte boundary.
// Keys are case-sensitive ASCII.

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for text segment parsing.
var (
	// ErrMalformedPair indicates a text segment entry without '='.
	ErrMalformedPair = errors.New("malformed key-value pair")
)

// Pair is a single Key=Value entry. Order matters in SendTargets
// responses, so callers that need ordering use pairs rather than maps.
type Pair struct {
	Key   string
	Value string
}

// MarshalText emits pairs as "K=V\x00K=V\x00...", NUL-padded to a
// 4-byte boundary. Pair order is preserved.
func MarshalText(pairs []Pair) []byte {
	var n int
	for _, p := range pairs {
		n += len(p.Key) + 1 + len(p.Value) + 1
	}

	out := make([]byte, 0, PaddedLen(n))
	for _, p := range pairs {
		out = append(out, p.Key...)
		out = append(out, '=')
		out = append(out, p.Value...)
		out = append(out, 0)
	}
	for len(out)%dataPadding != 0 {
		out = append(out, 0)
	}

	return out
}

// VisitText parses a text segment and calls fn for each pair in wire
// order. SendTargets responses repeat keys, so the visitor form is the
// primitive; UnmarshalText collapses into a map for callers that do
// not care about duplicates.
func VisitText(data []byte, fn func(key, value string) error) error {
	for _, entry := range strings.Split(string(data), "\x00") {
		if entry == "" {
			continue // trailing padding
		}
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return fmt.Errorf("text entry %q: %w", entry, ErrMalformedPair)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalText parses a text segment into a map. Later duplicates of
// a key overwrite earlier ones.
func UnmarshalText(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	err := VisitText(data, func(k, v string) error {
		out[k] = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// ParsePairs parses a text segment preserving wire order and
// duplicates.
func ParsePairs(data []byte) ([]Pair, error) {
	var out []Pair
	err := VisitText(data, func(k, v string) error {
		out = append(out, Pair{Key: k, Value: v})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
