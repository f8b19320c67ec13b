// Package cas provides content-addressing primitives: BLAKE3 hashing with
// domain separation and canonical JSON serialization. Every immutable object
// in the store (node payloads, snapshot pages, pack headers, history entries)
// is addressed by a Hash computed here.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// Hash is a BLAKE3-256 digest. The zero value is never a valid address.
type Hash [32]byte

// Zero is the all-zero hash, used as the "no object" sentinel.
var Zero Hash

// Hashing domains. Prepending the domain keeps payload bytes from ever
// colliding with page bytes that happen to be identical.
const (
	DomainPayload = "payload"
	DomainPage    = "page"
	DomainEntry   = "entry"
	DomainPack    = "pack"
	DomainRoute   = "route"
)

// Sum computes BLAKE3-256 over domain + "\n" + data.
func Sum(domain string, data []byte) Hash {
	h := blake3.New(32, nil)
	h.Write([]byte(domain))
	h.Write([]byte{'\n'})
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// PayloadHash addresses a node payload: BLAKE3("payload\n" + canonical JSON).
// Two payloads that differ only in key order or whitespace hash identically.
func PayloadHash(payload interface{}) (Hash, error) {
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return Zero, fmt.Errorf("canonicalize payload: %w", err)
	}
	return Sum(DomainPayload, canon), nil
}

// PageHash addresses an encoded snapshot page: BLAKE3("page\n" + bytes).
func PageHash(encoded []byte) Hash {
	return Sum(DomainPage, encoded)
}

// EntryHash addresses a history entry by its canonical JSON form. Ref
// history rows chain through these.
func EntryHash(v interface{}) (Hash, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return Zero, fmt.Errorf("canonicalize entry: %w", err)
	}
	return Sum(DomainEntry, canon), nil
}

// IsZero reports whether h is the sentinel zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Hex returns the full lowercase hex encoding.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex characters, enough for log lines.
func (h Hash) Short() string {
	return h.Hex()[:12]
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// MarshalText encodes the hash as lowercase hex. Makes Hash usable as a
// JSON string value and as a JSON map key.
func (h Hash) MarshalText() ([]byte, error) {
	dst := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(dst, h[:])
	return dst, nil
}

// UnmarshalText decodes a 64-character hex string.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHex decodes a 64-character hex string into a Hash.
func ParseHex(s string) (Hash, error) {
	var out Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse hash %q: %w", s, err)
	}
	if len(raw) != len(out) {
		return Zero, fmt.Errorf("parse hash %q: want %d bytes, got %d", s, len(out), len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// CanonicalJSON converts a value to canonical JSON: object keys sorted,
// no insignificant whitespace, array order preserved. The round trip
// through interface{} normalizes struct tags and numeric forms so that
// logically equal values encode byte-identically.
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var obj interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(raw)
		return nil
	}
}
