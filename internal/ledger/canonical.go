package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Canonical encoding of an entry's hashed fields:
//
//	subject_id | action | actor_id | metadata | previous_hash
//
// An absent subject_id or actor_id renders as the literal "None". Empty or
// nil metadata renders as the empty string. Non-empty metadata renders as
// compact JSON with object keys sorted by byte order at every depth, no HTML
// escaping, and numbers written from their decimal literal. The digest is the
// lowercase hex SHA-256 of the UTF-8 bytes of the joined string.
//
// These rules are shared with every other implementation of the ledger; any
// change makes existing hashes unreproducible.
const (
	fieldSeparator = "|"
	absentValue    = "None"
)

// Metadata is the free-form payload attached to an entry. It is opaque to
// the chain except for hashing.
type Metadata map[string]any

// NormalizeMetadata round-trips m through JSON so that the in-memory value
// has the same shape as one decoded from storage (json.Number for numbers,
// []any for arrays, map[string]any for objects).
func NormalizeMetadata(m map[string]any) (Metadata, error) {
	if len(m) == 0 {
		return Metadata{}, nil
	}
	raw, err := encodeJSON(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return DecodeMetadata(raw)
}

// DecodeMetadata parses stored metadata bytes, keeping number literals intact.
func DecodeMetadata(raw []byte) (Metadata, error) {
	md := Metadata{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return md, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

// Canonical returns the canonical rendering of the metadata ("" when empty).
func (m Metadata) Canonical() (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	raw, err := encodeJSON(map[string]any(m))
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

// Clone returns a deep copy of m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// String returns the string value stored at key, or "".
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Int64s returns the integers stored at key. Non-integer members are skipped.
func (m Metadata) Int64s(key string) []int64 {
	var out []int64
	switch vs := m[key].(type) {
	case []any:
		for _, v := range vs {
			if n, ok := toInt64(v); ok {
				out = append(out, n)
			}
		}
	case []int64:
		out = append(out, vs...)
	}
	return out
}

// Int64 returns the integer stored at key.
func (m Metadata) Int64(key string) (int64, bool) {
	return toInt64(m[key])
}

// CanonicalString joins the hashed fields using the canonical rules.
func CanonicalString(subjectID *string, action Action, actorID *int64, md Metadata, previousHash string) (string, error) {
	meta, err := md.Canonical()
	if err != nil {
		return "", err
	}
	subject := absentValue
	if subjectID != nil {
		subject = *subjectID
	}
	actor := absentValue
	if actorID != nil {
		actor = strconv.FormatInt(*actorID, 10)
	}
	return strings.Join([]string{subject, string(action), actor, meta, previousHash}, fieldSeparator), nil
}

// Hash computes entry_hash for the given logical fields. It is a pure function.
func Hash(subjectID *string, action Action, actorID *int64, md Metadata, previousHash string) (string, error) {
	s, err := CanonicalString(subjectID, action, actorID, md, previousHash)
	if err != nil {
		return "", err
	}
	return sha256Hex(s), nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// encodeJSON marshals v compactly with sorted map keys and without HTML escaping.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case Metadata:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
