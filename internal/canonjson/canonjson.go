// Package canonjson provides the deterministic JSON serialization used for
// hashing and signing. The rules are fixed and must not drift: object keys
// are emitted sorted by code point, non-finite numbers become null, and
// fields whose value is absent are dropped entirely.
package canonjson

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Marshal serializes v into canonical JSON bytes. v may be any value
// representable by encoding/json; it is first normalized through the
// generic JSON model so struct tags apply.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalizing value: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decoding normalized value: %w", err)
	}

	var sb strings.Builder
	if err := encode(&sb, generic); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// HashSHA256 returns the canonical-JSON SHA-256 digest of v, formatted as
// "sha256:<b64url>" with unpadded URL-safe base64.
func HashSHA256(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// DigestSHA256 returns the raw SHA-256 digest of the canonical encoding of v.
func DigestSHA256(v any) ([]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

func encode(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if t {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case json.Number:
		return encodeNumber(sb, t)
	case float64:
		// Reachable only when callers hand in pre-decoded values.
		return encodeFloat(sb, t)
	case string:
		return encodeString(sb, t)
	case []any:
		sb.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := encode(sb, el); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		first := true
		for _, k := range keys {
			if !first {
				sb.WriteByte(',')
			}
			first = false
			if err := encodeString(sb, k); err != nil {
				return err
			}
			sb.WriteByte(':')
			if err := encode(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("canonjson: unsupported type %T", v)
	}
	return nil
}

func encodeNumber(sb *strings.Builder, n json.Number) error {
	// Integers pass through verbatim; everything else goes through the
	// float path so non-finite values collapse to null.
	if !strings.ContainsAny(n.String(), ".eE") {
		sb.WriteString(n.String())
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		sb.WriteString("null")
		return nil
	}
	return encodeFloat(sb, f)
}

func encodeFloat(sb *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		sb.WriteString("null")
		return nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding number: %w", err)
	}
	sb.Write(b)
	return nil
}

func encodeString(sb *strings.Builder, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding string: %w", err)
	}
	sb.Write(b)
	return nil
}
