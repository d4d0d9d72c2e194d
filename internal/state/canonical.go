package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces a deterministic JSON encoding of a state:
// keys sorted lexicographically, strings NFC-normalized, floats formatted
// with strconv 'g' so the same value always produces the same bytes.
//
// This is the only serialization used for checkpoint hashing. It is an
// internal format, not interchange JSON; regular json.Marshal is fine for
// logs and CLI output.
func MarshalCanonical(s State) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range s.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := canonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := canonicalValue(s[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Checkpoint returns the SHA-256 hex digest of the canonical encoding.
// Two states compare bit-for-bit equal exactly when their checkpoints
// match, which is what rollback verification relies on.
func Checkpoint(s State) (string, error) {
	data, err := MarshalCanonical(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("nil attribute value")
	case Float:
		// NaN and Inf have no JSON encoding and would poison checkpoints.
		f := float64(val)
		if f != f || f > 1.7976931348623157e308 || f < -1.7976931348623157e308 {
			return nil, fmt.Errorf("non-finite float %v", f)
		}
		return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
	case Int:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case Bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case String:
		return canonicalString(string(val))
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// canonicalString encodes a string NFC-normalized with HTML escaping
// disabled, so the encoding depends only on the text content.
func canonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	// json.Encoder adds a trailing newline, remove it
	result := buf.Bytes()
	if len(result) > 0 && result[len(result)-1] == '\n' {
		result = result[:len(result)-1]
	}
	return result, nil
}
