// Package canon implements the canonical JSON serialization shared by the
// idempotency fingerprint and the audit chain payload hash: sorted object
// keys, normalized numbers, NFC-normalized strings, RFC3339 UTC
// timestamps, lowercase booleans, and no insignificant whitespace.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"sort"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Marshal decodes raw JSON and re-encodes it in canonical form. Numbers are
// parsed with arbitrary precision so large integers round-trip exactly.
func Marshal(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("canon: trailing data after JSON value")
	}

	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalValue canonicalizes an already-decoded Go value (map[string]any,
// []any, string, bool, json.Number, float64, int, time.Time, or nil).
func MarshalValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return encodeString(buf, val)
	case json.Number:
		return encodeNumber(buf, string(val))
	case float64:
		return encodeNumber(buf, strconvFloat(val))
	case int:
		buf.WriteString(fmt.Sprintf("%d", val))
		return nil
	case int64:
		buf.WriteString(fmt.Sprintf("%d", val))
		return nil
	case time.Time:
		return encodeString(buf, val.UTC().Format(time.RFC3339))
	case map[string]any:
		return encodeObject(buf, val)
	case []any:
		return encodeArray(buf, val)
	default:
		return fmt.Errorf("canon: unsupported type %T", v)
	}
}

func strconvFloat(f float64) string {
	return big.NewFloat(f).Text('f', -1)
}

// encodeNumber normalizes a numeric literal: integers are emitted without a
// decimal point, fractional values without trailing zeros, using
// arbitrary-precision parsing so large values do not lose digits.
func encodeNumber(buf *bytes.Buffer, numStr string) error {
	f, _, err := big.ParseFloat(numStr, 10, 256, big.ToNearestEven)
	if err != nil {
		return fmt.Errorf("canon: invalid number %q: %w", numStr, err)
	}

	if f.IsInt() {
		i, _ := f.Int(nil)
		buf.WriteString(i.String())
		return nil
	}

	buf.WriteString(f.Text('f', -1))
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("canon: encode string: %w", err)
	}
	buf.Write(encoded)
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
