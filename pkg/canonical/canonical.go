// Package canonical produces the deterministic byte serialization used for
// hashing, signatures and equality checks. Object members are sorted by
// key, strings are NFC normalized and numbers use their shortest exact
// round-trippable form, so the output is stable across platforms.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Marshal encodes v into canonical JSON. v may be any value produced by
// decoding JSON (map[string]any, []any, string, bool, nil, float64,
// json.Number) or a struct/typed value, which is first round-tripped
// through encoding/json.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalString is Marshal returning a string.
func MarshalString(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Normalize parses raw JSON and re-encodes it canonically.
func Normalize(raw []byte) ([]byte, error) {
	v, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Marshal(v)
}

// Decode parses raw JSON preserving number precision via json.Number.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return v, nil
}

func encode(buf *bytes.Buffer, v any) error {
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
		return encodeFloat(buf, val)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		return encodeObject(buf, val)
	default:
		// Structs and other typed values take the long way through
		// encoding/json so canonical rules still apply to the result.
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("marshal %T: %w", v, err)
		}
		decoded, err := Decode(raw)
		if err != nil {
			return err
		}
		return encode(buf, decoded)
	}
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
		if err := encode(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeString writes a canonical JSON string: NFC normalized, no HTML
// escaping, U+2028/U+2029 left literal. Only control characters, the
// quote and the backslash are escaped.
func encodeString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return err
	}
	out := bytes.TrimSuffix(tmp.Bytes(), []byte("\n"))
	out = unescapeSeparators(out)
	buf.Write(out)
	return nil
}

// unescapeSeparators rewrites u2028/u2029 escape sequences back to
// literal characters. A preceding escaped backslash keeps its sequence
// intact.
func unescapeSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	var out bytes.Buffer
	for i := 0; i < len(b); {
		if b[i] == '\\' && i+1 < len(b) && b[i+1] == '\\' {
			out.WriteByte('\\')
			out.WriteByte('\\')
			i += 2
			continue
		}
		if bytes.HasPrefix(b[i:], []byte(`\u2028`)) {
			out.WriteRune('\u2028')
			i += 6
			continue
		}
		if bytes.HasPrefix(b[i:], []byte(`\u2029`)) {
			out.WriteRune('\u2029')
			i += 6
			continue
		}
		out.WriteByte(b[i])
		i++
	}
	return out.Bytes()
}

func encodeNumber(buf *bytes.Buffer, s string) error {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("number %q: %w", s, err)
	}
	return encodeFloat(buf, f)
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %v is not representable in JSON", f)
	}
	// Integral values inside the safe range render without a fraction or
	// exponent, matching the shortest round-trippable form.
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	// Go pads exponents to two digits ("1e-07"); the canonical form does not.
	if idx := strings.IndexAny(s, "eE"); idx >= 0 {
		mant, exp := s[:idx], s[idx+1:]
		sign := ""
		if exp[0] == '+' || exp[0] == '-' {
			sign, exp = string(exp[0]), exp[1:]
		}
		exp = strings.TrimLeft(exp, "0")
		if exp == "" {
			exp = "0"
		}
		if sign == "+" {
			sign = ""
		}
		s = mant + "e" + sign + exp
	}
	buf.WriteString(s)
	return nil
}
