// Package canonical implements the deterministic JSON encoding used for all
// content addressing in Nooterra. The output is bit-stable across
// implementations: object keys are sorted by UTF-16 code units, numbers are
// serialized ECMAScript-style, and HTML escaping is disabled.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"
)

var (
	// ErrNonFiniteNumber is returned for NaN or infinities.
	ErrNonFiniteNumber = errors.New("canonical: non-finite number")
	// ErrNegativeZero is returned for -0, which has no stable serialization.
	ErrNegativeZero = errors.New("canonical: negative zero")
	// ErrInvalidString is returned for strings that are not valid UTF-8
	// (the Go-side image of lone surrogates).
	ErrInvalidString = errors.New("canonical: string is not valid UTF-8")
	// ErrNonStringKey is returned for maps whose keys are not strings.
	ErrNonStringKey = errors.New("canonical: object keys must be strings")
)

// Marshal returns the canonical UTF-8 byte sequence for v.
//
// v may be any JSON-compatible value. Structs and typed values are first
// round-tripped through encoding/json (so struct tags are honored), then the
// decoded value model is serialized under the canonical rules. Values already
// in the decoded model (map[string]any, []any, string, json.Number, bool,
// nil) skip the round trip.
func Marshal(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// MustHash hashes v and panics on failure. Only for values the caller built
// itself from the decoded model.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

func toGeneric(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		map[string]any, []any:
		return t, nil
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05.000Z"), nil
	case map[any]any:
		return nil, ErrNonStringKey
	default:
		// Struct or typed value: round-trip through encoding/json,
		// preserving exact number text with UseNumber.
		intermediate, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(intermediate))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return nil, fmt.Errorf("canonical: intermediate decode failed: %w", err)
		}
		return generic, nil
	}
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, t)
	case json.Number:
		return encodeNumberText(buf, t.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
	case float32:
		return encodeFloat(buf, float64(t))
	case float64:
		return encodeFloat(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return utf16Less(keys[i], keys[j]) })
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case map[any]any:
		return ErrNonStringKey
	case time.Time:
		return encodeString(buf, t.UTC().Format("2006-01-02T15:04:05.000Z"))
	default:
		nested, err := toGeneric(v)
		if err != nil {
			return err
		}
		return encode(buf, nested)
	}
	return nil
}

// encodeString writes a JSON string the way JSON.stringify does: short
// escapes for the two-character sequences, \u00XX for remaining control
// characters, and no HTML escaping.
func encodeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidString
	}
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}

// encodeNumberText validates and emits a number that arrived as literal JSON
// text (json.Number). Integer literals pass through verbatim; anything with a
// fraction or exponent is re-serialized through the float path so the output
// matches JSON.stringify.
func encodeNumberText(buf *bytes.Buffer, text string) error {
	if text == "-0" {
		return ErrNegativeZero
	}
	if isIntegerLiteral(text) {
		buf.WriteString(text)
		return nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("canonical: invalid number %q: %w", text, err)
	}
	return encodeFloat(buf, f)
}

func isIntegerLiteral(text string) bool {
	if text == "" {
		return false
	}
	i := 0
	if text[0] == '-' {
		i = 1
	}
	if i == len(text) {
		return false
	}
	for ; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return false
		}
	}
	return true
}

// encodeFloat serializes an IEEE-754 double the way ECMAScript Number
// serialization does for the ranges this system produces: plain decimal for
// 1e-6 <= |v| < 1e21, exponent form outside, no trailing zeros.
func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrNonFiniteNumber
	}
	if f == 0 {
		if math.Signbit(f) {
			return ErrNegativeZero
		}
		buf.WriteByte('0')
		return nil
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		// ECMAScript prints "1e-7", Go pads to "1e-07".
		if i := strings.IndexByte(s, 'e'); i >= 0 && i+2 < len(s) && s[i+1] == '-' {
			exp := s[i+2:]
			for len(exp) > 1 && exp[0] == '0' {
				exp = exp[1:]
			}
			s = s[:i+2] + exp
		}
		buf.WriteString(s)
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

// utf16Less orders strings by their UTF-16 code units, the object key order
// JSON.stringify-based implementations produce.
func utf16Less(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	n := len(ua)
	if len(ub) < n {
		n = len(ub)
	}
	for i := 0; i < n; i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
