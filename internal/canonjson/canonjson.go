// Package canonjson produces the canonical JSON encoding that every
// NooterraPay signature and fingerprint is computed over: UTF-8, no
// insignificant whitespace, object keys sorted by code point, minimal
// number forms, minimal string escapes. Two encoders that disagree on a
// single byte produce incompatible tokens, so the rules here are fixed.
package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// MaxSafeInt is the largest integer magnitude representable without loss
// in a 64-bit float (2^53 - 1). Integers beyond it are rejected rather
// than silently rounded.
const MaxSafeInt = 1<<53 - 1

// ErrInvalidNumber reports a number that has no canonical form: an
// integer outside the safe range, NaN, or an infinity.
var ErrInvalidNumber = errors.New("INVALID_NUMBER")

// ErrUnsupportedValue reports a value that cannot be represented as
// JSON at all, such as a channel, a function, or a cyclic structure.
var ErrUnsupportedValue = errors.New("unsupported value")

// Marshal returns the canonical JSON encoding of v. The value is
// normalized first, so structs, numeric types, and json.Number inputs
// all converge on the same bytes.
func Marshal(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Hash returns SHA256Hex(Marshal(v)).
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// Normalize converts v into the generic tree the encoder accepts: nil,
// bool, string, int64, float64, []any, and map[string]any. Numbers are
// validated here: integers must be within ±MaxSafeInt, floats must be
// finite, and integral floats collapse to int64 so 2.0 and 2 hash alike.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return t, nil
	case string:
		return t, nil
	case int:
		return safeInt(int64(t))
	case int8:
		return safeInt(int64(t))
	case int16:
		return safeInt(int64(t))
	case int32:
		return safeInt(int64(t))
	case int64:
		return safeInt(t)
	case uint:
		return safeUint(uint64(t))
	case uint8:
		return safeUint(uint64(t))
	case uint16:
		return safeUint(uint64(t))
	case uint32:
		return safeUint(uint64(t))
	case uint64:
		return safeUint(t)
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case json.Number:
		return normalizeNumber(t)
	case json.RawMessage:
		return decodeAndNormalize([]byte(t))
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := Normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			n, err := Normalize(elem)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return normalizeOther(v)
	}
}

// normalizeOther routes structs, typed maps and slices, and pointers
// through encoding/json so json tags are honoured, then re-normalizes
// the generic result. NaN and infinities are caught up front because
// encoding/json reports them with an unhelpful error.
func normalizeOther(v any) (any, error) {
	if hasNaNOrInf(reflect.ValueOf(v)) {
		return nil, fmt.Errorf("%w: NaN or Infinity", ErrInvalidNumber)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return decodeAndNormalize(b)
}

func decodeAndNormalize(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return Normalize(generic)
}

func hasNaNOrInf(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		return math.IsNaN(f) || math.IsInf(f, 0)
	case reflect.Map:
		for _, key := range v.MapKeys() {
			if hasNaNOrInf(v.MapIndex(key)) {
				return true
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if hasNaNOrInf(v.Index(i)) {
				return true
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if hasNaNOrInf(v.Field(i)) {
				return true
			}
		}
	case reflect.Ptr, reflect.Interface:
		if !v.IsNil() {
			return hasNaNOrInf(v.Elem())
		}
	}
	return false
}

func safeInt(n int64) (any, error) {
	if n > MaxSafeInt || n < -MaxSafeInt {
		return nil, fmt.Errorf("%w: integer %d outside safe range", ErrInvalidNumber, n)
	}
	return n, nil
}

func safeUint(n uint64) (any, error) {
	if n > MaxSafeInt {
		return nil, fmt.Errorf("%w: integer %d outside safe range", ErrInvalidNumber, n)
	}
	return int64(n), nil
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: NaN or Infinity", ErrInvalidNumber)
	}
	if f == math.Trunc(f) {
		if f > MaxSafeInt || f < -MaxSafeInt {
			return nil, fmt.Errorf("%w: integer-valued %g outside safe range", ErrInvalidNumber, f)
		}
		return int64(f), nil
	}
	return f, nil
}

func normalizeNumber(n json.Number) (any, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: integer %s outside safe range", ErrInvalidNumber, s)
		}
		return safeInt(i)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidNumber, s)
	}
	return normalizeFloat(f)
}

// encode writes the canonical bytes of an already-normalized tree.
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
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case float64:
		buf.WriteString(formatFloat(t))
	case string:
		encodeString(buf, t)
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
		// Byte-wise order over UTF-8 equals code-point order.
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T after normalization", ErrUnsupportedValue, v)
	}
	return nil
}

// encodeString writes s with the minimal escape set: quote, backslash,
// the five short control escapes, and \u00xx for the remaining control
// characters. Everything else passes through as literal UTF-8.
func encodeString(buf *bytes.Buffer, s string) {
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
}

// formatFloat renders a non-integral finite float the way ECMAScript
// Number-to-string does, which is what existing token consumers parse.
// The shortest round-trip digits come from strconv; the layout (plain
// decimal vs exponent, sign conventions) follows the ES rules.
func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}
	// Shortest digits in the form d[.ddd]e±dd.
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	ePos := strings.IndexByte(sci, 'e')
	mant := sci[:ePos]
	exp10, _ := strconv.Atoi(sci[ePos+1:])
	digits := strings.Replace(mant, ".", "", 1)
	k := len(digits)
	n := exp10 + 1 // value == 0.digits * 10^n

	switch {
	case k <= n && n <= 21:
		return sign + digits + strings.Repeat("0", n-k)
	case 0 < n && n <= 21:
		return sign + digits[:n] + "." + digits[n:]
	case -6 < n && n <= 0:
		return sign + "0." + strings.Repeat("0", -n) + digits
	default:
		var b strings.Builder
		b.WriteString(sign)
		b.WriteByte(digits[0])
		if k > 1 {
			b.WriteByte('.')
			b.WriteString(digits[1:])
		}
		b.WriteByte('e')
		if n-1 >= 0 {
			b.WriteByte('+')
			b.WriteString(strconv.Itoa(n - 1))
		} else {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(1 - n))
		}
		return b.String()
	}
}
