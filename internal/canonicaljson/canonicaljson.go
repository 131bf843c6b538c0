// Package canonicaljson implements the one true canonical-JSON encoding used
// everywhere a hash must be reproducible across processes and platforms:
// UTF-8, keys sorted ascending, no insignificant whitespace, non-ASCII
// escaped. Any drift here breaks ledger replay.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Marshal encodes v into canonical form. v is first round-tripped through
// encoding/json so that struct tags, omitempty, etc. are honored, then
// re-emitted with sorted object keys and compact separators.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: marshal: %w", err)
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicaljson: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the lowercase hex SHA-256 digest of v's canonical encoding.
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MustHash panics on encode failure; for use only where v is known-shaped.
func MustHash(v interface{}) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(normalizeNumber(val))
	case string:
		encodeString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
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
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicaljson: unsupported type %T", v)
	}
	return nil
}

// normalizeNumber re-renders a json.Number so integral floats do not carry a
// trailing ".0" from one marshal path but not another.
func normalizeNumber(n json.Number) string {
	if f, err := n.Float64(); err == nil {
		if math.Trunc(f) == f && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
			return fmt.Sprintf("%d", int64(f))
		}
	}
	return n.String()
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 || r > 0x7e {
				if r > 0xffff {
					r1, r2 := utf16Encode(r)
					fmt.Fprintf(buf, `\u%04x\u%04x`, r1, r2)
				} else {
					fmt.Fprintf(buf, `\u%04x`, r)
				}
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func utf16Encode(r rune) (rune, rune) {
	const (
		surr1 = 0xd800
		surr2 = 0xdc00
		surr3 = 0xe000
	)
	r -= 0x10000
	return surr1 + (r >> 10), surr2 + (r & 0x3ff)
}
