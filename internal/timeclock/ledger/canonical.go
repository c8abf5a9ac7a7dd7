// Package ledger holds the pure, storage-free rules for the RFID scan
// ledger: canonical payload encoding, hash-chain verification, device
// signatures and duplicate-scan classification.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"
)

var (
	ErrPayloadNotObject = errors.New("payload must be a JSON object")
	ErrInvalidUTF8      = errors.New("payload is not valid UTF-8")
	ErrDuplicateKey     = errors.New("payload repeats an object key")
)

// Canonicalize re-encodes a JSON object payload in the canonical form shared
// with the ledger writer:
//
//   - no insignificant whitespace
//   - object keys sorted by byte order
//   - strings escaped like encoding/json without HTML escaping
//   - integers in base 10, other numbers via FormatFloat 'f' when
//     1e-6 <= |f| < 1e21 and 'e' otherwise (shortest round-trip digits)
//
// Payloads that are not valid UTF-8 or that repeat a key within one object
// are rejected, since decoding would otherwise rewrite them silently.
//
// Changing any of these rules breaks verification of every existing entry.
func Canonicalize(payload []byte) ([]byte, error) {
	if !utf8.Valid(payload) {
		return nil, ErrInvalidUTF8
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode payload: trailing data")
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, ErrPayloadNotObject
	}
	if err := checkDuplicateKeys(payload); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ChainHash computes SHA-256(prevHash ∥ canonicalPayload) as lowercase hex.
// prevHash is the previous entry's hex hash, or "" for the first entry.
func ChainHash(prevHash string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// Seal canonicalizes payload and returns the hash_chain value a writer
// must store for it.
func Seal(prevHash string, payload []byte) (string, error) {
	c, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return ChainHash(prevHash, c), nil
}

// checkDuplicateKeys walks the token stream of an already decoded payload.
func checkDuplicateKeys(payload []byte) error {
	type frame struct {
		keys    map[string]struct{} // nil for arrays
		wantKey bool
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var stack []*frame
	valueDone := func() {
		if n := len(stack); n > 0 && stack[n-1].keys != nil {
			stack[n-1].wantKey = true
		}
	}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}

		if n := len(stack); n > 0 && stack[n-1].keys != nil && stack[n-1].wantKey {
			if tok == json.Delim('}') {
				stack = stack[:n-1]
				valueDone()
				continue
			}
			key, _ := tok.(string)
			if _, dup := stack[n-1].keys[key]; dup {
				return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
			}
			stack[n-1].keys[key] = struct{}{}
			stack[n-1].wantKey = false
			continue
		}

		switch tok {
		case json.Delim('{'):
			stack = append(stack, &frame{keys: map[string]struct{}{}, wantKey: true})
		case json.Delim('['):
			stack = append(stack, &frame{})
		case json.Delim(']'):
			stack = stack[:len(stack)-1]
			valueDone()
		default:
			valueDone()
		}
	}
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		s, err := canonicalNumber(x)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case string:
		return writeString(buf, x)
	case []any:
		buf.WriteByte('[')
		for i, el := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported value %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonical: encode string: %w", err)
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

func canonicalNumber(n json.Number) (string, error) {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("canonical: invalid number %q", string(n))
	}
	if f == 0 {
		return "0", nil
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return strconv.FormatFloat(f, 'e', -1, 64), nil
}
