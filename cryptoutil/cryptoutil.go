// Package cryptoutil provides the deterministic serialization and signature
// primitives the submission protocol signs over: canonical JSON, SHA-256
// hex digests and Ed25519 verification against base64url-without-padding
// encoded keys.
package cryptoutil

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// KeyFormatError is returned when a base64url key or signature is malformed
// or the wrong length after decoding.
type KeyFormatError struct {
	Field string
	Want  int
	Got   int
}

func (e *KeyFormatError) Error() string {
	if e.Got < 0 {
		return fmt.Sprintf("cryptoutil: %s is not valid unpadded base64url", e.Field)
	}
	return fmt.Sprintf("cryptoutil: %s has length %d, want %d", e.Field, e.Got, e.Want)
}

var base64urlPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CanonicalJSON serializes v deterministically: UTF-8, object keys sorted
// ascending, compact separators, no ASCII-escaping of non-ASCII runes. This
// determinism is required for Ed25519 verification to be stable across
// encoders and languages.
func CanonicalJSON(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf []byte
	buf, err = appendCanonical(buf, norm)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// normalize round-trips v through encoding/json so that every value -
// structs, maps with non-string-typed values, numbers - becomes one of the
// plain types appendCanonical knows how to walk in sorted-key order.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if t {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case json.Number:
		return append(buf, t.String()...), nil
	case string:
		return appendCanonicalString(buf, t), nil
	case []any:
		buf = append(buf, '[')
		for i, elem := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, elem)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonicalString(buf, k)
			buf = append(buf, ':')
			var err error
			buf, err = appendCanonical(buf, t[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("cryptoutil: unsupported type %T in canonical encoding", v)
	}
}

// appendCanonicalString writes s as a JSON string literal without escaping
// non-ASCII code points or HTML-sensitive ASCII (&, <, >), matching the
// canonical encoding's "no ASCII-escaping of non-ASCII" requirement.
func appendCanonicalString(buf []byte, s string) []byte {
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	// Encode appends a trailing newline; strip it.
	b := bytes.TrimRight(out.Bytes(), "\n")
	return append(buf, b...)
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyEd25519 reports whether sig is a valid Ed25519 signature over msg
// under pub, where pub and sig are base64url-without-padding strings. It
// returns a *KeyFormatError (not a bool result) for malformed inputs -
// invalid base64url alphabet, or decoded lengths other than 32 (pub) and 64
// (sig) bytes - and returns (false, nil) only for a well-formed but
// cryptographically invalid signature.
func VerifyEd25519(pubB64, sigB64 string, msg []byte) (bool, error) {
	pub, err := decodeUnpadded("public_key", pubB64, ed25519.PublicKeySize)
	if err != nil {
		return false, err
	}
	sig, err := decodeUnpadded("signature", sigB64, ed25519.SignatureSize)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
}

func decodeUnpadded(field, s string, wantLen int) ([]byte, error) {
	if !base64urlPattern.MatchString(s) {
		return nil, &KeyFormatError{Field: field, Got: -1}
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, &KeyFormatError{Field: field, Got: -1}
	}
	if len(raw) != wantLen {
		return nil, &KeyFormatError{Field: field, Want: wantLen, Got: len(raw)}
	}
	return raw, nil
}
