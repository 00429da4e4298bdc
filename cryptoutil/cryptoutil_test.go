package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONDeterminism(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"sorted keys", map[string]any{"b": 1, "a": 2}, `{"a":2,"b":1}`},
		{"nested sorting", map[string]any{"z": map[string]any{"y": 1, "x": 2}, "a": 0}, `{"a":0,"z":{"x":2,"y":1}}`},
		{"compact separators", map[string]any{"k": []any{1, 2, 3}}, `{"k":[1,2,3]}`},
		{"null and bools", map[string]any{"n": nil, "t": true, "f": false}, `{"f":false,"n":null,"t":true}`},
		{"non-ascii unescaped", map[string]any{"s": "héllo ✓"}, `{"s":"héllo ✓"}`},
		{"html chars unescaped", map[string]any{"s": "a<b&c>d"}, `{"s":"a<b&c>d"}`},
		{"bare array", []float64{1.5, 0.25}, `[1.5,0.25]`},
		{"empty object", map[string]any{}, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalJSON(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalJSONNumberPreservation(t *testing.T) {
	// Integers must not grow an exponent or trailing zeros on the way
	// through; the signed pre-image has to match what other encoders emit.
	got, err := CanonicalJSON(map[string]any{"assignment_id": int64(42), "score": 0.985})
	require.NoError(t, err)
	require.Equal(t, `{"assignment_id":42,"score":0.985}`, string(got))
}

func TestSHA256Hex(t *testing.T) {
	require.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Hex(nil))
	require.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		SHA256Hex([]byte("hello")))
}

func TestVerifyEd25519RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	msg := []byte(`{"assignment_id":1,"nonce":"job-1-abc","output_hash":"deadbeef"}`)
	sig := ed25519.Sign(priv, msg)

	pubB64 := base64.RawURLEncoding.EncodeToString(pub)
	sigB64 := base64.RawURLEncoding.EncodeToString(sig)

	ok, err := VerifyEd25519(pubB64, sigB64, msg)
	require.NoError(t, err)
	require.True(t, ok)

	// Well-formed but invalid signature: false, nil error.
	ok, err = VerifyEd25519(pubB64, sigB64, []byte("tampered"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyEd25519MalformedInputs(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	msg := []byte("msg")
	sig := ed25519.Sign(priv, msg)
	pubB64 := base64.RawURLEncoding.EncodeToString(pub)
	sigB64 := base64.RawURLEncoding.EncodeToString(sig)

	tests := []struct {
		name string
		pub  string
		sig  string
	}{
		{"empty public key", "", sigB64},
		{"padding character rejected", pubB64 + "=", sigB64},
		{"bad alphabet", "not+valid/b64", sigB64},
		{"short public key", base64.RawURLEncoding.EncodeToString(pub[:16]), sigB64},
		{"short signature", pubB64, base64.RawURLEncoding.EncodeToString(sig[:32])},
		{"long signature", pubB64, base64.RawURLEncoding.EncodeToString(append(sig, 0))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := VerifyEd25519(tt.pub, tt.sig, msg)
			require.False(t, ok)
			var kfe *KeyFormatError
			require.ErrorAs(t, err, &kfe)
		})
	}
}

func TestKeyFormatErrorMessage(t *testing.T) {
	e := &KeyFormatError{Field: "public_key", Want: 32, Got: 16}
	require.Contains(t, e.Error(), "public_key")
	require.Contains(t, e.Error(), "32")

	bad := &KeyFormatError{Field: "signature", Got: -1}
	require.Contains(t, bad.Error(), "base64url")
}
