package crypt

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := hex.DecodeString(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("decode test key: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, plain := range []string{"", "a", "access-token-value", strings.Repeat("x", 2048)} {
		enc, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plain, err)
		}
		got, err := c.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plain, err)
		}
		if got != plain {
			t.Errorf("roundtrip mismatch: got %q want %q", got, plain)
		}
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	c, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, _ := c.Encrypt("same plaintext")
	b, _ := c.Encrypt("same plaintext")
	if a == b {
		t.Fatal("two encryptions of the same plaintext must differ")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	c, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	enc, err := c.Encrypt("refresh-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Flip one byte in the tag region and one in the ciphertext region.
	for _, idx := range []int{ivSize, len(raw) - 1} {
		tampered := append([]byte{}, raw...)
		tampered[idx] ^= 0x01
		if _, err := c.Decrypt(base64.StdEncoding.EncodeToString(tampered)); err == nil {
			t.Errorf("tampered byte %d: decrypt must fail", idx)
		}
	}
}

func TestDecryptRejectsShortInput(t *testing.T) {
	c, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	short := base64.StdEncoding.EncodeToString(make([]byte, ivSize+tagSize-1))
	if _, err := c.Decrypt(short); err == nil {
		t.Fatal("input shorter than iv+tag must be rejected")
	}
	if _, err := c.Decrypt("%%%not-base64%%%"); err == nil {
		t.Fatal("invalid base64 must be rejected")
	}
}

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("0f", 32)
	b64Key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"hex", hexKey, false},
		{"base64", b64Key, false},
		{"empty", "", true},
		{"short base64", base64.StdEncoding.EncodeToString(make([]byte, 16)), true},
		{"garbage", "not a key at all", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := ParseKey(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseKey(%q): expected error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKey(%q): %v", tc.in, err)
			}
			if len(key) != 32 {
				t.Fatalf("key length %d, want 32", len(key))
			}
		})
	}
}

func TestParseKeyHexTakesPriorityAt64Chars(t *testing.T) {
	// 64 hex chars are also valid base64 in some cases; hex must win.
	raw := strings.Repeat("ab", 32)
	key, err := ParseKey(raw)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	want, _ := hex.DecodeString(raw)
	for i := range key {
		if key[i] != want[i] {
			t.Fatal("64-char input must decode as hex")
		}
	}
}
