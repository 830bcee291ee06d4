package cryptobox

import (
	"errors"
	"strings"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestRoundtrip(t *testing.T) {
	box, err := New(testKey)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	plaintext := []byte(`{"auth_token":"tok","csrf_token":"csrf"}`)
	enc, err := box.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if enc.Enc == "" || enc.IV == "" || enc.Tag == "" {
		t.Fatalf("incomplete ciphertext: %+v", enc)
	}
	got, err := box.Decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("roundtrip mismatch: %q", got)
	}
}

func TestNonceVaries(t *testing.T) {
	box, _ := New(testKey)
	a, _ := box.Encrypt([]byte("same"))
	b, _ := box.Encrypt([]byte("same"))
	if a.IV == b.IV || a.Enc == b.Enc {
		t.Fatalf("repeated encryption must not reuse the nonce")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	box, _ := New(testKey)
	enc, err := box.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	flip := func(s string) string {
		r := []byte(s)
		if r[0] == 'f' {
			r[0] = '0'
		} else {
			r[0] = 'f'
		}
		return string(r)
	}

	tampered := enc
	tampered.Tag = flip(enc.Tag)
	if _, err := box.Decrypt(tampered); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("tampered tag: got %v", err)
	}

	tampered = enc
	tampered.Enc = flip(enc.Enc)
	if _, err := box.Decrypt(tampered); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("tampered ciphertext: got %v", err)
	}

	tampered = enc
	tampered.IV = "zz" + enc.IV[2:]
	if _, err := box.Decrypt(tampered); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("bad hex iv: got %v", err)
	}

	tampered = enc
	tampered.Tag = enc.Tag[:len(enc.Tag)-2]
	if _, err := box.Decrypt(tampered); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("truncated tag: got %v", err)
	}

	other, _ := New(strings.Repeat("ff", 32))
	if _, err := other.Decrypt(enc); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("wrong key: got %v", err)
	}
}

func TestNewRejectsBadKeys(t *testing.T) {
	if _, err := New("not-hex"); err == nil {
		t.Fatalf("accepted non-hex key")
	}
	if _, err := New("abcd"); err == nil {
		t.Fatalf("accepted short key")
	}
	if _, err := New(strings.Repeat("00", 33)); err == nil {
		t.Fatalf("accepted long key")
	}
}
