package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestDeriveKeyIsStableAndProjectScoped(t *testing.T) {
	k1 := DeriveKey("key-a", "project-1")
	k2 := DeriveKey("key-a", "project-1")
	if k1 != k2 {
		t.Fatal("DeriveKey must be deterministic for the same inputs")
	}

	k3 := DeriveKey("key-a", "project-2")
	if k1 == k3 {
		t.Fatal("DeriveKey must differ across projects sharing an api key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor("key-a", "project-1")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	payload := map[string]any{"event": "login_failed", "count": float64(3)}
	encoded, err := enc.Encrypt(payload, []byte("project-1"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	plaintext, err := enc.Decrypt(encoded, []byte("project-1"))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !strings.Contains(string(plaintext), "login_failed") {
		t.Fatalf("decrypted payload missing expected content: %s", plaintext)
	}
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	enc, err := NewEncryptor("key-a", "project-1")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	encoded, err := enc.Encrypt(map[string]string{"a": "b"}, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.URLEncoding.EncodeToString(raw)

	if _, err := enc.Decrypt(tampered, nil); err == nil {
		t.Fatal("expected Decrypt to reject a tampered ciphertext")
	}
}

func TestDecryptFailsOnMismatchedAssociatedData(t *testing.T) {
	enc, err := NewEncryptor("key-a", "project-1")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	encoded, err := enc.Encrypt(map[string]string{"a": "b"}, []byte("project-1"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := enc.Decrypt(encoded, []byte("project-2")); err == nil {
		t.Fatal("expected Decrypt to reject mismatched associated data")
	}
}

func TestVerifyRoundTripSucceedsForFreshEncryptor(t *testing.T) {
	enc, err := NewEncryptor("key-a", "project-1")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	if err := enc.VerifyRoundTrip(); err != nil {
		t.Fatalf("VerifyRoundTrip: %v", err)
	}
}

func TestSerializeJSONRejectsUnsupportedValues(t *testing.T) {
	if _, err := SerializeJSON(make(chan int)); err == nil {
		t.Fatal("expected a SerializationError for a channel value")
	} else if _, ok := err.(*SerializationError); !ok {
		t.Fatalf("expected *SerializationError, got %T", err)
	}
}
