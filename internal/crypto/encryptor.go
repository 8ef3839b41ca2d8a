// Package crypto implements the agent's payload encryption: a
// project-keyed AES-256-GCM authenticated cipher over the JSON-encoded
// batch, grounded in the original guard_agent/encryption.py
// implementation and using a base64-url framing of
// nonce‖ciphertext‖tag.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	nonceSize = 12 // 96 bits, GCM's recommended nonce size.
	keySize   = 32 // 256 bits, AES-256.
)

// EncryptionInitError reports that key derivation or the start-up
// round-trip probe failed; this aborts Handler.Start.
type EncryptionInitError struct {
	Cause error
}

func (e *EncryptionInitError) Error() string {
	return fmt.Sprintf("guard-agent: encryption init failed: %v", e.Cause)
}
func (e *EncryptionInitError) Unwrap() error { return e.Cause }

// EncryptionRuntimeError reports a per-batch encryption or serialisation
// failure; the batch is dropped and a counter incremented.
type EncryptionRuntimeError struct {
	Cause error
}

func (e *EncryptionRuntimeError) Error() string {
	return fmt.Sprintf("guard-agent: encryption failed: %v", e.Cause)
}
func (e *EncryptionRuntimeError) Unwrap() error { return e.Cause }

// DeriveKey computes the project's symmetric key: SHA-256 over the
// UTF-8 bytes of "apiKey:projectID". Deliberately plain crypto/sha256
// rather than an HKDF from golang.org/x/crypto: this exact derivation
// is fixed so any backend can recompute the same key, and swapping in
// a KDF would silently break interoperability rather than improve it.
func DeriveKey(apiKey, projectID string) [keySize]byte {
	return sha256.Sum256([]byte(apiKey + ":" + projectID))
}

// Encryptor performs authenticated encryption of telemetry payloads
// under a single derived project key.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor derives the project key and constructs the AES-256-GCM
// cipher. It does not perform the start-up round-trip check itself;
// callers should call VerifyRoundTrip once during Handler.Start and
// treat a failure as EncryptionInitError.
func NewEncryptor(apiKey, projectID string) (*Encryptor, error) {
	key := DeriveKey(apiKey, projectID)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, &EncryptionInitError{Cause: err}
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, &EncryptionInitError{Cause: err}
	}
	return &Encryptor{gcm: gcm}, nil
}

// Encrypt serialises v to JSON, encrypts it, and returns the base64-url
// framing nonce‖ciphertext‖tag. associatedData is optional
// authenticated (not encrypted) context.
func (e *Encryptor) Encrypt(v any, associatedData []byte) (string, error) {
	plaintext, err := SerializeJSON(v)
	if err != nil {
		return "", &EncryptionRuntimeError{Cause: err}
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", &EncryptionRuntimeError{Cause: fmt.Errorf("nonce generation: %w", err)}
	}

	sealed := e.gcm.Seal(nil, nonce, plaintext, associatedData)
	combined := append(nonce, sealed...)
	return base64.URLEncoding.EncodeToString(combined), nil
}

// Decrypt reverses Encrypt. Any tampering with the ciphertext, tag, or
// associated data causes GCM authentication to fail and Decrypt to
// return an error — it never returns partially-decrypted data.
func (e *Encryptor) Decrypt(encoded string, associatedData []byte) ([]byte, error) {
	combined, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("guard-agent: invalid payload encoding: %w", err)
	}
	if len(combined) < nonceSize {
		return nil, fmt.Errorf("guard-agent: payload too short to contain a nonce")
	}

	nonce, ciphertext := combined[:nonceSize], combined[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("guard-agent: payload authentication failed: %w", err)
	}
	return plaintext, nil
}

// VerifyRoundTrip encrypts and decrypts a 1-byte probe to confirm the
// derived key is usable end to end. Failure means Handler.Start must
// abort with EncryptionInitError.
func (e *Encryptor) VerifyRoundTrip() error {
	// The JSON encoding of the number 1 is the single byte "1".
	encoded, err := e.Encrypt(1, nil)
	if err != nil {
		return &EncryptionInitError{Cause: err}
	}
	plaintext, err := e.Decrypt(encoded, nil)
	if err != nil {
		return &EncryptionInitError{Cause: err}
	}
	if string(plaintext) != "1" {
		return &EncryptionInitError{Cause: fmt.Errorf("round-trip mismatch")}
	}
	return nil
}

// SerializeJSON marshals v with deterministic key ordering (Go's
// encoding/json already sorts map keys) and rejects values it cannot
// represent, mirroring the typed serialisation error the original
// Python agent raises for non-JSON-serialisable nodes.
func SerializeJSON(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Cause: err}
	}
	return out, nil
}

// SerializationError wraps a JSON marshalling failure of a batch that
// would otherwise be sent over the wire.
type SerializationError struct {
	Cause error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("guard-agent: payload not JSON-serialisable: %v", e.Cause)
}
func (e *SerializationError) Unwrap() error { return e.Cause }
