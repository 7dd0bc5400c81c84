// Package cryptoutil provides the crypto primitives for the session & credit
// core: bearer token generation and hashing, per-account key-encryption-keys,
// and the AES-GCM envelope that wraps private key material at rest.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Errors
var (
	ErrCryptoFailure = errors.New("crypto: decryption failed")
	ErrBadMasterKey  = errors.New("crypto: master key must be 32 bytes")
)

// kekInfoLabel is the fixed HKDF info prefix for per-account KEK derivation.
// Changing it invalidates every stored ciphertext.
const kekInfoLabel = "clawdfather/account-kek/v1/"

// GenerateToken produces a fresh bearer token. The returned plaintext is the
// lowercase hex encoding of 32 random bytes (64 chars) and is shown exactly
// once; the hash is what gets persisted.
func GenerateToken() (plaintext, hash string) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	plaintext = hex.EncodeToString(b)
	return plaintext, HashToken(plaintext)
}

// HashToken returns the stored form of a token: SHA-256 of the hex string.
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// DeriveKEK derives a 32-byte key-encryption-key for an account from the
// process-wide master secret via HKDF-SHA-256. Deterministic: the same
// (master, accountID) pair always yields the same KEK.
func DeriveKEK(master []byte, accountID string) ([]byte, error) {
	if len(master) != 32 {
		return nil, ErrBadMasterKey
	}
	r := hkdf.New(sha256.New, master, nil, []byte(kekInfoLabel+accountID))
	kek := make([]byte, 32)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, err
	}
	return kek, nil
}

// Seal encrypts plaintext under a 32-byte KEK with AES-256-GCM.
// The bundle is nonce || ciphertext+tag, base64-encoded.
func Seal(kek, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a Seal bundle. Any tag mismatch, truncation, or encoding
// problem yields ErrCryptoFailure; internals are never exposed to callers.
func Open(kek []byte, bundle string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(bundle)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	if len(raw) < gcm.NonceSize() {
		return nil, ErrCryptoFailure
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return plaintext, nil
}
