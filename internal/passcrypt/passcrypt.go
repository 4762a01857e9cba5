// Package passcrypt provides password-derived authenticated encryption
// for chat messages. A symmetric key is derived from the password with
// PBKDF2-HMAC-SHA256 (100000 iterations, 32-byte output) and used with
// AES-256-GCM. Ciphertext is framed as nonce (12 bytes) || sealed data,
// so decryption requires only the password.
//
// The derivation uses a fixed empty salt: the key is fully determined by
// the password, which lets any party holding the shared password decrypt
// any stored message without extra state. This is a deliberate
// simplification inherited from the original deployment, not best
// practice; it exposes common passwords to precomputed-table attacks.
// A hardened design would store a per-deployment or per-message salt.
//
// No state is kept between calls. The key is re-derived on every call,
// trading KDF CPU time for statelessness; callers must not invoke these
// functions while holding locks on shared state.
package passcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// NonceSize is the byte length of the GCM nonce (96 bits).
	NonceSize = 12
	// KeySize is the byte length of the AES-256 key.
	KeySize = 32
	// Iterations is the fixed PBKDF2 work factor.
	Iterations = 100_000
)

var (
	// ErrAuthentication is returned when a ciphertext fails integrity
	// verification: tampered, corrupted, or encrypted under a different
	// password.
	ErrAuthentication = errors.New("passcrypt: authentication failed")
	// ErrInvalidCiphertext is returned for inputs too short to carry a
	// nonce, i.e. malformed rather than unauthentic.
	ErrInvalidCiphertext = errors.New("passcrypt: invalid ciphertext")
)

// DeriveKey derives the 32-byte AES key for password. Same password,
// same key, every call.
func DeriveKey(password string) []byte {
	return pbkdf2.Key([]byte(password), nil, Iterations, KeySize, sha256.New)
}

// Encrypt seals plaintext under a key derived from password. The nonce
// is random per call, so two encryptions of the same plaintext differ.
func Encrypt(plaintext []byte, password string) ([]byte, error) {
	gcm, err := newGCM(DeriveKey(password))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt with the same password.
// A wrong password or any modification of the ciphertext yields
// ErrAuthentication, never silent garbage.
func Decrypt(ciphertext []byte, password string) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newGCM(DeriveKey(password))
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[:NonceSize]
	sealed := ciphertext[NonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// EncryptString encrypts plaintext and returns standard base64, the
// form stored in the message table.
func EncryptString(plaintext, password string) (string, error) {
	ct, err := Encrypt([]byte(plaintext), password)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptString reverses EncryptString. A base64 decode failure is
// reported as ErrInvalidCiphertext so callers can distinguish malformed
// input from an authentication failure.
func DecryptString(encoded, password string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", ErrInvalidCiphertext, err)
	}
	plaintext, err := Decrypt(ct, password)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm cipher: %w", err)
	}
	return gcm, nil
}
