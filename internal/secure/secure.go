// Package secure provides the confidentiality primitives used to keep palm
// templates, user metadata and passcodes safe at rest.
package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/example/palmid/internal/palmerr"
)

// KeySize is the sealing key length in bytes.
const KeySize = chacha20poly1305.KeySize

// AEAD seals blobs with XChaCha20-Poly1305. The random nonce is stored in
// front of the ciphertext.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD builds a sealer from a KeySize byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, palmerr.Newf(palmerr.KindCryptoInvalidInput, "sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, palmerr.Wrap(palmerr.KindCryptoSecureAPI, "init cipher", err)
	}
	return &AEAD{aead: aead}, nil
}

// ParseKey decodes a hex encoded sealing key.
func ParseKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, palmerr.Wrap(palmerr.KindCryptoInvalidInput, "decode sealing key", err)
	}
	if len(key) != KeySize {
		return nil, palmerr.Newf(palmerr.KindCryptoInvalidInput, "sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyFromPassphrase derives a sealing key with argon2id.
func KeyFromPassphrase(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" || len(salt) < 8 {
		return nil, palmerr.New(palmerr.KindCryptoInvalidInput, "passphrase and a salt of at least 8 bytes are required")
	}
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, KeySize), nil
}

// Seal encrypts plaintext bound to aad.
func (a *AEAD) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, palmerr.Wrap(palmerr.KindCryptoSecureAPI, "read nonce", err)
	}
	return a.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal with the same aad.
func (a *AEAD) Open(sealed, aad []byte) ([]byte, error) {
	ns := a.aead.NonceSize()
	if len(sealed) < ns+a.aead.Overhead() {
		return nil, palmerr.New(palmerr.KindCryptoInvalidInput, "sealed blob too short")
	}
	plain, err := a.aead.Open(nil, sealed[:ns], sealed[ns:], aad)
	if err != nil {
		return nil, palmerr.Wrap(palmerr.KindCryptoSecureAPI, "open sealed blob", err)
	}
	return plain, nil
}

const (
	minPasscode = 4
	maxPasscode = 72
)

// HashPasscode returns a bcrypt hash of passcode.
func HashPasscode(passcode string) ([]byte, error) {
	if n := len(passcode); n < minPasscode || n > maxPasscode {
		return nil, palmerr.Newf(palmerr.KindCryptoInvalidInput, "passcode must be %d-%d bytes", minPasscode, maxPasscode)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return nil, palmerr.Wrap(palmerr.KindCryptoSecureAPI, "hash passcode", err)
	}
	return hash, nil
}

// ComparePasscode reports whether passcode matches hash.
func ComparePasscode(hash []byte, passcode string) bool {
	return len(hash) > 0 && bcrypt.CompareHashAndPassword(hash, []byte(passcode)) == nil
}

// GenerateKey returns a random sealing key, hex encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
