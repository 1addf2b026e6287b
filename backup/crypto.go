package backup

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeyBytes   = chacha20poly1305.KeySize
	SaltBytes  = 16
	NonceBytes = chacha20poly1305.NonceSize

	envelopeVersion = 1
	headerBytes     = 1 + SaltBytes + NonceBytes
)

var (
	// ErrMalformedBlob is returned for blobs too short or of an unknown version.
	ErrMalformedBlob = errors.New("malformed backup blob")
	// ErrWrongPassphrase is returned when a blob does not authenticate.
	ErrWrongPassphrase = errors.New("backup could not be decrypted with this passphrase")
)

// DeriveKey stretches passphrase with argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, KeyBytes)
}

// NewSalt returns a random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Seal encrypts plaintext under key. The blob is
// version(1) | salt(16) | nonce(12) | ciphertext, with the header
// authenticated as associated data.
func Seal(key, salt, plaintext []byte) ([]byte, error) {
	if len(salt) != SaltBytes {
		return nil, errors.New("bad salt size")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, headerBytes, headerBytes+len(plaintext)+aead.Overhead())
	blob[0] = envelopeVersion
	copy(blob[1:], salt)
	nonce := blob[1+SaltBytes : headerBytes]
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(blob, nonce, plaintext, blob[:headerBytes]), nil
}

// Open decrypts a blob produced by Seal.
func Open(key, blob []byte) ([]byte, error) {
	if len(blob) < headerBytes || blob[0] != envelopeVersion {
		return nil, ErrMalformedBlob
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, blob[1+SaltBytes:headerBytes], blob[headerBytes:], blob[:headerBytes])
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

// SaltOf returns the salt recorded in a blob.
func SaltOf(blob []byte) ([]byte, error) {
	if len(blob) < headerBytes || blob[0] != envelopeVersion {
		return nil, ErrMalformedBlob
	}
	return append([]byte(nil), blob[1:1+SaltBytes]...), nil
}

// Decrypt opens a blob with the passphrase it was created under.
func Decrypt(passphrase string, blob []byte) ([]byte, error) {
	salt, err := SaltOf(blob)
	if err != nil {
		return nil, err
	}
	key := DeriveKey(passphrase, salt)
	defer zero(key)
	plaintext, err := Open(key, blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt backup: %w", err)
	}
	return plaintext, nil
}

// zero overwrites b with zeros in a constant-time friendly way.
func zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
