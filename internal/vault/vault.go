// Package vault seals and unseals integration credentials with AES-256-GCM.
//
// Each credential field (refresh token, access id, access token) is sealed on
// its own into a Sealed triple of base64 ciphertext, IV and authentication tag.
// A fresh random IV is drawn from crypto/rand on every Seal, so sealing the
// same plaintext twice never yields the same IV or ciphertext.
//
// The vault knows nothing about which provider a credential belongs to. The
// cipher key is a process-wide secret supplied at startup and is never stored
// next to the ciphertext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Algorithm is the only cipher identifier persisted alongside sealed records.
const Algorithm = "aes-256-gcm"

const (
	keySize   = 32
	ivSize    = 12
	tagSize   = 16
	minSalt   = 16
	minRounds = 10000
	defRounds = 100000
)

var (
	// ErrKeyLengthInvalid is returned when the key is not exactly 32 bytes.
	ErrKeyLengthInvalid = errors.New("vault: key must be exactly 32 bytes for AES-256")
	// ErrSaltTooShort is returned when a passphrase salt is fewer than 16 bytes.
	ErrSaltTooShort = errors.New("vault: salt must be at least 16 bytes")
	// ErrAuthenticationFailure is returned when a sealed triple fails
	// authenticated decryption: tampering, corruption or the wrong key.
	ErrAuthenticationFailure = errors.New("vault: authentication failure")
	// ErrIncompleteTriple is returned when a triple has some but not all of
	// ciphertext, IV and tag.
	ErrIncompleteTriple = errors.New("vault: ciphertext, iv and tag must be present together")
	// ErrInvalidPlaintext is returned when base64-encoded plaintext cannot be decoded.
	ErrInvalidPlaintext = errors.New("vault: plaintext is not valid for the requested encoding")
	// ErrUnknownEncoding is returned for encodings other than utf8 and base64.
	ErrUnknownEncoding = errors.New("vault: unknown encoding")
)

// strict rejects non-zero padding bits so that no two stored strings decode
// to the same bytes.
var strict = base64.StdEncoding.Strict()

// Vault is safe for concurrent use; it holds only the immutable AEAD.
type Vault struct {
	aead cipher.AEAD
}

// New creates a vault from a 32-byte key. The key is copied.
func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, ErrKeyLengthInvalid
	}
	k := make([]byte, keySize)
	copy(k, key)

	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// FromBase64 creates a vault from a standard base64-encoded 32-byte key.
func FromBase64(encoded string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrKeyLengthInvalid
	}
	return New(key)
}

// FromPassphrase derives the key from a passphrase with PBKDF2-SHA256.
// Iteration counts below 10000 are raised to 100000.
func FromPassphrase(passphrase string, salt []byte, iterations int) (*Vault, error) {
	if len(salt) < minSalt {
		return nil, ErrSaltTooShort
	}
	if iterations < minRounds {
		iterations = defRounds
	}
	return New(pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New))
}

// GenerateKey returns a random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext after interpreting it with enc.
func (v *Vault) Seal(plaintext string, enc Encoding) (Sealed, error) {
	raw, err := enc.decode(plaintext)
	if err != nil {
		return Sealed{}, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Sealed{}, err
	}

	out := v.aead.Seal(nil, iv, raw, nil)
	ct, tag := out[:len(out)-tagSize], out[len(out)-tagSize:]

	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Unseal verifies and decrypts s, then renders the plaintext with enc.
// Any failure to decode or authenticate the triple is ErrAuthenticationFailure.
func (v *Vault) Unseal(s Sealed, enc Encoding) (string, error) {
	if !enc.Valid() {
		return "", ErrUnknownEncoding
	}
	if err := s.Validate(); err != nil {
		return "", err
	}

	ct, err := strict.DecodeString(s.Ciphertext)
	if err != nil {
		return "", ErrAuthenticationFailure
	}
	iv, err := strict.DecodeString(s.IV)
	if err != nil || len(iv) != ivSize {
		return "", ErrAuthenticationFailure
	}
	tag, err := strict.DecodeString(s.Tag)
	if err != nil || len(tag) != tagSize {
		return "", ErrAuthenticationFailure
	}

	buf := make([]byte, 0, len(ct)+tagSize)
	buf = append(buf, ct...)
	buf = append(buf, tag...)

	raw, err := v.aead.Open(nil, iv, buf, nil)
	if err != nil {
		return "", ErrAuthenticationFailure
	}
	return enc.encode(raw), nil
}
