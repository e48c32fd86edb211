package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of every derived key
	KeySize = 32

	// SaltSize is the size of the random salt in a Verification
	SaltSize = 16

	// Overhead is the number of bytes Encrypt adds to a payload
	Overhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

	payloadInfo = "lanaudio.payload.v1"
	verifyInfo  = "lanaudio.verify.v1"
)

var (
	// ErrEmptySecret is returned by New for an empty secret
	ErrEmptySecret = errors.New("encryption secret is empty")

	// ErrDecrypt is returned when a payload fails authentication
	ErrDecrypt = errors.New("payload decryption failed")
)

// Encryption encrypts and decrypts audio payloads with XChaCha20-Poly1305 under a key
// derived from a shared secret. It is immutable and safe for concurrent use.
type Encryption struct {
	aead      cipher.AEAD
	verifyKey []byte
}

// New derives the payload and verification keys from secret
func New(secret string) (*Encryption, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	payloadKey, err := deriveKey([]byte(secret), payloadInfo)
	if err != nil {
		return nil, err
	}

	verifyKey, err := deriveKey([]byte(secret), verifyInfo)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(payloadKey)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	return &Encryption{aead: aead, verifyKey: verifyKey}, nil
}

// Encrypt seals plaintext as [nonce: 24 bytes][ciphertext+tag]
func (e *Encryption) Encrypt(plaintext []byte) ([]byte, error) {
	output := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, output); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}
	return e.aead.Seal(output, output[:chacha20poly1305.NonceSizeX], plaintext, nil), nil
}

// Decrypt opens a payload produced by Encrypt
func (e *Encryption) Decrypt(payload []byte) ([]byte, error) {
	if len(payload) < Overhead {
		return nil, fmt.Errorf("%w: payload is %d bytes, minimum is %d", ErrDecrypt, len(payload), Overhead)
	}

	nonce := payload[:chacha20poly1305.NonceSizeX]
	ciphertext := payload[chacha20poly1305.NonceSizeX:]

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong secret or tampered data", ErrDecrypt)
	}
	return plaintext, nil
}

// Verification creates a fresh token proving knowledge of the secret
func (e *Encryption) Verification() (Verification, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Verification{}, fmt.Errorf("generating verification salt: %w", err)
	}
	return Verification{
		Required: true,
		Salt:     salt,
		Digest:   e.digest(salt),
	}, nil
}

func (e *Encryption) digest(salt []byte) []byte {
	hasher, err := blake3.NewKeyed(e.verifyKey)
	if err != nil {
		panic("encryption: BLAKE3 keyed hash initialization failed (key must be 32 bytes): " + err.Error())
	}
	hasher.Write(salt)
	return hasher.Sum(nil)
}

// Verification is advertised by a server. A client that holds the same secret can
// recompute Digest from Salt; the secret itself is never sent.
type Verification struct {
	Required bool   `json:"required"`
	Salt     []byte `json:"salt,omitempty"`
	Digest   []byte `json:"digest,omitempty"`
}

// MatchesEncryption reports whether candidate was derived from the server's secret.
// A verification that does not require encryption matches anything, including nil.
func (v Verification) MatchesEncryption(candidate *Encryption) bool {
	if !v.Required {
		return true
	}
	if candidate == nil || len(v.Digest) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(candidate.digest(v.Salt), v.Digest) == 1
}

// MatchesSecret is MatchesEncryption for a raw secret
func (v Verification) MatchesSecret(secret string) bool {
	if !v.Required {
		return true
	}
	candidate, err := New(secret)
	if err != nil {
		return false
	}
	return v.MatchesEncryption(candidate)
}

// VerificationFor returns the token for e, or a non-required token when e is nil
func VerificationFor(e *Encryption) (Verification, error) {
	if e == nil {
		return Verification{}, nil
	}
	return e.Verification()
}

// deriveKey derives a KeySize key from secret with HKDF-SHA256
func deriveKey(secret []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}
