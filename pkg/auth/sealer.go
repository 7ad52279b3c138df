package auth

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 32
	keySize    = 32
	iterations = 100000
)

var sealMagic = []byte("igs1")

// ErrNotSealed is returned by Open for data that was never sealed
var ErrNotSealed = errors.New("data is not sealed")

// Sealer encrypts session blobs at rest with AES-GCM under a key derived
// from a passphrase with PBKDF2.
//
// Sealed layout: magic | salt | nonce | ciphertext. Keys are derived once
// per salt and cached, so sealing many records costs one derivation.
type Sealer struct {
	passphrase []byte
	salt       []byte

	mu   sync.Mutex
	keys map[string][]byte
}

// NewSealer creates a Sealer with a fresh random salt
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return &Sealer{
		passphrase: []byte(passphrase),
		salt:       salt,
		keys:       make(map[string][]byte),
	}, nil
}

func (s *Sealer) key(salt []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[string(salt)]; ok {
		return k
	}
	k := pbkdf2.Key(s.passphrase, salt, iterations, keySize, sha256.New)
	s.keys[string(salt)] = k
	return k
}

// Seal encrypts plaintext. Empty input stays empty.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	ct, err := encrypt(plaintext, s.key(s.salt))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	out := make([]byte, 0, len(sealMagic)+len(s.salt)+len(ct))
	out = append(out, sealMagic...)
	out = append(out, s.salt...)
	return append(out, ct...), nil
}

// Open decrypts data produced by Seal with the same passphrase.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	if !IsSealed(sealed) || len(sealed) < len(sealMagic)+saltSize {
		return nil, ErrNotSealed
	}
	salt := sealed[len(sealMagic) : len(sealMagic)+saltSize]
	pt, err := decrypt(sealed[len(sealMagic)+saltSize:], s.key(salt))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return pt, nil
}

// IsSealed reports whether data carries the sealed header
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealMagic)
}

// encrypt encrypts data using AES-GCM
func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt decrypts data using AES-GCM
func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
