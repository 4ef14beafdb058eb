package engine

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of the encryption key accepted by Open.
const KeySize = 64

var keyCheckPlaintext = []byte("realmkit.key-check.v1")

// sealer encrypts row payloads with XChaCha20-Poly1305 keyed by a digest of the 64-byte key.
// The row class is bound as additional data.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	if key == nil {
		return nil, nil
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	derived := blake2b.Sum256(key)
	aead, err := chacha20poly1305.NewX(derived[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(class string, plaintext []byte) ([]byte, error) {
	if s == nil {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(class)), nil
}

func (s *sealer) open(class string, ciphertext []byte) ([]byte, error) {
	if s == nil {
		return ciphertext, nil
	}
	if len(ciphertext) < s.aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, body := ciphertext[:s.aead.NonceSize()], ciphertext[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, body, []byte(class))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (s *sealer) keyCheck() ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return s.seal(metaKeyCheck, keyCheckPlaintext)
}

// verify checks that s can open the stored key check value. A file without a key check
// was created unencrypted.
func (s *sealer) verify(stored []byte) error {
	switch {
	case s == nil && len(stored) == 0:
		return nil
	case s == nil || len(stored) == 0:
		return ErrDecryptionFailed
	}
	plaintext, err := s.open(metaKeyCheck, stored)
	if err != nil || !bytes.Equal(plaintext, keyCheckPlaintext) {
		return ErrDecryptionFailed
	}
	return nil
}
