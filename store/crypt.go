package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// secretBox seals secret share material with AES-256-GCM before it is
// written to disk. The key comes from the environment and never enters the
// database.
type secretBox struct {
	aead cipher.AEAD
}

func newSecretBox(key [32]byte) (*secretBox, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("unable to init cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("unable to init GCM: %w", err)
	}

	return &secretBox{aead: aead}, nil
}

// seal encrypts plaintext, prepending the random nonce.
func (s *secretBox) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("unable to sample nonce: %w", err)
	}

	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a sealed blob.
func (s *secretBox) open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("sealed blob too short")
	}

	nonce := sealed[:s.aead.NonceSize()]
	ciphertext := sealed[s.aead.NonceSize():]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt share: %w", err)
	}

	return plaintext, nil
}
