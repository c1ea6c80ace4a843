package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
)

// KeyEncryptor seals private key material at rest with AES-256-GCM.
// Output format: [12-byte nonce][ciphertext][16-byte tag].
type KeyEncryptor struct {
	aead cipher.AEAD
}

// NewKeyEncryptor derives a 32-byte key from material with SHA-256.
func NewKeyEncryptor(material []byte) (*KeyEncryptor, error) {
	if len(material) == 0 {
		return nil, errors.New("cryptox: empty master key material")
	}
	key := sha256.Sum256(material)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptox: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create GCM: %w", err)
	}
	return &KeyEncryptor{aead: gcm}, nil
}

// LoadMasterKey reads key material from path. An empty path yields random
// material, which means encrypted keys will not survive a restart.
func LoadMasterKey(path string) ([]byte, error) {
	if path == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("cryptox: generate ephemeral master key: %w", err)
		}
		return buf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cryptox: read master key: %w", err)
	}
	return data, nil
}

func (e *KeyEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptox: generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *KeyEncryptor) Decrypt(data []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(data) < n {
		return nil, errors.New("cryptox: ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("cryptox: decryption failed: %w", err)
	}
	return plaintext, nil
}
