// Package cryptobox protects session secrets with AES-256-GCM. Ciphertext
// is carried as a hex {enc, iv, tag} triple so the GCM tag can be stored
// and audited separately from the payload.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/example/connections-core/internal/model"
)

const gcmTagSize = 16

// ErrDecrypt is returned whenever ciphertext cannot be authenticated or
// decoded. Callers distinguish it from transport errors with errors.Is.
var ErrDecrypt = errors.New("cryptobox: decrypt failed")

// Box is a symmetric cipher bound to one 32-byte key.
type Box struct {
	aead cipher.AEAD
}

// New builds a Box from a hex-encoded 32-byte key.
func New(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: bad key encoding: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("cryptobox: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

func (b *Box) Encrypt(plaintext []byte) (model.EncryptedCookies, error) {
	iv := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return model.EncryptedCookies{}, err
	}
	sealed := b.aead.Seal(nil, iv, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]
	return model.EncryptedCookies{
		Enc: hex.EncodeToString(ciphertext),
		IV:  hex.EncodeToString(iv),
		Tag: hex.EncodeToString(tag),
	}, nil
}

func (b *Box) Decrypt(c model.EncryptedCookies) ([]byte, error) {
	ciphertext, err := hex.DecodeString(c.Enc)
	if err != nil {
		return nil, ErrDecrypt
	}
	iv, err := hex.DecodeString(c.IV)
	if err != nil {
		return nil, ErrDecrypt
	}
	tag, err := hex.DecodeString(c.Tag)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(iv) != b.aead.NonceSize() || len(tag) != gcmTagSize {
		return nil, ErrDecrypt
	}
	plaintext, err := b.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
