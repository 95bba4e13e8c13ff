// Package crypto encrypts the credentials blob at rest and hashes API keys.
//
// Grounded on the teacher's internal/account/crypto.go: AES-256-CBC with a
// scrypt-derived key, PKCS7 padding, "{iv_hex}:{ciphertext_hex}" wire format.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	keyLen       = 32
	staticSalt   = "kiro-gateway-credentials-v1"
	apiKeySaltID = "kiro-gateway-apikey-v1"
)

// Box derives and caches the AES key for the configured encryption secret,
// and hashes API keys with the same secret as salt material.
type Box struct {
	encryptionKey string

	mu          sync.RWMutex
	derivedKeys map[string][]byte
}

func New(encryptionKey string) *Box {
	return &Box{
		encryptionKey: encryptionKey,
		derivedKeys:   make(map[string][]byte),
	}
}

// DeriveKey scrypt-derives a 32-byte AES key for the given salt, caching the
// result since scrypt is deliberately expensive.
func (b *Box) DeriveKey(salt string) ([]byte, error) {
	b.mu.RLock()
	if k, ok := b.derivedKeys[salt]; ok {
		b.mu.RUnlock()
		return k, nil
	}
	b.mu.RUnlock()

	key, err := scrypt.Key([]byte(b.encryptionKey), []byte(salt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	b.mu.Lock()
	b.derivedKeys[salt] = key
	b.mu.Unlock()
	return key, nil
}

// Encrypt returns "{iv_hex}:{ciphertext_hex}" for plaintext, AES-256-CBC
// under the salt-derived key.
func (b *Box) Encrypt(plaintext string) (string, error) {
	key, err := b.DeriveKey(staticSalt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("read iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (b *Box) Decrypt(blob string) (string, error) {
	parts := bytes.SplitN([]byte(blob), []byte(":"), 2)
	if len(parts) != 2 {
		return "", errors.New("malformed ciphertext: expected iv:ciphertext")
	}

	iv, err := hex.DecodeString(string(parts[0]))
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	ciphertext, err := hex.DecodeString(string(parts[1]))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.New("ciphertext is not a multiple of the block size")
	}

	key, err := b.DeriveKey(staticSalt)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", errors.New("invalid iv length")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// HashAPIKey returns a salted SHA-256 digest of plaintext, hex-encoded — the
// "salted digest" the data model calls for, salted with the gateway's own
// secret rather than a per-key salt (same construction as the teacher's
// HashAPIKey, with a fixed domain-separation suffix).
func (b *Box) HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext + b.encryptionKey + apiKeySaltID))
	return hex.EncodeToString(sum[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	length := len(data)
	if length == 0 || length%blockSize != 0 {
		return nil, errors.New("pkcs7: invalid data length")
	}
	padLen := int(data[length-1])
	if padLen == 0 || padLen > blockSize || padLen > length {
		return nil, errors.New("pkcs7: invalid padding")
	}
	for _, b := range data[length-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("pkcs7: invalid padding")
		}
	}
	return data[:length-padLen], nil
}
