// Package encryption provides the AES-256-CBC service used to protect
// brokerage credentials and session tokens at rest.
//
// Ciphertexts are stored as two concatenated base64 strings: the encrypted
// payload followed by the 16-byte IV. The IV segment is always the final
// 24 characters.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const ivEncodedLen = 24

// ErrDecrypt is returned for any ciphertext that cannot be decrypted,
// whether malformed, truncated, or produced under a different key.
var ErrDecrypt = errors.New("encryption: cannot decrypt ciphertext")

// AESService encrypts and decrypts strings with a fixed 32-byte key.
type AESService struct {
	key []byte
}

// NewAESService builds a service from a base64-encoded 32-byte key.
func NewAESService(encodedKey string) (*AESService, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return &AESService{key: key}, nil
}

// Encrypt encrypts plaintext under a fresh random IV and returns
// base64(ciphertext) + base64(iv).
func (s *AESService) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return base64.StdEncoding.EncodeToString(ct) + base64.StdEncoding.EncodeToString(iv), nil
}

// Decrypt reverses Encrypt. Any malformed input yields ErrDecrypt.
func (s *AESService) Decrypt(encoded string) (string, error) {
	if len(encoded) <= ivEncodedLen {
		return "", ErrDecrypt
	}

	iv, err := base64.StdEncoding.DecodeString(encoded[len(encoded)-ivEncodedLen:])
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrDecrypt
	}
	ct, err := base64.StdEncoding.DecodeString(encoded[:len(encoded)-ivEncodedLen])
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", ErrDecrypt
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding byte")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
