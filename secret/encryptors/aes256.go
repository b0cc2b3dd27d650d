// Package encryptors provides password based symmetric encryption for key
// material at rest.
package encryptors

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	Iterations = 5000
	SaltSize   = 32
	IVSize     = aes.BlockSize
	KeySize    = 32
)

// ErrIncorrectPassword is returned for every decryption failure. A wrong
// password and a corrupted ciphertext are not told apart.
var ErrIncorrectPassword = errors.New("incorrect password")

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, Iterations, KeySize, sha256.New)
}

// Encrypt returns salt || iv || AES-256-CBC(PKCS#7(data)) with a fresh
// random salt and iv.
func Encrypt(password string, data []byte) ([]byte, error) {
	prefix := make([]byte, SaltSize+IVSize)
	if _, err := io.ReadFull(rand.Reader, prefix); err != nil {
		return nil, errors.Wrap(err, "read random salt")
	}
	salt, iv := prefix[:SaltSize], prefix[SaltSize:]
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, errors.Wrap(err, "new cipher")
	}
	padded := pkcs7Pad(data, aes.BlockSize)
	out := make([]byte, len(prefix)+len(padded))
	copy(out, prefix)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(prefix):], padded)
	return out, nil
}

func Decrypt(password string, data []byte) ([]byte, error) {
	if len(data) < SaltSize+IVSize+aes.BlockSize || (len(data)-SaltSize-IVSize)%aes.BlockSize != 0 {
		return nil, ErrIncorrectPassword
	}
	salt, iv, body := data[:SaltSize], data[SaltSize:SaltSize+IVSize], data[SaltSize+IVSize:]
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, ErrIncorrectPassword
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)
	out, ok := pkcs7Unpad(plain, aes.BlockSize)
	if !ok {
		return nil, ErrIncorrectPassword
	}
	return out, nil
}

func pkcs7Pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, size int) ([]byte, bool) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}
