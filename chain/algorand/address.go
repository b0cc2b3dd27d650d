package algorand

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base32"

	"github.com/pkg/errors"
)

const (
	checksumLen   = 4
	addressLength = 58
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

func checksum(pk []byte) []byte {
	sum := sha512.Sum512_256(pk)
	return sum[len(sum)-checksumLen:]
}

// EncodeAddress renders an ed25519 public key as base32(pk || checksum).
func EncodeAddress(pk []byte) (string, error) {
	if len(pk) != ed25519.PublicKeySize {
		return "", errors.Errorf("algorand address needs a %d byte key, got %d", ed25519.PublicKeySize, len(pk))
	}
	raw := append(append([]byte{}, pk...), checksum(pk)...)
	return b32.EncodeToString(raw), nil
}

// DecodeAddress returns the public key behind addr.
func DecodeAddress(addr string) ([]byte, error) {
	if len(addr) != addressLength {
		return nil, errors.Errorf("algorand address should have %d characters", addressLength)
	}
	raw, err := b32.DecodeString(addr)
	if err != nil {
		return nil, errors.Wrap(err, "decode base32")
	}
	if len(raw) != ed25519.PublicKeySize+checksumLen || b32.EncodeToString(raw) != addr {
		return nil, errors.New("non canonical algorand address")
	}
	pk := raw[:ed25519.PublicKeySize]
	if !bytes.Equal(checksum(pk), raw[ed25519.PublicKeySize:]) {
		return nil, errors.New("algorand address checksum mismatch")
	}
	return pk, nil
}
