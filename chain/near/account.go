package near

import (
	"crypto/ed25519"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/cosmos/btcutil/base58"
	"github.com/pkg/errors"
)

const (
	EncodingImplicit = "implicit"
	EncodingNamed    = "named"

	minAccountLen = 2
	maxAccountLen = 64
	keyPrefix     = "ed25519:"
)

var accountPattern = regexp.MustCompile(`^(([a-z\d]+[\-_])*[a-z\d]+\.)*([a-z\d]+[\-_])*[a-z\d]+$`)

func ValidAccountID(id string) bool {
	return len(id) >= minAccountLen && len(id) <= maxAccountLen && accountPattern.MatchString(id)
}

// IsImplicit reports whether id is the hex of an ed25519 public key.
func IsImplicit(id string) bool {
	if len(id) != 2*ed25519.PublicKeySize || strings.ToLower(id) != id {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// FormatPublicKey renders a key the way RPC nodes expect it.
func FormatPublicKey(pub []byte) string {
	return keyPrefix + base58.Encode(pub)
}

// ParsePublicKey accepts "ed25519:<base58>" or plain hex.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	var key []byte
	if strings.HasPrefix(s, keyPrefix) {
		key = base58.Decode(strings.TrimPrefix(s, keyPrefix))
	} else {
		b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return nil, errors.Wrap(err, "decode public key")
		}
		key = b
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, errors.Errorf("ed25519 public key should be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return key, nil
}
