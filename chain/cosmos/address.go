package cosmos

import (
	"crypto/ed25519"
	"crypto/sha256"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/pkg/errors"
)

const (
	CurveSecp256k1 = "secp256k1"
	CurveEd25519   = "ed25519"
)

// accountID is the 20 byte address behind a public key.
func accountID(curve string, pub []byte) ([]byte, error) {
	switch curve {
	case CurveSecp256k1:
		if len(pub) != 33 {
			return nil, errors.Errorf("secp256k1 address needs a compressed key, got %d bytes", len(pub))
		}
		return btcutil.Hash160(pub), nil
	case CurveEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return nil, errors.Errorf("ed25519 address needs a %d byte key, got %d", ed25519.PublicKeySize, len(pub))
		}
		sum := sha256.Sum256(pub)
		return sum[:20], nil
	default:
		return nil, errors.Errorf("unsupported curve %q", curve)
	}
}

func EncodeAddress(prefix string, id []byte) (string, error) {
	conv, err := bech32.ConvertBits(id, 8, 5, true)
	if err != nil {
		return "", errors.Wrap(err, "convert bits")
	}
	return bech32.Encode(prefix, conv)
}

// DecodeAddress returns the lowercase form and the account bytes of addr.
// 32 byte module and interchain accounts are accepted as well.
func DecodeAddress(prefix, addr string) (string, []byte, error) {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return "", nil, errors.Wrap(err, "decode bech32")
	}
	if hrp != prefix {
		return "", nil, errors.Errorf("address prefix %q, want %q", hrp, prefix)
	}
	id, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", nil, errors.Wrap(err, "convert bits")
	}
	if len(id) != 20 && len(id) != 32 {
		return "", nil, errors.Errorf("address length %d", len(id))
	}
	return strings.ToLower(addr), id, nil
}
