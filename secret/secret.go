// Package secret ties curves and key derivation together: mnemonic seeds,
// path derivation and key pairs.
package secret

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip39"

	"github.com/dapplink-baas/wallet-chain-provider/secret/bip32"
	"github.com/dapplink-baas/wallet-chain-provider/secret/curves"
)

// ParsePath parses "m/44'/60'/0'/0/0". Both ' and h mark hardened indexes.
func ParsePath(path string) ([]uint32, error) {
	path = strings.TrimSpace(path)
	if path == "m" || path == "M" {
		return []uint32{}, nil
	}
	if !strings.HasPrefix(path, "m/") && !strings.HasPrefix(path, "M/") {
		return nil, errors.Errorf("path %q must start with m/", path)
	}
	parts := strings.Split(path[2:], "/")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		hardened := false
		if strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h") || strings.HasSuffix(p, "H") {
			hardened = true
			p = p[:len(p)-1]
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil || n >= uint64(bip32.HardenedOffset) {
			return nil, errors.Errorf("invalid path segment %q in %q", p, path)
		}
		idx := uint32(n)
		if hardened {
			idx += bip32.HardenedOffset
		}
		out = append(out, idx)
	}
	return out, nil
}

// DerivePrivate derives the extended private key at path from seed.
func DerivePrivate(curve string, seed []byte, path string) (*bip32.ExtendedKey, error) {
	d, err := bip32.ForCurve(curve)
	if err != nil {
		return nil, err
	}
	indexes, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	key, err := d.GenerateMasterKeyFromSeed(seed)
	if err != nil {
		return nil, err
	}
	for _, idx := range indexes {
		if key, err = d.CKDPriv(key, idx); err != nil {
			return nil, errors.Wrapf(err, "derive %s", path)
		}
	}
	return key, nil
}

// DerivePublic derives a child public key from an extended public key along
// a relative path of non-hardened indexes such as "0/5".
func DerivePublic(curve string, parent *bip32.ExtendedKey, relative string) (*bip32.ExtendedKey, error) {
	d, err := bip32.ForCurve(curve)
	if err != nil {
		return nil, err
	}
	indexes, err := ParsePath("m/" + strings.TrimPrefix(relative, "/"))
	if err != nil {
		return nil, err
	}
	key := parent
	for _, idx := range indexes {
		if key, err = d.CKDPub(key, idx); err != nil {
			return nil, errors.Wrapf(err, "derive public %s", relative)
		}
	}
	return key, nil
}

func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	seed, err := bip39.NewSeedWithErrorChecking(strings.TrimSpace(mnemonic), passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mnemonic")
	}
	return seed, nil
}

func NewMnemonic(bits int) (string, error) {
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", errors.Wrap(err, "new entropy")
	}
	return bip39.NewMnemonic(entropy)
}

type KeyPair struct {
	Curve      curves.Curve
	PrivateKey []byte
	PublicKey  []byte
}

func NewKeyPair(curveName string, prv []byte) (*KeyPair, error) {
	curve, err := curves.ByName(curveName)
	if err != nil {
		return nil, err
	}
	pub, err := curve.PublicFromPrivate(prv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Curve: curve, PrivateKey: append([]byte(nil), prv...), PublicKey: pub}, nil
}

// KeyPairFromMnemonic derives the key pair at path for the mnemonic.
func KeyPairFromMnemonic(curveName, mnemonic, passphrase, path string) (*KeyPair, error) {
	seed, err := SeedFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	key, err := DerivePrivate(curveName, seed, path)
	if err != nil {
		return nil, err
	}
	return NewKeyPair(curveName, key.Key)
}
