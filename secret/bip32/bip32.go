// Package bip32 derives hierarchical keys following BIP32 and SLIP-0010.
package bip32

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/secret/curves"
)

const HardenedOffset uint32 = 0x80000000

var (
	ErrHardenedPublic     = errors.New("cannot derive a hardened child from a public key")
	ErrNonHardenedEd25519 = errors.New("ed25519 only supports hardened derivation")
	ErrPublicEd25519      = errors.New("ed25519 does not support public key derivation")
	ErrInvalidSeed        = errors.New("seed must be between 16 and 64 bytes")
)

// ExtendedKey is a key with its chain code. Key is a 32 byte private key or
// a 33 byte compressed public key.
type ExtendedKey struct {
	Key       []byte
	ChainCode []byte
}

func IsHardened(index uint32) bool {
	return index&HardenedOffset != 0
}

type KeyDeriver interface {
	GenerateMasterKeyFromSeed(seed []byte) (*ExtendedKey, error)
	// N turns an extended private key into the matching extended public key.
	N(prv *ExtendedKey) (*ExtendedKey, error)
	CKDPriv(parent *ExtendedKey, index uint32) (*ExtendedKey, error)
	CKDPub(parent *ExtendedKey, index uint32) (*ExtendedKey, error)
}

func hmacSHA512(key, data []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func ser32(i uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], i)
	return b[:]
}

func checkSeed(seed []byte) error {
	if len(seed) < 16 || len(seed) > 64 {
		return ErrInvalidSeed
	}
	return nil
}

// ECKeyDeriver implements BIP32 over an EC curve with the SLIP-0010 retry
// rule for invalid intermediate values.
type ECKeyDeriver struct {
	Curve   curves.ECCurve
	HmacKey []byte
}

func NewSecp256k1Deriver() *ECKeyDeriver {
	return &ECKeyDeriver{Curve: curves.Secp256k1, HmacKey: []byte("Bitcoin seed")}
}

func NewNistp256Deriver() *ECKeyDeriver {
	return &ECKeyDeriver{Curve: curves.Nistp256, HmacKey: []byte("Nist256p1 seed")}
}

func (d *ECKeyDeriver) validScalar(b []byte) bool {
	k := new(big.Int).SetBytes(b)
	return k.Sign() != 0 && k.Cmp(d.Curve.GroupOrder()) < 0
}

func (d *ECKeyDeriver) GenerateMasterKeyFromSeed(seed []byte) (*ExtendedKey, error) {
	if err := checkSeed(seed); err != nil {
		return nil, err
	}
	I := hmacSHA512(d.HmacKey, seed)
	for !d.validScalar(I[:32]) {
		I = hmacSHA512(d.HmacKey, I)
	}
	return &ExtendedKey{Key: append([]byte(nil), I[:32]...), ChainCode: append([]byte(nil), I[32:]...)}, nil
}

func (d *ECKeyDeriver) N(prv *ExtendedKey) (*ExtendedKey, error) {
	pub, err := d.Curve.PublicFromPrivate(prv.Key)
	if err != nil {
		return nil, err
	}
	return &ExtendedKey{Key: pub, ChainCode: append([]byte(nil), prv.ChainCode...)}, nil
}

func (d *ECKeyDeriver) CKDPriv(parent *ExtendedKey, index uint32) (*ExtendedKey, error) {
	var data []byte
	if IsHardened(index) {
		data = append([]byte{0x00}, parent.Key...)
	} else {
		pub, err := d.Curve.PublicFromPrivate(parent.Key)
		if err != nil {
			return nil, err
		}
		data = append([]byte(nil), pub...)
	}
	data = append(data, ser32(index)...)

	order := d.Curve.GroupOrder()
	parentKey := new(big.Int).SetBytes(parent.Key)
	for {
		I := hmacSHA512(parent.ChainCode, data)
		IL, IR := I[:32], I[32:]
		il := new(big.Int).SetBytes(IL)
		if il.Cmp(order) < 0 {
			child := new(big.Int).Add(il, parentKey)
			child.Mod(child, order)
			if child.Sign() != 0 {
				key := make([]byte, 32)
				child.FillBytes(key)
				return &ExtendedKey{Key: key, ChainCode: append([]byte(nil), IR...)}, nil
			}
		}
		data = append(append([]byte{0x01}, IR...), ser32(index)...)
	}
}

func (d *ECKeyDeriver) CKDPub(parent *ExtendedKey, index uint32) (*ExtendedKey, error) {
	if IsHardened(index) {
		return nil, ErrHardenedPublic
	}
	data := append(append([]byte(nil), parent.Key...), ser32(index)...)
	for {
		I := hmacSHA512(parent.ChainCode, data)
		IL, IR := I[:32], I[32:]
		child, err := d.Curve.GetChildPublicKey(IL, parent.Key)
		if err != nil {
			return nil, err
		}
		if child != nil {
			return &ExtendedKey{Key: child, ChainCode: append([]byte(nil), IR...)}, nil
		}
		data = append(append([]byte{0x01}, IR...), ser32(index)...)
	}
}

// ED25519KeyDeriver implements SLIP-0010 for ed25519, hardened only.
type ED25519KeyDeriver struct {
	HmacKey []byte
}

func NewEd25519Deriver() *ED25519KeyDeriver {
	return &ED25519KeyDeriver{HmacKey: []byte("ed25519 seed")}
}

func (d *ED25519KeyDeriver) GenerateMasterKeyFromSeed(seed []byte) (*ExtendedKey, error) {
	if err := checkSeed(seed); err != nil {
		return nil, err
	}
	I := hmacSHA512(d.HmacKey, seed)
	return &ExtendedKey{Key: append([]byte(nil), I[:32]...), ChainCode: append([]byte(nil), I[32:]...)}, nil
}

func (d *ED25519KeyDeriver) N(prv *ExtendedKey) (*ExtendedKey, error) {
	pub, err := curves.Ed25519.PublicFromPrivate(prv.Key)
	if err != nil {
		return nil, err
	}
	return &ExtendedKey{Key: pub, ChainCode: append([]byte(nil), prv.ChainCode...)}, nil
}

func (d *ED25519KeyDeriver) CKDPriv(parent *ExtendedKey, index uint32) (*ExtendedKey, error) {
	if !IsHardened(index) {
		return nil, ErrNonHardenedEd25519
	}
	data := append(append([]byte{0x00}, parent.Key...), ser32(index)...)
	I := hmacSHA512(parent.ChainCode, data)
	return &ExtendedKey{Key: append([]byte(nil), I[:32]...), ChainCode: append([]byte(nil), I[32:]...)}, nil
}

func (d *ED25519KeyDeriver) CKDPub(parent *ExtendedKey, index uint32) (*ExtendedKey, error) {
	return nil, ErrPublicEd25519
}

// ForCurve returns the deriver registered for a curve name.
func ForCurve(name string) (KeyDeriver, error) {
	switch name {
	case curves.Secp256k1Name, "":
		return NewSecp256k1Deriver(), nil
	case curves.Nistp256Name:
		return NewNistp256Deriver(), nil
	case curves.Ed25519Name:
		return NewEd25519Deriver(), nil
	}
	return nil, errors.Errorf("no key deriver for curve %q", name)
}
