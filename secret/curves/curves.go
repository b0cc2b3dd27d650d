// Package curves implements the signature curves used by wallet keys.
package curves

import (
	"math/big"

	"github.com/pkg/errors"
)

const (
	Secp256k1Name = "secp256k1"
	Nistp256Name  = "nistp256"
	Ed25519Name   = "ed25519"
)

var ErrInvalidPrivateKey = errors.New("invalid private key")

type Curve interface {
	Name() string
	// PublicFromPrivate returns the compressed public key for EC curves and
	// the 32 byte public key for ed25519.
	PublicFromPrivate(prv []byte) ([]byte, error)
	// Sign returns r||s||v for EC curves and the 64 byte signature for
	// ed25519.
	Sign(prv, digest []byte) ([]byte, error)
	Verify(pub, digest, sig []byte) bool
}

// ECCurve is a Weierstrass curve that supports public child derivation.
type ECCurve interface {
	Curve
	GroupOrder() *big.Int
	// GetChildPublicKey returns tweak*G + parent, or nil when tweak is not a
	// valid scalar or the sum is the point at infinity.
	GetChildPublicKey(tweak, parent []byte) ([]byte, error)
	// SerializePublicKey converts pub between compressed and uncompressed
	// forms.
	SerializePublicKey(pub []byte, compressed bool) ([]byte, error)
}

var (
	Secp256k1 ECCurve = secp256k1Curve{}
	Nistp256  ECCurve = nistp256Curve{}
	Ed25519   Curve   = ed25519Curve{}
)

func ByName(name string) (Curve, error) {
	switch name {
	case Secp256k1Name, "":
		return Secp256k1, nil
	case Nistp256Name, "p256", "secp256r1":
		return Nistp256, nil
	case Ed25519Name:
		return Ed25519, nil
	}
	return nil, errors.Errorf("unsupported curve %q", name)
}

func splitSignature(sig []byte) (r, s []byte, v int, err error) {
	switch len(sig) {
	case 64:
		return sig[:32], sig[32:], -1, nil
	case 65:
		return sig[:32], sig[32:64], int(sig[64]), nil
	}
	return nil, nil, 0, errors.Errorf("invalid signature length %d", len(sig))
}

func pad32(b []byte) []byte {
	if len(b) >= 32 {
		return b
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
