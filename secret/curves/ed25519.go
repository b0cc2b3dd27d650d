package curves

import (
	"crypto/ed25519"

	"github.com/pkg/errors"
)

type ed25519Curve struct{}

func (ed25519Curve) Name() string {
	return Ed25519Name
}

func (ed25519Curve) PublicFromPrivate(prv []byte) ([]byte, error) {
	if len(prv) != ed25519.SeedSize {
		return nil, ErrInvalidPrivateKey
	}
	return ed25519.NewKeyFromSeed(prv).Public().(ed25519.PublicKey), nil
}

func (ed25519Curve) Sign(prv, digest []byte) ([]byte, error) {
	if len(prv) != ed25519.SeedSize {
		return nil, ErrInvalidPrivateKey
	}
	return ed25519.Sign(ed25519.NewKeyFromSeed(prv), digest), nil
}

func (ed25519Curve) Verify(pub, digest, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, digest, sig)
}

func IsEC(c Curve) (ECCurve, error) {
	ec, ok := c.(ECCurve)
	if !ok {
		return nil, errors.Errorf("curve %s does not support public derivation", c.Name())
	}
	return ec, nil
}
