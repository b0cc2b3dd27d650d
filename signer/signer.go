// Package signer holds Signer implementations backed by local keys, an
// encrypted key store or a remote KMS.
package signer

import (
	"context"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/secret/curves"
)

// PrivateKeySigner signs with a private key held in memory.
type PrivateKeySigner struct {
	Verifier
	prv []byte
}

var _ chain.Signer = (*PrivateKeySigner)(nil)

func NewPrivateKeySigner(curveName string, prv []byte) (*PrivateKeySigner, error) {
	curve, err := curves.ByName(curveName)
	if err != nil {
		return nil, err
	}
	pub, err := curve.PublicFromPrivate(prv)
	if err != nil {
		return nil, err
	}
	return &PrivateKeySigner{
		Verifier: Verifier{curve: curve, pub: pub},
		prv:      append([]byte(nil), prv...),
	}, nil
}

func NewPrivateKeySignerFromHex(curveName, prvHex string) (*PrivateKeySigner, error) {
	prv, err := hex.DecodeString(trim0x(prvHex))
	if err != nil {
		return nil, errors.Wrap(err, "decode private key")
	}
	return NewPrivateKeySigner(curveName, prv)
}

func (s *PrivateKeySigner) Sign(ctx context.Context, digest []byte) ([]byte, int, error) {
	sig, err := s.curve.Sign(s.prv, digest)
	if err != nil {
		return nil, 0, err
	}
	if len(sig) == 65 {
		return sig[:64], int(sig[64]), nil
	}
	return sig, 0, nil
}

func (s *PrivateKeySigner) GetPrvkey() ([]byte, error) {
	return append([]byte(nil), s.prv...), nil
}

// Verifier checks signatures against a public key.
type Verifier struct {
	curve curves.Curve
	pub   []byte
}

var _ chain.Verifier = Verifier{}

func NewVerifier(curveName string, pub []byte) (Verifier, error) {
	curve, err := curves.ByName(curveName)
	if err != nil {
		return Verifier{}, err
	}
	if ec, ok := curve.(curves.ECCurve); ok {
		compressed, err := ec.SerializePublicKey(pub, true)
		if err != nil {
			return Verifier{}, err
		}
		pub = compressed
	} else if len(pub) != 32 {
		return Verifier{}, errors.Errorf("invalid %s public key length %d", curve.Name(), len(pub))
	}
	return Verifier{curve: curve, pub: append([]byte(nil), pub...)}, nil
}

func NewVerifierFromHex(curveName, pubHex string) (Verifier, error) {
	pub, err := hex.DecodeString(trim0x(pubHex))
	if err != nil {
		return Verifier{}, errors.Wrap(err, "decode public key")
	}
	return NewVerifier(curveName, pub)
}

func (v Verifier) GetPubkey(compressed bool) ([]byte, error) {
	if ec, ok := v.curve.(curves.ECCurve); ok {
		return ec.SerializePublicKey(v.pub, compressed)
	}
	return append([]byte(nil), v.pub...), nil
}

func (v Verifier) Verify(digest, signature []byte) (bool, error) {
	return v.curve.Verify(v.pub, digest, signature), nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
