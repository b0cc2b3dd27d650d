package curves

import (
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/pkg/errors"
)

type secp256k1Curve struct{}

func (secp256k1Curve) Name() string {
	return Secp256k1Name
}

func (secp256k1Curve) GroupOrder() *big.Int {
	return new(big.Int).Set(btcec.S256().N)
}

func secpPrivateKey(prv []byte) (*btcec.PrivateKey, error) {
	if len(prv) != 32 {
		return nil, ErrInvalidPrivateKey
	}
	var k btcec.ModNScalar
	if overflow := k.SetByteSlice(prv); overflow || k.IsZero() {
		return nil, ErrInvalidPrivateKey
	}
	key, _ := btcec.PrivKeyFromBytes(prv)
	return key, nil
}

func (secp256k1Curve) PublicFromPrivate(prv []byte) ([]byte, error) {
	key, err := secpPrivateKey(prv)
	if err != nil {
		return nil, err
	}
	return key.PubKey().SerializeCompressed(), nil
}

func (secp256k1Curve) Sign(prv, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	key, err := secpPrivateKey(prv)
	if err != nil {
		return nil, err
	}
	// compact form is [27+4+recid] || r || s
	compact := ecdsa.SignCompact(key, digest, true)
	out := make([]byte, 65)
	copy(out, compact[1:])
	out[64] = compact[0] - 27 - 4
	return out, nil
}

func (secp256k1Curve) Verify(pub, digest, sig []byte) bool {
	pubKey, err := btcec.ParsePubKey(pub)
	if err != nil {
		return false
	}
	rb, sb, _, err := splitSignature(sig)
	if err != nil {
		return false
	}
	var r, s btcec.ModNScalar
	if r.SetByteSlice(rb) || s.SetByteSlice(sb) || r.IsZero() || s.IsZero() {
		return false
	}
	return ecdsa.NewSignature(&r, &s).Verify(digest, pubKey)
}

func (secp256k1Curve) GetChildPublicKey(tweak, parent []byte) ([]byte, error) {
	parentKey, err := btcec.ParsePubKey(parent)
	if err != nil {
		return nil, errors.Wrap(err, "parse parent public key")
	}
	var k btcec.ModNScalar
	if overflow := k.SetByteSlice(tweak); overflow {
		return nil, nil
	}
	var parentPoint, tweakPoint, sum btcec.JacobianPoint
	parentKey.AsJacobian(&parentPoint)
	btcec.ScalarBaseMultNonConst(&k, &tweakPoint)
	btcec.AddNonConst(&parentPoint, &tweakPoint, &sum)
	if (sum.X.IsZero() && sum.Y.IsZero()) || sum.Z.IsZero() {
		return nil, nil
	}
	sum.ToAffine()
	return btcec.NewPublicKey(&sum.X, &sum.Y).SerializeCompressed(), nil
}

func (secp256k1Curve) SerializePublicKey(pub []byte, compressed bool) ([]byte, error) {
	key, err := btcec.ParsePubKey(pub)
	if err != nil {
		return nil, errors.Wrap(err, "parse public key")
	}
	if compressed {
		return key.SerializeCompressed(), nil
	}
	return key.SerializeUncompressed(), nil
}

// RecoverSecp256k1 recovers the compressed public key from an r||s||v
// signature over digest.
func RecoverSecp256k1(digest, sig []byte) ([]byte, error) {
	if len(sig) != 65 || sig[64] > 3 {
		return nil, errors.New("recoverable signature must be 65 bytes with v in 0..3")
	}
	compact := make([]byte, 65)
	compact[0] = 27 + 4 + sig[64]
	copy(compact[1:], sig[:64])
	key, _, err := ecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return nil, errors.Wrap(err, "recover public key")
	}
	return key.SerializeCompressed(), nil
}
