package curves

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

type nistp256Curve struct{}

var p256 = elliptic.P256()

func (nistp256Curve) Name() string {
	return Nistp256Name
}

func (nistp256Curve) GroupOrder() *big.Int {
	return new(big.Int).Set(p256.Params().N)
}

func p256PrivateKey(prv []byte) (*ecdsa.PrivateKey, error) {
	if len(prv) != 32 {
		return nil, ErrInvalidPrivateKey
	}
	d := new(big.Int).SetBytes(prv)
	if d.Sign() == 0 || d.Cmp(p256.Params().N) >= 0 {
		return nil, ErrInvalidPrivateKey
	}
	key := &ecdsa.PrivateKey{D: d}
	key.PublicKey.Curve = p256
	key.PublicKey.X, key.PublicKey.Y = p256.ScalarBaseMult(pad32(prv))
	return key, nil
}

func (nistp256Curve) PublicFromPrivate(prv []byte) ([]byte, error) {
	key, err := p256PrivateKey(prv)
	if err != nil {
		return nil, err
	}
	return elliptic.MarshalCompressed(p256, key.X, key.Y), nil
}

func (c nistp256Curve) Sign(prv, digest []byte) ([]byte, error) {
	key, err := p256PrivateKey(prv)
	if err != nil {
		return nil, err
	}
	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, errors.Wrap(err, "p256 sign")
	}
	// normalize to low-s so signatures are canonical
	halfN := new(big.Int).Rsh(p256.Params().N, 1)
	if s.Cmp(halfN) > 0 {
		s.Sub(p256.Params().N, s)
	}
	out := make([]byte, 65)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:64])
	want := elliptic.MarshalCompressed(p256, key.X, key.Y)
	for v := 0; v < 2; v++ {
		if pub := recoverP256(digest, r, s, v); pub != nil && string(pub) == string(want) {
			out[64] = byte(v)
			return out, nil
		}
	}
	return nil, errors.New("p256 recovery id not found")
}

func (nistp256Curve) Verify(pub, digest, sig []byte) bool {
	x, y, err := unmarshalP256(pub)
	if err != nil {
		return false
	}
	rb, sb, _, err := splitSignature(sig)
	if err != nil {
		return false
	}
	key := &ecdsa.PublicKey{Curve: p256, X: x, Y: y}
	return ecdsa.Verify(key, digest, new(big.Int).SetBytes(rb), new(big.Int).SetBytes(sb))
}

func (nistp256Curve) GetChildPublicKey(tweak, parent []byte) ([]byte, error) {
	px, py, err := unmarshalP256(parent)
	if err != nil {
		return nil, errors.Wrap(err, "parse parent public key")
	}
	k := new(big.Int).SetBytes(tweak)
	if k.Cmp(p256.Params().N) >= 0 {
		return nil, nil
	}
	tx, ty := p256.ScalarBaseMult(pad32(tweak))
	x, y := p256.Add(px, py, tx, ty)
	if x.Sign() == 0 && y.Sign() == 0 {
		return nil, nil
	}
	return elliptic.MarshalCompressed(p256, x, y), nil
}

func (nistp256Curve) SerializePublicKey(pub []byte, compressed bool) ([]byte, error) {
	x, y, err := unmarshalP256(pub)
	if err != nil {
		return nil, err
	}
	if compressed {
		return elliptic.MarshalCompressed(p256, x, y), nil
	}
	return elliptic.Marshal(p256, x, y), nil
}

func unmarshalP256(pub []byte) (*big.Int, *big.Int, error) {
	var x, y *big.Int
	switch len(pub) {
	case 33:
		x, y = elliptic.UnmarshalCompressed(p256, pub)
	case 65:
		x, y = elliptic.Unmarshal(p256, pub)
	}
	if x == nil {
		return nil, nil, errors.New("invalid p256 public key")
	}
	return x, y, nil
}

// recoverP256 computes Q = r^-1 (sR - eG) for the R whose y parity is v.
func recoverP256(digest []byte, r, s *big.Int, v int) []byte {
	params := p256.Params()
	compressed := make([]byte, 33)
	compressed[0] = 0x02 + byte(v&1)
	r.FillBytes(compressed[1:])
	rx, ry := elliptic.UnmarshalCompressed(p256, compressed)
	if rx == nil {
		return nil
	}
	e := hashToInt(digest, params.N)
	rInv := new(big.Int).ModInverse(r, params.N)
	if rInv == nil {
		return nil
	}
	sRx, sRy := p256.ScalarMult(rx, ry, pad32(s.Bytes()))
	negE := new(big.Int).Sub(params.N, e)
	negE.Mod(negE, params.N)
	eGx, eGy := p256.ScalarBaseMult(pad32(negE.Bytes()))
	sumX, sumY := p256.Add(sRx, sRy, eGx, eGy)
	qx, qy := p256.ScalarMult(sumX, sumY, pad32(rInv.Bytes()))
	if qx.Sign() == 0 && qy.Sign() == 0 {
		return nil
	}
	return elliptic.MarshalCompressed(p256, qx, qy)
}

func hashToInt(digest []byte, n *big.Int) *big.Int {
	orderBytes := (n.BitLen() + 7) / 8
	if len(digest) > orderBytes {
		digest = digest[:orderBytes]
	}
	e := new(big.Int).SetBytes(digest)
	if excess := len(digest)*8 - n.BitLen(); excess > 0 {
		e.Rsh(e, uint(excess))
	}
	return e
}
