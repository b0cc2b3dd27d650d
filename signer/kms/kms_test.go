package kms

import (
	"context"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/secret/curves"
)

const testKeyName = "projects/p/locations/global/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1"

type fakeKMS struct {
	key    *btcec.PrivateKey
	highS  bool
	failNF bool
}

func (f *fakeKMS) GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error) {
	if f.failNF {
		return nil, status.Error(codes.NotFound, "no such key")
	}
	var spki subjectPublicKeyInfo
	spki.Algorithm.Algorithm = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	spki.Algorithm.Parameters = oidSecp256k1
	raw := f.key.PubKey().SerializeUncompressed()
	spki.PublicKey = asn1.BitString{Bytes: raw, BitLength: len(raw) * 8}
	der, err := asn1.Marshal(spki)
	if err != nil {
		return nil, err
	}
	p := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return &kmspb.PublicKey{Pem: p, PemCrc32C: wrapperspb.Int64(crc32c([]byte(p)))}, nil
}

func (f *fakeKMS) AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {
	digest := req.GetDigest().GetSha256()
	sig := ecdsa.Sign(f.key, digest).Serialize()
	if f.highS {
		var parsed derSignature
		if _, err := asn1.Unmarshal(sig, &parsed); err != nil {
			return nil, err
		}
		parsed.S = new(big.Int).Sub(btcec.S256().N, parsed.S)
		var err error
		if sig, err = asn1.Marshal(parsed); err != nil {
			return nil, err
		}
	}
	return &kmspb.AsymmetricSignResponse{
		Signature:            sig,
		SignatureCrc32C:      wrapperspb.Int64(crc32c(sig)),
		VerifiedDigestCrc32C: req.GetDigestCrc32C().GetValue() == crc32c(digest),
		Name:                 req.GetName(),
	}, nil
}

func TestKMSSigner(t *testing.T) {
	for _, highS := range []bool{false, true} {
		key, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		fake := &fakeKMS{key: key, highS: highS}

		s, err := NewSigner(context.Background(), fake, testKeyName)
		require.NoError(t, err)
		pub, err := s.GetPubkey(true)
		require.NoError(t, err)
		require.Equal(t, key.PubKey().SerializeCompressed(), pub)

		digest := sha256.Sum256([]byte("kms"))
		sig, v, err := s.Sign(context.Background(), digest[:])
		require.NoError(t, err)
		require.Len(t, sig, 64)
		require.True(t, new(big.Int).SetBytes(sig[32:]).Cmp(new(big.Int).Rsh(btcec.S256().N, 1)) <= 0)

		recovered, err := curves.RecoverSecp256k1(digest[:], append(sig, byte(v)))
		require.NoError(t, err)
		require.Equal(t, pub, recovered)

		ok, err := s.Verify(digest[:], sig)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestKMSSignerErrors(t *testing.T) {
	_, err := NewSigner(context.Background(), &fakeKMS{failNF: true}, testKeyName)
	require.True(t, chain.IsNotFound(err))

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	s, err := NewSigner(context.Background(), &fakeKMS{key: key}, testKeyName)
	require.NoError(t, err)
	_, err = s.GetPrvkey()
	var notImpl *chain.NotImplementedError
	require.ErrorAs(t, err, &notImpl)

	_, _, err = s.Sign(context.Background(), []byte("short"))
	require.Error(t, err)
}
