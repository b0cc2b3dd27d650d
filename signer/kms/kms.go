// Package kms signs secp256k1 digests with a Google Cloud KMS
// EC_SIGN_SECP256K1_SHA256 key.
package kms

import (
	"context"
	"encoding/asn1"
	"encoding/pem"
	"hash/crc32"
	"math/big"

	kmsapi "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ethereum/go-ethereum/log"
	"github.com/googleapis/gax-go/v2"
	"github.com/pkg/errors"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/secret/curves"
)

// Client is the subset of the KMS API the signer uses.
type Client interface {
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error)
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
}

var _ Client = (*kmsapi.KeyManagementClient)(nil)

var oidSecp256k1 = asn1.ObjectIdentifier{1, 3, 132, 0, 10}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func crc32c(b []byte) int64 {
	return int64(crc32.Checksum(b, castagnoli))
}

// NewClient dials Cloud KMS. An empty credentialsFile uses the ambient
// application default credentials.
func NewClient(ctx context.Context, credentialsFile string) (*kmsapi.KeyManagementClient, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := kmsapi.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		log.Error("new kms client fail", "err", err)
		return nil, errors.Wrap(err, "new kms client")
	}
	return client, nil
}

type Signer struct {
	client  Client
	keyName string
	pub     *btcec.PublicKey
}

var _ chain.Signer = (*Signer)(nil)

// NewSigner loads the public key of the key version keyName
// (projects/.../cryptoKeyVersions/N).
func NewSigner(ctx context.Context, client Client, keyName string) (*Signer, error) {
	resp, err := client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: keyName})
	if err != nil {
		return nil, mapError(err, keyName)
	}
	if resp.PemCrc32C != nil && crc32c([]byte(resp.Pem)) != resp.PemCrc32C.GetValue() {
		return nil, errors.New("kms public key checksum mismatch")
	}
	pub, err := parsePublicKeyPEM(resp.Pem)
	if err != nil {
		return nil, err
	}
	return &Signer{client: client, keyName: keyName, pub: pub}, nil
}

type subjectPublicKeyInfo struct {
	Algorithm struct {
		Algorithm  asn1.ObjectIdentifier
		Parameters asn1.ObjectIdentifier
	}
	PublicKey asn1.BitString
}

func parsePublicKeyPEM(data string) (*btcec.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("kms public key is not PEM")
	}
	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(block.Bytes, &spki); err != nil {
		return nil, errors.Wrap(err, "parse kms public key")
	}
	if !spki.Algorithm.Parameters.Equal(oidSecp256k1) {
		return nil, errors.Errorf("kms key curve %v is not secp256k1", spki.Algorithm.Parameters)
	}
	return btcec.ParsePubKey(spki.PublicKey.Bytes)
}

func (s *Signer) GetPubkey(compressed bool) ([]byte, error) {
	if compressed {
		return s.pub.SerializeCompressed(), nil
	}
	return s.pub.SerializeUncompressed(), nil
}

func (s *Signer) Verify(digest, signature []byte) (bool, error) {
	return curves.Secp256k1.Verify(s.pub.SerializeCompressed(), digest, signature), nil
}

func (s *Signer) GetPrvkey() ([]byte, error) {
	return nil, chain.NotImplemented("GetPrvkey on kms signer")
}

type derSignature struct {
	R, S *big.Int
}

// Sign asks KMS to sign the 32 byte digest and returns the low-s r||s with
// its recovery id.
func (s *Signer) Sign(ctx context.Context, digest []byte) ([]byte, int, error) {
	if len(digest) != 32 {
		return nil, 0, errors.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	resp, err := s.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name:         s.keyName,
		Digest:       &kmspb.Digest{Digest: &kmspb.Digest_Sha256{Sha256: digest}},
		DigestCrc32C: wrapperspb.Int64(crc32c(digest)),
	})
	if err != nil {
		return nil, 0, mapError(err, s.keyName)
	}
	if !resp.VerifiedDigestCrc32C {
		return nil, 0, errors.New("kms did not verify the digest checksum")
	}
	if resp.Name != "" && resp.Name != s.keyName {
		return nil, 0, errors.Errorf("kms signed with %s, want %s", resp.Name, s.keyName)
	}
	if resp.SignatureCrc32C != nil && crc32c(resp.Signature) != resp.SignatureCrc32C.GetValue() {
		return nil, 0, errors.New("kms signature checksum mismatch")
	}

	var sig derSignature
	if _, err := asn1.Unmarshal(resp.Signature, &sig); err != nil {
		return nil, 0, errors.Wrap(err, "parse kms signature")
	}
	n := btcec.S256().N
	if sig.S.Cmp(new(big.Int).Rsh(n, 1)) > 0 {
		sig.S = new(big.Int).Sub(n, sig.S)
	}
	rs := make([]byte, 64)
	sig.R.FillBytes(rs[:32])
	sig.S.FillBytes(rs[32:])

	want := s.pub.SerializeCompressed()
	compact := make([]byte, 65)
	copy(compact[1:], rs)
	for v := 0; v < 4; v++ {
		compact[0] = byte(27 + 4 + v)
		key, _, err := ecdsa.RecoverCompact(compact, digest)
		if err != nil {
			continue
		}
		if string(key.SerializeCompressed()) == string(want) {
			return rs, v, nil
		}
	}
	return nil, 0, errors.New("kms signature recovery id not found")
}

func mapError(err error, keyName string) error {
	switch status.Code(err) {
	case codes.NotFound:
		return chain.NewNotFoundError("kms key %s", keyName)
	case codes.PermissionDenied, codes.Unauthenticated:
		return errors.Wrapf(err, "kms access to %s denied", keyName)
	}
	return errors.Wrapf(err, "kms call on %s", keyName)
}
