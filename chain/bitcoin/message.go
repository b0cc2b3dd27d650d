package bitcoin

import (
	"bytes"
	"context"
	"encoding/base64"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
)

const messageMagic = "Bitcoin Signed Message:\n"

// BIP137 header bases per address type. The recovery id is added on top.
var messageHeaderBase = map[string]byte{
	EncodingP2PKH:      31,
	EncodingP2SHP2WPKH: 35,
	EncodingP2WPKH:     39,
}

func messageDigest(message string) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarString(&buf, 0, messageMagic); err != nil {
		return nil, err
	}
	if err := wire.WriteVarString(&buf, 0, message); err != nil {
		return nil, err
	}
	return chainhash.DoubleHashB(buf.Bytes()), nil
}

// SignMessage produces a base64 compact signature. The header byte follows
// the encoding named by the "messageEncoding" chain option, P2PKH by default.
func (c *ChainAdaptor) SignMessage(ctx context.Context, msg *chain.TypedMessage, signer chain.Signer) (string, error) {
	if err := chain.CheckIsDefined(msg, "message"); err != nil {
		return "", err
	}
	encoding, err := normalizeEncoding(c.Info.ImplOptions.String("messageEncoding", EncodingP2PKH))
	if err != nil {
		return "", err
	}
	base, ok := messageHeaderBase[encoding]
	if !ok {
		return "", chain.NotImplemented("message signing for " + encoding)
	}
	digest, err := messageDigest(msg.Message)
	if err != nil {
		return "", err
	}
	rs, v, err := signer.Sign(ctx, digest)
	if err != nil {
		return "", err
	}
	if len(rs) < 64 {
		return "", errors.Errorf("unexpected signature length %d", len(rs))
	}
	sig := make([]byte, 65)
	sig[0] = base + byte(v)
	copy(sig[1:], rs[:64])
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (c *ChainAdaptor) VerifyMessage(ctx context.Context, address string, msg *chain.TypedMessage, signature string) (bool, error) {
	if err := chain.CheckIsDefined(msg, "message"); err != nil {
		return false, err
	}
	addr, err := btcutil.DecodeAddress(address, c.params)
	if err != nil {
		return false, nil
	}
	encoding, err := encodingOf(addr)
	if err != nil || encoding == EncodingP2TR {
		return false, nil
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != 65 || sig[0] < 27 || sig[0] > 42 {
		return false, nil
	}
	digest, err := messageDigest(msg.Message)
	if err != nil {
		return false, err
	}
	// RecoverCompact only knows the legacy header range, 27-30 for
	// uncompressed keys and 31-34 for compressed ones.
	compressed := sig[0] >= 31
	header := 27 + (sig[0]-27)&3
	if compressed {
		header += 4
	}
	pub, _, err := ecdsa.RecoverCompact(append([]byte{header}, sig[1:]...), digest)
	if err != nil {
		return false, nil
	}
	var recovered btcutil.Address
	if compressed {
		recovered, err = addressFromPubkey(pub.SerializeCompressed(), encoding, c.params)
	} else {
		if encoding != EncodingP2PKH {
			return false, nil
		}
		recovered, err = btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeUncompressed()), c.params)
	}
	if err != nil {
		return false, err
	}
	return recovered.EncodeAddress() == addr.EncodeAddress(), nil
}
