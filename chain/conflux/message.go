package conflux

import (
	"bytes"
	"context"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
)

// PersonalSign is the only message type Conflux wallets agree on.
const PersonalSign = 0

const messagePrefix = "\x19Conflux Signed Message:\n"

func messageHash(msg *chain.TypedMessage) ([]byte, error) {
	if err := chain.CheckIsDefined(msg, "message"); err != nil {
		return nil, err
	}
	if msg.Type != PersonalSign {
		return nil, chain.NotImplemented("conflux message type " + strconv.Itoa(msg.Type))
	}
	data := []byte(msg.Message)
	if b, err := hexutil.Decode(msg.Message); err == nil {
		data = b
	}
	return crypto.Keccak256([]byte(messagePrefix+strconv.Itoa(len(data))), data), nil
}

// SignMessage returns 0x r||s||v with v the bare recovery id.
func (c *ChainAdaptor) SignMessage(ctx context.Context, msg *chain.TypedMessage, signer chain.Signer) (string, error) {
	digest, err := messageHash(msg)
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
	return hexutil.Encode(append(append([]byte{}, rs[:64]...), byte(v))), nil
}

func (c *ChainAdaptor) VerifyMessage(ctx context.Context, address string, msg *chain.TypedMessage, signature string) (bool, error) {
	digest, err := messageHash(msg)
	if err != nil {
		return false, err
	}
	decoded, err := DecodeAddress(address)
	if err != nil {
		return false, nil
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return false, nil
	}
	sig = append([]byte{}, sig...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return false, nil
	}
	return bytes.Equal(userAddress(pub), decoded.Hex), nil
}
