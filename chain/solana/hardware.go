package solana

import (
	"context"
	"encoding/json"

	"github.com/cosmos/btcutil/base58"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
)

type hardwareAddress struct {
	Address string `json:"address"`
}

type hardwareSignature struct {
	Signature string `json:"signature"`
}

func (c *ChainAdaptor) HardwareGetAddress(ctx context.Context, sdk chain.HardwareSDK, path string, showOnDevice bool, encoding string) (string, error) {
	resp, err := chain.CallHardware[hardwareAddress](ctx, sdk, "solGetAddress", map[string]interface{}{
		"path":         path,
		"showOnDevice": showOnDevice,
	})
	if err != nil {
		return "", err
	}
	if !c.VerifyAddress(resp.Address).IsValid {
		return "", errors.Errorf("device returned invalid address %q", resp.Address)
	}
	return resp.Address, nil
}

// HardwareSignTransaction sends the serialized message as base58 and expects
// the base58 fee payer signature back.
func (c *ChainAdaptor) HardwareSignTransaction(ctx context.Context, sdk chain.HardwareSDK, tx *chain.UnsignedTx, signers map[string]string) (*chain.SignedTx, error) {
	stx, err := c.transaction(tx)
	if err != nil {
		return nil, err
	}
	from := tx.Inputs[0].Address
	path, ok := signers[from]
	if err := chain.Check(ok && path != "", "signer path of %s should be specified", from); err != nil {
		return nil, err
	}
	message, err := stx.Message.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	resp, err := chain.CallHardware[hardwareSignature](ctx, sdk, "solSignTransaction", map[string]interface{}{
		"path":       path,
		"rawTx":      base58.Encode(message),
		"feePayer":   from,
		"recentHash": stx.Message.RecentBlockhash.String(),
	})
	if err != nil {
		return nil, err
	}
	return assemble(stx, base58.Decode(resp.Signature))
}

func (c *ChainAdaptor) HardwareSignMessage(ctx context.Context, sdk chain.HardwareSDK, msg *chain.TypedMessage, signerPath string) (string, error) {
	if err := chain.CheckIsDefined(msg, "message"); err != nil {
		return "", err
	}
	resp, err := chain.CallHardware[hardwareSignature](ctx, sdk, "solSignMessage", map[string]interface{}{
		"path":    signerPath,
		"message": msg.Message,
	})
	if err != nil {
		return "", err
	}
	return resp.Signature, nil
}

func (c *ChainAdaptor) HardwareVerifyMessage(ctx context.Context, sdk chain.HardwareSDK, address string, msg *chain.TypedMessage, signature string) (bool, error) {
	if err := chain.CheckIsDefined(msg, "message"); err != nil {
		return false, err
	}
	_, err := chain.CallHardware[json.RawMessage](ctx, sdk, "solVerifyMessage", map[string]interface{}{
		"address":   address,
		"message":   msg.Message,
		"signature": signature,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
