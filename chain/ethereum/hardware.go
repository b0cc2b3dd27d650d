package ethereum

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
)

func (c *ChainAdaptor) HardwareGetXpubs(ctx context.Context, sdk chain.HardwareSDK, paths []string, showOnDevice bool) ([]chain.HardwareXpub, error) {
	bundle := make([]map[string]interface{}, len(paths))
	for i, p := range paths {
		bundle[i] = map[string]interface{}{"path": p, "showOnDevice": showOnDevice}
	}
	xpubs, err := chain.CallHardware[[]chain.HardwareXpub](ctx, sdk, "evmGetPublicKey", map[string]interface{}{"bundle": bundle})
	if err != nil {
		return nil, err
	}
	return *xpubs, nil
}

func (c *ChainAdaptor) HardwareGetAddress(ctx context.Context, sdk chain.HardwareSDK, path string, showOnDevice bool, encoding string) (string, error) {
	resp, err := chain.CallHardware[struct {
		Address string `json:"address"`
	}](ctx, sdk, "evmGetAddress", map[string]interface{}{
		"path":         path,
		"showOnDevice": showOnDevice,
		"chainId":      c.chainID.Int64(),
	})
	if err != nil {
		return "", err
	}
	res := c.VerifyAddress(resp.Address)
	if !res.IsValid {
		return "", errors.Errorf("device returned invalid address %q", resp.Address)
	}
	return res.DisplayAddress, nil
}

type hardwareTx struct {
	To                   string `json:"to"`
	Value                string `json:"value"`
	GasLimit             string `json:"gasLimit"`
	Nonce                string `json:"nonce"`
	Data                 string `json:"data,omitempty"`
	ChainID              int64  `json:"chainId"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
}

type hardwareSignature struct {
	V string `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

func packHardwareTx(data types.TxData, chainID int64) hardwareTx {
	tx := types.NewTx(data)
	out := hardwareTx{
		To:       tx.To().Hex(),
		Value:    hexutil.EncodeBig(tx.Value()),
		GasLimit: hexutil.EncodeUint64(tx.Gas()),
		Nonce:    hexutil.EncodeUint64(tx.Nonce()),
		ChainID:  chainID,
	}
	if len(tx.Data()) > 0 {
		out.Data = hexutil.Encode(tx.Data())
	}
	if tx.Type() == types.DynamicFeeTxType {
		out.MaxFeePerGas = hexutil.EncodeBig(tx.GasFeeCap())
		out.MaxPriorityFeePerGas = hexutil.EncodeBig(tx.GasTipCap())
	} else {
		out.GasPrice = hexutil.EncodeBig(tx.GasPrice())
	}
	return out
}

// HardwareSignTransaction has the device sign the transaction fields and
// assembles the returned v, r and s. Devices report v as the recovery id,
// the legacy 27/28 form or the EIP-155 form.
func (c *ChainAdaptor) HardwareSignTransaction(ctx context.Context, sdk chain.HardwareSDK, tx *chain.UnsignedTx, signers map[string]string) (*chain.SignedTx, error) {
	data, err := c.txData(tx)
	if err != nil {
		return nil, err
	}
	from := tx.Inputs[0].Address
	path, ok := signers[from]
	if err := chain.Check(ok && path != "", "signer path of %s should be specified", from); err != nil {
		return nil, err
	}
	resp, err := chain.CallHardware[hardwareSignature](ctx, sdk, "evmSignTransaction", map[string]interface{}{
		"path":        path,
		"transaction": packHardwareTx(data, c.chainID.Int64()),
	})
	if err != nil {
		return nil, err
	}
	r, err := hexutil.Decode(resp.R)
	if err != nil {
		return nil, errors.Wrap(err, "decode r")
	}
	s, err := hexutil.Decode(resp.S)
	if err != nil {
		return nil, errors.Wrap(err, "decode s")
	}
	v, err := hexutil.DecodeUint64(resp.V)
	if err != nil {
		return nil, errors.Wrap(err, "decode v")
	}
	switch {
	case v >= 35:
		v = (v - 35) % 2
	case v >= 27:
		v -= 27
	}
	rs := append(padTo32(r), padTo32(s)...)
	unsigned := types.NewTx(data)
	return c.assemble(unsigned, types.LatestSignerForChainID(c.chainID), rs, int(v), from)
}

func padTo32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	return append(make([]byte, 32-len(b)), b...)
}

func (c *ChainAdaptor) HardwareSignMessage(ctx context.Context, sdk chain.HardwareSDK, msg *chain.TypedMessage, signerPath string) (string, error) {
	if _, err := messageHash(msg); err != nil {
		return "", err
	}
	resp, err := chain.CallHardware[struct {
		Signature string `json:"signature"`
	}](ctx, sdk, "evmSignMessage", map[string]interface{}{
		"path":        signerPath,
		"message":     msg.Message,
		"messageType": msg.Type,
	})
	if err != nil {
		return "", err
	}
	return resp.Signature, nil
}

func (c *ChainAdaptor) HardwareVerifyMessage(ctx context.Context, sdk chain.HardwareSDK, address string, msg *chain.TypedMessage, signature string) (bool, error) {
	if _, err := messageHash(msg); err != nil {
		return false, err
	}
	_, err := chain.CallHardware[json.RawMessage](ctx, sdk, "evmVerifyMessage", map[string]interface{}{
		"address":     address,
		"message":     msg.Message,
		"messageType": msg.Type,
		"signature":   signature,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
