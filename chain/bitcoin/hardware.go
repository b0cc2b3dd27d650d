package bitcoin

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
)

type hardwareXpubRequest struct {
	Path         string `json:"path"`
	ShowOnDevice bool   `json:"showOnDevice"`
}

func (c *ChainAdaptor) HardwareGetXpubs(ctx context.Context, sdk chain.HardwareSDK, paths []string, showOnDevice bool) ([]chain.HardwareXpub, error) {
	bundle := make([]hardwareXpubRequest, len(paths))
	for i, p := range paths {
		bundle[i] = hardwareXpubRequest{Path: p, ShowOnDevice: showOnDevice}
	}
	xpubs, err := chain.CallHardware[[]chain.HardwareXpub](ctx, sdk, "btcGetPublicKey", map[string]interface{}{
		"bundle":  bundle,
		"network": c.params.Name,
	})
	if err != nil {
		return nil, err
	}
	return *xpubs, nil
}

type hardwareAddress struct {
	Address string `json:"address"`
}

func (c *ChainAdaptor) HardwareGetAddress(ctx context.Context, sdk chain.HardwareSDK, path string, showOnDevice bool, encoding string) (string, error) {
	encoding, err := normalizeEncoding(encoding)
	if err != nil {
		return "", err
	}
	resp, err := chain.CallHardware[hardwareAddress](ctx, sdk, "btcGetAddress", map[string]interface{}{
		"path":         path,
		"showOnDevice": showOnDevice,
		"encoding":     encoding,
		"network":      c.params.Name,
	})
	if err != nil {
		return "", err
	}
	return resp.Address, nil
}

type hardwarePsbt struct {
	Psbt string `json:"psbt"`
}

// HardwareSignTransaction hands the unsigned PSBT to the device and
// finalizes what comes back. signers maps input addresses to key paths.
func (c *ChainAdaptor) HardwareSignTransaction(ctx context.Context, sdk chain.HardwareSDK, tx *chain.UnsignedTx, signers map[string]string) (*chain.SignedTx, error) {
	packet, inputs, _, err := c.buildPacket(tx)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if err := chain.Check(inputs[i].encoding != EncodingP2PKH, "hardware signing of legacy input %s is not supported", in.Address); err != nil {
			return nil, err
		}
		path, ok := signers[in.Address]
		if err := chain.Check(ok && path != "", "signer path of %s should be specified", in.Address); err != nil {
			return nil, err
		}
		paths[i] = path
	}
	encoded, err := packet.B64Encode()
	if err != nil {
		return nil, errors.Wrap(err, "encode psbt")
	}
	resp, err := chain.CallHardware[hardwarePsbt](ctx, sdk, "btcSignPsbt", map[string]interface{}{
		"psbt":    encoded,
		"paths":   paths,
		"network": c.params.Name,
	})
	if err != nil {
		return nil, err
	}
	signed, err := psbt.NewFromRawBytes(strings.NewReader(resp.Psbt), true)
	if err != nil {
		return nil, errors.Wrap(err, "decode signed psbt")
	}
	if !bytes.Equal(txHashBytes(signed), txHashBytes(packet)) {
		return nil, errors.New("device returned a psbt for a different transaction")
	}
	if err := psbt.MaybeFinalizeAll(signed); err != nil {
		log.Error("finalize psbt fail", "err", err)
		return nil, errors.Wrap(err, "finalize psbt")
	}
	msgTx, err := psbt.Extract(signed)
	if err != nil {
		return nil, errors.Wrap(err, "extract psbt")
	}
	return c.serialize(msgTx)
}

func txHashBytes(p *psbt.Packet) []byte {
	h := p.UnsignedTx.TxHash()
	return h[:]
}

type hardwareSignature struct {
	Signature string `json:"signature"`
}

func (c *ChainAdaptor) HardwareSignMessage(ctx context.Context, sdk chain.HardwareSDK, msg *chain.TypedMessage, signerPath string) (string, error) {
	if err := chain.CheckIsDefined(msg, "message"); err != nil {
		return "", err
	}
	resp, err := chain.CallHardware[hardwareSignature](ctx, sdk, "btcSignMessage", map[string]interface{}{
		"path":    signerPath,
		"message": msg.Message,
		"network": c.params.Name,
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
	_, err := chain.CallHardware[json.RawMessage](ctx, sdk, "btcVerifyMessage", map[string]interface{}{
		"address":   address,
		"message":   msg.Message,
		"signature": signature,
		"network":   c.params.Name,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
