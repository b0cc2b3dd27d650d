package ethereum

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/numeric"
)

const ChainName = "eth"

const (
	TransferGasLimit         = 21000
	defaultGasLimitMultipler = 1.2

	payloadMaxPriorityFee = "maxPriorityFeePerGas"
	payloadData           = "data"
)

var erc20TransferSelector = hexutil.MustDecode("0xa9059cbb")

type ChainAdaptor struct {
	chain.Provider
	chainID      *big.Int
	eip1559      bool
	gasMultipler float64
}

func NewChainAdaptor(info *chain.ChainInfo, selector chain.ClientSelector) (chain.BaseProvider, error) {
	chainID := info.ImplOptions.Int64("chainId", 1)
	if chainID <= 0 {
		return nil, errors.Errorf("invalid chainId %d", chainID)
	}
	return &ChainAdaptor{
		Provider:     chain.NewProvider(info, selector),
		chainID:      big.NewInt(chainID),
		eip1559:      info.ImplOptions.Bool("EIP1559Enabled", false),
		gasMultipler: info.ImplOptions.Float("contract_gaslimit_multiplier", defaultGasLimitMultipler),
	}, nil
}

func (c *ChainAdaptor) geth(ctx context.Context) (*Geth, error) {
	return chain.SelectClient[*Geth](ctx, c.Client)
}

func (c *ChainAdaptor) PubkeyToAddress(ctx context.Context, verifier chain.Verifier, encoding string) (string, error) {
	pub, err := verifier.GetPubkey(false)
	if err != nil {
		return "", err
	}
	key, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		log.Error("unmarshal public key fail", "err", err)
		return "", errors.Wrap(err, "unmarshal public key")
	}
	return crypto.PubkeyToAddress(*key).Hex(), nil
}

// VerifyAddress accepts all-lower, all-upper and correctly checksummed
// addresses.
func (c *ChainAdaptor) VerifyAddress(address string) *chain.AddressValidation {
	if !common.IsHexAddress(address) || !strings.HasPrefix(strings.ToLower(address), "0x") {
		return chain.InvalidAddress()
	}
	addr := common.HexToAddress(address)
	body := address[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && addr.Hex() != address {
		return chain.InvalidAddress()
	}
	return &chain.AddressValidation{
		IsValid:           true,
		NormalizedAddress: strings.ToLower(addr.Hex()),
		DisplayAddress:    addr.Hex(),
	}
}

func erc20TransferData(to string, value *big.Int) []byte {
	data := append([]byte{}, erc20TransferSelector...)
	data = append(data, padAddress(to)...)
	return append(data, common.LeftPadBytes(value.Bytes(), 32)...)
}

type txFields struct {
	to    common.Address
	value *big.Int
	data  []byte
}

// fields maps the semantic transfer to the on-chain call. Token transfers
// go to the token contract with zero value.
func fields(tx *chain.UnsignedTx) (*txFields, error) {
	if err := chain.Check(len(tx.Inputs) == 1 && len(tx.Outputs) == 1, "evm tx needs exactly one input and one output"); err != nil {
		return nil, err
	}
	out := tx.Outputs[0]
	if err := chain.CheckIsDefined(out.Value, "outputs[0].value"); err != nil {
		return nil, err
	}
	if out.TokenAddress != "" {
		return &txFields{
			to:    common.HexToAddress(out.TokenAddress),
			value: big.NewInt(0),
			data:  erc20TransferData(out.Address, out.Value),
		}, nil
	}
	f := &txFields{to: common.HexToAddress(out.Address), value: out.Value}
	if data, ok := chain.PayloadString(tx, payloadData); ok {
		b, err := hexutil.Decode(data)
		if err != nil {
			return nil, errors.Wrap(err, "decode payload data")
		}
		f.data = b
	}
	return f, nil
}

func (c *ChainAdaptor) BuildUnsignedTx(ctx context.Context, tx *chain.UnsignedTx) (*chain.UnsignedTx, error) {
	out := tx.Clone()
	f, err := fields(out)
	if err != nil {
		return nil, err
	}
	from := out.Inputs[0].Address
	var client *Geth
	getClient := func() (*Geth, error) {
		if client != nil {
			return client, nil
		}
		client, err = c.geth(ctx)
		return client, err
	}

	if out.Nonce == nil {
		g, err := getClient()
		if err != nil {
			return nil, err
		}
		info, err := g.GetAddress(ctx, from)
		if err != nil {
			return nil, err
		}
		out.Nonce = info.Nonce
	}

	if out.FeeLimit == nil {
		g, err := getClient()
		if err != nil {
			return nil, err
		}
		gas, err := c.estimateGas(ctx, g, from, f)
		if err != nil {
			return nil, err
		}
		out.FeeLimit = new(big.Int).SetUint64(gas)
	}

	if out.FeePricePerUnit == nil {
		g, err := getClient()
		if err != nil {
			return nil, err
		}
		if c.eip1559 {
			base, err := g.BaseFee(ctx)
			if err != nil {
				return nil, err
			}
			if err := chain.Check(base != nil, "chain %s has no base fee", c.Info.Code); err != nil {
				return nil, err
			}
			tip, err := g.MaxPriorityFeePerGas(ctx)
			if err != nil {
				return nil, err
			}
			maxFee := new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(2)), tip)
			out.FeePricePerUnit = maxFee
			out.Payload[payloadMaxPriorityFee] = hexutil.EncodeBig(tip)
		} else {
			fee, err := g.GetFeePricePerUnit(ctx)
			if err != nil {
				return nil, err
			}
			out.FeePricePerUnit = fee.Normal.Price
		}
	}
	return out, nil
}

// estimateGas uses the plain transfer cost for calls to accounts without
// code and a padded node estimate otherwise.
func (c *ChainAdaptor) estimateGas(ctx context.Context, g *Geth, from string, f *txFields) (uint64, error) {
	if len(f.data) == 0 {
		code, err := g.GetCode(ctx, f.to.Hex())
		if err != nil {
			return 0, err
		}
		if len(code) == 0 {
			return TransferGasLimit, nil
		}
	}
	msg := CallMsg{From: from, To: f.to.Hex(), Value: hexutil.EncodeBig(f.value)}
	if len(f.data) > 0 {
		msg.Data = hexutil.Encode(f.data)
	}
	gas, err := g.EstimateGas(ctx, msg)
	if err != nil {
		return 0, err
	}
	return numeric.MulFloat(new(big.Int).SetUint64(gas), c.gasMultipler).Uint64(), nil
}

// txData re-creates the exact transaction buildUnsignedTx described.
func (c *ChainAdaptor) txData(tx *chain.UnsignedTx) (types.TxData, error) {
	f, err := fields(tx)
	if err != nil {
		return nil, err
	}
	if err := chain.CheckIsDefined(tx.Nonce, "nonce"); err != nil {
		return nil, err
	}
	if err := chain.CheckIsDefined(tx.FeeLimit, "feeLimit"); err != nil {
		return nil, err
	}
	if err := chain.CheckIsDefined(tx.FeePricePerUnit, "feePricePerUnit"); err != nil {
		return nil, err
	}
	if tip, ok := chain.PayloadString(tx, payloadMaxPriorityFee); ok {
		tipCap, err := hexutil.DecodeBig(tip)
		if err != nil {
			return nil, errors.Wrap(err, "decode max priority fee")
		}
		return &types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     *tx.Nonce,
			GasTipCap: tipCap,
			GasFeeCap: tx.FeePricePerUnit,
			Gas:       tx.FeeLimit.Uint64(),
			To:        &f.to,
			Value:     f.value,
			Data:      f.data,
		}, nil
	}
	return &types.LegacyTx{
		Nonce:    *tx.Nonce,
		GasPrice: tx.FeePricePerUnit,
		Gas:      tx.FeeLimit.Uint64(),
		To:       &f.to,
		Value:    f.value,
		Data:     f.data,
	}, nil
}

func (c *ChainAdaptor) SignTransaction(ctx context.Context, tx *chain.UnsignedTx, signers map[string]chain.Signer) (*chain.SignedTx, error) {
	data, err := c.txData(tx)
	if err != nil {
		return nil, err
	}
	from := tx.Inputs[0].Address
	signer, err := chain.SignerFor(signers, from)
	if err != nil {
		return nil, err
	}
	unsigned := types.NewTx(data)
	txSigner := types.LatestSignerForChainID(c.chainID)
	digest := txSigner.Hash(unsigned)

	rs, v, err := signer.Sign(ctx, digest.Bytes())
	if err != nil {
		log.Error("sign transaction fail", "from", from, "err", err)
		return nil, err
	}
	return c.assemble(unsigned, txSigner, rs, v, from)
}

func (c *ChainAdaptor) assemble(unsigned *types.Transaction, txSigner types.Signer, rs []byte, v int, from string) (*chain.SignedTx, error) {
	if len(rs) < 64 {
		return nil, errors.Errorf("unexpected signature length %d", len(rs))
	}
	sig := make([]byte, 65)
	copy(sig, rs[:64])
	sig[64] = byte(v)
	signed, err := unsigned.WithSignature(txSigner, sig)
	if err != nil {
		return nil, errors.Wrap(err, "attach signature")
	}
	sender, err := types.Sender(txSigner, signed)
	if err != nil {
		return nil, errors.Wrap(err, "recover sender")
	}
	if err := chain.Check(strings.EqualFold(sender.Hex(), from), "signature recovers %s, not %s", sender.Hex(), from); err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encode transaction")
	}
	return &chain.SignedTx{Txid: signed.Hash().Hex(), RawTx: hexutil.Encode(raw)}, nil
}
