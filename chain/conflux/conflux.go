package conflux

import (
	"bytes"
	"context"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/numeric"
)

const ChainName = "cfx"

const (
	TransferGasLimit     = 21000
	defaultGasMultiplier = 1.3

	payloadEpochHeight  = "epochHeight"
	payloadStorageLimit = "storageLimit"
	payloadData         = "data"
)

var erc20TransferSelector = hexutil.MustDecode("0xa9059cbb")

type ChainAdaptor struct {
	chain.Provider
	networkID     uint32
	gasMultiplier float64
}

func NewChainAdaptor(info *chain.ChainInfo, selector chain.ClientSelector) (chain.BaseProvider, error) {
	id := info.ImplOptions.Int64("chainId", MainnetID)
	if id <= 0 || id > 1<<32-1 {
		return nil, errors.Errorf("invalid chainId %d", id)
	}
	return &ChainAdaptor{
		Provider:      chain.NewProvider(info, selector),
		networkID:     uint32(id),
		gasMultiplier: info.ImplOptions.Float("gasMultiplier", defaultGasMultiplier),
	}, nil
}

func (c *ChainAdaptor) conflux(ctx context.Context) (*Conflux, error) {
	return chain.SelectClient[*Conflux](ctx, c.Client)
}

// userAddress maps an uncompressed secp256k1 key to the 0x1 prefixed hex
// account of Conflux.
func userAddress(uncompressed []byte) []byte {
	addr := crypto.Keccak256(uncompressed[1:])[12:]
	addr[0] = addr[0]&0x0f | 0x10
	return addr
}

func (c *ChainAdaptor) PubkeyToAddress(ctx context.Context, verifier chain.Verifier, encoding string) (string, error) {
	pub, err := verifier.GetPubkey(false)
	if err != nil {
		return "", err
	}
	if _, err := crypto.UnmarshalPubkey(pub); err != nil {
		log.Error("unmarshal public key fail", "err", err)
		return "", errors.Wrap(err, "unmarshal public key")
	}
	return EncodeAddress(userAddress(pub), c.networkID)
}

func (c *ChainAdaptor) VerifyAddress(address string) *chain.AddressValidation {
	decoded, err := DecodeAddress(address)
	if err != nil || decoded.NetworkID != c.networkID {
		return chain.InvalidAddress()
	}
	switch decoded.Type {
	case TypeUser, TypeContract, TypeBuiltin:
	default:
		return chain.InvalidAddress()
	}
	normalized, err := EncodeAddress(decoded.Hex, c.networkID)
	if err != nil {
		return chain.InvalidAddress()
	}
	return &chain.AddressValidation{
		IsValid:           true,
		NormalizedAddress: normalized,
		DisplayAddress:    normalized,
		Encoding:          decoded.Type,
	}
}

type txFields struct {
	to    *DecodedAddress
	value *big.Int
	data  []byte
}

func decodeAddr(address, name string) (*DecodedAddress, error) {
	d, err := DecodeAddress(address)
	if err != nil {
		return nil, &chain.PreconditionError{Msg: "invalid " + name + " " + address + ": " + err.Error()}
	}
	return d, nil
}

func fields(tx *chain.UnsignedTx) (*txFields, error) {
	if err := chain.Check(len(tx.Inputs) == 1 && len(tx.Outputs) == 1, "conflux tx needs exactly one input and one output"); err != nil {
		return nil, err
	}
	out := tx.Outputs[0]
	if err := chain.CheckIsDefined(out.Value, "outputs[0].value"); err != nil {
		return nil, err
	}
	to, err := decodeAddr(out.Address, "to address")
	if err != nil {
		return nil, err
	}
	if out.TokenAddress != "" {
		token, err := decodeAddr(out.TokenAddress, "token address")
		if err != nil {
			return nil, err
		}
		data := append([]byte{}, erc20TransferSelector...)
		data = append(data, common.LeftPadBytes(to.Hex, 32)...)
		data = append(data, common.LeftPadBytes(out.Value.Bytes(), 32)...)
		return &txFields{to: token, value: big.NewInt(0), data: data}, nil
	}
	f := &txFields{to: to, value: out.Value}
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
	if _, err := decodeAddr(from, "from address"); err != nil {
		return nil, err
	}
	var client *Conflux
	getClient := func() (*Conflux, error) {
		if client != nil {
			return client, nil
		}
		client, err = c.conflux(ctx)
		return client, err
	}

	if out.Nonce == nil {
		cli, err := getClient()
		if err != nil {
			return nil, err
		}
		info, err := cli.GetAddress(ctx, from)
		if err != nil {
			return nil, err
		}
		out.Nonce = info.Nonce
	}
	if _, ok := chain.PayloadString(out, payloadEpochHeight); !ok {
		cli, err := getClient()
		if err != nil {
			return nil, err
		}
		epoch, err := cli.EpochNumber(ctx)
		if err != nil {
			return nil, err
		}
		out.Payload[payloadEpochHeight] = hexutil.EncodeUint64(epoch)
	}
	if _, ok := chain.PayloadString(out, payloadStorageLimit); !ok || out.FeeLimit == nil {
		gas, storage := big.NewInt(TransferGasLimit), big.NewInt(0)
		if len(f.data) > 0 || f.to.Type != TypeUser {
			cli, err := getClient()
			if err != nil {
				return nil, err
			}
			msg := CallMsg{From: from, To: out.Outputs[0].Address, Value: hexutil.EncodeBig(f.value)}
			if out.Outputs[0].TokenAddress != "" {
				msg.To = out.Outputs[0].TokenAddress
			}
			if len(f.data) > 0 {
				msg.Data = hexutil.Encode(f.data)
			}
			est, err := cli.EstimateGasAndCollateral(ctx, msg)
			if err != nil {
				return nil, err
			}
			gas = numeric.MulFloat(est.GasUsed, c.gasMultiplier)
			storage = est.StorageCollateralized
		}
		if out.FeeLimit == nil {
			out.FeeLimit = gas
		}
		if !ok {
			out.Payload[payloadStorageLimit] = hexutil.EncodeBig(storage)
		}
	}
	if out.FeePricePerUnit == nil {
		cli, err := getClient()
		if err != nil {
			return nil, err
		}
		fee, err := cli.GetFeePricePerUnit(ctx)
		if err != nil {
			return nil, err
		}
		out.FeePricePerUnit = fee.Normal.Price
	}
	return out, nil
}

type rawTransaction struct {
	Nonce        uint64
	GasPrice     *big.Int
	Gas          *big.Int
	To           common.Address
	Value        *big.Int
	StorageLimit *big.Int
	EpochHeight  uint64
	ChainID      uint64
	Data         []byte
}

type signedTransaction struct {
	Unsigned rawTransaction
	V        uint64
	R        *big.Int
	S        *big.Int
}

func payloadHex(tx *chain.UnsignedTx, key string) (*big.Int, error) {
	s, ok := chain.PayloadString(tx, key)
	if err := chain.Check(ok, "payload.%s should be defined", key); err != nil {
		return nil, err
	}
	n, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, &chain.PreconditionError{Msg: "payload." + key + " is not a hex quantity: " + strconv.Quote(s)}
	}
	return n, nil
}

func (c *ChainAdaptor) rawTransaction(tx *chain.UnsignedTx) (*rawTransaction, error) {
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
	epoch, err := payloadHex(tx, payloadEpochHeight)
	if err != nil {
		return nil, err
	}
	storage, err := payloadHex(tx, payloadStorageLimit)
	if err != nil {
		return nil, err
	}
	return &rawTransaction{
		Nonce:        *tx.Nonce,
		GasPrice:     tx.FeePricePerUnit,
		Gas:          tx.FeeLimit,
		To:           common.BytesToAddress(f.to.Hex),
		Value:        f.value,
		StorageLimit: storage,
		EpochHeight:  epoch.Uint64(),
		ChainID:      uint64(c.networkID),
		Data:         f.data,
	}, nil
}

func (c *ChainAdaptor) SignTransaction(ctx context.Context, tx *chain.UnsignedTx, signers map[string]chain.Signer) (*chain.SignedTx, error) {
	raw, err := c.rawTransaction(tx)
	if err != nil {
		return nil, err
	}
	from := tx.Inputs[0].Address
	fromAddr, err := decodeAddr(from, "from address")
	if err != nil {
		return nil, err
	}
	signer, err := chain.SignerFor(signers, from)
	if err != nil {
		return nil, err
	}
	encoded, err := rlp.EncodeToBytes(raw)
	if err != nil {
		return nil, errors.Wrap(err, "encode transaction")
	}
	digest := crypto.Keccak256(encoded)
	rs, v, err := signer.Sign(ctx, digest)
	if err != nil {
		log.Error("sign transaction fail", "from", from, "err", err)
		return nil, err
	}
	if len(rs) < 64 {
		return nil, errors.Errorf("unexpected signature length %d", len(rs))
	}
	sig := append(append([]byte{}, rs[:64]...), byte(v))
	pub, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return nil, errors.Wrap(err, "recover signer")
	}
	if err := chain.Check(bytes.Equal(userAddress(pub), fromAddr.Hex), "signature does not recover %s", from); err != nil {
		return nil, err
	}
	signed, err := rlp.EncodeToBytes(&signedTransaction{
		Unsigned: *raw,
		V:        uint64(v),
		R:        new(big.Int).SetBytes(rs[:32]),
		S:        new(big.Int).SetBytes(rs[32:64]),
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode signed transaction")
	}
	return &chain.SignedTx{Txid: hexutil.Encode(crypto.Keccak256(signed)), RawTx: hexutil.Encode(signed)}, nil
}
