package starcoin

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/numeric"
)

const ChainName = "stc"

const (
	MainnetID = 1
	BarnardID = 251

	payloadExpiration = "expirationTimestampSecs"

	expirationWindow     = time.Hour
	defaultMaxGas        = 10_000_000
	defaultGasMultiplier = 1.3
)

type ChainAdaptor struct {
	chain.Provider
	clock         clock.Clock
	chainID       uint8
	maxGas        uint64
	gasMultiplier float64
}

func NewChainAdaptor(info *chain.ChainInfo, selector chain.ClientSelector) (chain.BaseProvider, error) {
	return newChainAdaptor(info, selector, clock.NewDefaultClock())
}

func newChainAdaptor(info *chain.ChainInfo, selector chain.ClientSelector, clk clock.Clock) (*ChainAdaptor, error) {
	id := info.ImplOptions.Int64("chainId", MainnetID)
	if id <= 0 || id > 255 {
		return nil, errors.Errorf("invalid chainId %d", id)
	}
	maxGas := info.ImplOptions.Int64("maxGasAmount", defaultMaxGas)
	if maxGas <= 0 {
		return nil, errors.Errorf("invalid maxGasAmount %d", maxGas)
	}
	return &ChainAdaptor{
		Provider:      chain.NewProvider(info, selector),
		clock:         clk,
		chainID:       uint8(id),
		maxGas:        uint64(maxGas),
		gasMultiplier: info.ImplOptions.Float("gasMultiplier", defaultGasMultiplier),
	}, nil
}

func (c *ChainAdaptor) stcClient(ctx context.Context) (*StcClient, error) {
	return chain.SelectClient[*StcClient](ctx, c.Client)
}

// parseAccount accepts receipt identifiers and full length hex addresses.
func parseAccount(s string) (AccountAddress, string, error) {
	addr, encoding, err := ParseAddress(s)
	if err != nil {
		return addr, "", err
	}
	if encoding == EncodingHex && len(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")) != 2*AddressLength {
		return addr, "", errors.Errorf("starcoin address should be %d hex characters: %s", 2*AddressLength, s)
	}
	return addr, encoding, nil
}

func (c *ChainAdaptor) PubkeyToAddress(ctx context.Context, verifier chain.Verifier, encoding string) (string, error) {
	pub, err := verifier.GetPubkey(true)
	if err != nil {
		return "", err
	}
	if len(pub) != ed25519.PublicKeySize {
		return "", errors.Errorf("starcoin needs an ed25519 public key, got %d bytes", len(pub))
	}
	addr := AddressFromPubkey(pub)
	switch encoding {
	case "", EncodingHex:
		return addr.String(), nil
	case EncodingReceipt:
		authKey := AuthKey(pub)
		return EncodeReceipt(addr, authKey[:])
	}
	return "", errors.Errorf("unsupported starcoin encoding %q", encoding)
}

func (c *ChainAdaptor) VerifyAddress(address string) *chain.AddressValidation {
	addr, encoding, err := parseAccount(address)
	if err != nil {
		return chain.InvalidAddress()
	}
	display := addr.String()
	if encoding == EncodingReceipt {
		display = strings.ToLower(address)
	}
	return &chain.AddressValidation{IsValid: true, NormalizedAddress: addr.String(), DisplayAddress: display, Encoding: encoding}
}

// VerifyTokenAddress checks a token type code like 0x1::STC::STC.
func (c *ChainAdaptor) VerifyTokenAddress(address string) *chain.AddressValidation {
	tag, err := ParseStructTag(address)
	if err != nil {
		return chain.InvalidAddress()
	}
	return &chain.AddressValidation{IsValid: true, NormalizedAddress: tag.String(), DisplayAddress: tag.String()}
}

type transfer struct {
	from   AccountAddress
	to     AccountAddress
	token  StructTag
	amount *big.Int
}

func transferOf(tx *chain.UnsignedTx) (*transfer, error) {
	if err := chain.Check(len(tx.Inputs) == 1 && len(tx.Outputs) == 1, "starcoin tx needs exactly one input and one output"); err != nil {
		return nil, err
	}
	out := tx.Outputs[0]
	if err := chain.CheckIsDefined(out.Value, "outputs[0].value"); err != nil {
		return nil, err
	}
	if err := chain.Check(out.Value.Sign() >= 0 && out.Value.BitLen() <= 128, "outputs[0].value out of range"); err != nil {
		return nil, err
	}
	from, _, err := parseAccount(tx.Inputs[0].Address)
	if err != nil {
		return nil, &chain.PreconditionError{Msg: "invalid from address: " + err.Error()}
	}
	to, _, err := parseAccount(out.Address)
	if err != nil {
		return nil, &chain.PreconditionError{Msg: "invalid to address: " + err.Error()}
	}
	code := out.TokenAddress
	if code == "" {
		code = GasTokenCode
	}
	token, err := ParseStructTag(code)
	if err != nil {
		return nil, &chain.PreconditionError{Msg: "invalid token code: " + err.Error()}
	}
	return &transfer{from: from, to: to, token: token, amount: out.Value}, nil
}

// expiration is the payload expiry when it is still in the future.
func (c *ChainAdaptor) expiration(tx *chain.UnsignedTx) (uint64, bool) {
	if tx.Payload[payloadExpiration] == nil {
		return 0, false
	}
	secs, err := chain.PayloadUint64(tx, payloadExpiration)
	if err != nil {
		return 0, false
	}
	return secs, c.clock.Now().Before(time.Unix(int64(secs), 0))
}

// BuildUnsignedTx fills the sequence number, an expiration an hour after
// the node clock and the gas settings. Gas is measured with a dry run when
// inputs[0].publicKey is given and falls back to maxGasAmount otherwise.
func (c *ChainAdaptor) BuildUnsignedTx(ctx context.Context, tx *chain.UnsignedTx) (*chain.UnsignedTx, error) {
	out := tx.Clone()
	t, err := transferOf(out)
	if err != nil {
		return nil, err
	}
	var cli *StcClient
	getClient := func() (*StcClient, error) {
		if cli != nil {
			return cli, nil
		}
		cli, err = c.stcClient(ctx)
		return cli, err
	}

	if out.Nonce == nil {
		cli, err := getClient()
		if err != nil {
			return nil, err
		}
		info, err := cli.GetAddress(ctx, t.from.String())
		if err != nil {
			return nil, err
		}
		if err := chain.Check(info.Existing, "starcoin account %s does not exist on chain", t.from); err != nil {
			return nil, err
		}
		out.Nonce = info.Nonce
	}
	if _, live := c.expiration(out); !live {
		cli, err := getClient()
		if err != nil {
			return nil, err
		}
		now, err := cli.NodeTime(ctx)
		if err != nil {
			return nil, err
		}
		out.Payload[payloadExpiration] = uint64(now.Add(expirationWindow).Unix())
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
	if out.FeeLimit == nil {
		out.FeeLimit = new(big.Int).SetUint64(c.maxGas)
		if pubHex := out.Inputs[0].PublicKey; pubHex != "" {
			cli, err := getClient()
			if err != nil {
				return nil, err
			}
			gas, err := c.dryRunGas(ctx, cli, out, pubHex)
			if err != nil {
				return nil, err
			}
			out.FeeLimit = gas
		}
	}
	return out, nil
}

func (c *ChainAdaptor) dryRunGas(ctx context.Context, cli *StcClient, tx *chain.UnsignedTx, pubHex string) (*big.Int, error) {
	pub, err := numeric.DecodeHexBytes(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, &chain.PreconditionError{Msg: "inputs[0].publicKey should be a hex ed25519 key"}
	}
	raw, err := c.rawTransaction(tx)
	if err != nil {
		return nil, err
	}
	encoded, err := raw.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "encode transaction")
	}
	res, err := cli.DryRun(ctx, hex.EncodeToString(encoded), hex.EncodeToString(pub))
	if err != nil {
		return nil, err
	}
	gas := numeric.MulFloat(new(big.Int).SetUint64(res.GasUsed), c.gasMultiplier)
	if gas.Cmp(new(big.Int).SetUint64(c.maxGas)) > 0 {
		log.Warn("starcoin dry run gas above max", "gasUsed", res.GasUsed, "max", c.maxGas)
	}
	return gas, nil
}

func uint64Field(n *big.Int, name string) (uint64, error) {
	if err := chain.CheckIsDefined(n, name); err != nil {
		return 0, err
	}
	if err := chain.Check(n.Sign() >= 0 && n.IsUint64(), "%s out of range", name); err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// rawTransaction rebuilds the RawUserTransaction of tx. FeeLimit defaults
// to maxGasAmount so that unfinished transactions can be dry run.
func (c *ChainAdaptor) rawTransaction(tx *chain.UnsignedTx) (*RawUserTransaction, error) {
	t, err := transferOf(tx)
	if err != nil {
		return nil, err
	}
	if err := chain.CheckIsDefined(tx.Nonce, "nonce"); err != nil {
		return nil, err
	}
	feeLimit := tx.FeeLimit
	if feeLimit == nil {
		feeLimit = new(big.Int).SetUint64(c.maxGas)
	}
	gas, err := uint64Field(feeLimit, "feeLimit")
	if err != nil {
		return nil, err
	}
	price, err := uint64Field(tx.FeePricePerUnit, "feePricePerUnit")
	if err != nil {
		return nil, err
	}
	expiration, err := chain.PayloadUint64(tx, payloadExpiration)
	if err != nil {
		return nil, err
	}
	script, err := PeerToPeer(t.token, t.to, t.amount)
	if err != nil {
		return nil, err
	}
	return &RawUserTransaction{
		Sender:                  t.from,
		SequenceNumber:          *tx.Nonce,
		Payload:                 script,
		MaxGasAmount:            gas,
		GasUnitPrice:            price,
		GasTokenCode:            GasTokenCode,
		ExpirationTimestampSecs: expiration,
		ChainID:                 c.chainID,
	}, nil
}

func (c *ChainAdaptor) SignTransaction(ctx context.Context, tx *chain.UnsignedTx, signers map[string]chain.Signer) (*chain.SignedTx, error) {
	if err := chain.CheckIsDefined(tx.FeeLimit, "feeLimit"); err != nil {
		return nil, err
	}
	if _, live := c.expiration(tx); !live {
		return nil, &chain.PreconditionError{Msg: "payload." + payloadExpiration + " missing or expired, rebuild the transaction"}
	}
	raw, err := c.rawTransaction(tx)
	if err != nil {
		return nil, err
	}
	signer, err := chain.SignerFor(signers, tx.Inputs[0].Address)
	if err != nil {
		return nil, err
	}
	pub, err := signer.GetPubkey(true)
	if err != nil {
		return nil, err
	}
	if err := chain.Check(len(pub) == ed25519.PublicKeySize && AddressFromPubkey(pub) == raw.Sender, "signer key does not own %s", raw.Sender); err != nil {
		return nil, err
	}
	msg, err := raw.SigningMessage()
	if err != nil {
		return nil, errors.Wrap(err, "encode transaction")
	}
	sig, _, err := signer.Sign(ctx, msg)
	if err != nil {
		log.Error("sign transaction fail", "from", raw.Sender, "err", err)
		return nil, err
	}
	if err := chain.Check(len(sig) == ed25519.SignatureSize && ed25519.Verify(pub, msg, sig), "signature does not verify for %s", raw.Sender); err != nil {
		return nil, err
	}
	signed, hash, err := EncodeSigned(raw, pub, sig)
	if err != nil {
		return nil, errors.Wrap(err, "encode signed transaction")
	}
	return &chain.SignedTx{Txid: hexutil.Encode(hash[:]), RawTx: hexutil.Encode(signed)}, nil
}
