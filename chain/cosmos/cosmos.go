package cosmos

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/status-im/keycard-go/hexutils"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/numeric"
)

const ChainName = "cosmos"

const (
	payloadAccountNumber = "accountNumber"
	payloadChainID       = "chainId"
	payloadMemo          = "memo"
	payloadTimeoutHeight = "timeoutHeight"

	defaultPrefix        = "cosmos"
	defaultChainID       = "cosmoshub-4"
	defaultGasLimit      = 100_000
	defaultGasMultiplier = 1.3
	maxMemoLength        = 256
)

var denomPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9/:._-]{2,127}$`)

type ChainAdaptor struct {
	chain.Provider
	prefix        string
	chainID       string
	curve         string
	denom         string
	gasLimit      uint64
	gasMultiplier float64
	simulate      bool
	gasSteps      []*big.Int
}

func NewChainAdaptor(info *chain.ChainInfo, selector chain.ClientSelector) (chain.BaseProvider, error) {
	opts := info.ImplOptions
	c := &ChainAdaptor{
		Provider:      chain.NewProvider(info, selector),
		prefix:        opts.String("addressPrefix", defaultPrefix),
		chainID:       opts.String("chainId", defaultChainID),
		curve:         opts.String("curve", CurveSecp256k1),
		denom:         opts.String("mainCoinDenom", defaultDenom),
		gasLimit:      uint64(opts.Int64("gasLimit", defaultGasLimit)),
		gasMultiplier: opts.Float("gasMultiplier", defaultGasMultiplier),
		simulate:      opts.Bool("simulateGas", false),
	}
	if c.curve != CurveSecp256k1 && c.curve != CurveEd25519 {
		return nil, errors.Errorf("unsupported cosmos curve %q", c.curve)
	}
	if step := opts.String("gasPriceStep", ""); step != "" {
		steps, err := ParseGasPriceStep(step)
		if err != nil {
			return nil, err
		}
		c.gasSteps = steps
	}
	return c, nil
}

func (c *ChainAdaptor) cosmos(ctx context.Context) (*Cosmos, error) {
	return chain.SelectClient[*Cosmos](ctx, c.Client)
}

func (c *ChainAdaptor) PubkeyToAddress(ctx context.Context, verifier chain.Verifier, encoding string) (string, error) {
	pub, err := verifier.GetPubkey(true)
	if err != nil {
		return "", err
	}
	id, err := accountID(c.curve, pub)
	if err != nil {
		return "", err
	}
	return EncodeAddress(c.prefix, id)
}

func (c *ChainAdaptor) VerifyAddress(address string) *chain.AddressValidation {
	normalized, _, err := DecodeAddress(c.prefix, address)
	if err != nil {
		return chain.InvalidAddress()
	}
	return &chain.AddressValidation{IsValid: true, NormalizedAddress: normalized, DisplayAddress: normalized}
}

// VerifyTokenAddress checks a bank denom such as "uosmo" or "ibc/27394F...".
func (c *ChainAdaptor) VerifyTokenAddress(address string) *chain.AddressValidation {
	if !denomPattern.MatchString(address) {
		return chain.InvalidAddress()
	}
	return &chain.AddressValidation{IsValid: true, NormalizedAddress: address, DisplayAddress: address}
}

type transfer struct {
	from   string
	to     string
	amount Coin
}

func (c *ChainAdaptor) transferOf(tx *chain.UnsignedTx) (*transfer, error) {
	if err := chain.Check(len(tx.Inputs) == 1 && len(tx.Outputs) == 1, "cosmos tx needs exactly one input and one output"); err != nil {
		return nil, err
	}
	out := tx.Outputs[0]
	if err := chain.CheckIsDefined(out.Value, "outputs[0].value"); err != nil {
		return nil, err
	}
	if err := chain.Check(out.Value.Sign() > 0, "outputs[0].value should be positive"); err != nil {
		return nil, err
	}
	from, _, err := DecodeAddress(c.prefix, tx.Inputs[0].Address)
	if err != nil {
		return nil, &chain.PreconditionError{Msg: "invalid from address " + tx.Inputs[0].Address}
	}
	to, _, err := DecodeAddress(c.prefix, out.Address)
	if err != nil {
		return nil, &chain.PreconditionError{Msg: "invalid to address " + out.Address}
	}
	denom := c.denom
	if out.TokenAddress != "" {
		if !denomPattern.MatchString(out.TokenAddress) {
			return nil, &chain.PreconditionError{Msg: "invalid denom " + out.TokenAddress}
		}
		denom = out.TokenAddress
	}
	return &transfer{from: from, to: to, amount: Coin{Denom: denom, Amount: out.Value.String()}}, nil
}

// BuildUnsignedTx fills the sequence as nonce, the account number and
// chain id in the payload, the gas limit as FeeLimit and the scaled gas
// price as FeePricePerUnit.
func (c *ChainAdaptor) BuildUnsignedTx(ctx context.Context, tx *chain.UnsignedTx) (*chain.UnsignedTx, error) {
	out := tx.Clone()
	t, err := c.transferOf(out)
	if err != nil {
		return nil, err
	}
	var client *Cosmos
	getClient := func() (*Cosmos, error) {
		if client != nil {
			return client, nil
		}
		client, err = c.cosmos(ctx)
		return client, err
	}

	if _, numErr := chain.PayloadUint64(out, payloadAccountNumber); out.Nonce == nil || numErr != nil {
		cli, err := getClient()
		if err != nil {
			return nil, err
		}
		acc, err := cli.Account(ctx, t.from)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			return nil, &chain.PreconditionError{Msg: "account " + t.from + " does not exist on chain"}
		}
		if out.Nonce == nil {
			out.Nonce = chain.Uint64Ptr(acc.Sequence)
		}
		if numErr != nil {
			out.Payload[payloadAccountNumber] = acc.AccountNumber
		}
	}
	if _, ok := chain.PayloadString(out, payloadChainID); !ok {
		out.Payload[payloadChainID] = c.chainID
	}
	if out.FeePricePerUnit == nil {
		if c.gasSteps != nil {
			out.FeePricePerUnit = new(big.Int).Set(c.gasSteps[1])
		} else {
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
	}
	if out.FeeLimit == nil {
		gas := new(big.Int).SetUint64(c.gasLimit)
		if c.simulate && out.Inputs[0].PublicKey != "" {
			cli, err := getClient()
			if err != nil {
				return nil, err
			}
			used, err := c.simulateGas(ctx, cli, out)
			if err != nil {
				return nil, err
			}
			gas = numeric.MulFloat(new(big.Int).SetUint64(used), c.gasMultiplier)
		}
		out.FeeLimit = gas
	}
	return out, nil
}

func (c *ChainAdaptor) simulateGas(ctx context.Context, cli *Cosmos, tx *chain.UnsignedTx) (uint64, error) {
	pub, err := numeric.DecodeHexBytes(tx.Inputs[0].PublicKey)
	if err != nil {
		return 0, &chain.PreconditionError{Msg: "inputs[0].publicKey is not hex"}
	}
	draft := tx.Clone()
	draft.FeeLimit, draft.FeePricePerUnit = big.NewInt(0), big.NewInt(0)
	p, err := c.parts(draft)
	if err != nil {
		return 0, err
	}
	authInfo := encodeAuthInfo([][]byte{encodeSignerInfo(encodePubKey(c.curve, pub), p.sequence)}, p.fee)
	return cli.Simulate(ctx, encodeTxRaw(p.body, authInfo, [][]byte{{}}))
}

type txParts struct {
	from          string
	body          []byte
	fee           []byte
	sequence      uint64
	accountNumber uint64
	chainID       string
}

// feeAmount is ceil(gas * scaledPrice / gasPriceScale).
func feeAmount(gas, scaledPrice *big.Int) *big.Int {
	n := new(big.Int).Mul(gas, scaledPrice)
	n.Add(n, big.NewInt(gasPriceScale-1))
	return n.Div(n, big.NewInt(gasPriceScale))
}

func (c *ChainAdaptor) parts(tx *chain.UnsignedTx) (*txParts, error) {
	t, err := c.transferOf(tx)
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
	if err := chain.Check(tx.FeeLimit.Sign() >= 0 && tx.FeeLimit.IsUint64(), "feeLimit out of range"); err != nil {
		return nil, err
	}
	accountNumber, err := chain.PayloadUint64(tx, payloadAccountNumber)
	if err != nil {
		return nil, err
	}
	chainID, ok := chain.PayloadString(tx, payloadChainID)
	if err := chain.Check(ok, "payload.%s should be defined", payloadChainID); err != nil {
		return nil, err
	}
	memo, _ := chain.PayloadString(tx, payloadMemo)
	if err := chain.Check(len(memo) <= maxMemoLength, "memo longer than %d bytes", maxMemoLength); err != nil {
		return nil, err
	}
	var timeout uint64
	if tx.Payload[payloadTimeoutHeight] != nil {
		if timeout, err = chain.PayloadUint64(tx, payloadTimeoutHeight); err != nil {
			return nil, err
		}
	}
	msg := encodeAny(msgSendTypeURL, encodeMsgSend(t.from, t.to, []Coin{t.amount}))
	var feeCoins []Coin
	if amount := feeAmount(tx.FeeLimit, tx.FeePricePerUnit); amount.Sign() > 0 {
		feeCoins = []Coin{{Denom: c.denom, Amount: amount.String()}}
	}
	return &txParts{
		from:          t.from,
		body:          encodeTxBody([][]byte{msg}, memo, timeout),
		fee:           encodeFee(feeCoins, tx.FeeLimit.Uint64()),
		sequence:      *tx.Nonce,
		accountNumber: accountNumber,
		chainID:       chainID,
	}, nil
}

func (c *ChainAdaptor) SignTransaction(ctx context.Context, tx *chain.UnsignedTx, signers map[string]chain.Signer) (*chain.SignedTx, error) {
	p, err := c.parts(tx)
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
	id, err := accountID(c.curve, pub)
	if err != nil {
		return nil, err
	}
	if addr, err := EncodeAddress(c.prefix, id); err != nil || addr != p.from {
		return nil, &chain.PreconditionError{Msg: "signer key does not belong to " + p.from}
	}

	authInfo := encodeAuthInfo([][]byte{encodeSignerInfo(encodePubKey(c.curve, pub), p.sequence)}, p.fee)
	doc := encodeSignDoc(p.body, authInfo, p.chainID, p.accountNumber)
	sig, err := c.sign(ctx, signer, pub, doc)
	if err != nil {
		log.Error("sign transaction fail", "from", p.from, "err", err)
		return nil, err
	}
	raw := encodeTxRaw(p.body, authInfo, [][]byte{sig})
	sum := sha256.Sum256(raw)
	return &chain.SignedTx{Txid: hexutils.BytesToHex(sum[:]), RawTx: base64.StdEncoding.EncodeToString(raw)}, nil
}

// sign returns the 64 byte signature over doc. secp256k1 signs sha256(doc)
// with a low-S r||s, ed25519 signs doc itself.
func (c *ChainAdaptor) sign(ctx context.Context, signer chain.Signer, pub, doc []byte) ([]byte, error) {
	if c.curve == CurveEd25519 {
		sig, _, err := signer.Sign(ctx, doc)
		if err != nil {
			return nil, err
		}
		if len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, doc, sig) {
			return nil, &chain.PreconditionError{Msg: "ed25519 signature does not verify"}
		}
		return sig, nil
	}
	digest := sha256.Sum256(doc)
	rs, _, err := signer.Sign(ctx, digest[:])
	if err != nil {
		return nil, err
	}
	if len(rs) < 64 {
		return nil, errors.Errorf("unexpected signature length %d", len(rs))
	}
	sig := bytes.Clone(rs[:64])
	if !crypto.VerifySignature(pub, digest[:], sig) {
		return nil, &chain.PreconditionError{Msg: "secp256k1 signature does not verify"}
	}
	return sig, nil
}
