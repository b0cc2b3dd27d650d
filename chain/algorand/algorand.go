package algorand

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
)

const ChainName = "algo"

const (
	payloadGenesisID       = "genesisId"
	payloadGenesisHash     = "genesisHash"
	payloadFirstValid      = "firstValid"
	payloadLastValid       = "lastValid"
	payloadParamsExpiresAt = "paramsExpiresAt"
	payloadNote            = "note"

	paramsCacheTTL = 10 * time.Minute
	validRounds    = 1000
	maxNoteLength  = 1024
)

type ChainAdaptor struct {
	chain.Provider
	clock  clock.Clock
	params *chain.TTLCache[*SuggestedParams]
}

func NewChainAdaptor(info *chain.ChainInfo, selector chain.ClientSelector) (chain.BaseProvider, error) {
	return newChainAdaptor(info, selector, clock.NewDefaultClock()), nil
}

func newChainAdaptor(info *chain.ChainInfo, selector chain.ClientSelector, clk clock.Clock) *ChainAdaptor {
	return &ChainAdaptor{
		Provider: chain.NewProvider(info, selector),
		clock:    clk,
		params:   chain.NewTTLCache[*SuggestedParams](paramsCacheTTL, clk),
	}
}

func (c *ChainAdaptor) algod(ctx context.Context) (*Algod, error) {
	return chain.SelectClient[*Algod](ctx, c.Client)
}

func (c *ChainAdaptor) suggestedParams(ctx context.Context) (*SuggestedParams, time.Time, error) {
	return c.params.Get(ctx, func(ctx context.Context) (*SuggestedParams, error) {
		cli, err := c.algod(ctx)
		if err != nil {
			return nil, err
		}
		return cli.SuggestedParams(ctx)
	})
}

func (c *ChainAdaptor) PubkeyToAddress(ctx context.Context, verifier chain.Verifier, encoding string) (string, error) {
	pub, err := verifier.GetPubkey(true)
	if err != nil {
		return "", err
	}
	return EncodeAddress(pub)
}

func (c *ChainAdaptor) VerifyAddress(address string) *chain.AddressValidation {
	if _, err := DecodeAddress(address); err != nil {
		return chain.InvalidAddress()
	}
	return &chain.AddressValidation{IsValid: true, NormalizedAddress: address, DisplayAddress: address}
}

// VerifyTokenAddress checks an asset id.
func (c *ChainAdaptor) VerifyTokenAddress(address string) *chain.AddressValidation {
	id, err := parseAssetID(address)
	if err != nil {
		return chain.InvalidAddress()
	}
	normalized := strconv.FormatUint(id, 10)
	return &chain.AddressValidation{IsValid: true, NormalizedAddress: normalized, DisplayAddress: normalized}
}

type transfer struct {
	from    []byte
	to      []byte
	amount  uint64
	assetID uint64
}

func decodeAddr(address, name string) ([]byte, error) {
	pk, err := DecodeAddress(address)
	if err != nil {
		return nil, &chain.PreconditionError{Msg: "invalid " + name + " " + address + ": " + err.Error()}
	}
	return pk, nil
}

func transferOf(tx *chain.UnsignedTx) (*transfer, error) {
	if err := chain.Check(len(tx.Inputs) == 1 && len(tx.Outputs) == 1, "algorand tx needs exactly one input and one output"); err != nil {
		return nil, err
	}
	out := tx.Outputs[0]
	if err := chain.CheckIsDefined(out.Value, "outputs[0].value"); err != nil {
		return nil, err
	}
	if err := chain.Check(out.Value.Sign() >= 0 && out.Value.IsUint64(), "outputs[0].value out of range"); err != nil {
		return nil, err
	}
	from, err := decodeAddr(tx.Inputs[0].Address, "from address")
	if err != nil {
		return nil, err
	}
	to, err := decodeAddr(out.Address, "to address")
	if err != nil {
		return nil, err
	}
	t := &transfer{from: from, to: to, amount: out.Value.Uint64()}
	if out.TokenAddress != "" {
		if t.assetID, err = parseAssetID(out.TokenAddress); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// paramsLive reports whether tx carries suggested params that have not
// expired. Params supplied without an expiry are kept as they are.
func (c *ChainAdaptor) paramsLive(tx *chain.UnsignedTx) bool {
	if _, ok := chain.PayloadString(tx, payloadGenesisHash); !ok {
		return false
	}
	if _, err := chain.PayloadUint64(tx, payloadFirstValid); err != nil {
		return false
	}
	if _, err := chain.PayloadUint64(tx, payloadLastValid); err != nil {
		return false
	}
	if tx.Payload[payloadParamsExpiresAt] == nil {
		return true
	}
	expiresAt, err := chain.PayloadUint64(tx, payloadParamsExpiresAt)
	return err == nil && c.clock.Now().Before(time.Unix(int64(expiresAt), 0))
}

// BuildUnsignedTx pins suggested params and quotes a flat fee. FeeLimit is
// always 1 so that FeePricePerUnit is the fee in microalgos.
func (c *ChainAdaptor) BuildUnsignedTx(ctx context.Context, tx *chain.UnsignedTx) (*chain.UnsignedTx, error) {
	out := tx.Clone()
	if _, err := transferOf(out); err != nil {
		return nil, err
	}
	if !c.paramsLive(out) {
		params, expiresAt, err := c.suggestedParams(ctx)
		if err != nil {
			return nil, err
		}
		out.Payload[payloadGenesisID] = params.GenesisID
		out.Payload[payloadGenesisHash] = params.GenesisHash
		out.Payload[payloadFirstValid] = params.LastRound
		out.Payload[payloadLastValid] = params.LastRound + validRounds
		out.Payload[payloadParamsExpiresAt] = expiresAt.Unix()
	}
	if out.FeeLimit == nil {
		out.FeeLimit = big.NewInt(1)
	}
	if out.FeePricePerUnit == nil {
		params, _, err := c.suggestedParams(ctx)
		if err != nil {
			return nil, err
		}
		size, err := c.estimateSize(out, params.MinFee)
		if err != nil {
			return nil, err
		}
		fee := params.FlatFee(size)
		limit := out.FeeLimit.Uint64()
		if limit > 1 {
			fee = (fee + limit - 1) / limit
		}
		out.FeePricePerUnit = new(big.Int).SetUint64(fee)
	}
	return out, nil
}

// estimateSize encodes tx with a placeholder fee and signature.
func (c *ChainAdaptor) estimateSize(tx *chain.UnsignedTx, fee uint64) (int, error) {
	draft := tx.Clone()
	draft.FeeLimit = big.NewInt(1)
	draft.FeePricePerUnit = new(big.Int).SetUint64(fee)
	txn, err := c.transaction(draft)
	if err != nil {
		return 0, err
	}
	enc, err := encodeMsgpack(&SignedTransaction{Sig: make([]byte, ed25519.SignatureSize), Txn: *txn})
	if err != nil {
		return 0, err
	}
	return len(enc), nil
}

func (c *ChainAdaptor) transaction(tx *chain.UnsignedTx) (*Transaction, error) {
	t, err := transferOf(tx)
	if err != nil {
		return nil, err
	}
	if err := chain.CheckIsDefined(tx.FeeLimit, "feeLimit"); err != nil {
		return nil, err
	}
	if err := chain.CheckIsDefined(tx.FeePricePerUnit, "feePricePerUnit"); err != nil {
		return nil, err
	}
	fee := new(big.Int).Mul(tx.FeeLimit, tx.FeePricePerUnit)
	if err := chain.Check(fee.Sign() >= 0 && fee.IsUint64(), "fee out of range"); err != nil {
		return nil, err
	}
	ghString, ok := chain.PayloadString(tx, payloadGenesisHash)
	if err := chain.Check(ok, "payload.%s should be defined", payloadGenesisHash); err != nil {
		return nil, err
	}
	gh, err := base64.StdEncoding.DecodeString(ghString)
	if err != nil || len(gh) != 32 {
		return nil, &chain.PreconditionError{Msg: "payload." + payloadGenesisHash + " is not a base64 32 byte hash"}
	}
	first, err := chain.PayloadUint64(tx, payloadFirstValid)
	if err != nil {
		return nil, err
	}
	last, err := chain.PayloadUint64(tx, payloadLastValid)
	if err != nil {
		return nil, err
	}
	if err := chain.Check(last >= first && last-first <= validRounds, "invalid validity window %d..%d", first, last); err != nil {
		return nil, err
	}
	genesisID, _ := chain.PayloadString(tx, payloadGenesisID)
	note, _ := chain.PayloadString(tx, payloadNote)
	if err := chain.Check(len(note) <= maxNoteLength, "note longer than %d bytes", maxNoteLength); err != nil {
		return nil, err
	}

	txn := &Transaction{
		Fee:         fee.Uint64(),
		FirstValid:  first,
		LastValid:   last,
		GenesisID:   genesisID,
		GenesisHash: gh,
		Sender:      t.from,
	}
	if note != "" {
		txn.Note = []byte(note)
	}
	if t.assetID != 0 {
		txn.Type = AssetTransferTx
		txn.AssetID = t.assetID
		txn.AssetAmount = t.amount
		txn.AssetReceiver = t.to
	} else {
		txn.Type = PaymentTx
		txn.Amount = t.amount
		txn.Receiver = t.to
	}
	return txn, nil
}

// checkParamsFresh rejects txs whose pinned suggested params expired.
func (c *ChainAdaptor) checkParamsFresh(tx *chain.UnsignedTx) error {
	if tx.Payload[payloadParamsExpiresAt] == nil {
		return nil
	}
	expiresAt, err := chain.PayloadUint64(tx, payloadParamsExpiresAt)
	if err != nil {
		return err
	}
	return chain.Check(c.clock.Now().Before(time.Unix(int64(expiresAt), 0)),
		"suggested params expired, rebuild the transaction")
}

func (c *ChainAdaptor) SignTransaction(ctx context.Context, tx *chain.UnsignedTx, signers map[string]chain.Signer) (*chain.SignedTx, error) {
	if err := c.checkParamsFresh(tx); err != nil {
		return nil, err
	}
	txn, err := c.transaction(tx)
	if err != nil {
		return nil, err
	}
	from := tx.Inputs[0].Address
	signer, err := chain.SignerFor(signers, from)
	if err != nil {
		return nil, err
	}
	msg, err := txn.BytesToSign()
	if err != nil {
		return nil, err
	}
	sig, _, err := signer.Sign(ctx, msg)
	if err != nil {
		log.Error("sign transaction fail", "from", from, "err", err)
		return nil, err
	}
	return assemble(txn, msg, sig)
}

func assemble(txn *Transaction, msg, sig []byte) (*chain.SignedTx, error) {
	ok := len(sig) == ed25519.SignatureSize && ed25519.Verify(txn.Sender, msg, sig)
	if err := chain.Check(ok, "signature does not verify for sender"); err != nil {
		return nil, err
	}
	signed, err := encodeMsgpack(&SignedTransaction{Sig: sig, Txn: *txn})
	if err != nil {
		return nil, err
	}
	txid, err := txn.ID()
	if err != nil {
		return nil, err
	}
	log.Debug("algorand transaction signed", "txid", txid, "type", txn.Type)
	return &chain.SignedTx{Txid: txid, RawTx: base64.StdEncoding.EncodeToString(signed)}, nil
}

// ArbitraryMessage is signed as "MX" followed by the message bytes.
const ArbitraryMessage = 0

func messageBytes(msg *chain.TypedMessage) ([]byte, error) {
	if err := chain.CheckIsDefined(msg, "message"); err != nil {
		return nil, err
	}
	if msg.Type != ArbitraryMessage {
		return nil, chain.NotImplemented("algorand message type " + strconv.Itoa(msg.Type))
	}
	return append(append([]byte{}, messageTag...), msg.Message...), nil
}

// SignMessage returns the base64 ed25519 signature.
func (c *ChainAdaptor) SignMessage(ctx context.Context, msg *chain.TypedMessage, signer chain.Signer) (string, error) {
	data, err := messageBytes(msg)
	if err != nil {
		return "", err
	}
	sig, _, err := signer.Sign(ctx, data)
	if err != nil {
		return "", err
	}
	if len(sig) != ed25519.SignatureSize {
		return "", errors.Errorf("unexpected signature length %d", len(sig))
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (c *ChainAdaptor) VerifyMessage(ctx context.Context, address string, msg *chain.TypedMessage, signature string) (bool, error) {
	data, err := messageBytes(msg)
	if err != nil {
		return false, err
	}
	pk, err := DecodeAddress(address)
	if err != nil {
		return false, nil
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pk, data, sig), nil
}
