package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"math/big"
	"time"

	"github.com/cosmos/btcutil/base58"
	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
)

const ChainName = "sol"

const (
	nativeMint = "So11111111111111111111111111111111111111112"

	payloadBlockhash          = "recentBlockhash"
	payloadBlockhashExpiresAt = "blockhashExpiresAt"
	payloadCreateATA          = "createAssociatedTokenAccount"

	// a blockhash stays valid for about 150 slots
	blockhashValidity   = 60 * time.Second
	blockhashCacheTTL   = 10 * time.Second
	defaultComputeUnits = 200_000
)

var computeBudgetProgram = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

type ChainAdaptor struct {
	chain.Provider
	clock        clock.Clock
	computeUnits uint32
	blockhash    *chain.TTLCache[*LatestBlockhash]
}

func NewChainAdaptor(info *chain.ChainInfo, selector chain.ClientSelector) (chain.BaseProvider, error) {
	return newChainAdaptor(info, selector, clock.NewDefaultClock()), nil
}

func newChainAdaptor(info *chain.ChainInfo, selector chain.ClientSelector, clk clock.Clock) *ChainAdaptor {
	return &ChainAdaptor{
		Provider:     chain.NewProvider(info, selector),
		clock:        clk,
		computeUnits: uint32(info.ImplOptions.Int64("computeUnitLimit", defaultComputeUnits)),
		blockhash:    chain.NewTTLCache[*LatestBlockhash](blockhashCacheTTL, clk),
	}
}

func (c *ChainAdaptor) client(ctx context.Context) (*Client, error) {
	return chain.SelectClient[*Client](ctx, c.Client)
}

func isNativeMint(tokenAddress string) bool {
	return tokenAddress == "" || tokenAddress == nativeMint
}

func (c *ChainAdaptor) PubkeyToAddress(ctx context.Context, verifier chain.Verifier, encoding string) (string, error) {
	pub, err := verifier.GetPubkey(true)
	if err != nil {
		return "", err
	}
	if len(pub) != ed25519.PublicKeySize {
		return "", errors.Errorf("solana needs an ed25519 public key, got %d bytes", len(pub))
	}
	return solana.PublicKeyFromBytes(pub).String(), nil
}

func (c *ChainAdaptor) VerifyAddress(address string) *chain.AddressValidation {
	key, err := solana.PublicKeyFromBase58(address)
	if err != nil || key.String() != address {
		return chain.InvalidAddress()
	}
	return &chain.AddressValidation{IsValid: true, NormalizedAddress: address, DisplayAddress: address}
}

type transfer struct {
	from   solana.PublicKey
	to     solana.PublicKey
	mint   *solana.PublicKey
	amount uint64
}

func parseKey(address, name string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, &chain.PreconditionError{Msg: "invalid " + name + " " + address}
	}
	return key, nil
}

func transferOf(tx *chain.UnsignedTx) (*transfer, error) {
	if err := chain.Check(len(tx.Inputs) == 1 && len(tx.Outputs) == 1, "solana tx needs exactly one input and one output"); err != nil {
		return nil, err
	}
	out := tx.Outputs[0]
	if err := chain.CheckIsDefined(out.Value, "outputs[0].value"); err != nil {
		return nil, err
	}
	if err := chain.Check(out.Value.Sign() >= 0 && out.Value.IsUint64(), "outputs[0].value out of range"); err != nil {
		return nil, err
	}
	from, err := parseKey(tx.Inputs[0].Address, "from address")
	if err != nil {
		return nil, err
	}
	to, err := parseKey(out.Address, "to address")
	if err != nil {
		return nil, err
	}
	t := &transfer{from: from, to: to, amount: out.Value.Uint64()}
	if !isNativeMint(out.TokenAddress) {
		mint, err := parseKey(out.TokenAddress, "token address")
		if err != nil {
			return nil, err
		}
		t.mint = &mint
	}
	return t, nil
}

// BuildUnsignedTx pins a recent blockhash, decides whether the recipient
// token account has to be created and sets the compute budget. FeeLimit is
// the compute unit limit and FeePricePerUnit the price in micro-lamports.
func (c *ChainAdaptor) BuildUnsignedTx(ctx context.Context, tx *chain.UnsignedTx) (*chain.UnsignedTx, error) {
	out := tx.Clone()
	t, err := transferOf(out)
	if err != nil {
		return nil, err
	}
	var cli *Client
	getClient := func() (*Client, error) {
		if cli != nil {
			return cli, nil
		}
		cli, err = c.client(ctx)
		return cli, err
	}

	if _, ok := chain.PayloadString(out, payloadBlockhash); !ok {
		s, err := getClient()
		if err != nil {
			return nil, err
		}
		latest, fetchedAt, err := c.latestBlockhash(ctx, s)
		if err != nil {
			return nil, err
		}
		out.Payload[payloadBlockhash] = latest.Blockhash
		out.Payload[payloadBlockhashExpiresAt] = fetchedAt.Add(blockhashValidity).Unix()
	}

	if _, ok := out.Payload[payloadCreateATA]; !ok && t.mint != nil {
		s, err := getClient()
		if err != nil {
			return nil, err
		}
		ata, _, err := solana.FindAssociatedTokenAddress(t.to, *t.mint)
		if err != nil {
			return nil, errors.Wrap(err, "find recipient token account")
		}
		info, err := s.GetAddress(ctx, ata.String())
		if err != nil {
			return nil, err
		}
		out.Payload[payloadCreateATA] = !info.Existing
	}

	if out.FeeLimit == nil {
		out.FeeLimit = big.NewInt(int64(c.computeUnits))
	}
	if out.FeePricePerUnit == nil {
		s, err := getClient()
		if err != nil {
			return nil, err
		}
		fee, err := s.GetFeePricePerUnit(ctx)
		if err != nil {
			return nil, err
		}
		out.FeePricePerUnit = fee.Normal.Price
	}
	return out, nil
}

// latestBlockhash returns a cached blockhash together with the moment it
// was fetched.
func (c *ChainAdaptor) latestBlockhash(ctx context.Context, s *Client) (*LatestBlockhash, time.Time, error) {
	latest, expiresAt, err := c.blockhash.Get(ctx, s.GetLatestBlockhash)
	if err != nil {
		return nil, time.Time{}, err
	}
	return latest, expiresAt.Add(-blockhashCacheTTL), nil
}

func setComputeUnitLimit(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(computeBudgetProgram, solana.AccountMetaSlice{}, data)
}

func setComputeUnitPrice(microLamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return solana.NewInstruction(computeBudgetProgram, solana.AccountMetaSlice{}, data)
}

// transaction rebuilds the exact transaction described by a built tx.
func (c *ChainAdaptor) transaction(tx *chain.UnsignedTx) (*solana.Transaction, error) {
	t, err := transferOf(tx)
	if err != nil {
		return nil, err
	}
	blockhash, ok := chain.PayloadString(tx, payloadBlockhash)
	if err := chain.Check(ok, "payload.%s should be defined", payloadBlockhash); err != nil {
		return nil, err
	}
	expiresAt, err := chain.PayloadValue[int64](tx, payloadBlockhashExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := chain.Check(c.clock.Now().Before(time.Unix(expiresAt, 0)), "recent blockhash %s expired, rebuild the transaction", blockhash); err != nil {
		return nil, err
	}
	hash, err := solana.HashFromBase58(blockhash)
	if err != nil {
		return nil, &chain.PreconditionError{Msg: "invalid recent blockhash " + blockhash}
	}
	if err := chain.CheckIsDefined(tx.FeeLimit, "feeLimit"); err != nil {
		return nil, err
	}
	if err := chain.CheckIsDefined(tx.FeePricePerUnit, "feePricePerUnit"); err != nil {
		return nil, err
	}

	var instructions []solana.Instruction
	if tx.FeePricePerUnit.Sign() > 0 {
		instructions = append(instructions,
			setComputeUnitLimit(uint32(tx.FeeLimit.Uint64())),
			setComputeUnitPrice(tx.FeePricePerUnit.Uint64()))
	}
	if t.mint == nil {
		instructions = append(instructions, system.NewTransferInstruction(t.amount, t.from, t.to).Build())
	} else {
		create, err := chain.PayloadValue[bool](tx, payloadCreateATA)
		if err != nil {
			return nil, err
		}
		fromATA, _, err := solana.FindAssociatedTokenAddress(t.from, *t.mint)
		if err != nil {
			return nil, errors.Wrap(err, "find sender token account")
		}
		toATA, _, err := solana.FindAssociatedTokenAddress(t.to, *t.mint)
		if err != nil {
			return nil, errors.Wrap(err, "find recipient token account")
		}
		if create {
			instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(t.from, t.to, *t.mint).Build())
		}
		instructions = append(instructions, token.NewTransferInstruction(t.amount, fromATA, toATA, t.from, []solana.PublicKey{}).Build())
	}
	out, err := solana.NewTransaction(instructions, hash, solana.TransactionPayer(t.from))
	if err != nil {
		return nil, errors.Wrap(err, "build solana transaction")
	}
	return out, nil
}

func (c *ChainAdaptor) SignTransaction(ctx context.Context, tx *chain.UnsignedTx, signers map[string]chain.Signer) (*chain.SignedTx, error) {
	stx, err := c.transaction(tx)
	if err != nil {
		return nil, err
	}
	from := tx.Inputs[0].Address
	signer, err := chain.SignerFor(signers, from)
	if err != nil {
		return nil, err
	}
	message, err := stx.Message.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	sig, _, err := signer.Sign(ctx, message)
	if err != nil {
		log.Error("sign transaction fail", "from", from, "err", err)
		return nil, err
	}
	return assemble(stx, sig)
}

func assemble(stx *solana.Transaction, sig []byte) (*chain.SignedTx, error) {
	if len(sig) != ed25519.SignatureSize {
		return nil, errors.Errorf("invalid signature length %d", len(sig))
	}
	var signature solana.Signature
	copy(signature[:], sig)
	stx.Signatures = []solana.Signature{signature}
	if err := stx.VerifySignatures(); err != nil {
		log.Debug("signature verification fail", "tx", spew.Sdump(stx))
		return nil, &chain.PreconditionError{Msg: "signature does not match the fee payer: " + err.Error()}
	}
	raw, err := stx.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encode transaction")
	}
	return &chain.SignedTx{Txid: signature.String(), RawTx: base64.StdEncoding.EncodeToString(raw)}, nil
}

// SignMessage signs the raw message bytes, the off-chain convention used
// by Solana wallets, and returns a base58 signature.
func (c *ChainAdaptor) SignMessage(ctx context.Context, msg *chain.TypedMessage, signer chain.Signer) (string, error) {
	if err := chain.CheckIsDefined(msg, "message"); err != nil {
		return "", err
	}
	sig, _, err := signer.Sign(ctx, []byte(msg.Message))
	if err != nil {
		return "", err
	}
	return base58.Encode(sig), nil
}

func (c *ChainAdaptor) VerifyMessage(ctx context.Context, address string, msg *chain.TypedMessage, signature string) (bool, error) {
	if err := chain.CheckIsDefined(msg, "message"); err != nil {
		return false, err
	}
	key, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return false, nil
	}
	sig := base58.Decode(signature)
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(key.Bytes(), []byte(msg.Message), sig), nil
}
