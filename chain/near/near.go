package near

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"

	"github.com/cosmos/btcutil/base58"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/numeric"
)

const ChainName = "near"

const (
	payloadBlockHash      = "blockHash"
	payloadStorageDeposit = "storageDeposit"
	payloadMemo           = "memo"

	transferGas       = 450_000_000_000
	ftTransferGas     = 30_000_000_000_000
	storageDepositGas = 30_000_000_000_000
)

// oneYocto is the deposit ft_transfer requires to prove a full access key.
var oneYocto = big.NewInt(1)

type ChainAdaptor struct {
	chain.Provider
}

func NewChainAdaptor(info *chain.ChainInfo, selector chain.ClientSelector) (chain.BaseProvider, error) {
	return &ChainAdaptor{Provider: chain.NewProvider(info, selector)}, nil
}

func (c *ChainAdaptor) nearCli(ctx context.Context) (*NearCli, error) {
	return chain.SelectClient[*NearCli](ctx, c.Client)
}

// PubkeyToAddress returns the implicit account of the key.
func (c *ChainAdaptor) PubkeyToAddress(ctx context.Context, verifier chain.Verifier, encoding string) (string, error) {
	pub, err := verifier.GetPubkey(true)
	if err != nil {
		return "", err
	}
	if len(pub) != ed25519.PublicKeySize {
		return "", errors.Errorf("near needs an ed25519 public key, got %d bytes", len(pub))
	}
	return hex.EncodeToString(pub), nil
}

func (c *ChainAdaptor) VerifyAddress(address string) *chain.AddressValidation {
	if !ValidAccountID(address) {
		return chain.InvalidAddress()
	}
	encoding := EncodingNamed
	if IsImplicit(address) {
		encoding = EncodingImplicit
	}
	return &chain.AddressValidation{IsValid: true, NormalizedAddress: address, DisplayAddress: address, Encoding: encoding}
}

type transfer struct {
	from   string
	to     string
	token  string
	amount *big.Int
}

func checkAccount(id, name string) error {
	return chain.Check(ValidAccountID(id), "invalid %s %s", name, id)
}

func transferOf(tx *chain.UnsignedTx) (*transfer, error) {
	if err := chain.Check(len(tx.Inputs) == 1 && len(tx.Outputs) == 1, "near tx needs exactly one input and one output"); err != nil {
		return nil, err
	}
	out := tx.Outputs[0]
	if err := chain.CheckIsDefined(out.Value, "outputs[0].value"); err != nil {
		return nil, err
	}
	if err := chain.Check(out.Value.Sign() >= 0, "outputs[0].value should not be negative"); err != nil {
		return nil, err
	}
	t := &transfer{from: tx.Inputs[0].Address, to: out.Address, token: out.TokenAddress, amount: out.Value}
	if err := checkAccount(t.from, "from account"); err != nil {
		return nil, err
	}
	if err := checkAccount(t.to, "to account"); err != nil {
		return nil, err
	}
	if t.token != "" {
		if err := checkAccount(t.token, "token contract"); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// signerKey is inputs[0].publicKey, or the key an implicit account is
// named after.
func signerKey(in chain.TxInput) (ed25519.PublicKey, error) {
	if in.PublicKey != "" {
		key, err := ParsePublicKey(in.PublicKey)
		if err != nil {
			return nil, &chain.PreconditionError{Msg: "inputs[0].publicKey: " + err.Error()}
		}
		if IsImplicit(in.Address) {
			if err := chain.Check(hex.EncodeToString(key) == in.Address, "inputs[0].publicKey does not own %s", in.Address); err != nil {
				return nil, err
			}
		}
		return key, nil
	}
	if err := chain.Check(IsImplicit(in.Address), "inputs[0].publicKey is needed for named account %s", in.Address); err != nil {
		return nil, err
	}
	key, _ := hex.DecodeString(in.Address)
	return key, nil
}

func storageDeposit(tx *chain.UnsignedTx) (*big.Int, error) {
	s, ok := chain.PayloadString(tx, payloadStorageDeposit)
	if !ok {
		return big.NewInt(0), nil
	}
	n, err := numeric.DecimalStringToBig(s)
	if err != nil || n.Sign() < 0 {
		return nil, &chain.PreconditionError{Msg: "payload.storageDeposit is not a yocto amount: " + s}
	}
	return n, nil
}

func gasOf(t *transfer, deposit *big.Int) *big.Int {
	if t.token == "" {
		return big.NewInt(transferGas)
	}
	gas := big.NewInt(ftTransferGas)
	if deposit.Sign() > 0 {
		gas.Add(gas, big.NewInt(storageDepositGas))
	}
	return gas
}

// BuildUnsignedTx reads the nonce and a reference block from the access
// key, and for token transfers decides whether the recipient has to be
// registered with the contract first. FeeLimit is gas and
// FeePricePerUnit yoctoNEAR per gas.
func (c *ChainAdaptor) BuildUnsignedTx(ctx context.Context, tx *chain.UnsignedTx) (*chain.UnsignedTx, error) {
	out := tx.Clone()
	t, err := transferOf(out)
	if err != nil {
		return nil, err
	}
	key, err := signerKey(out.Inputs[0])
	if err != nil {
		return nil, err
	}
	if out.Inputs[0].PublicKey == "" {
		out.Inputs[0].PublicKey = hex.EncodeToString(key)
	}
	var cli *NearCli
	getClient := func() (*NearCli, error) {
		if cli != nil {
			return cli, nil
		}
		cli, err = c.nearCli(ctx)
		return cli, err
	}

	if _, ok := chain.PayloadString(out, payloadBlockHash); !ok || out.Nonce == nil {
		cli, err := getClient()
		if err != nil {
			return nil, err
		}
		ak, err := cli.AccessKey(ctx, t.from, key)
		if err != nil {
			return nil, err
		}
		if ak == nil {
			return nil, &chain.PreconditionError{Msg: "access key " + FormatPublicKey(key) + " not found on " + t.from}
		}
		if err := chain.Check(ak.FullAccess, "access key %s of %s is not a full access key", FormatPublicKey(key), t.from); err != nil {
			return nil, err
		}
		if out.Nonce == nil {
			out.Nonce = chain.Uint64Ptr(ak.Nonce + 1)
		}
		if !ok {
			out.Payload[payloadBlockHash] = ak.BlockHash
		}
	}
	if _, ok := chain.PayloadString(out, payloadStorageDeposit); !ok && t.token != "" {
		cli, err := getClient()
		if err != nil {
			return nil, err
		}
		registered, err := cli.StorageBalanceOf(ctx, t.token, t.to)
		if err != nil {
			return nil, err
		}
		deposit := "0"
		if registered == nil {
			bounds, err := cli.StorageBalanceBounds(ctx, t.token)
			if err != nil {
				return nil, err
			}
			deposit = bounds.Min
			log.Debug("near recipient needs storage registration", "token", t.token, "to", t.to, "deposit", deposit)
		}
		out.Payload[payloadStorageDeposit] = deposit
	}
	if out.FeeLimit == nil {
		deposit, err := storageDeposit(out)
		if err != nil {
			return nil, err
		}
		out.FeeLimit = gasOf(t, deposit)
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

type ftTransferArgs struct {
	ReceiverID string `json:"receiver_id"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
}

type storageDepositArgs struct {
	AccountID        string `json:"account_id"`
	RegistrationOnly bool   `json:"registration_only"`
}

func actions(t *transfer, deposit *big.Int, memo string) ([]Action, string, error) {
	if t.token == "" {
		if err := chain.Check(memo == "", "payload.memo is only carried by token transfers"); err != nil {
			return nil, "", err
		}
		return []Action{&Transfer{Deposit: t.amount}}, t.to, nil
	}
	var acts []Action
	if deposit.Sign() > 0 {
		args, err := json.Marshal(storageDepositArgs{AccountID: t.to, RegistrationOnly: true})
		if err != nil {
			return nil, "", errors.Wrap(err, "encode storage_deposit args")
		}
		acts = append(acts, &FunctionCall{MethodName: "storage_deposit", Args: args, Gas: storageDepositGas, Deposit: deposit})
	}
	args, err := json.Marshal(ftTransferArgs{ReceiverID: t.to, Amount: t.amount.String(), Memo: memo})
	if err != nil {
		return nil, "", errors.Wrap(err, "encode ft_transfer args")
	}
	acts = append(acts, &FunctionCall{MethodName: "ft_transfer", Args: args, Gas: ftTransferGas, Deposit: oneYocto})
	return acts, t.token, nil
}

func (c *ChainAdaptor) transaction(tx *chain.UnsignedTx) (*Transaction, error) {
	t, err := transferOf(tx)
	if err != nil {
		return nil, err
	}
	key, err := signerKey(tx.Inputs[0])
	if err != nil {
		return nil, err
	}
	if err := chain.CheckIsDefined(tx.Nonce, "nonce"); err != nil {
		return nil, err
	}
	hashString, ok := chain.PayloadString(tx, payloadBlockHash)
	if err := chain.Check(ok, "payload.%s should be defined", payloadBlockHash); err != nil {
		return nil, err
	}
	blockHash := base58.Decode(hashString)
	if err := chain.Check(len(blockHash) == 32, "payload.blockHash should be a base58 32 byte hash"); err != nil {
		return nil, err
	}
	deposit, err := storageDeposit(tx)
	if err != nil {
		return nil, err
	}
	memo, _ := chain.PayloadString(tx, payloadMemo)
	acts, receiver, err := actions(t, deposit, memo)
	if err != nil {
		return nil, err
	}
	txn := &Transaction{
		SignerID:   t.from,
		PublicKey:  key,
		Nonce:      *tx.Nonce,
		ReceiverID: receiver,
		Actions:    acts,
	}
	copy(txn.BlockHash[:], blockHash)
	return txn, nil
}

func (c *ChainAdaptor) SignTransaction(ctx context.Context, tx *chain.UnsignedTx, signers map[string]chain.Signer) (*chain.SignedTx, error) {
	txn, err := c.transaction(tx)
	if err != nil {
		return nil, err
	}
	signer, err := chain.SignerFor(signers, txn.SignerID)
	if err != nil {
		return nil, err
	}
	pub, err := signer.GetPubkey(true)
	if err != nil {
		return nil, err
	}
	if err := chain.Check(bytes.Equal(pub, txn.PublicKey), "signer key does not match %s", FormatPublicKey(txn.PublicKey)); err != nil {
		return nil, err
	}
	encoded, err := txn.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "encode transaction")
	}
	hash := sha256.Sum256(encoded)
	sig, _, err := signer.Sign(ctx, hash[:])
	if err != nil {
		log.Error("sign transaction fail", "from", txn.SignerID, "err", err)
		return nil, err
	}
	if err := chain.Check(len(sig) == ed25519.SignatureSize && ed25519.Verify(txn.PublicKey, hash[:], sig), "signature does not verify against %s", FormatPublicKey(txn.PublicKey)); err != nil {
		return nil, err
	}
	return &chain.SignedTx{
		Txid:  base58.Encode(hash[:]),
		RawTx: base64.StdEncoding.EncodeToString(encodeSignedTransaction(encoded, sig)),
	}, nil
}
