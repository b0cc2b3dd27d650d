package starcoin

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/numeric"
	"github.com/dapplink-baas/wallet-chain-provider/transport"
)

const ClientName = "StcClient"

const (
	readyThreshold  = time.Minute
	accountResource = "0x1::Account::Account"
	statusExecuted  = "Executed"
)

// quantity decodes integers that nodes send either as numbers or strings.
type quantity uint64

func (q *quantity) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid quantity %s", b)
	}
	*q = quantity(n)
	return nil
}

type StcClient struct {
	chain.SimpleClient
	rpc   *transport.JsonRpcClient
	clock clock.Clock
}

func NewStcClient(conf chain.ClientConfig) (chain.BaseClient, error) {
	return newStcClient(conf, clock.NewDefaultClock())
}

func newStcClient(conf chain.ClientConfig, clk clock.Clock) (*StcClient, error) {
	if len(conf.URLs) == 0 {
		return nil, errors.New("starcoin client needs a url")
	}
	s := &StcClient{
		rpc:   transport.NewJsonRpcClient(conf.URLs[0], transport.WithTimeout(conf.Timeout), transport.WithHeaders(conf.Headers)),
		clock: clk,
	}
	s.SimpleClient = chain.NewSimpleClient(s)
	return s, nil
}

type chainInfo struct {
	ChainID uint8 `json:"chain_id"`
	Head    struct {
		Number    quantity `json:"number"`
		Timestamp quantity `json:"timestamp"`
	} `json:"head"`
}

func (s *StcClient) GetInfo(ctx context.Context) (*chain.ClientInfo, error) {
	var info chainInfo
	if err := s.rpc.Call(ctx, &info, "chain.info"); err != nil {
		return nil, err
	}
	age := s.clock.Now().Sub(time.UnixMilli(int64(info.Head.Timestamp)))
	return &chain.ClientInfo{BestBlockNumber: int64(info.Head.Number), IsReady: age < readyThreshold}, nil
}

type NodeInfo struct {
	NowSeconds quantity `json:"now_seconds"`
}

// NodeTime is the wall clock of the node, which expirations are checked
// against.
func (s *StcClient) NodeTime(ctx context.Context) (time.Time, error) {
	var info NodeInfo
	if err := s.rpc.Call(ctx, &info, "node.info"); err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(info.NowSeconds), 0), nil
}

var decodeOption = map[string]bool{"decode": true}

// resource decodes the json view of a Move resource into out and reports
// whether it exists.
func (s *StcClient) resource(ctx context.Context, address, typeTag string, out interface{}) (bool, error) {
	var res *struct {
		JSON json.RawMessage `json:"json"`
	}
	if err := s.rpc.Call(ctx, &res, "state.get_resource", address, typeTag, decodeOption); err != nil {
		return false, err
	}
	if res == nil || len(res.JSON) == 0 || string(res.JSON) == "null" {
		return false, nil
	}
	return true, errors.Wrapf(json.Unmarshal(res.JSON, out), "decode %s", typeTag)
}

type accountView struct {
	SequenceNumber quantity `json:"sequence_number"`
}

type balanceView struct {
	Token struct {
		Value json.Number `json:"value"`
	} `json:"token"`
}

func balanceResource(tokenCode string) string {
	return "0x1::Account::Balance<" + tokenCode + ">"
}

func (s *StcClient) tokenBalance(ctx context.Context, address, tokenCode string) (*big.Int, error) {
	var b balanceView
	ok, err := s.resource(ctx, address, balanceResource(tokenCode), &b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return numeric.DecimalStringToBig(b.Token.Value.String())
}

// NextSequenceNumber counts pending transactions in the pool. It is nil
// when the pool has none from address.
func (s *StcClient) NextSequenceNumber(ctx context.Context, address string) (*uint64, error) {
	var next *quantity
	if err := s.rpc.Call(ctx, &next, "txpool.next_sequence_number", address); err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}
	return chain.Uint64Ptr(uint64(*next)), nil
}

func (s *StcClient) GetAddress(ctx context.Context, address string) (*chain.AddressInfo, error) {
	var acc accountView
	existing, err := s.resource(ctx, address, accountResource, &acc)
	if err != nil {
		return nil, err
	}
	balance, err := s.tokenBalance(ctx, address, GasTokenCode)
	if err != nil {
		return nil, err
	}
	info := &chain.AddressInfo{Balance: balance, Existing: existing, Nonce: chain.Uint64Ptr(uint64(acc.SequenceNumber))}
	next, err := s.NextSequenceNumber(ctx, address)
	if err != nil {
		return nil, err
	}
	if next != nil {
		info.Nonce = next
	}
	return info, nil
}

func (s *StcClient) GetBalance(ctx context.Context, req chain.BalanceRequest) (*big.Int, error) {
	code := GasTokenCode
	if req.TokenAddress != "" {
		tag, err := ParseStructTag(req.TokenAddress)
		if err != nil {
			return nil, err
		}
		code = tag.String()
	}
	return s.tokenBalance(ctx, req.Address, code)
}

// GetFeePricePerUnit quotes nanoSTC per gas unit.
func (s *StcClient) GetFeePricePerUnit(ctx context.Context) (*chain.FeePricePerUnit, error) {
	var price quantity
	if err := s.rpc.Call(ctx, &price, "txpool.gas_price"); err != nil {
		return nil, err
	}
	return &chain.FeePricePerUnit{Normal: chain.EstimatedPrice{Price: new(big.Int).SetUint64(uint64(price)), WaitingBlock: 1}}, nil
}

// DryRunResult is the outcome of executing an unsigned transaction.
type DryRunResult struct {
	GasUsed    uint64
	Status     string
	ExplainMsg string
}

type dryRunOutput struct {
	GasUsed quantity        `json:"gas_used"`
	Status  json.RawMessage `json:"status"`
	Explain json.RawMessage `json:"explained_status"`
}

// DryRun executes the BCS hex of a RawUserTransaction as signed by pubHex.
func (s *StcClient) DryRun(ctx context.Context, rawHex, pubHex string) (*DryRunResult, error) {
	var out dryRunOutput
	if err := s.rpc.Call(ctx, &out, "contract.dry_run_raw", rawHex, pubHex); err != nil {
		return nil, err
	}
	res := &DryRunResult{GasUsed: uint64(out.GasUsed), Status: statusString(out.Status), ExplainMsg: string(out.Explain)}
	if res.Status != statusExecuted {
		return nil, &chain.PreconditionError{Msg: "dry run failed: " + res.Status + " " + res.ExplainMsg}
	}
	return res, nil
}

// statusString flattens a VM status such as "Executed" or {"MoveAbort":...}.
func statusString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) == nil {
		for k := range m {
			return k
		}
	}
	return string(raw)
}

// BroadcastTransaction submits the hex of a SignedUserTransaction.
func (s *StcClient) BroadcastTransaction(ctx context.Context, rawTx string) (string, error) {
	var hash string
	if err := s.rpc.Call(ctx, &hash, "txpool.submit_hex_transaction", strings.TrimPrefix(rawTx, "0x")); err != nil {
		return "", err
	}
	return hash, nil
}

type transactionInfo struct {
	Status json.RawMessage `json:"status"`
}

func (s *StcClient) GetTransactionStatus(ctx context.Context, txid string) (chain.TransactionStatus, error) {
	var info *transactionInfo
	if err := s.rpc.Call(ctx, &info, "chain.get_transaction_info", txid); err != nil {
		return 0, err
	}
	if info != nil {
		if status := statusString(info.Status); status != statusExecuted {
			log.Debug("starcoin transaction failed", "txid", txid, "status", status)
			return chain.TxConfirmButFailed, nil
		}
		return chain.TxConfirmAndSuccess, nil
	}
	var pending json.RawMessage
	if err := s.rpc.Call(ctx, &pending, "txpool.pending_txn", txid); err != nil {
		return 0, err
	}
	if len(pending) > 0 && string(pending) != "null" {
		return chain.TxPending, nil
	}
	return chain.TxNotFound, nil
}

type tokenInfoView struct {
	ScalingFactor json.Number `json:"scaling_factor"`
}

// GetTokenInfo reads TokenInfo from the account that published the token.
// Decimals follow from the scaling factor.
func (s *StcClient) GetTokenInfo(ctx context.Context, address string) (*chain.TokenInfo, error) {
	tag, err := ParseStructTag(address)
	if err != nil {
		return nil, err
	}
	var info tokenInfoView
	ok, err := s.resource(ctx, tag.Address.String(), "0x1::Token::TokenInfo<"+tag.String()+">", &info)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, chain.NewNotFoundError("token %s", address)
	}
	factor, err := strconv.ParseFloat(info.ScalingFactor.String(), 64)
	if err != nil || factor < 1 {
		return nil, errors.Errorf("invalid scaling factor %q of %s", info.ScalingFactor, address)
	}
	return &chain.TokenInfo{
		Address:  tag.String(),
		Symbol:   tag.Name,
		Name:     tag.Module,
		Decimals: int32(math.Round(math.Log10(factor))),
	}, nil
}
