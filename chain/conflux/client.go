package conflux

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/numeric"
	"github.com/dapplink-baas/wallet-chain-provider/transport"
)

const ClientName = "Conflux"

const (
	latestState         = "latest_state"
	confluxReadyTimeout = 60 * time.Second
)

var (
	selectorBalanceOf = hexutil.MustDecode("0x70a08231")
	selectorName      = hexutil.MustDecode("0x06fdde03")
	selectorSymbol    = hexutil.MustDecode("0x95d89b41")
	selectorDecimals  = hexutil.MustDecode("0x313ce567")
)

// Conflux reads Conflux core space through the cfx_* JSON-RPC namespace.
type Conflux struct {
	chain.SimpleClient
	rpc   *transport.JsonRpcClient
	clock clock.Clock
}

func NewConflux(conf chain.ClientConfig) (chain.BaseClient, error) {
	return newConflux(conf, clock.NewDefaultClock())
}

func newConflux(conf chain.ClientConfig, clk clock.Clock) (*Conflux, error) {
	if len(conf.URLs) == 0 {
		return nil, errors.New("conflux client needs a url")
	}
	c := &Conflux{
		rpc:   transport.NewJsonRpcClient(conf.URLs[0], transport.WithTimeout(conf.Timeout), transport.WithHeaders(conf.Headers)),
		clock: clk,
	}
	c.SimpleClient = chain.NewSimpleClient(c)
	return c, nil
}

type cfxBlock struct {
	EpochNumber hexutil.Uint64 `json:"epochNumber"`
	Timestamp   hexutil.Uint64 `json:"timestamp"`
}

func (c *Conflux) GetInfo(ctx context.Context) (*chain.ClientInfo, error) {
	var block *cfxBlock
	if err := c.rpc.Call(ctx, &block, "cfx_getBlockByEpochNumber", latestState, false); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, chain.NewNotFoundError("latest state block")
	}
	age := c.clock.Now().Sub(time.Unix(int64(block.Timestamp), 0))
	return &chain.ClientInfo{BestBlockNumber: int64(block.EpochNumber), IsReady: age < confluxReadyTimeout}, nil
}

func (c *Conflux) EpochNumber(ctx context.Context) (uint64, error) {
	var epoch hexutil.Uint64
	if err := c.rpc.Call(ctx, &epoch, "cfx_epochNumber", latestState); err != nil {
		return 0, err
	}
	return uint64(epoch), nil
}

func (c *Conflux) GetAddress(ctx context.Context, address string) (*chain.AddressInfo, error) {
	results, err := c.rpc.BatchCall(ctx, []transport.Call{
		{Method: "cfx_getBalance", Params: []interface{}{address, latestState}},
		{Method: "cfx_getNextNonce", Params: []interface{}{address, latestState}},
	})
	if err != nil {
		return nil, err
	}
	var balance hexutil.Big
	var nonce hexutil.Uint64
	if err := json.Unmarshal(results[0], &balance); err != nil {
		return nil, errors.Wrap(err, "decode balance")
	}
	if err := json.Unmarshal(results[1], &nonce); err != nil {
		return nil, errors.Wrap(err, "decode nonce")
	}
	b := balance.ToInt()
	return &chain.AddressInfo{
		Balance:  b,
		Existing: b.Sign() > 0 || nonce > 0,
		Nonce:    chain.Uint64Ptr(uint64(nonce)),
	}, nil
}

// CallMsg is the transaction object of cfx_call and
// cfx_estimateGasAndCollateral. Addresses are CIP-37.
type CallMsg struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to"`
	Value string `json:"value,omitempty"`
	Data  string `json:"data,omitempty"`
}

func (c *Conflux) call(ctx context.Context, msg CallMsg) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.rpc.Call(ctx, &out, "cfx_call", msg, latestState); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Conflux) GetBalance(ctx context.Context, req chain.BalanceRequest) (*big.Int, error) {
	if req.TokenAddress == "" {
		return c.SimpleClient.GetBalance(ctx, req)
	}
	owner, err := DecodeAddress(req.Address)
	if err != nil {
		return nil, &chain.PreconditionError{Msg: "invalid address " + req.Address}
	}
	data := append(append([]byte{}, selectorBalanceOf...), common.LeftPadBytes(owner.Hex, 32)...)
	out, err := c.call(ctx, CallMsg{To: req.TokenAddress, Data: hexutil.Encode(data)})
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

func (c *Conflux) GasPrice(ctx context.Context) (*big.Int, error) {
	var price hexutil.Big
	if err := c.rpc.Call(ctx, &price, "cfx_gasPrice"); err != nil {
		return nil, err
	}
	return price.ToInt(), nil
}

// GetFeePricePerUnit pads the node gas price: normal 1.25x, slow as
// reported and fast 1.2x normal.
func (c *Conflux) GetFeePricePerUnit(ctx context.Context) (*chain.FeePricePerUnit, error) {
	price, err := c.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	normal := numeric.MulDecimal(price, "1.25")
	return &chain.FeePricePerUnit{
		Normal: chain.EstimatedPrice{Price: normal, WaitingBlock: 4},
		Others: []chain.EstimatedPrice{
			{Price: new(big.Int).Set(price), WaitingBlock: 40},
			{Price: numeric.MulDecimal(normal, "1.2"), WaitingBlock: 1},
		},
	}, nil
}

// GasAndCollateral is the answer of cfx_estimateGasAndCollateral.
type GasAndCollateral struct {
	GasLimit              *big.Int
	GasUsed               *big.Int
	StorageCollateralized *big.Int
}

func (c *Conflux) EstimateGasAndCollateral(ctx context.Context, msg CallMsg) (*GasAndCollateral, error) {
	var res struct {
		GasLimit              hexutil.Big `json:"gasLimit"`
		GasUsed               hexutil.Big `json:"gasUsed"`
		StorageCollateralized hexutil.Big `json:"storageCollateralized"`
	}
	if err := c.rpc.Call(ctx, &res, "cfx_estimateGasAndCollateral", msg, latestState); err != nil {
		return nil, err
	}
	return &GasAndCollateral{
		GasLimit:              res.GasLimit.ToInt(),
		GasUsed:               res.GasUsed.ToInt(),
		StorageCollateralized: res.StorageCollateralized.ToInt(),
	}, nil
}

func (c *Conflux) BroadcastTransaction(ctx context.Context, rawTx string) (string, error) {
	var hash string
	if err := c.rpc.Call(ctx, &hash, "cfx_sendRawTransaction", rawTx); err != nil {
		var rpcErr *transport.JsonRpcResponseError
		if errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Message), "already") {
			return "", nil
		}
		return "", err
	}
	return hash, nil
}

// GetTransactionStatus maps outcomeStatus 0 to success. A transaction the
// node knows but has not executed is pending.
func (c *Conflux) GetTransactionStatus(ctx context.Context, txid string) (chain.TransactionStatus, error) {
	var receipt *struct {
		OutcomeStatus hexutil.Uint64 `json:"outcomeStatus"`
	}
	if err := c.rpc.Call(ctx, &receipt, "cfx_getTransactionReceipt", txid); err != nil {
		return chain.TxNotFound, err
	}
	if receipt != nil {
		if receipt.OutcomeStatus == 0 {
			return chain.TxConfirmAndSuccess, nil
		}
		return chain.TxConfirmButFailed, nil
	}
	var tx json.RawMessage
	if err := c.rpc.Call(ctx, &tx, "cfx_getTransactionByHash", txid); err != nil {
		return chain.TxNotFound, err
	}
	if len(tx) == 0 || string(tx) == "null" {
		return chain.TxNotFound, nil
	}
	return chain.TxPending, nil
}

var abiString = func() abi.Arguments {
	t, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: t}}
}()

func (c *Conflux) GetTokenInfo(ctx context.Context, address string) (*chain.TokenInfo, error) {
	info := &chain.TokenInfo{Address: address}
	for _, item := range []struct {
		selector []byte
		target   *string
	}{{selectorSymbol, &info.Symbol}, {selectorName, &info.Name}} {
		out, err := c.call(ctx, CallMsg{To: address, Data: hexutil.Encode(item.selector)})
		if err != nil {
			return nil, err
		}
		values, err := abiString.Unpack(out)
		if err != nil || len(values) != 1 {
			log.Debug("unpack token string fail", "token", address, "err", err)
			return nil, chain.NewNotFoundError("token %s", address)
		}
		*item.target, _ = values[0].(string)
	}
	out, err := c.call(ctx, CallMsg{To: address, Data: hexutil.Encode(selectorDecimals)})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, chain.NewNotFoundError("token %s", address)
	}
	info.Decimals = int32(new(big.Int).SetBytes(out).Int64())
	return info, nil
}
