package ethereum

import (
	"bytes"
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

const ClientName = "Geth"

const gethReadyThreshold = 120 * time.Second

var (
	selectorBalanceOf = hexutil.MustDecode("0x70a08231")
	selectorName      = hexutil.MustDecode("0x06fdde03")
	selectorSymbol    = hexutil.MustDecode("0x95d89b41")
	selectorDecimals  = hexutil.MustDecode("0x313ce567")
)

// Geth reads an EVM chain through the standard eth_* JSON-RPC namespace.
type Geth struct {
	chain.SimpleClient
	rpc   *transport.JsonRpcClient
	clock clock.Clock
}

func NewGeth(conf chain.ClientConfig) (chain.BaseClient, error) {
	return newGeth(conf, clock.NewDefaultClock())
}

func newGeth(conf chain.ClientConfig, clk clock.Clock) (*Geth, error) {
	if len(conf.URLs) == 0 {
		return nil, errors.New("geth client needs a url")
	}
	g := &Geth{
		rpc:   transport.NewJsonRpcClient(conf.URLs[0], transport.WithTimeout(conf.Timeout), transport.WithHeaders(conf.Headers)),
		clock: clk,
	}
	g.SimpleClient = chain.NewSimpleClient(g)
	return g, nil
}

type rpcBlock struct {
	Number        hexutil.Uint64 `json:"number"`
	Timestamp     hexutil.Uint64 `json:"timestamp"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
}

func (g *Geth) latestBlock(ctx context.Context) (*rpcBlock, error) {
	var block *rpcBlock
	if err := g.rpc.Call(ctx, &block, "eth_getBlockByNumber", "latest", false); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, chain.NewNotFoundError("latest block")
	}
	return block, nil
}

func (g *Geth) GetInfo(ctx context.Context) (*chain.ClientInfo, error) {
	block, err := g.latestBlock(ctx)
	if err != nil {
		return nil, err
	}
	age := g.clock.Now().Sub(time.Unix(int64(block.Timestamp), 0))
	return &chain.ClientInfo{BestBlockNumber: int64(block.Number), IsReady: age < gethReadyThreshold}, nil
}

func addressCalls(address string) []transport.Call {
	return []transport.Call{
		{Method: "eth_getBalance", Params: []interface{}{address, "latest"}},
		{Method: "eth_getTransactionCount", Params: []interface{}{address, "pending"}},
	}
}

func decodeAddressInfo(balanceRaw, nonceRaw json.RawMessage) (*chain.AddressInfo, error) {
	var balance hexutil.Big
	var nonce hexutil.Uint64
	if err := json.Unmarshal(balanceRaw, &balance); err != nil {
		return nil, errors.Wrap(err, "decode balance")
	}
	if err := json.Unmarshal(nonceRaw, &nonce); err != nil {
		return nil, errors.Wrap(err, "decode nonce")
	}
	b := balance.ToInt()
	return &chain.AddressInfo{
		Balance:  b,
		Existing: b.Sign() > 0 || nonce > 0,
		Nonce:    chain.Uint64Ptr(uint64(nonce)),
	}, nil
}

func (g *Geth) GetAddress(ctx context.Context, address string) (*chain.AddressInfo, error) {
	results, err := g.rpc.BatchCall(ctx, addressCalls(address))
	if err != nil {
		return nil, err
	}
	return decodeAddressInfo(results[0], results[1])
}

// GetAddresses sends one batch for all addresses.
func (g *Geth) GetAddresses(ctx context.Context, addresses []string) []*chain.AddressInfo {
	out := make([]*chain.AddressInfo, len(addresses))
	var calls []transport.Call
	for _, a := range addresses {
		calls = append(calls, addressCalls(a)...)
	}
	results, err := g.rpc.BatchCallLenient(ctx, calls)
	if err != nil {
		log.Warn("batch get addresses fail", "err", err)
		return out
	}
	for i := range addresses {
		if results[2*i] == nil || results[2*i+1] == nil {
			continue
		}
		info, err := decodeAddressInfo(results[2*i], results[2*i+1])
		if err != nil {
			log.Debug("decode address info fail", "address", addresses[i], "err", err)
			continue
		}
		out[i] = info
	}
	return out
}

func padAddress(address string) []byte {
	return common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)
}

func balanceCall(req chain.BalanceRequest) transport.Call {
	if req.TokenAddress == "" {
		return transport.Call{Method: "eth_getBalance", Params: []interface{}{req.Address, "latest"}}
	}
	data := append(append([]byte{}, selectorBalanceOf...), padAddress(req.Address)...)
	return ethCall(req.TokenAddress, data)
}

func ethCall(to string, data []byte) transport.Call {
	return transport.Call{Method: "eth_call", Params: []interface{}{
		map[string]string{"to": to, "data": hexutil.Encode(data)},
		"latest",
	}}
}

func decodeBalance(raw json.RawMessage) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.Wrap(err, "decode balance")
	}
	if s == "0x" {
		// contract without balanceOf
		return nil, errors.New("empty eth_call result")
	}
	return numeric.HexToBig(s)
}

func (g *Geth) GetBalance(ctx context.Context, req chain.BalanceRequest) (*big.Int, error) {
	var raw json.RawMessage
	if err := g.rpc.CallWith(ctx, &raw, balanceCall(req)); err != nil {
		return nil, err
	}
	return decodeBalance(raw)
}

func (g *Geth) GetBalances(ctx context.Context, reqs []chain.BalanceRequest) []*big.Int {
	out := make([]*big.Int, len(reqs))
	calls := make([]transport.Call, len(reqs))
	for i, r := range reqs {
		calls[i] = balanceCall(r)
	}
	results, err := g.rpc.BatchCallLenient(ctx, calls)
	if err != nil {
		log.Warn("batch get balances fail", "err", err)
		return out
	}
	for i, raw := range results {
		if raw == nil {
			continue
		}
		if b, err := decodeBalance(raw); err == nil {
			out[i] = b
		}
	}
	return out
}

func (g *Geth) GasPrice(ctx context.Context) (*big.Int, error) {
	var price hexutil.Big
	if err := g.rpc.Call(ctx, &price, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return price.ToInt(), nil
}

// GetFeePricePerUnit tiers eth_gasPrice: slow 1x, normal 1.25x, fast 1.2x of normal.
func (g *Geth) GetFeePricePerUnit(ctx context.Context) (*chain.FeePricePerUnit, error) {
	price, err := g.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return feeTiers(price), nil
}

func feeTiers(price *big.Int) *chain.FeePricePerUnit {
	normal := numeric.MulDecimal(price, "1.25")
	return &chain.FeePricePerUnit{
		Normal: chain.EstimatedPrice{Price: normal, WaitingBlock: 4},
		Others: []chain.EstimatedPrice{
			{Price: new(big.Int).Set(price), WaitingBlock: 40},
			{Price: numeric.MulDecimal(normal, "1.2"), WaitingBlock: 1},
		},
	}
}

// BaseFee returns the base fee of the latest block, nil before London.
func (g *Geth) BaseFee(ctx context.Context) (*big.Int, error) {
	block, err := g.latestBlock(ctx)
	if err != nil {
		return nil, err
	}
	if block.BaseFeePerGas == nil {
		return nil, nil
	}
	return block.BaseFeePerGas.ToInt(), nil
}

func (g *Geth) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	var tip hexutil.Big
	if err := g.rpc.Call(ctx, &tip, "eth_maxPriorityFeePerGas"); err != nil {
		return nil, err
	}
	return tip.ToInt(), nil
}

func (g *Geth) GetCode(ctx context.Context, address string) ([]byte, error) {
	var code hexutil.Bytes
	if err := g.rpc.Call(ctx, &code, "eth_getCode", address, "latest"); err != nil {
		return nil, err
	}
	return code, nil
}

type CallMsg struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Value string `json:"value,omitempty"`
	Data  string `json:"data,omitempty"`
}

func (g *Geth) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	var gas hexutil.Uint64
	if err := g.rpc.Call(ctx, &gas, "eth_estimateGas", msg); err != nil {
		return 0, err
	}
	return uint64(gas), nil
}

func (g *Geth) BroadcastTransaction(ctx context.Context, rawTx string) (string, error) {
	var txid string
	if err := g.rpc.Call(ctx, &txid, "eth_sendRawTransaction", rawTx); err != nil {
		var rpcErr *transport.JsonRpcResponseError
		if errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Message), "already known") {
			log.Warn("transaction already known", "err", rpcErr.Message)
			return "", nil
		}
		return "", err
	}
	return txid, nil
}

type rpcReceipt struct {
	Status      *hexutil.Uint64 `json:"status"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
}

func receiptStatus(raw json.RawMessage) (chain.TransactionStatus, bool, error) {
	if raw == nil || bytes.Equal(raw, []byte("null")) {
		return 0, false, nil
	}
	var receipt rpcReceipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return 0, false, errors.Wrap(err, "decode receipt")
	}
	if receipt.BlockNumber == nil {
		return chain.TxPending, true, nil
	}
	if receipt.Status != nil && *receipt.Status == 0 {
		return chain.TxConfirmButFailed, true, nil
	}
	return chain.TxConfirmAndSuccess, true, nil
}

func (g *Geth) GetTransactionStatus(ctx context.Context, txid string) (chain.TransactionStatus, error) {
	statuses := g.GetTransactionStatuses(ctx, []string{txid})
	if statuses[0] == nil {
		return 0, errors.Errorf("query status of %s fail", txid)
	}
	return *statuses[0], nil
}

// GetTransactionStatuses batches receipts, then batches transaction lookups
// for the hashes without one to split pending from unknown.
func (g *Geth) GetTransactionStatuses(ctx context.Context, txids []string) []*chain.TransactionStatus {
	out := make([]*chain.TransactionStatus, len(txids))
	calls := make([]transport.Call, len(txids))
	for i, id := range txids {
		calls[i] = transport.Call{Method: "eth_getTransactionReceipt", Params: []interface{}{id}}
	}
	receipts, err := g.rpc.BatchCallLenient(ctx, calls)
	if err != nil {
		log.Warn("batch get receipts fail", "err", err)
		return out
	}
	var missing []int
	for i, raw := range receipts {
		if raw == nil {
			continue
		}
		status, ok, err := receiptStatus(raw)
		if err != nil {
			continue
		}
		if ok {
			out[i] = &status
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out
	}
	calls = calls[:0]
	for _, i := range missing {
		calls = append(calls, transport.Call{Method: "eth_getTransactionByHash", Params: []interface{}{txids[i]}})
	}
	txs, err := g.rpc.BatchCallLenient(ctx, calls)
	if err != nil {
		log.Warn("batch get transactions fail", "err", err)
		return out
	}
	for j, raw := range txs {
		if raw == nil {
			continue
		}
		status := chain.TxPending
		if bytes.Equal(raw, []byte("null")) {
			status = chain.TxNotFound
		}
		out[missing[j]] = &status
	}
	return out
}

var (
	abiString, _ = abi.NewType("string", "", nil)
	abiUint8, _  = abi.NewType("uint8", "", nil)
)

func abiStringArgs() abi.Arguments {
	return abi.Arguments{{Type: abiString}}
}

func (g *Geth) GetTokenInfo(ctx context.Context, address string) (*chain.TokenInfo, error) {
	infos := g.GetTokenInfos(ctx, []string{address})
	if infos[0] == nil {
		return nil, chain.NewNotFoundError("token %s", address)
	}
	return infos[0], nil
}

func (g *Geth) GetTokenInfos(ctx context.Context, addresses []string) []*chain.TokenInfo {
	out := make([]*chain.TokenInfo, len(addresses))
	var calls []transport.Call
	for _, a := range addresses {
		calls = append(calls, ethCall(a, selectorSymbol), ethCall(a, selectorName), ethCall(a, selectorDecimals))
	}
	results, err := g.rpc.BatchCallLenient(ctx, calls)
	if err != nil {
		log.Warn("batch get token infos fail", "err", err)
		return out
	}
	for i, a := range addresses {
		info, err := decodeTokenInfo(a, results[3*i:3*i+3])
		if err != nil {
			log.Debug("decode token info fail", "token", a, "err", err)
			continue
		}
		out[i] = info
	}
	return out
}

func decodeTokenInfo(address string, raws []json.RawMessage) (*chain.TokenInfo, error) {
	values := make([][]byte, len(raws))
	for i, raw := range raws {
		if raw == nil {
			return nil, errors.New("token call failed")
		}
		var b hexutil.Bytes
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		values[i] = b
	}
	symbol, err := abiStringArgs().Unpack(values[0])
	if err != nil {
		return nil, errors.Wrap(err, "unpack symbol")
	}
	name, err := abiStringArgs().Unpack(values[1])
	if err != nil {
		return nil, errors.Wrap(err, "unpack name")
	}
	decimals, err := abi.Arguments{{Type: abiUint8}}.Unpack(values[2])
	if err != nil {
		return nil, errors.Wrap(err, "unpack decimals")
	}
	return &chain.TokenInfo{
		Address:  strings.ToLower(address),
		Symbol:   symbol[0].(string),
		Name:     name[0].(string),
		Decimals: int32(decimals[0].(uint8)),
	}, nil
}
