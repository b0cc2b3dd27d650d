package near

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/numeric"
	"github.com/dapplink-baas/wallet-chain-provider/transport"
)

const ClientName = "NearCli"

const (
	readyThreshold = time.Minute
	finalityFinal  = "final"
)

// NearCli reads NEAR through the JSON-RPC API, whose params are objects.
type NearCli struct {
	chain.SimpleClient
	rpc   *transport.JsonRpcClient
	clock clock.Clock
}

func NewNearCli(conf chain.ClientConfig) (chain.BaseClient, error) {
	return newNearCli(conf, clock.NewDefaultClock())
}

func newNearCli(conf chain.ClientConfig, clk clock.Clock) (*NearCli, error) {
	if len(conf.URLs) == 0 {
		return nil, errors.New("near client needs a url")
	}
	n := &NearCli{
		rpc:   transport.NewJsonRpcClient(conf.URLs[0], transport.WithTimeout(conf.Timeout), transport.WithHeaders(conf.Headers)),
		clock: clk,
	}
	n.SimpleClient = chain.NewSimpleClient(n)
	return n, nil
}

// queryError is an error reported inside a query result instead of the
// JSON-RPC error member.
type queryError struct {
	msg string
}

func (e *queryError) Error() string {
	return "near query: " + e.msg
}

func isUnknown(err error, kinds ...string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, k := range kinds {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}

func isUnknownAccount(err error) bool {
	return isUnknown(err, "UNKNOWN_ACCOUNT", "does not exist")
}

func (n *NearCli) query(ctx context.Context, params map[string]interface{}, out interface{}) error {
	params["finality"] = finalityFinal
	var raw json.RawMessage
	if err := n.rpc.CallWith(ctx, &raw, transport.Call{Method: "query", Params: params}); err != nil {
		return err
	}
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return &queryError{msg: envelope.Error}
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode query result")
}

type block struct {
	Header struct {
		Height           int64  `json:"height"`
		Hash             string `json:"hash"`
		TimestampNanosec string `json:"timestamp_nanosec"`
	} `json:"header"`
}

func (n *NearCli) GetInfo(ctx context.Context) (*chain.ClientInfo, error) {
	var b block
	if err := n.rpc.CallWith(ctx, &b, transport.Call{Method: "block", Params: map[string]string{"finality": finalityFinal}}); err != nil {
		return nil, err
	}
	ready := false
	if ns, err := numeric.DecimalStringToBig(b.Header.TimestampNanosec); err == nil {
		ready = n.clock.Now().Sub(time.Unix(0, ns.Int64())) < readyThreshold
	}
	return &chain.ClientInfo{BestBlockNumber: b.Header.Height, IsReady: ready}, nil
}

type viewAccount struct {
	Amount       string `json:"amount"`
	Locked       string `json:"locked"`
	StorageUsage uint64 `json:"storage_usage"`
}

// GetAddress reports the liquid balance. Nonces live on access keys, see
// AccessKey.
func (n *NearCli) GetAddress(ctx context.Context, address string) (*chain.AddressInfo, error) {
	var acc viewAccount
	err := n.query(ctx, map[string]interface{}{"request_type": "view_account", "account_id": address}, &acc)
	if isUnknownAccount(err) {
		return &chain.AddressInfo{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	balance, err := numeric.DecimalStringToBig(acc.Amount)
	if err != nil {
		return nil, err
	}
	return &chain.AddressInfo{Balance: balance, Existing: true}, nil
}

type AccessKey struct {
	Nonce      uint64
	BlockHash  string
	FullAccess bool
}

type viewAccessKey struct {
	Nonce      uint64          `json:"nonce"`
	Permission json.RawMessage `json:"permission"`
	BlockHash  string          `json:"block_hash"`
}

// AccessKey returns nil without error when account has no such key.
func (n *NearCli) AccessKey(ctx context.Context, account string, pub []byte) (*AccessKey, error) {
	var key viewAccessKey
	err := n.query(ctx, map[string]interface{}{
		"request_type": "view_access_key",
		"account_id":   account,
		"public_key":   FormatPublicKey(pub),
	}, &key)
	if isUnknown(err, "UNKNOWN_ACCESS_KEY", "UNKNOWN_ACCOUNT", "does not exist") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var permission string
	_ = json.Unmarshal(key.Permission, &permission)
	return &AccessKey{Nonce: key.Nonce, BlockHash: key.BlockHash, FullAccess: permission == "FullAccess"}, nil
}

type callResult struct {
	Result []int    `json:"result"`
	Logs   []string `json:"logs"`
}

// CallFunction runs a view method of contract and decodes its JSON result
// into out.
func (n *NearCli) CallFunction(ctx context.Context, contract, method string, args interface{}, out interface{}) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return errors.Wrap(err, "encode args")
	}
	var res callResult
	err = n.query(ctx, map[string]interface{}{
		"request_type": "call_function",
		"account_id":   contract,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(argsJSON),
	}, &res)
	if err != nil {
		return err
	}
	raw := make([]byte, len(res.Result))
	for i, b := range res.Result {
		raw[i] = byte(b)
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "decode %s result", method)
}

// GetBalance reads NEP-141 balances via ft_balance_of.
func (n *NearCli) GetBalance(ctx context.Context, req chain.BalanceRequest) (*big.Int, error) {
	if req.TokenAddress == "" {
		info, err := n.GetAddress(ctx, req.Address)
		if err != nil {
			return nil, err
		}
		return info.Balance, nil
	}
	var amount string
	if err := n.CallFunction(ctx, req.TokenAddress, "ft_balance_of", map[string]string{"account_id": req.Address}, &amount); err != nil {
		return nil, err
	}
	return numeric.DecimalStringToBig(amount)
}

type StorageBalance struct {
	Total     string `json:"total"`
	Available string `json:"available"`
}

// StorageBalanceOf returns nil when account is not registered with token.
func (n *NearCli) StorageBalanceOf(ctx context.Context, token, account string) (*StorageBalance, error) {
	var balance *StorageBalance
	if err := n.CallFunction(ctx, token, "storage_balance_of", map[string]string{"account_id": account}, &balance); err != nil {
		return nil, err
	}
	return balance, nil
}

type StorageBounds struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

func (n *NearCli) StorageBalanceBounds(ctx context.Context, token string) (*StorageBounds, error) {
	var bounds StorageBounds
	if err := n.CallFunction(ctx, token, "storage_balance_bounds", map[string]string{}, &bounds); err != nil {
		return nil, err
	}
	return &bounds, nil
}

type gasPrice struct {
	GasPrice string `json:"gas_price"`
}

// GetFeePricePerUnit quotes the yoctoNEAR price of one gas unit. NEAR has
// no priority market, so there is a single tier.
func (n *NearCli) GetFeePricePerUnit(ctx context.Context) (*chain.FeePricePerUnit, error) {
	var resp gasPrice
	if err := n.rpc.Call(ctx, &resp, "gas_price", nil); err != nil {
		return nil, err
	}
	price, err := numeric.DecimalStringToBig(resp.GasPrice)
	if err != nil {
		return nil, err
	}
	return &chain.FeePricePerUnit{Normal: chain.EstimatedPrice{Price: price, WaitingBlock: 1}}, nil
}

// BroadcastTransaction submits the base64 SignedTransaction without
// waiting for execution.
func (n *NearCli) BroadcastTransaction(ctx context.Context, rawTx string) (string, error) {
	var hash string
	if err := n.rpc.Call(ctx, &hash, "broadcast_tx_async", rawTx); err != nil {
		return "", err
	}
	return hash, nil
}

// StatusID joins a transaction hash with its signer. The tx endpoint needs
// the signer to find the shard.
func StatusID(hash, sender string) string {
	return hash + ":" + sender
}

type txStatus struct {
	FinalExecutionStatus string          `json:"final_execution_status"`
	Status               json.RawMessage `json:"status"`
}

// GetTransactionStatus takes an id built by StatusID.
func (n *NearCli) GetTransactionStatus(ctx context.Context, txid string) (chain.TransactionStatus, error) {
	hash, sender, ok := strings.Cut(txid, ":")
	if !ok || hash == "" || sender == "" {
		return 0, &chain.PreconditionError{Msg: "near status id should be <hash>:<sender>, got " + txid}
	}
	var resp txStatus
	err := n.rpc.CallWith(ctx, &resp, transport.Call{Method: "tx", Params: map[string]string{
		"tx_hash":           hash,
		"sender_account_id": sender,
		"wait_until":        "NONE",
	}})
	if isUnknown(err, "UNKNOWN_TRANSACTION", "doesn't exist") {
		return chain.TxNotFound, nil
	}
	if err != nil {
		return 0, err
	}
	var outcome map[string]json.RawMessage
	if json.Unmarshal(resp.Status, &outcome) != nil {
		// NotStarted and Started are plain strings
		return chain.TxPending, nil
	}
	if _, failed := outcome["Failure"]; failed {
		log.Debug("near transaction failed", "hash", hash, "failure", string(outcome["Failure"]))
		return chain.TxConfirmButFailed, nil
	}
	if _, done := outcome["SuccessValue"]; done {
		return chain.TxConfirmAndSuccess, nil
	}
	return chain.TxPending, nil
}

type ftMetadata struct {
	Spec     string `json:"spec"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

func (n *NearCli) GetTokenInfo(ctx context.Context, address string) (*chain.TokenInfo, error) {
	var md ftMetadata
	if err := n.CallFunction(ctx, address, "ft_metadata", map[string]string{}, &md); err != nil {
		if isUnknownAccount(err) {
			return nil, chain.NewNotFoundError("token contract %s", address)
		}
		return nil, err
	}
	return &chain.TokenInfo{Address: address, Symbol: md.Symbol, Name: md.Name, Decimals: md.Decimals}, nil
}
