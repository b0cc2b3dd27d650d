package solana

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/numeric"
	"github.com/dapplink-baas/wallet-chain-provider/transport"
)

const ClientName = "Solana"

const (
	// LamportsPerSignature is the base fee charged for every signature.
	LamportsPerSignature = 5000

	maxAccountsPerCall   = 100
	maxSignaturesPerCall = 256
)

var commitmentFinalized = map[string]string{"commitment": "finalized"}

// Client reads Solana through the public JSON-RPC API.
type Client struct {
	chain.SimpleClient
	rpc *transport.JsonRpcClient
}

func NewClient(conf chain.ClientConfig) (chain.BaseClient, error) {
	return newClient(conf)
}

func newClient(conf chain.ClientConfig) (*Client, error) {
	if len(conf.URLs) == 0 {
		return nil, errors.New("solana client needs a url")
	}
	c := &Client{
		rpc: transport.NewJsonRpcClient(conf.URLs[0], transport.WithTimeout(conf.Timeout), transport.WithHeaders(conf.Headers)),
	}
	c.SimpleClient = chain.NewSimpleClient(c)
	return c, nil
}

func (c *Client) GetInfo(ctx context.Context) (*chain.ClientInfo, error) {
	results, err := c.rpc.BatchCallLenient(ctx, []transport.Call{
		{Method: "getSlot", Params: []interface{}{commitmentFinalized}},
		{Method: "getHealth"},
	})
	if err != nil {
		return nil, err
	}
	if results[0] == nil {
		return nil, &transport.RpcProtocolError{Reason: "getSlot returned no result"}
	}
	var slot int64
	if err := json.Unmarshal(results[0], &slot); err != nil {
		return nil, errors.Wrap(err, "decode slot")
	}
	var health string
	if results[1] != nil {
		_ = json.Unmarshal(results[1], &health)
	}
	return &chain.ClientInfo{BestBlockNumber: slot, IsReady: health == "ok"}, nil
}

type rpcAccount struct {
	Lamports uint64          `json:"lamports"`
	Owner    string          `json:"owner"`
	Data     json.RawMessage `json:"data"`
}

type accountResult struct {
	Value *rpcAccount `json:"value"`
}

func accountInfo(acc *rpcAccount) *chain.AddressInfo {
	if acc == nil {
		return &chain.AddressInfo{Balance: big.NewInt(0)}
	}
	return &chain.AddressInfo{Balance: new(big.Int).SetUint64(acc.Lamports), Existing: true}
}

// GetAddress reports an account as existing once it is allocated on chain.
// Solana accounts carry no nonce.
func (c *Client) GetAddress(ctx context.Context, address string) (*chain.AddressInfo, error) {
	var res accountResult
	if err := c.rpc.Call(ctx, &res, "getAccountInfo", address, map[string]string{"encoding": "base64"}); err != nil {
		return nil, err
	}
	return accountInfo(res.Value), nil
}

// GetAddresses reads up to 100 accounts per getMultipleAccounts call.
func (c *Client) GetAddresses(ctx context.Context, addresses []string) []*chain.AddressInfo {
	out := make([]*chain.AddressInfo, 0, len(addresses))
	for _, chunk := range numeric.Chunk(addresses, maxAccountsPerCall) {
		var res struct {
			Value []*rpcAccount `json:"value"`
		}
		err := c.rpc.Call(ctx, &res, "getMultipleAccounts", chunk, map[string]string{"encoding": "base64"})
		if err == nil && len(res.Value) != len(chunk) {
			err = &transport.RpcProtocolError{Reason: "getMultipleAccounts length mismatch"}
		}
		if err != nil {
			log.Warn("get multiple accounts fail", "count", len(chunk), "err", err)
			out = append(out, make([]*chain.AddressInfo, len(chunk))...)
			continue
		}
		for _, acc := range res.Value {
			out = append(out, accountInfo(acc))
		}
	}
	return out
}

type parsedTokenAccount struct {
	Account struct {
		Data struct {
			Parsed struct {
				Info struct {
					TokenAmount struct {
						Amount string `json:"amount"`
					} `json:"tokenAmount"`
				} `json:"info"`
			} `json:"parsed"`
		} `json:"data"`
	} `json:"account"`
}

// GetBalance sums every token account of the owner for SPL balances.
func (c *Client) GetBalance(ctx context.Context, req chain.BalanceRequest) (*big.Int, error) {
	if req.TokenAddress == "" || isNativeMint(req.TokenAddress) {
		info, err := c.GetAddress(ctx, req.Address)
		if err != nil {
			return nil, err
		}
		return info.Balance, nil
	}
	var res struct {
		Value []parsedTokenAccount `json:"value"`
	}
	err := c.rpc.Call(ctx, &res, "getTokenAccountsByOwner", req.Address,
		map[string]string{"mint": req.TokenAddress},
		map[string]string{"encoding": "jsonParsed"})
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, acc := range res.Value {
		amount, ok := new(big.Int).SetString(acc.Account.Data.Parsed.Info.TokenAmount.Amount, 10)
		if !ok {
			return nil, errors.Errorf("invalid token amount %q", acc.Account.Data.Parsed.Info.TokenAmount.Amount)
		}
		total.Add(total, amount)
	}
	return total, nil
}

type prioritizationFee struct {
	Slot              uint64 `json:"slot"`
	PrioritizationFee uint64 `json:"prioritizationFee"`
}

// GetFeePricePerUnit returns compute unit prices in micro-lamports taken
// from recent prioritization fees: the median for normal, the 25th
// percentile for slow and the 90th for fast.
func (c *Client) GetFeePricePerUnit(ctx context.Context) (*chain.FeePricePerUnit, error) {
	var fees []prioritizationFee
	if err := c.rpc.Call(ctx, &fees, "getRecentPrioritizationFees"); err != nil {
		return nil, err
	}
	return feeTiers(fees), nil
}

func feeTiers(fees []prioritizationFee) *chain.FeePricePerUnit {
	values := make([]uint64, len(fees))
	for i, f := range fees {
		values[i] = f.PrioritizationFee
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	percentile := func(p int) *big.Int {
		if len(values) == 0 {
			return big.NewInt(0)
		}
		return new(big.Int).SetUint64(values[(len(values)-1)*p/100])
	}
	payload := map[string]interface{}{"lamportsPerSignature": LamportsPerSignature}
	return &chain.FeePricePerUnit{
		Normal: chain.EstimatedPrice{Price: percentile(50), WaitingBlock: 10, Payload: payload},
		Others: []chain.EstimatedPrice{
			{Price: percentile(25), WaitingBlock: 40, Payload: payload},
			{Price: percentile(90), WaitingBlock: 2, Payload: payload},
		},
	}
}

// BroadcastTransaction sends a base64 encoded transaction. A transaction the
// cluster already processed counts as success.
func (c *Client) BroadcastTransaction(ctx context.Context, rawTx string) (string, error) {
	var sig string
	err := c.rpc.Call(ctx, &sig, "sendTransaction", rawTx, map[string]interface{}{
		"encoding":            "base64",
		"preflightCommitment": "confirmed",
	})
	if err != nil {
		var rpcErr *transport.JsonRpcResponseError
		if errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Message), "already been processed") {
			return "", nil
		}
		return "", err
	}
	return sig, nil
}

type signatureStatus struct {
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

func (s *signatureStatus) status() chain.TransactionStatus {
	if s == nil {
		return chain.TxNotFound
	}
	if len(s.Err) > 0 && string(s.Err) != "null" {
		return chain.TxConfirmButFailed
	}
	switch s.ConfirmationStatus {
	case "confirmed", "finalized":
		return chain.TxConfirmAndSuccess
	}
	return chain.TxPending
}

func (c *Client) signatureStatuses(ctx context.Context, sigs []string) ([]*signatureStatus, error) {
	var res struct {
		Value []*signatureStatus `json:"value"`
	}
	err := c.rpc.Call(ctx, &res, "getSignatureStatuses", sigs, map[string]bool{"searchTransactionHistory": true})
	if err != nil {
		return nil, err
	}
	if len(res.Value) != len(sigs) {
		return nil, &transport.RpcProtocolError{Reason: "getSignatureStatuses length mismatch"}
	}
	return res.Value, nil
}

func (c *Client) GetTransactionStatus(ctx context.Context, txid string) (chain.TransactionStatus, error) {
	statuses, err := c.signatureStatuses(ctx, []string{txid})
	if err != nil {
		return chain.TxNotFound, err
	}
	return statuses[0].status(), nil
}

// GetTransactionStatuses asks for all signatures in one call per 256.
func (c *Client) GetTransactionStatuses(ctx context.Context, txids []string) []*chain.TransactionStatus {
	out := make([]*chain.TransactionStatus, 0, len(txids))
	for _, chunk := range numeric.Chunk(txids, maxSignaturesPerCall) {
		statuses, err := c.signatureStatuses(ctx, chunk)
		if err != nil {
			log.Warn("get signature statuses fail", "count", len(chunk), "err", err)
			out = append(out, make([]*chain.TransactionStatus, len(chunk))...)
			continue
		}
		for _, s := range statuses {
			status := s.status()
			out = append(out, &status)
		}
	}
	return out
}

// GetTokenInfo reads the decimals of a mint. Symbol and name live in
// off-chain metadata and are left empty.
func (c *Client) GetTokenInfo(ctx context.Context, address string) (*chain.TokenInfo, error) {
	var res struct {
		Value *struct {
			Owner string `json:"owner"`
			Data  struct {
				Parsed struct {
					Type string `json:"type"`
					Info struct {
						Decimals int32 `json:"decimals"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}
	if err := c.rpc.Call(ctx, &res, "getAccountInfo", address, map[string]string{"encoding": "jsonParsed"}); err != nil {
		return nil, err
	}
	if res.Value == nil || res.Value.Data.Parsed.Type != "mint" {
		return nil, chain.NewNotFoundError("token mint %s", address)
	}
	return &chain.TokenInfo{Address: address, Decimals: res.Value.Data.Parsed.Info.Decimals}, nil
}

type LatestBlockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

func (c *Client) GetLatestBlockhash(ctx context.Context) (*LatestBlockhash, error) {
	var res struct {
		Value *LatestBlockhash `json:"value"`
	}
	if err := c.rpc.Call(ctx, &res, "getLatestBlockhash", commitmentFinalized); err != nil {
		return nil, err
	}
	if res.Value == nil || res.Value.Blockhash == "" {
		return nil, chain.NewNotFoundError("latest blockhash")
	}
	return res.Value, nil
}
