package algorand

import (
	"context"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/transport"
)

const ClientName = "Algod"

const (
	readyThreshold = time.Minute
	// size of a signed payment, used to quote a flat fee
	typicalTxSize = 250
)

// Algod reads Algorand through the algod v2 REST API. Transactions that
// already left the pending pool are looked up on an indexer when the
// "indexerUrls" option lists one.
type Algod struct {
	chain.SimpleClient
	rest    *transport.RestClient
	indexer *transport.RestClient
}

func NewAlgod(conf chain.ClientConfig) (chain.BaseClient, error) {
	return newAlgod(conf)
}

func newAlgod(conf chain.ClientConfig) (*Algod, error) {
	opts := []transport.Option{transport.WithTimeout(conf.Timeout), transport.WithHeaders(conf.Headers)}
	rest, err := transport.NewRestClient(conf.URLs, opts...)
	if err != nil {
		return nil, err
	}
	a := &Algod{rest: rest}
	if urls := splitURLs(conf.Options.String("indexerUrls", "")); len(urls) > 0 {
		if a.indexer, err = transport.NewRestClient(urls, opts...); err != nil {
			return nil, err
		}
	}
	a.SimpleClient = chain.NewSimpleClient(a)
	return a, nil
}

func splitURLs(s string) []string {
	var out []string
	for _, u := range strings.Split(s, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func isNotFound(err error) bool {
	var respErr *transport.ResponseError
	return errors.As(err, &respErr) && respErr.Status == http.StatusNotFound
}

type nodeStatus struct {
	LastRound          int64 `json:"last-round"`
	TimeSinceLastRound int64 `json:"time-since-last-round"`
	CatchupTime        int64 `json:"catchup-time"`
}

func (a *Algod) GetInfo(ctx context.Context) (*chain.ClientInfo, error) {
	var status nodeStatus
	if err := a.rest.Get(ctx, "/v2/status", nil, &status); err != nil {
		return nil, err
	}
	ready := status.CatchupTime == 0 && time.Duration(status.TimeSinceLastRound) < readyThreshold
	return &chain.ClientInfo{BestBlockNumber: status.LastRound, IsReady: ready}, nil
}

type account struct {
	Amount uint64 `json:"amount"`
}

func (a *Algod) GetAddress(ctx context.Context, address string) (*chain.AddressInfo, error) {
	var acc account
	query := url.Values{"exclude": {"all"}}
	if err := a.rest.Get(ctx, "/v2/accounts/"+url.PathEscape(address), query, &acc); err != nil {
		if isNotFound(err) {
			return &chain.AddressInfo{Balance: big.NewInt(0)}, nil
		}
		return nil, err
	}
	balance := new(big.Int).SetUint64(acc.Amount)
	return &chain.AddressInfo{Balance: balance, Existing: acc.Amount > 0}, nil
}

type assetHolding struct {
	AssetHolding struct {
		Amount  uint64 `json:"amount"`
		AssetID uint64 `json:"asset-id"`
	} `json:"asset-holding"`
}

// GetBalance reads ASA holdings by asset id. An account that has not opted
// in holds zero.
func (a *Algod) GetBalance(ctx context.Context, req chain.BalanceRequest) (*big.Int, error) {
	if req.TokenAddress == "" {
		info, err := a.GetAddress(ctx, req.Address)
		if err != nil {
			return nil, err
		}
		return info.Balance, nil
	}
	if _, err := parseAssetID(req.TokenAddress); err != nil {
		return nil, err
	}
	var holding assetHolding
	path := "/v2/accounts/" + url.PathEscape(req.Address) + "/assets/" + req.TokenAddress
	if err := a.rest.Get(ctx, path, nil, &holding); err != nil {
		if isNotFound(err) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	return new(big.Int).SetUint64(holding.AssetHolding.Amount), nil
}

type SuggestedParams struct {
	ConsensusVersion string `json:"consensus-version"`
	// Fee is the per byte fee in microalgos, zero unless the network is
	// congested.
	Fee         uint64 `json:"fee"`
	GenesisHash string `json:"genesis-hash"`
	GenesisID   string `json:"genesis-id"`
	LastRound   uint64 `json:"last-round"`
	MinFee      uint64 `json:"min-fee"`
}

func (a *Algod) SuggestedParams(ctx context.Context) (*SuggestedParams, error) {
	var params SuggestedParams
	if err := a.rest.Get(ctx, "/v2/transactions/params", nil, &params); err != nil {
		return nil, err
	}
	if params.GenesisHash == "" || params.GenesisID == "" {
		return nil, errors.New("algod returned incomplete transaction params")
	}
	return &params, nil
}

// FlatFee is the fee of a transaction of size bytes under params.
func (p *SuggestedParams) FlatFee(size int) uint64 {
	fee := p.Fee * uint64(size)
	if fee < p.MinFee {
		fee = p.MinFee
	}
	return fee
}

func (a *Algod) GetFeePricePerUnit(ctx context.Context) (*chain.FeePricePerUnit, error) {
	params, err := a.SuggestedParams(ctx)
	if err != nil {
		return nil, err
	}
	return &chain.FeePricePerUnit{Normal: chain.EstimatedPrice{
		Price:        new(big.Int).SetUint64(params.FlatFee(typicalTxSize)),
		WaitingBlock: 1,
		Payload:      map[string]interface{}{"feePerByte": params.Fee, "minFee": params.MinFee},
	}}, nil
}

type sendResult struct {
	TxID string `json:"txId"`
}

// BroadcastTransaction takes the base64 signed transaction.
func (a *Algod) BroadcastTransaction(ctx context.Context, rawTx string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(rawTx)
	if err != nil {
		return "", errors.Wrap(err, "decode base64 transaction")
	}
	var resp sendResult
	if err := a.rest.Post(ctx, "/v2/transactions", transport.Binary(raw), &resp); err != nil {
		var respErr *transport.ResponseError
		if errors.As(err, &respErr) && strings.Contains(respErr.Body, "already in ledger") {
			log.Warn("transaction already in ledger", "err", respErr.Body)
			return "", nil
		}
		return "", err
	}
	return resp.TxID, nil
}

type pendingTransaction struct {
	ConfirmedRound uint64 `json:"confirmed-round"`
	PoolError      string `json:"pool-error"`
}

type indexedTransaction struct {
	Transaction struct {
		ConfirmedRound uint64 `json:"confirmed-round"`
	} `json:"transaction"`
}

func (a *Algod) GetTransactionStatus(ctx context.Context, txid string) (chain.TransactionStatus, error) {
	var pending pendingTransaction
	err := a.rest.Get(ctx, "/v2/transactions/pending/"+url.PathEscape(txid), nil, &pending)
	switch {
	case err == nil && pending.ConfirmedRound > 0:
		return chain.TxConfirmAndSuccess, nil
	case err == nil && pending.PoolError != "":
		log.Debug("transaction dropped from pool", "txid", txid, "err", pending.PoolError)
		return chain.TxInvalid, nil
	case err == nil:
		return chain.TxPending, nil
	case !isNotFound(err):
		return 0, err
	case a.indexer == nil:
		return chain.TxNotFound, nil
	}
	var indexed indexedTransaction
	if err := a.indexer.Get(ctx, "/v2/transactions/"+url.PathEscape(txid), nil, &indexed); err != nil {
		if isNotFound(err) {
			return chain.TxNotFound, nil
		}
		return 0, err
	}
	if indexed.Transaction.ConfirmedRound > 0 {
		return chain.TxConfirmAndSuccess, nil
	}
	return chain.TxPending, nil
}

type asset struct {
	Index  uint64 `json:"index"`
	Params struct {
		Decimals int32  `json:"decimals"`
		Name     string `json:"name"`
		UnitName string `json:"unit-name"`
	} `json:"params"`
}

func (a *Algod) GetTokenInfo(ctx context.Context, address string) (*chain.TokenInfo, error) {
	id, err := parseAssetID(address)
	if err != nil {
		return nil, err
	}
	var resp asset
	if err := a.rest.Get(ctx, "/v2/assets/"+strconv.FormatUint(id, 10), nil, &resp); err != nil {
		if isNotFound(err) {
			return nil, chain.NewNotFoundError("asset %d", id)
		}
		return nil, err
	}
	return &chain.TokenInfo{
		Address:  address,
		Symbol:   resp.Params.UnitName,
		Name:     resp.Params.Name,
		Decimals: resp.Params.Decimals,
	}, nil
}

// parseAssetID accepts the decimal id of an Algorand Standard Asset.
func parseAssetID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 || strconv.FormatUint(id, 10) != s {
		return 0, &chain.PreconditionError{Msg: "invalid asset id " + strconv.Quote(s)}
	}
	return id, nil
}
