package bitcoin

import (
	"context"
	"math/big"
	"net/http"
	"net/url"
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

const ClientName = "Blockbook"

const (
	blockbookReadyThreshold = time.Hour
	minFeeRate              = 1
)

// Blockbook reads a Bitcoin family chain through the Blockbook REST API.
type Blockbook struct {
	chain.SimpleClient
	rest  *transport.RestClient
	clock clock.Clock
}

func NewBlockbook(conf chain.ClientConfig) (chain.BaseClient, error) {
	return newBlockbook(conf, clock.NewDefaultClock())
}

func newBlockbook(conf chain.ClientConfig, clk clock.Clock) (*Blockbook, error) {
	rest, err := transport.NewRestClient(conf.URLs, transport.WithTimeout(conf.Timeout), transport.WithHeaders(conf.Headers))
	if err != nil {
		return nil, err
	}
	b := &Blockbook{rest: rest, clock: clk}
	b.SimpleClient = chain.NewSimpleClient(b)
	return b, nil
}

type blockbookStatus struct {
	Blockbook struct {
		BestHeight    int64     `json:"bestHeight"`
		InSync        bool      `json:"inSync"`
		LastBlockTime time.Time `json:"lastBlockTime"`
	} `json:"blockbook"`
	Backend struct {
		Blocks int64 `json:"blocks"`
	} `json:"backend"`
}

func (b *Blockbook) GetInfo(ctx context.Context) (*chain.ClientInfo, error) {
	var status blockbookStatus
	if err := b.rest.Get(ctx, "/api/v2", nil, &status); err != nil {
		return nil, err
	}
	best := status.Blockbook.BestHeight
	if best == 0 {
		best = status.Backend.Blocks
	}
	ready := status.Blockbook.InSync
	if ready && !status.Blockbook.LastBlockTime.IsZero() {
		ready = b.clock.Now().Sub(status.Blockbook.LastBlockTime) < blockbookReadyThreshold
	}
	return &chain.ClientInfo{BestBlockNumber: best, IsReady: ready}, nil
}

type blockbookAddress struct {
	Balance            string `json:"balance"`
	UnconfirmedBalance string `json:"unconfirmedBalance"`
	Txs                int64  `json:"txs"`
	UnconfirmedTxs     int64  `json:"unconfirmedTxs"`
}

func (b *Blockbook) GetAddress(ctx context.Context, address string) (*chain.AddressInfo, error) {
	var resp blockbookAddress
	query := url.Values{"details": {"basic"}}
	if err := b.rest.Get(ctx, "/api/v2/address/"+url.PathEscape(address), query, &resp); err != nil {
		return nil, err
	}
	balance, err := parseSatoshis(resp.Balance)
	if err != nil {
		return nil, err
	}
	unconfirmed, err := parseSatoshis(resp.UnconfirmedBalance)
	if err != nil {
		return nil, err
	}
	return &chain.AddressInfo{
		Balance:  balance.Add(balance, unconfirmed),
		Existing: resp.Txs > 0 || resp.UnconfirmedTxs > 0,
	}, nil
}

func parseSatoshis(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	return numeric.DecimalStringToBig(s)
}

type blockbookFee struct {
	Result string `json:"result"`
}

// feeRate returns the sat/vB estimate for confirmation within blocks.
func (b *Blockbook) feeRate(ctx context.Context, blocks int) (*big.Int, error) {
	var resp blockbookFee
	if err := b.rest.Get(ctx, "/api/v2/estimatefee/"+strconv.Itoa(blocks), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Result == "" || strings.HasPrefix(resp.Result, "-") {
		return big.NewInt(minFeeRate), nil
	}
	// result is BTC per kB
	perKB, err := numeric.CoinsToBaseUnits(resp.Result, 8)
	if err != nil {
		return nil, err
	}
	rate := numeric.MulDecimal(perKB, "0.001")
	if rate.Cmp(big.NewInt(minFeeRate)) < 0 {
		rate = big.NewInt(minFeeRate)
	}
	return rate, nil
}

func (b *Blockbook) GetFeePricePerUnit(ctx context.Context) (*chain.FeePricePerUnit, error) {
	blocks := []int{5, 1, 20}
	rates := chain.BatchCall2SingleCall(ctx, blocks, b.feeRate)
	if rates[0] == nil {
		return nil, errors.New("blockbook fee estimate unavailable")
	}
	fee := &chain.FeePricePerUnit{Normal: chain.EstimatedPrice{Price: rates[0], WaitingBlock: 5}}
	for i := 1; i < len(blocks); i++ {
		if rates[i] != nil {
			fee.Others = append(fee.Others, chain.EstimatedPrice{Price: rates[i], WaitingBlock: int64(blocks[i])})
		}
	}
	return fee, nil
}

type blockbookSendTx struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

func (b *Blockbook) BroadcastTransaction(ctx context.Context, rawTx string) (string, error) {
	var resp blockbookSendTx
	if err := b.rest.Post(ctx, "/api/v2/sendtx/", rawTx, &resp); err != nil {
		var respErr *transport.ResponseError
		if errors.As(err, &respErr) && strings.Contains(respErr.Body, "already in block") {
			log.Warn("transaction already in block", "err", respErr.Body)
			return "", nil
		}
		return "", err
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return resp.Result, nil
}

type blockbookTx struct {
	Txid          string `json:"txid"`
	BlockHeight   int64  `json:"blockHeight"`
	Confirmations int64  `json:"confirmations"`
}

func (b *Blockbook) GetTransactionStatus(ctx context.Context, txid string) (chain.TransactionStatus, error) {
	var tx blockbookTx
	if err := b.rest.Get(ctx, "/api/v2/tx/"+url.PathEscape(txid), nil, &tx); err != nil {
		if isTxNotFound(err) {
			return chain.TxNotFound, nil
		}
		return 0, err
	}
	if tx.Confirmations > 0 {
		return chain.TxConfirmAndSuccess, nil
	}
	return chain.TxPending, nil
}

func isTxNotFound(err error) bool {
	if chain.IsNotFound(err) {
		return true
	}
	var respErr *transport.ResponseError
	return errors.As(err, &respErr) && respErr.Status == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(respErr.Body), "not found")
}

type blockbookUTXO struct {
	Txid          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Value         string `json:"value"`
	Confirmations int64  `json:"confirmations"`
}

// GetUTXO accepts an address or an xpub.
func (b *Blockbook) GetUTXO(ctx context.Context, address string) ([]chain.UTXO, error) {
	var resp []blockbookUTXO
	if err := b.rest.Get(ctx, "/api/v2/utxo/"+url.PathEscape(address), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]chain.UTXO, 0, len(resp))
	for _, u := range resp {
		value, err := parseSatoshis(u.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, chain.UTXO{Txid: u.Txid, Vout: u.Vout, Value: value})
	}
	return out, nil
}
