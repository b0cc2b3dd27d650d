package cosmos

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
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/numeric"
	"github.com/dapplink-baas/wallet-chain-provider/transport"
)

const ClientName = "Cosmos"

const (
	readyThreshold      = time.Minute
	defaultDenom        = "uatom"
	defaultGasPriceStep = "0.01,0.025,0.04"

	// gas prices are fractional, FeePricePerUnit carries them scaled by
	// gasPriceScale
	gasPriceScale = 1_000_000

	codeTxInMempool   = 19
	broadcastModeSync = "BROADCAST_MODE_SYNC"
)

// Cosmos reads a Cosmos SDK chain through its LCD REST gateway.
type Cosmos struct {
	chain.SimpleClient
	rest     *transport.RestClient
	clock    clock.Clock
	denom    string
	gasSteps []*big.Int
}

func NewCosmos(conf chain.ClientConfig) (chain.BaseClient, error) {
	return newCosmos(conf, clock.NewDefaultClock())
}

func newCosmos(conf chain.ClientConfig, clk clock.Clock) (*Cosmos, error) {
	rest, err := transport.NewRestClient(conf.URLs, transport.WithTimeout(conf.Timeout), transport.WithHeaders(conf.Headers))
	if err != nil {
		return nil, err
	}
	steps, err := ParseGasPriceStep(conf.Options.String("gasPriceStep", defaultGasPriceStep))
	if err != nil {
		return nil, err
	}
	c := &Cosmos{rest: rest, clock: clk, denom: conf.Options.String("mainCoinDenom", defaultDenom), gasSteps: steps}
	c.SimpleClient = chain.NewSimpleClient(c)
	return c, nil
}

// ParseGasPriceStep reads "low,average,high" decimal gas prices into
// scaled integers.
func ParseGasPriceStep(s string) ([]*big.Int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return nil, errors.Errorf("gasPriceStep %q should list low,average,high", s)
	}
	out := make([]*big.Int, len(parts))
	for i, p := range parts {
		n, err := numeric.CoinsToBaseUnits(strings.TrimSpace(p), 6)
		if err != nil {
			return nil, errors.Wrapf(err, "gasPriceStep %q", s)
		}
		out[i] = n
	}
	return out, nil
}

// isNotFound matches 404 answers and gRPC gateway NotFound (code 5) bodies.
func isNotFound(err error) bool {
	var respErr *transport.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	return respErr.Status == http.StatusNotFound || strings.Contains(respErr.Body, `"code":5,`) ||
		strings.Contains(respErr.Body, `"code": 5,`)
}

type latestBlock struct {
	Block struct {
		Header struct {
			Height string    `json:"height"`
			Time   time.Time `json:"time"`
		} `json:"header"`
	} `json:"block"`
}

func (c *Cosmos) GetInfo(ctx context.Context) (*chain.ClientInfo, error) {
	var resp latestBlock
	if err := c.rest.Get(ctx, "/cosmos/base/tendermint/v1beta1/blocks/latest", nil, &resp); err != nil {
		return nil, err
	}
	height, err := strconv.ParseInt(resp.Block.Header.Height, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parse block height")
	}
	ready := c.clock.Now().Sub(resp.Block.Header.Time) < readyThreshold
	return &chain.ClientInfo{BestBlockNumber: height, IsReady: ready}, nil
}

type Account struct {
	Address       string
	AccountNumber uint64
	Sequence      uint64
}

type baseAccount struct {
	Address       string `json:"address"`
	AccountNumber string `json:"account_number"`
	Sequence      string `json:"sequence"`
}

type accountResponse struct {
	Account struct {
		baseAccount
		BaseVestingAccount *struct {
			BaseAccount baseAccount `json:"base_account"`
		} `json:"base_vesting_account"`
	} `json:"account"`
}

// Account returns nil without error for an address the chain has never
// seen.
func (c *Cosmos) Account(ctx context.Context, address string) (*Account, error) {
	var resp accountResponse
	if err := c.rest.Get(ctx, "/cosmos/auth/v1beta1/accounts/"+url.PathEscape(address), nil, &resp); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	base := resp.Account.baseAccount
	if resp.Account.BaseVestingAccount != nil {
		base = resp.Account.BaseVestingAccount.BaseAccount
	}
	acc := &Account{Address: base.Address}
	var err error
	if base.AccountNumber != "" {
		if acc.AccountNumber, err = strconv.ParseUint(base.AccountNumber, 10, 64); err != nil {
			return nil, errors.Wrap(err, "parse account_number")
		}
	}
	if base.Sequence != "" {
		if acc.Sequence, err = strconv.ParseUint(base.Sequence, 10, 64); err != nil {
			return nil, errors.Wrap(err, "parse sequence")
		}
	}
	return acc, nil
}

type balanceResponse struct {
	Balance struct {
		Denom  string `json:"denom"`
		Amount string `json:"amount"`
	} `json:"balance"`
}

func (c *Cosmos) balance(ctx context.Context, address, denom string) (*big.Int, error) {
	var resp balanceResponse
	path := "/cosmos/bank/v1beta1/balances/" + url.PathEscape(address) + "/by_denom"
	if err := c.rest.Get(ctx, path, url.Values{"denom": {denom}}, &resp); err != nil {
		return nil, err
	}
	if resp.Balance.Amount == "" {
		return big.NewInt(0), nil
	}
	return numeric.DecimalStringToBig(resp.Balance.Amount)
}

func (c *Cosmos) GetAddress(ctx context.Context, address string) (*chain.AddressInfo, error) {
	acc, err := c.Account(ctx, address)
	if err != nil {
		return nil, err
	}
	balance, err := c.balance(ctx, address, c.denom)
	if err != nil {
		return nil, err
	}
	info := &chain.AddressInfo{Balance: balance, Nonce: chain.Uint64Ptr(0)}
	if acc != nil {
		info.Existing = true
		info.Nonce = chain.Uint64Ptr(acc.Sequence)
	}
	return info, nil
}

// GetBalance treats the token address as a bank denom.
func (c *Cosmos) GetBalance(ctx context.Context, req chain.BalanceRequest) (*big.Int, error) {
	denom := c.denom
	if req.TokenAddress != "" {
		denom = req.TokenAddress
	}
	return c.balance(ctx, req.Address, denom)
}

// GetFeePricePerUnit quotes the configured gas price steps. Prices are in
// millionths of a base unit per gas.
func (c *Cosmos) GetFeePricePerUnit(ctx context.Context) (*chain.FeePricePerUnit, error) {
	payload := map[string]interface{}{"denom": c.denom, "scale": gasPriceScale}
	return &chain.FeePricePerUnit{
		Normal: chain.EstimatedPrice{Price: c.gasSteps[1], WaitingBlock: 1, Payload: payload},
		Others: []chain.EstimatedPrice{
			{Price: c.gasSteps[0], WaitingBlock: 3, Payload: payload},
			{Price: c.gasSteps[2], WaitingBlock: 1, Payload: payload},
		},
	}, nil
}

type txResponse struct {
	Height string `json:"height"`
	TxHash string `json:"txhash"`
	Code   uint32 `json:"code"`
	RawLog string `json:"raw_log"`
}

type broadcastRequest struct {
	TxBytes string `json:"tx_bytes"`
	Mode    string `json:"mode"`
}

type broadcastResponse struct {
	TxResponse txResponse `json:"tx_response"`
}

// BroadcastTransaction takes the base64 TxRaw and submits it in sync mode.
func (c *Cosmos) BroadcastTransaction(ctx context.Context, rawTx string) (string, error) {
	if _, err := base64.StdEncoding.DecodeString(rawTx); err != nil {
		return "", errors.Wrap(err, "decode base64 transaction")
	}
	var resp broadcastResponse
	if err := c.rest.Post(ctx, "/cosmos/tx/v1beta1/txs", &broadcastRequest{TxBytes: rawTx, Mode: broadcastModeSync}, &resp); err != nil {
		return "", err
	}
	switch resp.TxResponse.Code {
	case 0:
		return resp.TxResponse.TxHash, nil
	case codeTxInMempool:
		log.Warn("transaction already in mempool", "txhash", resp.TxResponse.TxHash)
		return resp.TxResponse.TxHash, nil
	default:
		return "", errors.Errorf("broadcast rejected with code %d: %s", resp.TxResponse.Code, resp.TxResponse.RawLog)
	}
}

type getTxResponse struct {
	TxResponse *txResponse `json:"tx_response"`
}

func (c *Cosmos) GetTransactionStatus(ctx context.Context, txid string) (chain.TransactionStatus, error) {
	var resp getTxResponse
	if err := c.rest.Get(ctx, "/cosmos/tx/v1beta1/txs/"+url.PathEscape(txid), nil, &resp); err != nil {
		if isNotFound(err) {
			return chain.TxNotFound, nil
		}
		return 0, err
	}
	switch {
	case resp.TxResponse == nil:
		return chain.TxNotFound, nil
	case resp.TxResponse.Code != 0:
		return chain.TxConfirmButFailed, nil
	default:
		return chain.TxConfirmAndSuccess, nil
	}
}

type simulateResponse struct {
	GasInfo struct {
		GasUsed string `json:"gas_used"`
	} `json:"gas_info"`
}

// Simulate runs txBytes without committing and returns the gas used.
func (c *Cosmos) Simulate(ctx context.Context, txBytes []byte) (uint64, error) {
	var resp simulateResponse
	body := map[string]string{"tx_bytes": base64.StdEncoding.EncodeToString(txBytes)}
	if err := c.rest.Post(ctx, "/cosmos/tx/v1beta1/simulate", body, &resp); err != nil {
		return 0, err
	}
	gas, err := strconv.ParseUint(resp.GasInfo.GasUsed, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse gas_used")
	}
	return gas, nil
}

type denomMetadata struct {
	Metadata struct {
		Base       string `json:"base"`
		Display    string `json:"display"`
		Name       string `json:"name"`
		Symbol     string `json:"symbol"`
		DenomUnits []struct {
			Denom    string `json:"denom"`
			Exponent int32  `json:"exponent"`
		} `json:"denom_units"`
	} `json:"metadata"`
}

// GetTokenInfo reads bank denom metadata. Decimals is the exponent of the
// display unit.
func (c *Cosmos) GetTokenInfo(ctx context.Context, denom string) (*chain.TokenInfo, error) {
	var resp denomMetadata
	var err error
	if strings.Contains(denom, "/") {
		err = c.rest.Get(ctx, "/cosmos/bank/v1beta1/denoms_metadata_by_query_string", url.Values{"denom": {denom}}, &resp)
	} else {
		err = c.rest.Get(ctx, "/cosmos/bank/v1beta1/denoms_metadata/"+denom, nil, &resp)
	}
	if err != nil {
		if isNotFound(err) {
			return nil, chain.NewNotFoundError("denom %s", denom)
		}
		return nil, err
	}
	md := resp.Metadata
	info := &chain.TokenInfo{Address: denom, Symbol: md.Symbol, Name: md.Name}
	for _, u := range md.DenomUnits {
		if u.Denom == md.Display {
			info.Decimals = u.Exponent
		}
	}
	return info, nil
}
