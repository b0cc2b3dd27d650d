package bitcoin

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type blockbookBackend struct {
	feeHits atomic.Int32
	sent    atomic.Value
}

func (b *blockbookBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/api/v2":
		fmt.Fprintf(w, `{"blockbook":{"bestHeight":840000,"inSync":true,"lastBlockTime":%q},"backend":{"blocks":840000}}`,
			testNow.Add(-10*time.Minute).Format(time.RFC3339))
	case strings.HasPrefix(path, "/api/v2/address/"):
		if strings.HasSuffix(path, "/bad") {
			http.Error(w, `{"error":"invalid address"}`, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"balance":"1500","unconfirmedBalance":"-500","txs":3,"unconfirmedTxs":1}`)
	case strings.HasPrefix(path, "/api/v2/estimatefee/"):
		b.feeHits.Add(1)
		switch strings.TrimPrefix(path, "/api/v2/estimatefee/") {
		case "1":
			fmt.Fprint(w, `{"result":"0.0003"}`)
		case "5":
			fmt.Fprint(w, `{"result":"0.00012"}`)
		default:
			fmt.Fprint(w, `{"result":"-1"}`)
		}
	case strings.HasPrefix(path, "/api/v2/sendtx/"):
		body, _ := io.ReadAll(r.Body)
		b.sent.Store(string(body))
		if string(body) == "dup" {
			http.Error(w, `{"error":"transaction already in block chain"}`, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"result":"abcd"}`)
	case strings.HasPrefix(path, "/api/v2/tx/"):
		switch strings.TrimPrefix(path, "/api/v2/tx/") {
		case "confirmed":
			fmt.Fprint(w, `{"txid":"confirmed","blockHeight":1,"confirmations":6}`)
		case "pending":
			fmt.Fprint(w, `{"txid":"pending","blockHeight":-1,"confirmations":0}`)
		default:
			http.Error(w, `{"error":"txid not found"}`, http.StatusBadRequest)
		}
	case strings.HasPrefix(path, "/api/v2/utxo/"):
		fmt.Fprint(w, `[{"txid":"`+testTxid+`","vout":1,"value":"70000","confirmations":2}]`)
	default:
		http.NotFound(w, r)
	}
}

func newTestBlockbook(t *testing.T) (*Blockbook, *blockbookBackend) {
	backend := &blockbookBackend{}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	client, err := newBlockbook(chain.ClientConfig{Name: ClientName, URLs: []string{srv.URL}}, clock.NewTestClock(testNow))
	require.NoError(t, err)
	return client, backend
}

func TestBlockbookInfo(t *testing.T) {
	client, _ := newTestBlockbook(t)
	info, err := client.GetInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(840000), info.BestBlockNumber)
	require.True(t, info.IsReady)
}

func TestBlockbookAddresses(t *testing.T) {
	client, _ := newTestBlockbook(t)
	infos := client.GetAddresses(context.Background(), []string{"good", "bad", "other"})
	require.Len(t, infos, 3)
	require.Equal(t, big.NewInt(1000), infos[0].Balance)
	require.True(t, infos[0].Existing)
	require.Nil(t, infos[1])
	require.NotNil(t, infos[2])

	balances := client.GetBalances(context.Background(), []chain.BalanceRequest{{Address: "bad"}, {Address: "good"}})
	require.Nil(t, balances[0])
	require.Equal(t, big.NewInt(1000), balances[1])
}

func TestBlockbookFee(t *testing.T) {
	client, backend := newTestBlockbook(t)
	fee, err := client.GetFeePricePerUnit(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(12), fee.Normal.Price)
	require.Equal(t, int64(5), fee.Normal.WaitingBlock)
	require.Len(t, fee.Others, 2)
	require.Equal(t, big.NewInt(30), fee.Others[0].Price)
	require.Equal(t, big.NewInt(minFeeRate), fee.Others[1].Price)
	require.Equal(t, int32(3), backend.feeHits.Load())
}

func TestBlockbookBroadcastAndStatus(t *testing.T) {
	ctx := context.Background()
	client, backend := newTestBlockbook(t)

	txid, err := client.BroadcastTransaction(ctx, "0200beef")
	require.NoError(t, err)
	require.Equal(t, "abcd", txid)
	require.Equal(t, "0200beef", backend.sent.Load())

	txid, err = client.BroadcastTransaction(ctx, "dup")
	require.NoError(t, err)
	require.Empty(t, txid)

	statuses := client.GetTransactionStatuses(ctx, []string{"confirmed", "pending", "missing"})
	require.Equal(t, chain.TxConfirmAndSuccess, *statuses[0])
	require.Equal(t, chain.TxPending, *statuses[1])
	require.Equal(t, chain.TxNotFound, *statuses[2])
}

func TestBlockbookUTXO(t *testing.T) {
	client, _ := newTestBlockbook(t)
	utxos := client.GetUTXOs(context.Background(), []string{"xpub6C"})
	require.Len(t, utxos, 1)
	require.Len(t, utxos[0], 1)
	require.Equal(t, uint32(1), utxos[0][0].Vout)
	require.Equal(t, big.NewInt(70000), utxos[0][0].Value)
}

func TestBuildUnsignedTxIdempotent(t *testing.T) {
	ctx := context.Background()
	client, backend := newTestBlockbook(t)
	selector := func(ctx context.Context, filter func(chain.BaseClient) bool) (chain.BaseClient, error) {
		return client, nil
	}
	c := newTestAdaptor(t, selector)
	tx := &chain.UnsignedTx{
		Inputs: []chain.TxInput{{
			Address: "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
			UTXO:    &chain.UTXO{Txid: testTxid, Vout: 1, Value: big.NewInt(70000)},
		}},
		Outputs: []chain.TxOutput{{Address: "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH", Value: big.NewInt(50000)}},
	}
	built, err := c.BuildUnsignedTx(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(12), built.FeePricePerUnit)
	require.Equal(t, big.NewInt(10+68+34), built.FeeLimit)
	hits := backend.feeHits.Load()

	again, err := c.BuildUnsignedTx(ctx, built)
	require.NoError(t, err)
	require.Equal(t, built, again)
	require.Equal(t, hits, backend.feeHits.Load())
	require.Nil(t, tx.FeeLimit)
}
