package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestBatchCall2SingleCallOrderAndFailures(t *testing.T) {
	inputs := []int{0, 1, 2, 3, 4, 5, 6, 7}
	results := BatchCall2SingleCall(context.Background(), inputs, func(ctx context.Context, i int) (*int, error) {
		// later inputs finish first
		time.Sleep(time.Duration(len(inputs)-i) * time.Millisecond)
		if i%3 == 1 {
			return nil, errors.New("boom")
		}
		v := i * 10
		return &v, nil
	})
	require.Len(t, results, len(inputs))
	for i, r := range results {
		if i%3 == 1 {
			require.Nil(t, r, "slot %d", i)
			continue
		}
		require.NotNil(t, r)
		require.Equal(t, i*10, *r)
	}
}

func TestBatchCall2SingleCallPanicIsolated(t *testing.T) {
	results := BatchCall2SingleCall(context.Background(), []string{"ok", "panic"}, func(ctx context.Context, s string) (*string, error) {
		if s == "panic" {
			panic("bad input")
		}
		return &s, nil
	})
	require.Equal(t, "ok", *results[0])
	require.Nil(t, results[1])
}

type fakeSingle struct {
	calls int32
}

func (f *fakeSingle) GetInfo(ctx context.Context) (*ClientInfo, error) {
	return &ClientInfo{BestBlockNumber: 1, IsReady: true}, nil
}

func (f *fakeSingle) GetAddress(ctx context.Context, address string) (*AddressInfo, error) {
	atomic.AddInt32(&f.calls, 1)
	if address == "bad" {
		return nil, errors.New("unreachable")
	}
	return &AddressInfo{Balance: big.NewInt(int64(len(address))), Existing: true}, nil
}

func (f *fakeSingle) GetFeePricePerUnit(ctx context.Context) (*FeePricePerUnit, error) {
	return &FeePricePerUnit{Normal: EstimatedPrice{Price: big.NewInt(1)}}, nil
}

func (f *fakeSingle) BroadcastTransaction(ctx context.Context, rawTx string) (string, error) {
	return "", nil
}

func (f *fakeSingle) GetTransactionStatus(ctx context.Context, txid string) (TransactionStatus, error) {
	if txid == "missing" {
		return TxNotFound, nil
	}
	if txid == "bad" {
		return 0, errors.New("unreachable")
	}
	return TxConfirmAndSuccess, nil
}

type fakeUTXOClient struct {
	fakeSingle
}

func (f *fakeUTXOClient) GetUTXO(ctx context.Context, address string) ([]UTXO, error) {
	if address == "empty" {
		return nil, nil
	}
	return []UTXO{{Txid: address, Vout: 0, Value: big.NewInt(1)}}, nil
}

func TestSimpleClientFanOut(t *testing.T) {
	single := &fakeSingle{}
	c := NewSimpleClient(single)
	ctx := context.Background()

	infos := c.GetAddresses(ctx, []string{"abc", "bad", "abcd"})
	require.Len(t, infos, 3)
	require.Equal(t, int64(3), infos[0].Balance.Int64())
	require.Nil(t, infos[1])
	require.Equal(t, int64(4), infos[2].Balance.Int64())

	balances := c.GetBalances(ctx, []BalanceRequest{{Address: "ab"}, {Address: "ab", TokenAddress: "token"}, {Address: "bad"}})
	require.Equal(t, int64(2), balances[0].Int64())
	require.Nil(t, balances[1])
	require.Nil(t, balances[2])

	statuses := c.GetTransactionStatuses(ctx, []string{"ok", "bad", "missing"})
	require.Equal(t, TxConfirmAndSuccess, *statuses[0])
	require.Nil(t, statuses[1])
	require.Equal(t, TxNotFound, *statuses[2])

	tokens := c.GetTokenInfos(ctx, []string{"x"})
	require.Len(t, tokens, 1)
	require.Nil(t, tokens[0])

	_, err := c.GetUTXO(ctx, "a")
	var notImpl *NotImplementedError
	require.True(t, errors.As(err, &notImpl))
}

func TestSimpleClientUsesSingleOverrides(t *testing.T) {
	single := &fakeUTXOClient{}
	c := NewSimpleClient(single)

	utxos := c.GetUTXOs(context.Background(), []string{"a", "empty"})
	require.Len(t, utxos, 2)
	require.Equal(t, "a", utxos[0][0].Txid)
	require.NotNil(t, utxos[1])
	require.Empty(t, utxos[1])
}

func TestQueryErrorKind(t *testing.T) {
	require.Equal(t, KindNone, QueryErrorKind(nil))
	require.Equal(t, KindNotFound, QueryErrorKind(NewNotFoundError("chain %s", "x")))
	require.Equal(t, KindNotFound, QueryErrorKind(errors.Wrap(&ResponseError{Status: 404}, "get tx")))
	require.Equal(t, KindProtocol, QueryErrorKind(&ResponseError{Status: 400}))
	require.Equal(t, KindTransient, QueryErrorKind(&ResponseError{Status: 502}))
	require.Equal(t, KindProtocol, QueryErrorKind(&RpcProtocolError{Reason: "x"}))
	require.Equal(t, KindProtocol, QueryErrorKind(&JsonRpcResponseError{Code: -1}))
	require.Equal(t, KindTransient, QueryErrorKind(errors.New("connection reset")))
}

func TestCheck(t *testing.T) {
	require.NoError(t, Check(true, "never"))
	err := Check(false, "input %d", 1)
	var pre *PreconditionError
	require.True(t, errors.As(err, &pre))
	require.Contains(t, pre.Msg, "input 1")

	var nilInt *big.Int
	require.Error(t, CheckIsDefined(nilInt, "feeLimit"))
	require.Error(t, CheckIsDefined("", "address"))
	require.Error(t, CheckIsDefined(nil, "nonce"))
	require.NoError(t, CheckIsDefined(big.NewInt(0), "feeLimit"))
}

func TestOptions(t *testing.T) {
	o := Options{"chainId": 1, "multiplier": 1.5, "eip1559": true, "prefix": "cosmos", "big": "0x10"}
	require.Equal(t, int64(1), o.Int64("chainId", 0))
	require.Equal(t, int64(16), o.Int64("big", 0))
	require.Equal(t, 1.5, o.Float("multiplier", 1))
	require.True(t, o.Bool("eip1559", false))
	require.Equal(t, "cosmos", o.String("prefix", ""))
	require.Equal(t, "1", o.String("chainId", ""))
	require.Equal(t, "dflt", o.String("absent", "dflt"))
}

func TestUnsignedTxClone(t *testing.T) {
	tx := &UnsignedTx{
		Inputs:   []TxInput{{Address: "a"}},
		Nonce:    Uint64Ptr(3),
		FeeLimit: big.NewInt(21000),
		Payload:  map[string]interface{}{"k": "v"},
	}
	cp := tx.Clone()
	cp.Inputs[0].Address = "b"
	*cp.Nonce = 4
	cp.FeeLimit.SetInt64(1)
	cp.Payload["k"] = "w"
	require.Equal(t, "a", tx.Inputs[0].Address)
	require.Equal(t, uint64(3), *tx.Nonce)
	require.Equal(t, int64(21000), tx.FeeLimit.Int64())
	require.Equal(t, "v", tx.Payload["k"])
}

type stubClient struct {
	SimpleClient
	name string
}

type otherClient struct {
	SimpleClient
}

func TestSelectClient(t *testing.T) {
	a := &stubClient{name: "a"}
	a.SimpleClient = NewSimpleClient(&fakeSingle{})
	b := &otherClient{SimpleClient: NewSimpleClient(&fakeSingle{})}

	selector := func(ctx context.Context, filter func(BaseClient) bool) (BaseClient, error) {
		for _, c := range []BaseClient{a, b} {
			if filter == nil || filter(c) {
				return c, nil
			}
		}
		return nil, NewNotFoundError("client")
	}
	got, err := SelectClient[*otherClient](context.Background(), selector)
	require.NoError(t, err)
	require.Same(t, b, got)

	first, err := SelectClient[*stubClient](context.Background(), selector)
	require.NoError(t, err)
	require.Equal(t, "a", first.name)
}

type fakeSDK struct {
	resp *HardwareResponse
}

func (f fakeSDK) Call(ctx context.Context, method string, params interface{}) (*HardwareResponse, error) {
	return f.resp, nil
}

func TestCallHardware(t *testing.T) {
	ok := fakeSDK{resp: &HardwareResponse{Success: true, Payload: json.RawMessage(`{"address":"0xabc"}`)}}
	out, err := CallHardware[struct {
		Address string `json:"address"`
	}](context.Background(), ok, "evmGetAddress", nil)
	require.NoError(t, err)
	require.Equal(t, "0xabc", out.Address)

	failed := fakeSDK{resp: &HardwareResponse{Success: false, Payload: json.RawMessage(`{"error":"user cancelled"}`)}}
	_, err = CallHardware[struct{}](context.Background(), failed, "evmSignMessage", nil)
	var hwErr *HardwareError
	require.True(t, errors.As(err, &hwErr))
	require.JSONEq(t, `{"error":"user cancelled"}`, string(hwErr.Payload))
}

func TestProviderDefaultsNotImplemented(t *testing.T) {
	p := NewProvider(&ChainInfo{Code: "algo"}, nil)
	_, err := p.SignMessage(context.Background(), &TypedMessage{}, nil)
	var notImpl *NotImplementedError
	require.True(t, errors.As(err, &notImpl))
	require.Contains(t, err.Error(), "algo")

	_, err = p.AnyClient(context.Background())
	require.True(t, IsNotFound(err))
}

func TestTTLCacheRefreshesOnlyAfterExpiry(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewTestClock(start)
	cache := NewTTLCache[int](10*time.Minute, clk)

	var refreshes int32
	refresh := func(ctx context.Context) (int, error) {
		return int(atomic.AddInt32(&refreshes, 1)), nil
	}

	v, exp, err := cache.Get(context.Background(), refresh)
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.Equal(t, start.Add(10*time.Minute), exp)

	clk.SetTime(start.Add(9 * time.Minute))
	v, _, err = cache.Get(context.Background(), refresh)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	clk.SetTime(start.Add(10 * time.Minute))
	v, _, err = cache.Get(context.Background(), refresh)
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestTTLCacheSingleFlight(t *testing.T) {
	cache := NewTTLCache[int](time.Minute, clock.NewTestClock(time.Unix(0, 0)))
	var refreshes int32
	release := make(chan struct{})
	refresh := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&refreshes, 1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := cache.Get(context.Background(), refresh)
			require.NoError(t, err)
			require.Equal(t, 7, v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshes))
}

func TestTTLCacheErrorNotCached(t *testing.T) {
	cache := NewTTLCache[string](time.Minute, clock.NewTestClock(time.Unix(0, 0)))
	_, _, err := cache.Get(context.Background(), func(ctx context.Context) (string, error) {
		return "", errors.New("node down")
	})
	require.Error(t, err)
	v, _, err := cache.Get(context.Background(), func(ctx context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", v)
}

func TestPayloadUint64(t *testing.T) {
	tx := &UnsignedTx{Payload: map[string]interface{}{
		"u": uint64(7), "i": 8, "f": float64(9), "s": "10", "neg": -1, "frac": 1.5, "word": "x",
	}}
	for key, want := range map[string]uint64{"u": 7, "i": 8, "f": 9, "s": 10} {
		got, err := PayloadUint64(tx, key)
		require.NoError(t, err, key)
		require.Equal(t, want, got, key)
	}
	for _, key := range []string{"neg", "frac", "word", "absent"} {
		_, err := PayloadUint64(tx, key)
		var pre *PreconditionError
		require.True(t, errors.As(err, &pre), key)
	}
}
