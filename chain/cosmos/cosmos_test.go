package cosmos

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/signer"
)

const (
	keyOne       = "0000000000000000000000000000000000000000000000000000000000000001"
	keyTwo       = "0000000000000000000000000000000000000000000000000000000000000002"
	addrOne      = "cosmos1w508d6qejxtdg4y5r3zarvary0c5xw7k6ah60c"
	edSeed       = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"
	edAddr       = "cosmos1y8lrrhap2j3xzcntlp2qgm7jyudhhm2tc7hkue"
	ibcDenom     = "ibc/27394FB092D2ECCD56123C74F36E4C1F926001CEADA9CA97EA622B25F41E5EB2"
	unknownAddr  = "cosmos1qqqsyqcyq5rqwzqfpg9scrgwpugpzysnrk363e"
	failedTxHash = "FAILED"
)

var testNow = time.Unix(1714564800, 0).UTC()

type fakeLCD struct {
	accountCalls atomic.Int32
	simulated    atomic.Value
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeLCD) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/cosmos/base/tendermint/v1beta1/blocks/latest":
		writeJSON(w, 200, map[string]interface{}{"block": map[string]interface{}{"header": map[string]interface{}{
			"height": "20500000", "time": testNow.Add(-5 * time.Second).Format(time.RFC3339Nano),
		}}})
	case strings.HasPrefix(path, "/cosmos/auth/v1beta1/accounts/"):
		f.accountCalls.Add(1)
		addr := strings.TrimPrefix(path, "/cosmos/auth/v1beta1/accounts/")
		if addr == unknownAddr {
			writeJSON(w, 404, map[string]interface{}{"code": 5, "message": "account " + addr + " not found", "details": []string{}})
			return
		}
		writeJSON(w, 200, map[string]interface{}{"account": map[string]interface{}{
			"@type": "/cosmos.auth.v1beta1.BaseAccount", "address": addr, "account_number": "42", "sequence": "7",
		}})
	case strings.HasPrefix(path, "/cosmos/bank/v1beta1/balances/"):
		amount := "1500000"
		if r.URL.Query().Get("denom") != "uatom" {
			amount = "33"
		}
		writeJSON(w, 200, map[string]interface{}{"balance": map[string]string{"denom": r.URL.Query().Get("denom"), "amount": amount}})
	case path == "/cosmos/tx/v1beta1/simulate":
		body, _ := io.ReadAll(r.Body)
		f.simulated.Store(body)
		writeJSON(w, 200, map[string]interface{}{"gas_info": map[string]string{"gas_wanted": "0", "gas_used": "80000"}})
	case path == "/cosmos/tx/v1beta1/txs" && r.Method == http.MethodPost:
		var req broadcastRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.TxBytes {
		case "ZHVw":
			writeJSON(w, 200, map[string]interface{}{"tx_response": map[string]interface{}{"code": 19, "txhash": "DUP", "raw_log": "tx already in mempool"}})
		case "YmFk":
			writeJSON(w, 200, map[string]interface{}{"tx_response": map[string]interface{}{"code": 5, "txhash": "BAD", "raw_log": "insufficient funds"}})
		default:
			writeJSON(w, 200, map[string]interface{}{"tx_response": map[string]interface{}{"code": 0, "txhash": "OKHASH"}})
		}
	case strings.HasPrefix(path, "/cosmos/tx/v1beta1/txs/"):
		hash := strings.TrimPrefix(path, "/cosmos/tx/v1beta1/txs/")
		switch hash {
		case "DONE":
			writeJSON(w, 200, map[string]interface{}{"tx_response": map[string]interface{}{"height": "9", "code": 0, "txhash": hash}})
		case failedTxHash:
			writeJSON(w, 200, map[string]interface{}{"tx_response": map[string]interface{}{"height": "9", "code": 11, "txhash": hash, "raw_log": "out of gas"}})
		default:
			writeJSON(w, 404, map[string]interface{}{"code": 5, "message": "tx not found: " + hash})
		}
	case path == "/cosmos/bank/v1beta1/denoms_metadata/uatom":
		writeJSON(w, 200, map[string]interface{}{"metadata": map[string]interface{}{
			"base": "uatom", "display": "atom", "name": "Cosmos Hub Atom", "symbol": "ATOM",
			"denom_units": []map[string]interface{}{{"denom": "uatom", "exponent": 0}, {"denom": "atom", "exponent": 6}},
		}})
	case path == "/cosmos/bank/v1beta1/denoms_metadata_by_query_string":
		writeJSON(w, 200, map[string]interface{}{"metadata": map[string]interface{}{
			"base": r.URL.Query().Get("denom"), "display": "osmo", "name": "Osmosis", "symbol": "OSMO",
			"denom_units": []map[string]interface{}{{"denom": "osmo", "exponent": 6}},
		}})
	default:
		writeJSON(w, 404, map[string]interface{}{"code": 5, "message": "not found"})
	}
}

func newTestClient(t *testing.T) (*Cosmos, *fakeLCD) {
	f := &fakeLCD{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := newCosmos(chain.ClientConfig{Name: ClientName, URLs: []string{srv.URL}}, clock.NewTestClock(testNow))
	require.NoError(t, err)
	return c, f
}

func newTestAdaptor(t *testing.T, cli *Cosmos, opts chain.Options) *ChainAdaptor {
	info := &chain.ChainInfo{Code: "ATOM", FeeCode: "ATOM", Impl: ChainName, Decimals: 6, ImplOptions: opts}
	selector := func(ctx context.Context, filter func(chain.BaseClient) bool) (chain.BaseClient, error) {
		if cli == nil || (filter != nil && !filter(cli)) {
			return nil, chain.NewNotFoundError("client")
		}
		return cli, nil
	}
	p, err := NewChainAdaptor(info, selector)
	require.NoError(t, err)
	return p.(*ChainAdaptor)
}

func testSigner(t *testing.T, curve, key string) *signer.PrivateKeySigner {
	s, err := signer.NewPrivateKeySignerFromHex(curve, key)
	require.NoError(t, err)
	return s
}

func TestAddress(t *testing.T) {
	ctx := context.Background()
	c := newTestAdaptor(t, nil, nil)
	addr, err := c.PubkeyToAddress(ctx, testSigner(t, CurveSecp256k1, keyOne), "")
	require.NoError(t, err)
	require.Equal(t, addrOne, addr)

	res := c.VerifyAddress(strings.ToUpper(addrOne))
	require.True(t, res.IsValid)
	require.Equal(t, addrOne, res.NormalizedAddress)
	require.False(t, c.VerifyAddress("osmo1w508d6qejxtdg4y5r3zarvary0c5xw7kjxy2e2").IsValid)
	require.False(t, c.VerifyAddress(addrOne[:len(addrOne)-1]+"d").IsValid)
	require.False(t, c.VerifyAddress("").IsValid)

	osmo := newTestAdaptor(t, nil, chain.Options{"addressPrefix": "osmo"})
	addr, err = osmo.PubkeyToAddress(ctx, testSigner(t, CurveSecp256k1, keyOne), "")
	require.NoError(t, err)
	require.Equal(t, "osmo1w508d6qejxtdg4y5r3zarvary0c5xw7kjxy2e2", addr)

	ed := newTestAdaptor(t, nil, chain.Options{"curve": CurveEd25519})
	addr, err = ed.PubkeyToAddress(ctx, testSigner(t, CurveEd25519, edSeed), "")
	require.NoError(t, err)
	require.Equal(t, edAddr, addr)

	_, err = NewChainAdaptor(&chain.ChainInfo{ImplOptions: chain.Options{"curve": "nistp256"}}, nil)
	require.Error(t, err)
}

func TestVerifyTokenAddress(t *testing.T) {
	c := newTestAdaptor(t, nil, nil)
	require.True(t, chain.VerifyTokenAddress(c, "uosmo").IsValid)
	require.True(t, chain.VerifyTokenAddress(c, ibcDenom).IsValid)
	require.False(t, chain.VerifyTokenAddress(c, "1abc").IsValid)
	require.False(t, chain.VerifyTokenAddress(c, "ab").IsValid)
	require.False(t, chain.VerifyTokenAddress(c, "u atom").IsValid)
}

func TestProtoEncoding(t *testing.T) {
	msg := encodeMsgSend("a", "b", []Coin{{Denom: "uatom", Amount: "1"}})
	require.Equal(t, "0a0161120162"+"1a0a"+"0a057561746f6d120131", hex.EncodeToString(msg))
	require.Equal(t, []byte{0x0a, 0x02, 0x08, 0x01}, encodeModeInfoDirect())

	// proto3 drops zero scalars
	require.Equal(t, []byte{0x1a, 0x01, 'x'}, encodeSignDoc(nil, nil, "x", 0))
	require.Equal(t, []byte{0x0a, 0x00, 0x12, 0x04, 0x0a, 0x02, 0x08, 0x01}, encodeSignerInfo(nil, 0))
	require.Equal(t, []byte{0x10, 0xa0, 0x8d, 0x06}, encodeFee(nil, 100_000))
	require.Equal(t, "2500", feeAmount(big.NewInt(100_000), big.NewInt(25_000)).String())
	require.Equal(t, "1", feeAmount(big.NewInt(1), big.NewInt(1)).String())
}

// fields splits a serialized message into its raw field values.
func fields(t *testing.T, b []byte) map[protowire.Number][][]byte {
	out := map[protowire.Number][][]byte{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.Greater(t, n, 0)
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			require.Greater(t, m, 0)
			out[num] = append(out[num], v)
			b = b[m:]
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			require.Greater(t, m, 0)
			out[num] = append(out[num], protowire.AppendVarint(nil, v))
			b = b[m:]
		default:
			t.Fatalf("unexpected wire type %d", typ)
		}
	}
	return out
}

func sendTx(to, denom string) *chain.UnsignedTx {
	return &chain.UnsignedTx{
		Inputs:  []chain.TxInput{{Address: addrOne, Value: big.NewInt(1000)}},
		Outputs: []chain.TxOutput{{Address: to, Value: big.NewInt(1000), TokenAddress: denom}},
	}
}

func TestBuildAndSign(t *testing.T) {
	ctx := context.Background()
	cli, fake := newTestClient(t)
	c := newTestAdaptor(t, cli, nil)
	s := testSigner(t, CurveSecp256k1, keyOne)
	to, err := c.PubkeyToAddress(ctx, testSigner(t, CurveSecp256k1, keyTwo), "")
	require.NoError(t, err)

	built, err := c.BuildUnsignedTx(ctx, sendTx(to, ""))
	require.NoError(t, err)
	require.Equal(t, uint64(7), *built.Nonce)
	require.Equal(t, uint64(42), built.Payload[payloadAccountNumber])
	require.Equal(t, defaultChainID, built.Payload[payloadChainID])
	require.Equal(t, int64(defaultGasLimit), built.FeeLimit.Int64())
	require.Equal(t, int64(25_000), built.FeePricePerUnit.Int64())

	again, err := c.BuildUnsignedTx(ctx, built)
	require.NoError(t, err)
	require.Equal(t, built, again)
	require.Equal(t, int32(1), fake.accountCalls.Load())

	signers := map[string]chain.Signer{addrOne: s}
	signed, err := c.SignTransaction(ctx, built, signers)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(signed.RawTx)
	require.NoError(t, err)
	sum := sha256.Sum256(raw)
	require.Equal(t, strings.ToUpper(hex.EncodeToString(sum[:])), signed.Txid)

	parts := fields(t, raw)
	require.Len(t, parts[3], 1)
	body, authInfo, sig := parts[1][0], parts[2][0], parts[3][0]
	require.Len(t, sig, 64)

	msgs := fields(t, body)[1]
	require.Len(t, msgs, 1)
	anyMsg := fields(t, msgs[0])
	require.Equal(t, msgSendTypeURL, string(anyMsg[1][0]))
	send := fields(t, anyMsg[2][0])
	require.Equal(t, addrOne, string(send[1][0]))
	require.Equal(t, to, string(send[2][0]))
	require.Equal(t, encodeCoin(Coin{Denom: "uatom", Amount: "1000"}), send[3][0])

	auth := fields(t, authInfo)
	fee := fields(t, auth[2][0])
	require.Equal(t, encodeCoin(Coin{Denom: "uatom", Amount: "2500"}), fee[1][0])
	signerInfo := fields(t, auth[1][0])
	require.Equal(t, protowire.AppendVarint(nil, 7), signerInfo[3][0])
	pubAny := fields(t, signerInfo[1][0])
	require.Equal(t, secp256k1PubKeyType, string(pubAny[1][0]))
	pub, _ := s.GetPubkey(true)
	require.Equal(t, appendBytes(nil, 1, pub), pubAny[2][0])

	digest := sha256.Sum256(encodeSignDoc(body, authInfo, defaultChainID, 42))
	require.True(t, crypto.VerifySignature(pub, digest[:], sig))

	twice, err := c.SignTransaction(ctx, built, signers)
	require.NoError(t, err)
	require.Equal(t, signed, twice)
}

func TestTokenTransferAndMemo(t *testing.T) {
	ctx := context.Background()
	cli, _ := newTestClient(t)
	c := newTestAdaptor(t, cli, chain.Options{"gasPriceStep": "0.001,0.002,0.003"})
	tx := sendTx(edAddr, ibcDenom)
	tx.Payload = map[string]interface{}{payloadMemo: "deposit 9", payloadTimeoutHeight: 20500100}

	built, err := c.BuildUnsignedTx(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, int64(2_000), built.FeePricePerUnit.Int64())
	signed, err := c.SignTransaction(ctx, built, map[string]chain.Signer{addrOne: testSigner(t, CurveSecp256k1, keyOne)})
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(signed.RawTx)
	body := fields(t, fields(t, raw)[1][0])
	require.Equal(t, "deposit 9", string(body[2][0]))
	require.Equal(t, protowire.AppendVarint(nil, 20500100), body[3][0])
	send := fields(t, fields(t, body[1][0])[2][0])
	require.Equal(t, encodeCoin(Coin{Denom: ibcDenom, Amount: "1000"}), send[3][0])
}

func TestEd25519Signing(t *testing.T) {
	ctx := context.Background()
	c := newTestAdaptor(t, nil, chain.Options{"curve": CurveEd25519, "chainId": "testchain"})
	s := testSigner(t, CurveEd25519, edSeed)
	tx := &chain.UnsignedTx{
		Inputs:          []chain.TxInput{{Address: edAddr, Value: big.NewInt(5)}},
		Outputs:         []chain.TxOutput{{Address: addrOne, Value: big.NewInt(5)}},
		Nonce:           chain.Uint64Ptr(0),
		FeeLimit:        big.NewInt(90_000),
		FeePricePerUnit: big.NewInt(10_000),
		Payload:         map[string]interface{}{payloadAccountNumber: uint64(3)},
	}
	built, err := c.BuildUnsignedTx(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, "testchain", built.Payload[payloadChainID])

	signed, err := c.SignTransaction(ctx, built, map[string]chain.Signer{edAddr: s})
	require.NoError(t, err)
	raw, _ := base64.StdEncoding.DecodeString(signed.RawTx)
	parts := fields(t, raw)
	auth := fields(t, parts[2][0])
	signerInfo := fields(t, auth[1][0])
	require.Equal(t, ed25519PubKeyType, string(fields(t, signerInfo[1][0])[1][0]))
	// sequence 0 is omitted
	require.Empty(t, signerInfo[3])
	pub, _ := s.GetPubkey(true)
	doc := encodeSignDoc(parts[1][0], parts[2][0], "testchain", 3)
	require.True(t, ed25519.Verify(pub, doc, parts[3][0]))
}

func TestSimulateGas(t *testing.T) {
	ctx := context.Background()
	cli, fake := newTestClient(t)
	c := newTestAdaptor(t, cli, chain.Options{"simulateGas": true})
	pub, _ := testSigner(t, CurveSecp256k1, keyOne).GetPubkey(true)
	tx := sendTx(edAddr, "")
	tx.Inputs[0].PublicKey = hex.EncodeToString(pub)

	built, err := c.BuildUnsignedTx(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, int64(104_000), built.FeeLimit.Int64())

	var req map[string]string
	require.NoError(t, json.Unmarshal(fake.simulated.Load().([]byte), &req))
	raw, err := base64.StdEncoding.DecodeString(req["tx_bytes"])
	require.NoError(t, err)
	parts := fields(t, raw)
	require.Equal(t, [][]byte{{}}, parts[3])
}

func requirePrecondition(t *testing.T, err error) {
	t.Helper()
	var pre *chain.PreconditionError
	require.True(t, errors.As(err, &pre), "got %v", err)
}

func TestPreconditions(t *testing.T) {
	ctx := context.Background()
	cli, _ := newTestClient(t)
	c := newTestAdaptor(t, cli, nil)

	bad := sendTx(edAddr, "")
	bad.Inputs[0].Address = unknownAddr
	_, err := c.BuildUnsignedTx(ctx, bad)
	requirePrecondition(t, err)

	_, err = c.BuildUnsignedTx(ctx, sendTx("osmo1w508d6qejxtdg4y5r3zarvary0c5xw7kjxy2e2", ""))
	requirePrecondition(t, err)

	zero := sendTx(edAddr, "")
	zero.Outputs[0].Value = big.NewInt(0)
	_, err = c.BuildUnsignedTx(ctx, zero)
	requirePrecondition(t, err)

	built, err := c.BuildUnsignedTx(ctx, sendTx(edAddr, ""))
	require.NoError(t, err)
	_, err = c.SignTransaction(ctx, built, map[string]chain.Signer{addrOne: testSigner(t, CurveSecp256k1, keyTwo)})
	requirePrecondition(t, err)

	missing := built.Clone()
	delete(missing.Payload, payloadAccountNumber)
	_, err = c.SignTransaction(ctx, missing, map[string]chain.Signer{addrOne: testSigner(t, CurveSecp256k1, keyOne)})
	requirePrecondition(t, err)
}

func TestClientReads(t *testing.T) {
	ctx := context.Background()
	cli, _ := newTestClient(t)

	info, err := cli.GetInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(20500000), info.BestBlockNumber)
	require.True(t, info.IsReady)

	addrs := cli.GetAddresses(ctx, []string{addrOne, unknownAddr})
	require.True(t, addrs[0].Existing)
	require.Equal(t, uint64(7), *addrs[0].Nonce)
	require.Equal(t, int64(1500000), addrs[0].Balance.Int64())
	require.False(t, addrs[1].Existing)
	require.Equal(t, uint64(0), *addrs[1].Nonce)

	bal, err := cli.GetBalance(ctx, chain.BalanceRequest{Address: addrOne, TokenAddress: ibcDenom})
	require.NoError(t, err)
	require.Equal(t, int64(33), bal.Int64())

	fee, err := cli.GetFeePricePerUnit(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(25_000), fee.Normal.Price.Int64())
	require.Equal(t, int64(10_000), fee.Others[0].Price.Int64())
	require.Equal(t, int64(40_000), fee.Others[1].Price.Int64())

	txid, err := cli.BroadcastTransaction(ctx, base64.StdEncoding.EncodeToString([]byte("tx")))
	require.NoError(t, err)
	require.Equal(t, "OKHASH", txid)
	txid, err = cli.BroadcastTransaction(ctx, base64.StdEncoding.EncodeToString([]byte("dup")))
	require.NoError(t, err)
	require.Equal(t, "DUP", txid)
	_, err = cli.BroadcastTransaction(ctx, base64.StdEncoding.EncodeToString([]byte("bad")))
	require.ErrorContains(t, err, "insufficient funds")
	_, err = cli.BroadcastTransaction(ctx, "%%")
	require.Error(t, err)

	statuses := cli.GetTransactionStatuses(ctx, []string{"DONE", failedTxHash, "MISSING"})
	require.Equal(t, chain.TxConfirmAndSuccess, *statuses[0])
	require.Equal(t, chain.TxConfirmButFailed, *statuses[1])
	require.Equal(t, chain.TxNotFound, *statuses[2])

	token, err := cli.GetTokenInfo(ctx, "uatom")
	require.NoError(t, err)
	require.Equal(t, "ATOM", token.Symbol)
	require.Equal(t, int32(6), token.Decimals)
	token, err = cli.GetTokenInfo(ctx, ibcDenom)
	require.NoError(t, err)
	require.Equal(t, "OSMO", token.Symbol)
	_, err = cli.GetTokenInfo(ctx, "unknown")
	require.True(t, chain.IsNotFound(err))
}

func TestParseGasPriceStep(t *testing.T) {
	steps, err := ParseGasPriceStep("0.0025, 0.03,1")
	require.NoError(t, err)
	require.Equal(t, []*big.Int{big.NewInt(2500), big.NewInt(30_000), big.NewInt(1_000_000)}, steps)
	_, err = ParseGasPriceStep("0.1,0.2")
	require.Error(t, err)
	_, err = ParseGasPriceStep("a,b,c")
	require.Error(t, err)
}
