package ethereum

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/signer"
	"github.com/dapplink-baas/wallet-chain-provider/transport/rpctest"
)

const (
	testPrvkey  = "0000000000000000000000000000000000000000000000000000000000000001"
	testAddress = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
	testTo      = "0x2B5AD5c4795c026514f8317c7a215E218DcCD6cF"
	testToken   = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
)

var testNow = time.Unix(1714564800, 0)

func newFakeNode() *rpctest.Node {
	return rpctest.NewNode(map[string]rpctest.Handler{
		"eth_gasPrice": func([]json.RawMessage) (interface{}, *rpctest.Error) { return "0x9502f9000", nil },
		"eth_getBlockByNumber": func([]json.RawMessage) (interface{}, *rpctest.Error) {
			return map[string]string{
				"number":        "0x10",
				"timestamp":     hexutil.EncodeUint64(uint64(testNow.Add(-30 * time.Second).Unix())),
				"baseFeePerGas": "0x3b9aca00",
			}, nil
		},
		"eth_maxPriorityFeePerGas": func([]json.RawMessage) (interface{}, *rpctest.Error) { return "0x77359400", nil },
		"eth_getBalance": func(p []json.RawMessage) (interface{}, *rpctest.Error) {
			if strings.EqualFold(rpctest.String(p, 0), testTo) {
				return nil, &rpctest.Error{Code: -32000, Message: "boom"}
			}
			return "0xde0b6b3a7640000", nil
		},
		"eth_getTransactionCount": func([]json.RawMessage) (interface{}, *rpctest.Error) { return "0x7", nil },
		"eth_getCode": func(p []json.RawMessage) (interface{}, *rpctest.Error) {
			if strings.EqualFold(rpctest.String(p, 0), testToken) {
				return "0x6080", nil
			}
			return "0x", nil
		},
		"eth_estimateGas": func([]json.RawMessage) (interface{}, *rpctest.Error) { return "0xc350", nil },
		"eth_getTransactionReceipt": func(p []json.RawMessage) (interface{}, *rpctest.Error) {
			switch rpctest.String(p, 0) {
			case "0x01":
				return map[string]string{"status": "0x1", "blockNumber": "0x5"}, nil
			case "0x02":
				return map[string]string{"status": "0x0", "blockNumber": "0x5"}, nil
			}
			return nil, nil
		},
		"eth_getTransactionByHash": func(p []json.RawMessage) (interface{}, *rpctest.Error) {
			if rpctest.String(p, 0) == "0x03" {
				return map[string]string{"hash": "0x03"}, nil
			}
			return nil, nil
		},
		"eth_sendRawTransaction": func(p []json.RawMessage) (interface{}, *rpctest.Error) {
			if rpctest.String(p, 0) == "0xdead" {
				return nil, &rpctest.Error{Code: -32000, Message: "already known"}
			}
			return "0xabc", nil
		},
		"eth_call": func(p []json.RawMessage) (interface{}, *rpctest.Error) {
			var call map[string]string
			_ = json.Unmarshal(p[0], &call)
			switch call["data"][:10] {
			case "0x95d89b41":
				return abiStringResult("USDT"), nil
			case "0x06fdde03":
				return abiStringResult("Tether USD"), nil
			case "0x313ce567":
				return "0x0000000000000000000000000000000000000000000000000000000000000006", nil
			case "0x70a08231":
				return "0x00000000000000000000000000000000000000000000000000000000000003e8", nil
			}
			return nil, &rpctest.Error{Code: -32000, Message: "execution reverted"}
		},
	})
}

func abiStringResult(s string) string {
	packed, err := abiStringArgs().Pack(s)
	if err != nil {
		panic(err)
	}
	return hexutil.Encode(packed)
}

func newTestGeth(t *testing.T) (*Geth, *rpctest.Node) {
	node := newFakeNode()
	g, err := newGeth(chain.ClientConfig{Name: ClientName, URLs: []string{node.Serve(t)}}, clock.NewTestClock(testNow))
	require.NoError(t, err)
	return g, node
}

func newTestAdaptor(t *testing.T, g *Geth, opts chain.Options) *ChainAdaptor {
	info := &chain.ChainInfo{Code: "ETH", FeeCode: "ETH", Impl: ChainName, Decimals: 18, ImplOptions: opts}
	selector := func(ctx context.Context, filter func(chain.BaseClient) bool) (chain.BaseClient, error) {
		if g == nil || (filter != nil && !filter(g)) {
			return nil, chain.NewNotFoundError("client")
		}
		return g, nil
	}
	p, err := NewChainAdaptor(info, selector)
	require.NoError(t, err)
	return p.(*ChainAdaptor)
}

func testSigner(t *testing.T) *signer.PrivateKeySigner {
	s, err := signer.NewPrivateKeySignerFromHex("secp256k1", testPrvkey)
	require.NoError(t, err)
	return s
}

func TestPubkeyToAddress(t *testing.T) {
	c := newTestAdaptor(t, nil, nil)
	addr, err := c.PubkeyToAddress(context.Background(), testSigner(t), "")
	require.NoError(t, err)
	require.Equal(t, testAddress, addr)

	res := c.VerifyAddress(addr)
	require.True(t, res.IsValid)
	require.Equal(t, strings.ToLower(testAddress), res.NormalizedAddress)
	require.Equal(t, testAddress, res.DisplayAddress)

	require.True(t, c.VerifyAddress(strings.ToLower(testAddress)).IsValid)
	require.True(t, c.VerifyAddress("0x"+strings.ToUpper(testAddress[2:])).IsValid)
	require.False(t, c.VerifyAddress("0x7e5F4552091A69125d5DfCb7b8C2659029395Bdf").IsValid)
	require.False(t, c.VerifyAddress("7E5F4552091A69125d5DfCb7b8C2659029395Bdf").IsValid)
	require.False(t, c.VerifyAddress("0x1234").IsValid)
}

func TestFeeTiers(t *testing.T) {
	g, _ := newTestGeth(t)
	fee, err := g.GetFeePricePerUnit(context.Background())
	require.NoError(t, err)
	gwei := big.NewInt(1_000_000_000)
	require.Equal(t, new(big.Int).Mul(big.NewInt(50), gwei), fee.Normal.Price)
	require.Equal(t, int64(4), fee.Normal.WaitingBlock)
	require.Len(t, fee.Others, 2)
	require.Equal(t, new(big.Int).Mul(big.NewInt(40), gwei), fee.Others[0].Price)
	require.Equal(t, int64(40), fee.Others[0].WaitingBlock)
	require.Equal(t, new(big.Int).Mul(big.NewInt(60), gwei), fee.Others[1].Price)
	require.Equal(t, int64(1), fee.Others[1].WaitingBlock)
}

func TestGethReads(t *testing.T) {
	ctx := context.Background()
	g, node := newTestGeth(t)

	info, err := g.GetInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(16), info.BestBlockNumber)
	require.True(t, info.IsReady)

	addrs := g.GetAddresses(ctx, []string{testAddress, testTo, testAddress})
	require.Len(t, addrs, 3)
	require.Equal(t, uint64(7), *addrs[0].Nonce)
	require.True(t, addrs[0].Existing)
	require.Nil(t, addrs[1])
	require.NotNil(t, addrs[2])

	balances := g.GetBalances(ctx, []chain.BalanceRequest{
		{Address: testAddress},
		{Address: testTo},
		{Address: testAddress, TokenAddress: testToken},
	})
	require.Equal(t, "1000000000000000000", balances[0].String())
	require.Nil(t, balances[1])
	require.Equal(t, big.NewInt(1000), balances[2])

	token, err := g.GetTokenInfo(ctx, testToken)
	require.NoError(t, err)
	require.Equal(t, "USDT", token.Symbol)
	require.Equal(t, "Tether USD", token.Name)
	require.Equal(t, int32(6), token.Decimals)

	statuses := g.GetTransactionStatuses(ctx, []string{"0x01", "0x02", "0x03", "0x04"})
	require.Equal(t, chain.TxConfirmAndSuccess, *statuses[0])
	require.Equal(t, chain.TxConfirmButFailed, *statuses[1])
	require.Equal(t, chain.TxPending, *statuses[2])
	require.Equal(t, chain.TxNotFound, *statuses[3])
	require.Equal(t, 2, node.Count("eth_getTransactionByHash"))

	txid, err := g.BroadcastTransaction(ctx, "0xbeef")
	require.NoError(t, err)
	require.Equal(t, "0xabc", txid)
	txid, err = g.BroadcastTransaction(ctx, "0xdead")
	require.NoError(t, err)
	require.Empty(t, txid)
}

func transfer(token string) *chain.UnsignedTx {
	return &chain.UnsignedTx{
		Inputs:  []chain.TxInput{{Address: testAddress, Value: big.NewInt(1000), TokenAddress: token}},
		Outputs: []chain.TxOutput{{Address: testTo, Value: big.NewInt(1000), TokenAddress: token}},
	}
}

func TestBuildAndSignLegacy(t *testing.T) {
	ctx := context.Background()
	g, node := newTestGeth(t)
	c := newTestAdaptor(t, g, chain.Options{"chainId": 5})

	built, err := c.BuildUnsignedTx(ctx, transfer(""))
	require.NoError(t, err)
	require.Equal(t, uint64(7), *built.Nonce)
	require.Equal(t, big.NewInt(TransferGasLimit), built.FeeLimit)
	require.Equal(t, "50000000000", built.FeePricePerUnit.String())
	require.Equal(t, 0, node.Count("eth_estimateGas"))

	hits := node.Count("eth_gasPrice") + node.Count("eth_getTransactionCount")
	again, err := c.BuildUnsignedTx(ctx, built)
	require.NoError(t, err)
	require.Equal(t, built, again)
	require.Equal(t, hits, node.Count("eth_gasPrice")+node.Count("eth_getTransactionCount"))

	signed, err := c.SignTransaction(ctx, built, map[string]chain.Signer{testAddress: testSigner(t)})
	require.NoError(t, err)

	var tx types.Transaction
	require.NoError(t, tx.UnmarshalBinary(hexutil.MustDecode(signed.RawTx)))
	require.Equal(t, signed.Txid, tx.Hash().Hex())
	require.Equal(t, types.LegacyTxType, int(tx.Type()))
	require.Equal(t, big.NewInt(5), tx.ChainId())
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(5)), &tx)
	require.NoError(t, err)
	require.Equal(t, testAddress, sender.Hex())
	require.Equal(t, strings.ToLower(testTo), strings.ToLower(tx.To().Hex()))
}

func TestBuildAndSignTokenEIP1559(t *testing.T) {
	ctx := context.Background()
	g, node := newTestGeth(t)
	c := newTestAdaptor(t, g, chain.Options{"chainId": 1, "EIP1559Enabled": true})

	built, err := c.BuildUnsignedTx(ctx, transfer(testToken))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(60000), built.FeeLimit)
	require.Equal(t, "4000000000", built.FeePricePerUnit.String())
	require.Equal(t, "0x77359400", built.Payload[payloadMaxPriorityFee])
	require.Equal(t, 1, node.Count("eth_estimateGas"))

	signed, err := c.SignTransaction(ctx, built, map[string]chain.Signer{testAddress: testSigner(t)})
	require.NoError(t, err)
	var tx types.Transaction
	require.NoError(t, tx.UnmarshalBinary(hexutil.MustDecode(signed.RawTx)))
	require.Equal(t, types.DynamicFeeTxType, int(tx.Type()))
	require.Equal(t, strings.ToLower(testToken), strings.ToLower(tx.To().Hex()))
	require.Equal(t, int64(0), tx.Value().Int64())
	require.Equal(t, "a9059cbb", hexutil.Encode(tx.Data())[2:10])
	require.Equal(t, "2000000000", tx.GasTipCap().String())
	// the semantic recipient is untouched
	require.Equal(t, testTo, built.Outputs[0].Address)
}

func TestSignTransactionPreconditions(t *testing.T) {
	ctx := context.Background()
	c := newTestAdaptor(t, nil, nil)
	tx := transfer("")
	_, err := c.SignTransaction(ctx, tx, map[string]chain.Signer{testAddress: testSigner(t)})
	var pre *chain.PreconditionError
	require.ErrorAs(t, err, &pre)

	tx.Nonce = chain.Uint64Ptr(0)
	tx.FeeLimit = big.NewInt(21000)
	tx.FeePricePerUnit = big.NewInt(1)
	_, err = c.SignTransaction(ctx, tx, nil)
	require.ErrorAs(t, err, &pre)

	_, err = c.BuildUnsignedTx(ctx, transfer(""))
	require.True(t, chain.IsNotFound(err))
}

const mailTypedData = `{
  "types": {
    "EIP712Domain": [
      {"name": "name", "type": "string"},
      {"name": "version", "type": "string"},
      {"name": "chainId", "type": "uint256"},
      {"name": "verifyingContract", "type": "address"}
    ],
    "Person": [
      {"name": "name", "type": "string"},
      {"name": "wallet", "type": "address"}
    ],
    "Mail": [
      {"name": "from", "type": "Person"},
      {"name": "to", "type": "Person"},
      {"name": "contents", "type": "string"}
    ]
  },
  "primaryType": "Mail",
  "domain": {
    "name": "Ether Mail",
    "version": "1",
    "chainId": "1",
    "verifyingContract": "0xCcCCccccCCCCcCCCCCCcCcCccCcCCCcCcccccccC"
  },
  "message": {
    "from": {"name": "Cow", "wallet": "0xCD2a3d9F938E13CD947Ec05AbC7FE734Df8DD826"},
    "to": {"name": "Bob", "wallet": "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB"},
    "contents": "Hello, Bob!"
  }
}`

func TestTypedDataHash(t *testing.T) {
	hash, err := messageHash(&chain.TypedMessage{Type: TypedDataV4, Message: mailTypedData})
	require.NoError(t, err)
	require.Equal(t, "0xbe609aee343fb3c4b28e1df9e632fca64fcfaede20f02e86244efddf30957bd2", hexutil.Encode(hash))
}

func TestMessages(t *testing.T) {
	ctx := context.Background()
	c := newTestAdaptor(t, nil, nil)
	s := testSigner(t)
	msgs := []*chain.TypedMessage{
		{Type: EthSign, Message: "0x" + strings.Repeat("ab", 32)},
		{Type: PersonalSign, Message: "hello"},
		{Type: PersonalSign, Message: "0x68656c6c6f"},
		{Type: TypedDataV1, Message: `[{"type":"string","name":"Message","value":"Hi, Alice!"},{"type":"uint32","name":"A number","value":"1337"}]`},
		{Type: TypedDataV3, Message: mailTypedData},
	}
	for _, msg := range msgs {
		sig, err := c.SignMessage(ctx, msg, s)
		require.NoError(t, err)
		ok, err := c.VerifyMessage(ctx, testAddress, msg, sig)
		require.NoError(t, err)
		require.True(t, ok, msg.Type)
		ok, err = c.VerifyMessage(ctx, testTo, msg, sig)
		require.NoError(t, err)
		require.False(t, ok)
	}

	// hex and text forms of the same bytes hash identically
	a, err := messageHash(msgs[1])
	require.NoError(t, err)
	b, err := messageHash(msgs[2])
	require.NoError(t, err)
	require.Equal(t, a, b)

	_, err = c.SignMessage(ctx, &chain.TypedMessage{Type: EthSign, Message: "short"}, s)
	var pre *chain.PreconditionError
	require.ErrorAs(t, err, &pre)

	_, err = c.SignMessage(ctx, &chain.TypedMessage{Type: 99, Message: "x"}, s)
	var ni *chain.NotImplementedError
	require.ErrorAs(t, err, &ni)
}

type fakeDevice struct {
	method  string
	params  map[string]interface{}
	respond func(params map[string]interface{}) (bool, interface{})
}

func (f *fakeDevice) Call(ctx context.Context, method string, params interface{}) (*chain.HardwareResponse, error) {
	f.method = method
	f.params = params.(map[string]interface{})
	ok, payload := f.respond(f.params)
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &chain.HardwareResponse{Success: ok, Payload: raw}, nil
}

func TestHardwareSignTransaction(t *testing.T) {
	ctx := context.Background()
	c := newTestAdaptor(t, nil, chain.Options{"chainId": 1})
	s := testSigner(t)
	tx := transfer("")
	tx.Nonce = chain.Uint64Ptr(3)
	tx.FeeLimit = big.NewInt(21000)
	tx.FeePricePerUnit = big.NewInt(1_000_000_000)

	// the device signs the same digest a local signer would and reports
	// an EIP-155 v
	dev := &fakeDevice{respond: func(params map[string]interface{}) (bool, interface{}) {
		data, err := c.txData(tx)
		require.NoError(t, err)
		txSigner := types.LatestSignerForChainID(big.NewInt(1))
		rs, v, err := s.Sign(ctx, txSigner.Hash(types.NewTx(data)).Bytes())
		require.NoError(t, err)
		return true, hardwareSignature{
			R: hexutil.Encode(rs[:32]),
			S: hexutil.Encode(rs[32:64]),
			V: hexutil.EncodeUint64(uint64(v) + 35 + 2),
		}
	}}
	signed, err := c.HardwareSignTransaction(ctx, dev, tx, map[string]string{testAddress: "m/44'/60'/0'/0/0"})
	require.NoError(t, err)
	require.Equal(t, "evmSignTransaction", dev.method)

	local, err := c.SignTransaction(ctx, tx, map[string]chain.Signer{testAddress: s})
	require.NoError(t, err)
	require.Equal(t, local, signed)

	fail := &fakeDevice{respond: func(map[string]interface{}) (bool, interface{}) {
		return false, map[string]string{"error": "rejected"}
	}}
	_, err = c.HardwareSignTransaction(ctx, fail, tx, map[string]string{testAddress: "m/44'/60'/0'/0/0"})
	var hwErr *chain.HardwareError
	require.ErrorAs(t, err, &hwErr)
}
