package conflux

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/signer"
	"github.com/dapplink-baas/wallet-chain-provider/transport/rpctest"
)

const (
	testPrvkey  = "0000000000000000000000000000000000000000000000000000000000000001"
	testPrvkey2 = "0000000000000000000000000000000000000000000000000000000000000002"
	vectorHex   = "0x106d49f8505410eb4e671d51f7d96d2c87807b09"
	vectorAddr  = "cfx:aajg4wt2mbmbb44sp6szd783ry0jtad5bea80xdy7p"
	tokenHex    = "0x8b8689c7f3014a4d86e4d1d0daaf74a47f5e0f27"
)

var testNow = time.Unix(1714564800, 0)

func TestAddressVector(t *testing.T) {
	addr, err := EncodeAddress(hexutil.MustDecode(vectorHex), MainnetID)
	require.NoError(t, err)
	require.Equal(t, vectorAddr, addr)

	decoded, err := DecodeAddress("CFX:TYPE.USER:AAJG4WT2MBMBB44SP6SZD783RY0JTAD5BEA80XDY7P")
	require.NoError(t, err)
	require.Equal(t, uint32(MainnetID), decoded.NetworkID)
	require.Equal(t, vectorHex, hexutil.Encode(decoded.Hex))
	require.Equal(t, TypeUser, decoded.Type)

	_, err = DecodeAddress("cfx:type.contract:aajg4wt2mbmbb44sp6szd783ry0jtad5bea80xdy7p")
	require.Error(t, err)
	_, err = DecodeAddress("cfx:aajg4wt2mbmbb44sp6szd783ry0jtad5bea80xdy7q")
	require.Error(t, err)
	_, err = DecodeAddress("cfx:Aajg4wt2mbmbb44sp6szd783ry0jtad5bea80xdy7p")
	require.Error(t, err)
	_, err = DecodeAddress("btc:aajg4wt2mbmbb44sp6szd783ry0jtad5bea80xdy7p")
	require.Error(t, err)
}

func TestCustomNetworkRoundTrip(t *testing.T) {
	addr, err := EncodeAddress(hexutil.MustDecode(tokenHex), 8888)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr, "net8888:"))
	decoded, err := DecodeAddress(addr)
	require.NoError(t, err)
	require.Equal(t, uint32(8888), decoded.NetworkID)
	require.Equal(t, TypeContract, decoded.Type)
	require.Equal(t, tokenHex, hexutil.Encode(decoded.Hex))
}

func newTestConflux(t *testing.T) (*Conflux, *rpctest.Node) {
	node := rpctest.NewNode(map[string]rpctest.Handler{
		"cfx_getBlockByEpochNumber": rpctest.Result(map[string]string{
			"epochNumber": "0x64",
			"timestamp":   hexutil.EncodeUint64(uint64(testNow.Add(-10 * time.Second).Unix())),
		}),
		"cfx_epochNumber":  rpctest.Result("0x64"),
		"cfx_getBalance":   rpctest.Result("0xde0b6b3a7640000"),
		"cfx_getNextNonce": rpctest.Result("0x3"),
		"cfx_gasPrice":     rpctest.Result("0x3b9aca00"),
		"cfx_estimateGasAndCollateral": rpctest.Result(map[string]string{
			"gasLimit":              "0xea60",
			"gasUsed":               "0xc350",
			"storageCollateralized": "0x40",
		}),
		"cfx_sendRawTransaction": rpctest.Result("0xfeed"),
		"cfx_getTransactionReceipt": func(p []json.RawMessage) (interface{}, *rpctest.Error) {
			switch rpctest.String(p, 0) {
			case "0x01":
				return map[string]string{"outcomeStatus": "0x0"}, nil
			case "0x02":
				return map[string]string{"outcomeStatus": "0x1"}, nil
			}
			return nil, nil
		},
		"cfx_getTransactionByHash": func(p []json.RawMessage) (interface{}, *rpctest.Error) {
			if rpctest.String(p, 0) == "0x03" {
				return map[string]string{"hash": "0x03"}, nil
			}
			return nil, nil
		},
		"cfx_call": rpctest.Result("0x00000000000000000000000000000000000000000000000000000000000003e8"),
	})
	c, err := newConflux(chain.ClientConfig{Name: ClientName, URLs: []string{node.Serve(t)}}, clock.NewTestClock(testNow))
	require.NoError(t, err)
	return c, node
}

func newTestAdaptor(t *testing.T, c *Conflux, opts chain.Options) *ChainAdaptor {
	info := &chain.ChainInfo{Code: "CFX", FeeCode: "CFX", Impl: ChainName, Decimals: 18, ImplOptions: opts}
	selector := func(ctx context.Context, filter func(chain.BaseClient) bool) (chain.BaseClient, error) {
		if c == nil || (filter != nil && !filter(c)) {
			return nil, chain.NewNotFoundError("client")
		}
		return c, nil
	}
	p, err := NewChainAdaptor(info, selector)
	require.NoError(t, err)
	return p.(*ChainAdaptor)
}

func testSigner(t *testing.T, prv string) *signer.PrivateKeySigner {
	s, err := signer.NewPrivateKeySignerFromHex("secp256k1", prv)
	require.NoError(t, err)
	return s
}

func testAddress(t *testing.T, c *ChainAdaptor, prv string) string {
	addr, err := c.PubkeyToAddress(context.Background(), testSigner(t, prv), "")
	require.NoError(t, err)
	return addr
}

func TestPubkeyToAddress(t *testing.T) {
	c := newTestAdaptor(t, nil, nil)
	addr := testAddress(t, c, testPrvkey)
	decoded, err := DecodeAddress(addr)
	require.NoError(t, err)
	require.Equal(t, "0x1e5f4552091a69125d5dfcb7b8c2659029395bdf", hexutil.Encode(decoded.Hex))

	res := c.VerifyAddress(strings.ToUpper(addr))
	require.True(t, res.IsValid)
	require.Equal(t, addr, res.NormalizedAddress)
	require.Equal(t, TypeUser, res.Encoding)

	testnet := newTestAdaptor(t, nil, chain.Options{"chainId": TestnetID})
	require.False(t, testnet.VerifyAddress(addr).IsValid)
	require.True(t, strings.HasPrefix(testAddress(t, testnet, testPrvkey), "cfxtest:"))
	require.False(t, c.VerifyAddress("0x1e5f4552091a69125d5dfcb7b8c2659029395bdf").IsValid)
}

func TestFeeTiers(t *testing.T) {
	cli, _ := newTestConflux(t)
	fee, err := cli.GetFeePricePerUnit(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1250000000", fee.Normal.Price.String())
	require.Equal(t, "1000000000", fee.Others[0].Price.String())
	require.Equal(t, "1500000000", fee.Others[1].Price.String())
}

func decodeSigned(t *testing.T, raw string) *signedTransaction {
	var signed signedTransaction
	require.NoError(t, rlp.DecodeBytes(hexutil.MustDecode(raw), &signed))
	return &signed
}

func TestBuildAndSignTransfer(t *testing.T) {
	ctx := context.Background()
	cli, node := newTestConflux(t)
	c := newTestAdaptor(t, cli, nil)
	from, to := testAddress(t, c, testPrvkey), testAddress(t, c, testPrvkey2)

	tx := &chain.UnsignedTx{
		Inputs:  []chain.TxInput{{Address: from, Value: big.NewInt(1000)}},
		Outputs: []chain.TxOutput{{Address: to, Value: big.NewInt(1000)}},
	}
	built, err := c.BuildUnsignedTx(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), *built.Nonce)
	require.Equal(t, int64(TransferGasLimit), built.FeeLimit.Int64())
	require.Equal(t, "1250000000", built.FeePricePerUnit.String())
	require.Equal(t, "0x64", built.Payload[payloadEpochHeight])
	require.Equal(t, "0x0", built.Payload[payloadStorageLimit])
	require.Equal(t, 0, node.Count("cfx_estimateGasAndCollateral"))

	hits := node.Count("cfx_epochNumber") + node.Count("cfx_gasPrice") + node.Count("cfx_getNextNonce")
	again, err := c.BuildUnsignedTx(ctx, built)
	require.NoError(t, err)
	require.Equal(t, built, again)
	require.Equal(t, hits, node.Count("cfx_epochNumber")+node.Count("cfx_gasPrice")+node.Count("cfx_getNextNonce"))

	signers := map[string]chain.Signer{from: testSigner(t, testPrvkey)}
	signed, err := c.SignTransaction(ctx, built, signers)
	require.NoError(t, err)
	require.Equal(t, hexutil.Encode(crypto.Keccak256(hexutil.MustDecode(signed.RawTx))), signed.Txid)

	decoded := decodeSigned(t, signed.RawTx)
	require.Equal(t, uint64(3), decoded.Unsigned.Nonce)
	require.Equal(t, uint64(100), decoded.Unsigned.EpochHeight)
	require.Equal(t, uint64(MainnetID), decoded.Unsigned.ChainID)
	require.Equal(t, "1000", decoded.Unsigned.Value.String())

	unsigned, err := rlp.EncodeToBytes(&decoded.Unsigned)
	require.NoError(t, err)
	sig := append(append(pad32(decoded.R), pad32(decoded.S)...), byte(decoded.V))
	pub, err := crypto.Ecrecover(crypto.Keccak256(unsigned), sig)
	require.NoError(t, err)
	fromAddr, err := DecodeAddress(from)
	require.NoError(t, err)
	require.Equal(t, fromAddr.Hex, userAddress(pub))

	twice, err := c.SignTransaction(ctx, built, signers)
	require.NoError(t, err)
	require.Equal(t, signed, twice)

	_, err = c.SignTransaction(ctx, built, map[string]chain.Signer{from: testSigner(t, testPrvkey2)})
	var pre *chain.PreconditionError
	require.ErrorAs(t, err, &pre)
}

func pad32(n *big.Int) []byte {
	out := make([]byte, 32)
	n.FillBytes(out)
	return out
}

func TestBuildTokenTransfer(t *testing.T) {
	ctx := context.Background()
	cli, node := newTestConflux(t)
	c := newTestAdaptor(t, cli, nil)
	token, err := EncodeAddress(hexutil.MustDecode(tokenHex), MainnetID)
	require.NoError(t, err)
	from, to := testAddress(t, c, testPrvkey), testAddress(t, c, testPrvkey2)

	built, err := c.BuildUnsignedTx(ctx, &chain.UnsignedTx{
		Inputs:  []chain.TxInput{{Address: from, Value: big.NewInt(5), TokenAddress: token}},
		Outputs: []chain.TxOutput{{Address: to, Value: big.NewInt(5), TokenAddress: token}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(65000), built.FeeLimit.Int64())
	require.Equal(t, "0x40", built.Payload[payloadStorageLimit])
	require.Equal(t, 1, node.Count("cfx_estimateGasAndCollateral"))

	raw, err := c.rawTransaction(built)
	require.NoError(t, err)
	require.Equal(t, tokenHex, strings.ToLower(raw.To.Hex()))
	require.Equal(t, "0xa9059cbb", hexutil.Encode(raw.Data[:4]))
	require.Equal(t, int64(0), raw.Value.Int64())
}

func TestPreconditions(t *testing.T) {
	ctx := context.Background()
	c := newTestAdaptor(t, nil, nil)
	from, to := testAddress(t, c, testPrvkey), testAddress(t, c, testPrvkey2)
	var pre *chain.PreconditionError

	_, err := c.BuildUnsignedTx(ctx, &chain.UnsignedTx{
		Inputs:  []chain.TxInput{{Address: from}},
		Outputs: []chain.TxOutput{{Address: "0x1234", Value: big.NewInt(1)}},
	})
	require.ErrorAs(t, err, &pre)

	tx := &chain.UnsignedTx{
		Inputs:          []chain.TxInput{{Address: from}},
		Outputs:         []chain.TxOutput{{Address: to, Value: big.NewInt(1)}},
		Nonce:           chain.Uint64Ptr(0),
		FeeLimit:        big.NewInt(TransferGasLimit),
		FeePricePerUnit: big.NewInt(1),
	}
	_, err = c.SignTransaction(ctx, tx, map[string]chain.Signer{from: testSigner(t, testPrvkey)})
	require.ErrorAs(t, err, &pre)

	tx.Payload = map[string]interface{}{payloadEpochHeight: "0x1", payloadStorageLimit: "0x0"}
	_, err = c.SignTransaction(ctx, tx, nil)
	require.ErrorAs(t, err, &pre)
}

func TestClientReads(t *testing.T) {
	ctx := context.Background()
	cli, _ := newTestConflux(t)

	info, err := cli.GetInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), info.BestBlockNumber)
	require.True(t, info.IsReady)

	c := newTestAdaptor(t, nil, nil)
	addr := testAddress(t, c, testPrvkey)
	balance, err := cli.GetBalance(ctx, chain.BalanceRequest{Address: addr, TokenAddress: vectorAddr})
	require.NoError(t, err)
	require.Equal(t, "1000", balance.String())

	statuses := cli.GetTransactionStatuses(ctx, []string{"0x01", "0x02", "0x03", "0x04"})
	require.Equal(t, chain.TxConfirmAndSuccess, *statuses[0])
	require.Equal(t, chain.TxConfirmButFailed, *statuses[1])
	require.Equal(t, chain.TxPending, *statuses[2])
	require.Equal(t, chain.TxNotFound, *statuses[3])

	txid, err := cli.BroadcastTransaction(ctx, "0x00")
	require.NoError(t, err)
	require.Equal(t, "0xfeed", txid)
}

func TestMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestAdaptor(t, nil, nil)
	addr := testAddress(t, c, testPrvkey)
	msg := &chain.TypedMessage{Type: PersonalSign, Message: "hello conflux"}

	sig, err := c.SignMessage(ctx, msg, testSigner(t, testPrvkey))
	require.NoError(t, err)
	valid, err := c.VerifyMessage(ctx, addr, msg, sig)
	require.NoError(t, err)
	require.True(t, valid)

	valid, err = c.VerifyMessage(ctx, testAddress(t, c, testPrvkey2), msg, sig)
	require.NoError(t, err)
	require.False(t, valid)

	_, err = c.SignMessage(ctx, &chain.TypedMessage{Type: 7, Message: "x"}, testSigner(t, testPrvkey))
	var notImpl *chain.NotImplementedError
	require.ErrorAs(t, err, &notImpl)
}
