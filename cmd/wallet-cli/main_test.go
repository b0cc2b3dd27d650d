package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dapplink-baas/wallet-chain-provider/transport/rpctest"
)

const (
	testKey     = "0000000000000000000000000000000000000000000000000000000000000001"
	testAddress = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
)

func writeChains(t *testing.T, url string) string {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	body := fmt.Sprintf(`
chains:
  - code: ETH
    impl: eth
    decimals: 18
    options:
      chainId: 1
    clients:
      - name: Geth
        urls: [%s]
        timeout: 2s
`, url)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, chains string, args ...string) (string, error) {
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"wallet-cli", "--chains", chains, "--log-level", "error"}, args...))
	return strings.TrimSpace(out.String()), err
}

func TestAddressAndVerify(t *testing.T) {
	chains := writeChains(t, "http://127.0.0.1:1")

	out, err := run(t, chains, "address", "--chain", "ETH", "--private-key", testKey)
	require.NoError(t, err)
	require.Equal(t, testAddress, out)

	out, err = run(t, chains, "address", "--chain", "ETH",
		"--pubkey", "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	require.NoError(t, err)
	require.Equal(t, testAddress, out)

	out, err = run(t, chains, "verify-address", "--chain", "ETH", strings.ToLower(testAddress))
	require.NoError(t, err)
	var v map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	require.Equal(t, true, v["IsValid"])

	_, err = run(t, chains, "address", "--chain", "ETH")
	require.ErrorContains(t, err, "--private-key")

	_, err = run(t, chains, "address", "--chain", "DOGE", "--private-key", testKey)
	require.Error(t, err)
}

func TestSignAndVerifyMessage(t *testing.T) {
	chains := writeChains(t, "http://127.0.0.1:1")

	sig, err := run(t, chains, "sign-message", "--chain", "ETH", "--type", "1", "--private-key", testKey, "hello")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sig, "0x"))

	out, err := run(t, chains, "verify-message", "--chain", "ETH", "--type", "1",
		"--address", testAddress, "--signature", sig, "hello")
	require.NoError(t, err)
	require.Equal(t, "true", out)

	out, err = run(t, chains, "verify-message", "--chain", "ETH", "--type", "1",
		"--address", testAddress, "--signature", sig, "other")
	require.NoError(t, err)
	require.Equal(t, "false", out)
}

func TestBalance(t *testing.T) {
	node := rpctest.NewNode(map[string]rpctest.Handler{
		"eth_getBalance": func(params []json.RawMessage) (interface{}, *rpctest.Error) {
			if strings.EqualFold(rpctest.String(params, 0), testAddress) {
				return "0x64", nil
			}
			return nil, &rpctest.Error{Code: -32000, Message: "boom"}
		},
	})
	chains := writeChains(t, node.Serve(t))

	out, err := run(t, chains, "balance", "--chain", "ETH", testAddress, "0x0000000000000000000000000000000000000001")
	require.NoError(t, err)
	var res []balanceResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res, 2)
	require.Equal(t, "100", res[0].Balance)
	require.Empty(t, res[0].Error)
	require.Equal(t, "unavailable", res[1].Error)
}

func TestKeystoreImport(t *testing.T) {
	chains := writeChains(t, "http://127.0.0.1:1")
	dir := filepath.Join(t.TempDir(), "keys")

	out, err := run(t, chains, "keystore", "import", "--chain", "ETH", "--private-key", testKey,
		"--keystore", dir, "--password", "pw")
	require.NoError(t, err)
	require.Equal(t, testAddress, out)

	out, err = run(t, chains, "keystore", "remove", "--keystore", dir, "--password", "pw", testAddress)
	require.NoError(t, err)
	require.Equal(t, "removed 1", out)
}
