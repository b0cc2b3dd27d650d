package config_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/chain/near"
	"github.com/dapplink-baas/wallet-chain-provider/chaindispatcher"
	"github.com/dapplink-baas/wallet-chain-provider/config"
)

const examplePath = "chains.example.yaml"

func TestLoadExample(t *testing.T) {
	reg, err := config.LoadChains(examplePath)
	require.NoError(t, err)
	require.Equal(t, []string{"BTC", "ETH", "CFX", "ALGO", "ATOM", "NEAR", "SOL", "STC"}, reg.Codes())

	btc, err := reg.ChainInfo("BTC")
	require.NoError(t, err)
	require.Equal(t, "btc", btc.Impl)
	require.Equal(t, "BTC", btc.FeeCode)
	require.EqualValues(t, 8, btc.Decimals)
	require.Equal(t, "mainnet", btc.ImplOptions.String("network", ""))
	require.Len(t, btc.Clients, 1)
	require.Equal(t, "Blockbook", btc.Clients[0].Name)
	require.Len(t, btc.Clients[0].URLs, 2)
	require.Equal(t, 20*time.Second, btc.Clients[0].Timeout)

	eth, err := reg.ChainInfo("ETH")
	require.NoError(t, err)
	require.EqualValues(t, 1, eth.ImplOptions.Int64("chainId", 0))
	require.True(t, eth.ImplOptions.Bool("EIP1559Enabled", false))
	require.Equal(t, 1.3, eth.ImplOptions.Float("contract_gaslimit_multiplier", 0))
	require.Equal(t, config.DefaultClientTimeout, eth.Clients[0].Timeout)

	algo, err := reg.ChainInfo("ALGO")
	require.NoError(t, err)
	require.Equal(t, "https://mainnet-idx.algonode.cloud", algo.Clients[0].Options.String("indexerUrls", ""))
	require.Contains(t, algo.Clients[0].Headers, "X-API-Key")

	_, err = reg.ChainInfo("DOGE")
	require.True(t, chain.IsNotFound(err))
}

func TestChainInfoIsCopy(t *testing.T) {
	reg, err := config.LoadChains(examplePath)
	require.NoError(t, err)
	info, err := reg.ChainInfo("SOL")
	require.NoError(t, err)
	info.Clients[0].Name = "Other"
	info.Code = "X"

	again, err := reg.ChainInfo("SOL")
	require.NoError(t, err)
	require.Equal(t, "SOL", again.Code)
	require.Equal(t, "Solana", again.Clients[0].Name)
	require.Equal(t, 30*time.Second, again.Clients[0].Timeout)
}

func TestNestedOptions(t *testing.T) {
	raw := []byte(`
chains:
  - code: X
    impl: eth
    fee_code: XFEE
    options:
      gas:
        step: [1, 2]
        nested: {enabled: true}
`)
	reg, err := config.ParseChains(raw, time.Second)
	require.NoError(t, err)
	info, err := reg.ChainInfo("X")
	require.NoError(t, err)
	require.Equal(t, "XFEE", info.FeeCode)
	gas, ok := info.ImplOptions["gas"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, []interface{}{1, 2}, gas["step"])
	nested, ok := gas["nested"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, true, nested["enabled"])
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"missing impl": `
chains:
  - code: X
`,
		"duplicate": `
chains:
  - {code: X, impl: eth}
  - {code: X, impl: btc}
`,
		"client name": `
chains:
  - code: X
    impl: eth
    clients:
      - urls: [http://a]
`,
		"client urls": `
chains:
  - code: X
    impl: eth
    clients:
      - name: Geth
`,
		"timeout": `
chains:
  - code: X
    impl: eth
    clients:
      - {name: Geth, urls: [http://a], timeout: soon}
`,
		"unknown field": `
chains:
  - {code: X, impl: eth, colour: red}
`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseChains([]byte(raw), time.Second)
			require.Error(t, err)
		})
	}

	_, err := config.LoadChains(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRegistryFeedsController(t *testing.T) {
	reg, err := config.LoadChains(examplePath)
	require.NoError(t, err)
	ctrl := chaindispatcher.NewProviderController(reg.ChainInfo)
	ctx := context.Background()

	for _, code := range reg.Codes() {
		_, err := ctrl.GetProvider(ctx, code)
		require.NoError(t, err, code)
	}

	v, err := ctrl.VerifyAddress(ctx, "ETH", "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf")
	require.NoError(t, err)
	require.True(t, v.IsValid)

	client, err := ctrl.GetClient(ctx, "NEAR", near.ClientName)
	require.NoError(t, err)
	require.IsType(t, &near.NearCli{}, client)

	_, err = ctrl.GetProvider(ctx, "DOGE")
	require.True(t, chain.IsNotFound(err))
}

func TestFlags(t *testing.T) {
	var reg *config.Registry
	app := &cli.App{
		Name:  "test",
		Flags: config.Flags,
		Before: func(ctx *cli.Context) error {
			return config.SetupLogging(ctx)
		},
		Action: func(ctx *cli.Context) error {
			var err error
			reg, err = config.RegistryFromFlags(ctx)
			return err
		},
	}
	err := app.Run([]string{"test", "--chains", examplePath, "--timeout", "3s", "--log-level", "warn"})
	require.NoError(t, err)
	info, err := reg.ChainInfo("BTC")
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, info.Clients[0].Timeout)

	err = app.Run([]string{"test", "--chains", "nope.yaml"})
	require.Error(t, err)
}
