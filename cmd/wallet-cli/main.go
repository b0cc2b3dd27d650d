package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dapplink-baas/wallet-chain-provider/chaindispatcher"
	"github.com/dapplink-baas/wallet-chain-provider/config"
)

var chainFlag = &cli.StringFlag{
	Name:     "chain",
	Usage:    "chain code from the registry",
	Required: true,
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "wallet-cli",
		Usage: "query chains and sign transactions through the provider controller",
		Flags: config.Flags,
		Before: func(ctx *cli.Context) error {
			return config.SetupLogging(ctx)
		},
		Commands: []*cli.Command{
			infoCommand,
			addressCommand,
			verifyAddressCommand,
			balanceCommand,
			feeCommand,
			tokenInfoCommand,
			utxoCommand,
			statusCommand,
			broadcastCommand,
			signMessageCommand,
			verifyMessageCommand,
			keystoreCommand,
			transferCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[wallet-cli] %v\n", err)
		os.Exit(1)
	}
}

func controller(ctx *cli.Context, opts ...chaindispatcher.Option) (*chaindispatcher.ProviderController, error) {
	reg, err := config.RegistryFromFlags(ctx)
	if err != nil {
		return nil, err
	}
	return chaindispatcher.NewProviderController(reg.ChainInfo, opts...), nil
}

func printJSON(ctx *cli.Context, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.App.Writer, string(out))
	return err
}
