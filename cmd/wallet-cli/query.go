package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
)

var infoCommand = &cli.Command{
	Name:   "info",
	Usage:  "show the best block and readiness of the first client",
	Flags:  []cli.Flag{chainFlag},
	Action: info,
}

func info(ctx *cli.Context) error {
	ctrl, err := controller(ctx)
	if err != nil {
		return err
	}
	resp, err := ctrl.GetInfo(ctx.Context, ctx.String(chainFlag.Name))
	if err != nil {
		return err
	}
	return printJSON(ctx, resp)
}

var verifyAddressCommand = &cli.Command{
	Name:      "verify-address",
	Usage:     "validate and normalize an address or token address",
	ArgsUsage: "address",
	Flags: []cli.Flag{
		chainFlag,
		&cli.BoolFlag{Name: "token", Usage: "validate as a token address"},
	},
	Action: verifyAddress,
}

func verifyAddress(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "verify-address")
	}
	ctrl, err := controller(ctx)
	if err != nil {
		return err
	}
	code, addr := ctx.String(chainFlag.Name), ctx.Args().First()
	var resp *chain.AddressValidation
	if ctx.Bool("token") {
		resp, err = ctrl.VerifyTokenAddress(ctx.Context, code, addr)
	} else {
		resp, err = ctrl.VerifyAddress(ctx.Context, code, addr)
	}
	if err != nil {
		return err
	}
	return printJSON(ctx, resp)
}

var balanceCommand = &cli.Command{
	Name:      "balance",
	Usage:     "query balances of one or more addresses",
	ArgsUsage: "address...",
	Flags: []cli.Flag{
		chainFlag,
		&cli.StringFlag{Name: "token", Usage: "token address, empty for the native coin"},
	},
	Action: balance,
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance,omitempty"`
	Error   string `json:"error,omitempty"`
}

func balance(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return cli.ShowCommandHelp(ctx, "balance")
	}
	ctrl, err := controller(ctx)
	if err != nil {
		return err
	}
	addrs := ctx.Args().Slice()
	reqs := make([]chain.BalanceRequest, len(addrs))
	for i, a := range addrs {
		reqs[i] = chain.BalanceRequest{Address: a, TokenAddress: ctx.String("token")}
	}
	balances, err := ctrl.BatchGetBalances(ctx.Context, ctx.String(chainFlag.Name), reqs)
	if err != nil {
		return err
	}
	out := make([]balanceResult, len(addrs))
	for i, b := range balances {
		out[i].Address = addrs[i]
		if b == nil {
			out[i].Error = "unavailable"
			continue
		}
		out[i].Balance = b.String()
	}
	return printJSON(ctx, out)
}

var feeCommand = &cli.Command{
	Name:   "fee",
	Usage:  "show the current fee price per unit",
	Flags:  []cli.Flag{chainFlag},
	Action: fee,
}

func fee(ctx *cli.Context) error {
	ctrl, err := controller(ctx)
	if err != nil {
		return err
	}
	resp, err := ctrl.GetFeePricePerUnit(ctx.Context, ctx.String(chainFlag.Name))
	if err != nil {
		return err
	}
	return printJSON(ctx, resp)
}

var tokenInfoCommand = &cli.Command{
	Name:      "token-info",
	Usage:     "show symbol and decimals of a token",
	ArgsUsage: "token-address",
	Flags:     []cli.Flag{chainFlag},
	Action:    tokenInfo,
}

func tokenInfo(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "token-info")
	}
	ctrl, err := controller(ctx)
	if err != nil {
		return err
	}
	resp, err := ctrl.GetTokenInfo(ctx.Context, ctx.String(chainFlag.Name), ctx.Args().First())
	if err != nil {
		return err
	}
	return printJSON(ctx, resp)
}

var utxoCommand = &cli.Command{
	Name:      "utxos",
	Usage:     "list unspent outputs of addresses",
	ArgsUsage: "address...",
	Flags:     []cli.Flag{chainFlag},
	Action:    utxos,
}

func utxos(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return cli.ShowCommandHelp(ctx, "utxos")
	}
	ctrl, err := controller(ctx)
	if err != nil {
		return err
	}
	resp, err := ctrl.GetUTXOs(ctx.Context, ctx.String(chainFlag.Name), ctx.Args().Slice())
	if err != nil {
		return err
	}
	out := make(map[string][]chain.UTXO, len(resp))
	for i, addr := range ctx.Args().Slice() {
		out[addr] = resp[i]
	}
	return printJSON(ctx, out)
}

var statusCommand = &cli.Command{
	Name:      "status",
	Usage:     "show the status of a transaction",
	ArgsUsage: "txid",
	Flags:     []cli.Flag{chainFlag},
	Action:    status,
}

func status(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "status")
	}
	ctrl, err := controller(ctx)
	if err != nil {
		return err
	}
	st, err := ctrl.GetTransactionStatus(ctx.Context, ctx.String(chainFlag.Name), ctx.Args().First())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.App.Writer, st.String())
	return err
}

var broadcastCommand = &cli.Command{
	Name:      "broadcast",
	Usage:     "submit a signed raw transaction",
	ArgsUsage: "raw-tx",
	Flags:     []cli.Flag{chainFlag},
	Action:    broadcast,
}

func broadcast(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "broadcast")
	}
	ctrl, err := controller(ctx)
	if err != nil {
		return err
	}
	txid, err := ctrl.BroadcastTransaction(ctx.Context, ctx.String(chainFlag.Name), ctx.Args().First())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.App.Writer, txid)
	return err
}
