package main

import (
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/chaindispatcher"
	"github.com/dapplink-baas/wallet-chain-provider/numeric"
	"github.com/dapplink-baas/wallet-chain-provider/secret"
	"github.com/dapplink-baas/wallet-chain-provider/signer"
	"github.com/dapplink-baas/wallet-chain-provider/storage"
)

var (
	curveFlag = &cli.StringFlag{
		Name:  "curve",
		Usage: "secp256k1, nistp256 or ed25519",
		Value: "secp256k1",
	}
	privateKeyFlag = &cli.StringFlag{
		Name:    "private-key",
		Usage:   "hex private key",
		EnvVars: []string{"WALLET_PRIVATE_KEY"},
	}
	pubkeyFlag = &cli.StringFlag{
		Name:  "pubkey",
		Usage: "hex public key, compressed or not",
	}
	mnemonicFlag = &cli.StringFlag{
		Name:    "mnemonic",
		Usage:   "BIP39 mnemonic to derive the key from",
		EnvVars: []string{"WALLET_MNEMONIC"},
	}
	passphraseFlag = &cli.StringFlag{
		Name:  "passphrase",
		Usage: "BIP39 passphrase",
	}
	pathFlag = &cli.StringFlag{
		Name:  "path",
		Usage: "derivation path used with --mnemonic",
		Value: "m/44'/60'/0'/0/0",
	}
	keyFlags = []cli.Flag{curveFlag, privateKeyFlag, mnemonicFlag, passphraseFlag, pathFlag}

	keystoreFlag = &cli.StringFlag{
		Name:  "keystore",
		Usage: "LevelDB directory of the keystore",
		Value: "keystore",
	}
	keystoreBackendFlag = &cli.StringFlag{
		Name:  "keystore-backend",
		Usage: "leveldb, redis or memory",
		Value: "leveldb",
	}
	redisAddrFlag = &cli.StringFlag{
		Name:  "redis-addr",
		Usage: "redis address for the redis keystore backend",
		Value: "127.0.0.1:6379",
	}
	passwordFlag = &cli.StringFlag{
		Name:     "password",
		Usage:    "keystore encryption password",
		EnvVars:  []string{"WALLET_KEYSTORE_PASSWORD"},
		Required: true,
	}
	keystoreFlags = []cli.Flag{keystoreFlag, keystoreBackendFlag, redisAddrFlag, passwordFlag}
)

// signerFromFlags builds a signer from --private-key or --mnemonic.
func signerFromFlags(ctx *cli.Context) (*signer.PrivateKeySigner, error) {
	curve := ctx.String(curveFlag.Name)
	switch {
	case ctx.String(privateKeyFlag.Name) != "":
		return signer.NewPrivateKeySignerFromHex(curve, ctx.String(privateKeyFlag.Name))
	case ctx.String(mnemonicFlag.Name) != "":
		kp, err := secret.KeyPairFromMnemonic(curve, ctx.String(mnemonicFlag.Name),
			ctx.String(passphraseFlag.Name), ctx.String(pathFlag.Name))
		if err != nil {
			return nil, err
		}
		return signer.NewPrivateKeySigner(curve, kp.PrivateKey)
	}
	return nil, errors.New("one of --private-key or --mnemonic is required")
}

// verifierFromFlags prefers --pubkey and falls back to the signer flags.
func verifierFromFlags(ctx *cli.Context) (chain.Verifier, error) {
	if pub := ctx.String(pubkeyFlag.Name); pub != "" {
		return signer.NewVerifierFromHex(ctx.String(curveFlag.Name), pub)
	}
	return signerFromFlags(ctx)
}

func openKeyStore(ctx *cli.Context) (*signer.KeyStore, storage.Store, error) {
	store, err := storage.Open(ctx.Context, storage.Config{
		Backend: ctx.String(keystoreBackendFlag.Name),
		Path:    ctx.String(keystoreFlag.Name),
		Addr:    ctx.String(redisAddrFlag.Name),
		Prefix:  "wallet-cli:",
	})
	if err != nil {
		return nil, nil, err
	}
	return signer.NewKeyStore(store, ctx.String(passwordFlag.Name)), store, nil
}

var addressCommand = &cli.Command{
	Name:  "address",
	Usage: "derive the address of a public or private key",
	Flags: append([]cli.Flag{
		chainFlag,
		pubkeyFlag,
		&cli.StringFlag{Name: "encoding", Usage: "chain specific address encoding"},
	}, keyFlags...),
	Action: address,
}

func address(ctx *cli.Context) error {
	ctrl, err := controller(ctx)
	if err != nil {
		return err
	}
	v, err := verifierFromFlags(ctx)
	if err != nil {
		return err
	}
	addr, err := ctrl.PubkeyToAddress(ctx.Context, ctx.String(chainFlag.Name), v, ctx.String("encoding"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.App.Writer, addr)
	return err
}

var messageTypeFlag = &cli.IntFlag{
	Name:  "type",
	Usage: "chain specific message type",
}

var signMessageCommand = &cli.Command{
	Name:      "sign-message",
	Usage:     "sign a message with a local key",
	ArgsUsage: "message",
	Flags:     append([]cli.Flag{chainFlag, messageTypeFlag}, keyFlags...),
	Action:    signMessage,
}

func signMessage(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "sign-message")
	}
	ctrl, err := controller(ctx)
	if err != nil {
		return err
	}
	s, err := signerFromFlags(ctx)
	if err != nil {
		return err
	}
	msg := &chain.TypedMessage{Type: ctx.Int(messageTypeFlag.Name), Message: ctx.Args().First()}
	sig, err := ctrl.SignMessage(ctx.Context, ctx.String(chainFlag.Name), msg, s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.App.Writer, sig)
	return err
}

var verifyMessageCommand = &cli.Command{
	Name:      "verify-message",
	Usage:     "check a message signature against an address",
	ArgsUsage: "message",
	Flags: []cli.Flag{
		chainFlag,
		messageTypeFlag,
		&cli.StringFlag{Name: "address", Required: true},
		&cli.StringFlag{Name: "signature", Required: true},
	},
	Action: verifyMessage,
}

func verifyMessage(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "verify-message")
	}
	ctrl, err := controller(ctx)
	if err != nil {
		return err
	}
	msg := &chain.TypedMessage{Type: ctx.Int(messageTypeFlag.Name), Message: ctx.Args().First()}
	ok, err := ctrl.VerifyMessage(ctx.Context, ctx.String(chainFlag.Name), ctx.String("address"), msg, ctx.String("signature"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.App.Writer, ok)
	return err
}

var keystoreCommand = &cli.Command{
	Name:  "keystore",
	Usage: "manage encrypted keys",
	Subcommands: []*cli.Command{
		{
			Name:   "import",
			Usage:  "encrypt a key under the address it has on a chain",
			Flags:  append(append([]cli.Flag{chainFlag}, keyFlags...), keystoreFlags...),
			Action: keystoreImport,
		},
		{
			Name:      "remove",
			Usage:     "delete keys by address",
			ArgsUsage: "address...",
			Flags:     keystoreFlags,
			Action:    keystoreRemove,
		},
	},
}

func keystoreImport(ctx *cli.Context) error {
	ctrl, err := controller(ctx)
	if err != nil {
		return err
	}
	s, err := signerFromFlags(ctx)
	if err != nil {
		return err
	}
	addr, err := ctrl.PubkeyToAddress(ctx.Context, ctx.String(chainFlag.Name), s, "")
	if err != nil {
		return err
	}
	ks, store, err := openKeyStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	prv, err := s.GetPrvkey()
	if err != nil {
		return err
	}
	if err := ks.Import(ctx.Context, addr, ctx.String(curveFlag.Name), prv); err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.App.Writer, addr)
	return err
}

func keystoreRemove(ctx *cli.Context) error {
	ks, store, err := openKeyStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	n, err := ks.Remove(ctx.Context, ctx.Args().Slice())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.App.Writer, "removed %d\n", n)
	return err
}

var transferCommand = &cli.Command{
	Name:  "transfer",
	Usage: "build and sign a transfer with a keystore key, optionally broadcasting it",
	Flags: append([]cli.Flag{
		chainFlag,
		&cli.StringFlag{Name: "from", Required: true},
		&cli.StringFlag{Name: "to", Required: true},
		&cli.StringFlag{Name: "value", Usage: "amount in base units", Required: true},
		&cli.StringFlag{Name: "token", Usage: "token address, empty for the native coin"},
		&cli.BoolFlag{Name: "broadcast", Usage: "submit the signed transaction"},
	}, keystoreFlags...),
	Action: transfer,
}

func transfer(ctx *cli.Context) error {
	value, err := numeric.DecimalStringToBig(ctx.String("value"))
	if err != nil {
		return errors.Wrap(err, "value")
	}
	ks, store, err := openKeyStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	ctrl, err := controller(ctx, chaindispatcher.WithSigners(ks))
	if err != nil {
		return err
	}

	from, token := ctx.String("from"), ctx.String("token")
	tx := &chain.UnsignedTx{
		Inputs:  []chain.TxInput{{Address: from, Value: value, TokenAddress: token}},
		Outputs: []chain.TxOutput{{Address: ctx.String("to"), Value: value, TokenAddress: token}},
	}
	if s, err := ks.Signer(ctx.Context, from); err == nil {
		if pub, err := s.GetPubkey(true); err == nil {
			tx.Inputs[0].PublicKey = hex.EncodeToString(pub)
		}
	}

	code := ctx.String(chainFlag.Name)
	tx, err = ctrl.BuildUnsignedTx(ctx.Context, code, tx)
	if err != nil {
		return err
	}
	signed, err := ctrl.SignTransactionByAddress(ctx.Context, code, tx)
	if err != nil {
		return err
	}
	if ctx.Bool("broadcast") {
		txid, err := ctrl.BroadcastTransaction(ctx.Context, code, signed.RawTx)
		if err != nil {
			return err
		}
		signed.Txid = txid
	}
	return printJSON(ctx, signed)
}
