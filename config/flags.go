package config

import (
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var (
	ChainsFlag = &cli.StringFlag{
		Name:    "chains",
		Usage:   "path of the chain registry YAML file",
		Value:   "chains.yaml",
		EnvVars: []string{"WALLET_CHAINS"},
	}
	LogLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "trace, debug, info, warn, error or crit",
		Value:   "info",
		EnvVars: []string{"WALLET_LOG_LEVEL"},
	}
	TimeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "override the timeout of every client",
	}
)

var Flags = []cli.Flag{ChainsFlag, LogLevelFlag, TimeoutFlag}

// SetupLogging installs the root logger at the level named by --log-level.
func SetupLogging(ctx *cli.Context) error {
	level, err := log.LvlFromString(ctx.String(LogLevelFlag.Name))
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	setRootLogger(level)
	return nil
}

func setRootLogger(level slog.Level) {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, true)))
}

// RegistryFromFlags loads the registry named by --chains and applies
// --timeout when set.
func RegistryFromFlags(ctx *cli.Context) (*Registry, error) {
	r, err := LoadChains(ctx.String(ChainsFlag.Name))
	if err != nil {
		return nil, err
	}
	if d := ctx.Duration(TimeoutFlag.Name); d > 0 {
		r.SetTimeout(d)
	}
	return r, nil
}
