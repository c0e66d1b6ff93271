package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/fedwallet"
	"github.com/lightninglabs/fedwallet/fedcfg"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/urfave/cli"
)

const (
	// Environment variables names that can be used to set the global
	// flags.
	envVarFedDir    = "FEDFEECLI_FEDDIR"
	envVarNetwork   = "FEDFEECLI_NETWORK"
	envVarDBBackend = "FEDFEECLI_DATABASEBACKEND"
)

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "[fedfeecli] %v\n", err)
	os.Exit(1)
}

// newApp creates the fedfeecli app with all the available commands.
func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "fedfeecli"
	app.Version = fedwallet.Version()
	app.Usage = "inspect the service fee ledger of a federation wallet"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "feddir",
			Value:     fedcfg.DefaultFedDir,
			Usage:     "The path to the wallet's base directory.",
			TakesFile: true,
			EnvVar:    envVarFedDir,
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network the wallet is running on, e.g. " +
				"mainnet, testnet, etc.",
			Value:  "testnet",
			EnvVar: envVarNetwork,
		},
		cli.StringFlag{
			Name: "databasebackend",
			Usage: "The database backend of the fee ledger, " +
				"sqlite or bolt.",
			Value:  fedcfg.DatabaseBackendSqlite,
			EnvVar: envVarDBBackend,
		},
	}
	app.Commands = feeCommands

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}

// storeConfig derives the database location from the global flags the same
// way the daemon derives it from its config.
func storeConfig(ctx *cli.Context) *fedcfg.Config {
	cfg := fedcfg.DefaultConfig()
	cfg.DatabaseBackend = ctx.GlobalString("databasebackend")

	networkDir := filepath.Join(
		fedcfg.CleanAndExpandPath(ctx.GlobalString("feddir")), "data",
		ctx.GlobalString("network"),
	)
	cfg.Sqlite.DatabaseFileName = filepath.Join(networkDir, "fees.db")
	cfg.Bolt.DBPath = filepath.Join(networkDir, "feekv")

	return &cfg
}

// getLedger opens the fee ledger. The returned function closes it.
func getLedger(ctx *cli.Context) (*fees.Ledger, func(), error) {
	cfg := storeConfig(ctx)
	if cfg.DatabaseBackend == fedcfg.DatabaseBackendPostgres {
		return nil, nil, fmt.Errorf("postgres ledgers are not " +
			"supported")
	}

	// A ledger that is only inspected is never migrated.
	cfg.Sqlite.SkipMigrations = true

	store, closeStore, err := fedcfg.OpenFeeStore(cfg, btclog.Disabled)
	if err != nil {
		return nil, nil, err
	}

	ledger := fees.NewLedger(&fees.LedgerConfig{
		Store: store,
		Clock: clock.NewDefaultClock(),
	})

	cleanUp := func() {
		if err := closeStore(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "unable to close "+
				"ledger: %v\n", err)
		}
	}

	return ledger, cleanUp, nil
}

func printJSON(w io.Writer, resp interface{}) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	_ = json.Indent(&out, b, "", "\t")
	out.WriteString("\n")
	_, err = out.WriteTo(w)

	return err
}
