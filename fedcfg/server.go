package fedcfg

import (
	"fmt"

	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/fedwallet"
	"github.com/lightninglabs/fedwallet/federation"
	"github.com/lightninglabs/fedwallet/feedb"
	"github.com/lightninglabs/fedwallet/feekv"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/signal"
	"github.com/lightningnetwork/lnd/ticker"
)

// OpenFeeStore opens the fee ledger database of the configured backend. The
// returned function closes it again.
func OpenFeeStore(cfg *Config, cfgLogger btclog.Logger) (fees.BatchedFeeStore,
	func() error, error) {

	switch cfg.DatabaseBackend {
	case DatabaseBackendSqlite:
		cfgLogger.Infof("Opening sqlite3 database at: %v",
			cfg.Sqlite.DatabaseFileName)

		db, err := feedb.NewSqliteStore(cfg.Sqlite)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to open database: "+
				"%w", err)
		}

		return feedb.NewFeeStore(db.BaseDB), db.Close, nil

	case DatabaseBackendPostgres:
		cfgLogger.Infof("Opening postgres database at: %v",
			cfg.Postgres.DSN(true))

		db, err := feedb.NewPostgresStore(cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to open database: "+
				"%w", err)
		}

		return feedb.NewFeeStore(db.BaseDB), db.Close, nil

	case DatabaseBackendBolt:
		cfgLogger.Infof("Opening bolt database in: %v",
			cfg.Bolt.DBPath)

		db, err := feekv.Open(cfg.Bolt)
		if err != nil {
			return nil, nil, err
		}

		return db, db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown database backend: %s",
			cfg.DatabaseBackend)
	}
}

// remittanceConfig returns the remitter config, or nil if remittance is
// disabled.
func remittanceConfig(cfg *RemitConfig) *federation.RemittanceConfig {
	if cfg.CallbackURL == "" {
		return nil
	}

	return &federation.RemittanceConfig{
		Invoices:    fees.NewHTTPInvoiceSource(cfg.CallbackURL),
		Threshold:   lnwire.MilliSatoshi(cfg.Threshold),
		SweepTicker: ticker.New(cfg.Interval),
	}
}

// CreateServerFromConfig creates a new wallet server for the federation the
// client has joined. Critical errors of the wallet are sent on mainErrChan.
func CreateServerFromConfig(cfg *Config, cfgLogger btclog.Logger,
	client ledger.Client, shutdownInterceptor signal.Interceptor,
	mainErrChan chan<- error) (*fedwallet.Server, error) {

	feeStore, closeStore, err := OpenFeeStore(cfg, cfgLogger)
	if err != nil {
		return nil, err
	}

	remittance := remittanceConfig(cfg.Remit)
	if remittance != nil {
		cfgLogger.Infof("Remitting fees above %v to %v",
			remittance.Threshold, cfg.Remit.CallbackURL)
	}

	return fedwallet.NewServer(&fedwallet.Config{
		DebugLevel:  cfg.DebugLevel,
		ChainParams: cfg.ActiveNetParams,
		Federation: &federation.Config{
			Client:        client,
			Schedule:      cfg.Fees.Schedule(),
			Clock:         clock.NewDefaultClock(),
			RPCTimeout:    cfg.Wallet.RPCTimeout,
			InvoiceExpiry: cfg.Wallet.InvoiceExpiry,
			Ecash: federation.EcashConfig{
				Timeout:        cfg.Wallet.EcashTimeout,
				ReissueTimeout: cfg.Wallet.ReissueTimeout,
				TryCancelAfter: cfg.Wallet.TryCancelAfter,
			},
			Remittance: remittance,
			ErrChan:    mainErrChan,
		},
		DatabaseConfig: fedwallet.DatabaseConfig{
			FeeStore: feeStore,
			Close:    closeStore,
		},
		Prometheus:        cfg.Prometheus,
		SignalInterceptor: shutdownInterceptor,
		LogWriter:         cfg.LogWriter,
	}), nil
}
