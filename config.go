package fedwallet

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/fedwallet/federation"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/monitoring"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/signal"
)

// DatabaseConfig is the config that holds the persistence related structs
// the wallet needs.
type DatabaseConfig struct {
	// FeeStore holds the fee ledger.
	FeeStore fees.BatchedFeeStore

	// Close releases the database handles behind FeeStore. It may be nil.
	Close func() error
}

// Config is the main config of the wallet server.
type Config struct {
	DebugLevel string

	// ChainParams are the parameters of the network the federation runs
	// on.
	ChainParams chaincfg.Params

	// Federation is the config of the federation wallet. Its FeeStore is
	// taken from the DatabaseConfig.
	Federation *federation.Config

	DatabaseConfig

	Prometheus monitoring.PrometheusConfig

	SignalInterceptor signal.Interceptor

	// LogWriter is the root logger that all of the daemon's subloggers
	// are hooked up to.
	LogWriter *build.RotatingLogWriter
}
