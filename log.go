package fedwallet

import (
	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/fedwallet/balance"
	"github.com/lightninglabs/fedwallet/dispatch"
	"github.com/lightninglabs/fedwallet/ecash"
	"github.com/lightninglabs/fedwallet/federation"
	"github.com/lightninglabs/fedwallet/feedb"
	"github.com/lightninglabs/fedwallet/feekv"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/monitoring"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/signal"
)

// replaceableLogger is a thin wrapper around a logger that is used so the
// logger can be replaced easily without some black pointer magic.
type replaceableLogger struct {
	btclog.Logger
	subsystem string
}

var (
	// pkgLoggers is a list of all main package level loggers. They are
	// replaced once SetupLoggers is called with the final root logger.
	pkgLoggers []*replaceableLogger

	// addPkgLogger creates a new replaceable main package level logger
	// and adds it to the list of loggers that are replaced later.
	addPkgLogger = func(subsystem string) *replaceableLogger {
		l := &replaceableLogger{
			Logger:    build.NewSubLogger(subsystem, nil),
			subsystem: subsystem,
		}
		pkgLoggers = append(pkgLoggers, l)
		return l
	}

	fedwLog = addPkgLogger("FEDW")
	srvrLog = addPkgLogger("SRVR")
)

// genSubLogger creates a logger for a subsystem. We provide an instance of a
// signal.Interceptor to be able to shutdown in the case of a critical error.
func genSubLogger(root *build.RotatingLogWriter,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	shutdown := func() {
		if !interceptor.Listening() {
			return
		}

		interceptor.RequestShutdown()
	}

	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.RotatingLogWriter,
	interceptor signal.Interceptor) {

	genLogger := genSubLogger(root, interceptor)

	for _, l := range pkgLoggers {
		l.Logger = build.NewSubLogger(l.subsystem, genLogger)
		SetSubLogger(root, l.subsystem, l.Logger)
	}

	signal.UseLogger(fedwLog)

	AddSubLogger(root, fees.Subsystem, interceptor, fees.UseLogger)
	AddSubLogger(root, feedb.Subsystem, interceptor, feedb.UseLogger)
	AddSubLogger(root, feekv.Subsystem, interceptor, feekv.UseLogger)
	AddSubLogger(root, balance.Subsystem, interceptor, balance.UseLogger)
	AddSubLogger(root, ecash.Subsystem, interceptor, ecash.UseLogger)
	AddSubLogger(root, dispatch.Subsystem, interceptor, dispatch.UseLogger)
	AddSubLogger(
		root, federation.Subsystem, interceptor, federation.UseLogger,
	)
	AddSubLogger(
		root, monitoring.Subsystem, interceptor, monitoring.UseLogger,
	)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.RotatingLogWriter, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(
		subsystem, genSubLogger(root, interceptor),
	)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a sub
// system.
func SetSubLogger(root *build.RotatingLogWriter, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
