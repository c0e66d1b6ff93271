package fedcfg

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"
	"github.com/jessevdk/go-flags"
	"github.com/lightninglabs/fedwallet"
	"github.com/lightninglabs/fedwallet/ecash"
	"github.com/lightninglabs/fedwallet/federation"
	"github.com/lightninglabs/fedwallet/feedb"
	"github.com/lightninglabs/fedwallet/feekv"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightninglabs/fedwallet/monitoring"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/lncfg"
	"github.com/lightningnetwork/lnd/signal"
)

const (
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "fedwallet.log"
	defaultConfigFileName = "fedwallet.conf"

	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultSqliteDatabaseFileName = "fees.db"
	defaultBoltDirName            = "feekv"

	// defaultRemitThreshold is the outstanding amount of a pair, in msat,
	// above which its fees are remitted.
	defaultRemitThreshold = 100_000

	// defaultRemitInterval is the interval of the periodic remittance
	// sweep.
	defaultRemitInterval = 10 * time.Minute

	// DatabaseBackendSqlite is the name of the SQLite database backend.
	DatabaseBackendSqlite = "sqlite"

	// DatabaseBackendPostgres is the name of the Postgres database backend.
	DatabaseBackendPostgres = "postgres"

	// DatabaseBackendBolt is the name of the bolt database backend.
	DatabaseBackendBolt = "bolt"
)

var (
	// DefaultFedDir is the default directory where the wallet tries to
	// find its configuration file and store its data. This is a directory
	// in the user's application data, for example:
	//   ~/.fedwallet on Linux
	//   ~/Library/Application Support/Fedwallet on MacOS
	DefaultFedDir = btcutil.AppDataDir("fedwallet", false)

	// DefaultConfigFile is the default full path of the configuration
	// file.
	DefaultConfigFile = filepath.Join(DefaultFedDir, defaultConfigFileName)

	defaultNetwork = "testnet"

	defaultDataDir = filepath.Join(DefaultFedDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultFedDir, defaultLogDirname)

	// defaultSqliteDatabasePath is the default path under which we store
	// the SQLite database file.
	defaultSqliteDatabasePath = filepath.Join(
		defaultDataDir, defaultNetwork, defaultSqliteDatabaseFileName,
	)

	// defaultBoltDatabasePath is the default directory of the bolt
	// database.
	defaultBoltDatabasePath = filepath.Join(
		defaultDataDir, defaultNetwork, defaultBoltDirName,
	)
)

// ChainConfig houses the configuration options that govern which
// chain/network we operate on.
//
//nolint:lll
type ChainConfig struct {
	Network string `long:"network" description:"network to run on" choice:"mainnet" choice:"regtest" choice:"testnet" choice:"simnet" choice:"signet"`
}

// FeeConfig holds the service fee rate of every pair, in parts per million.
//
//nolint:lll
type FeeConfig struct {
	LnSendPPM     uint64 `long:"lnsendppm" description:"Service fee of Lightning payments in ppm"`
	LnReceivePPM  uint64 `long:"lnreceiveppm" description:"Service fee of received Lightning payments in ppm"`
	OnChainSend   uint64 `long:"onchainsendppm" description:"Service fee of on-chain withdrawals in ppm"`
	OnChainRecv   uint64 `long:"onchainreceiveppm" description:"Service fee of on-chain deposits in ppm"`
	EcashSendPPM  uint64 `long:"ecashsendppm" description:"Service fee of spent e-cash in ppm"`
	EcashRecvPPM  uint64 `long:"ecashreceiveppm" description:"Service fee of redeemed e-cash in ppm"`
	StabilitySend uint64 `long:"stabilitysendppm" description:"Service fee of stability pool deposits in ppm"`
	StabilityRecv uint64 `long:"stabilityreceiveppm" description:"Service fee of stability pool withdrawals in ppm"`
}

// Schedule returns the fee schedule of the configured rates.
func (f *FeeConfig) Schedule() *fees.Schedule {
	pair := func(m ledger.ModuleKind, d ledger.Direction) fees.Pair {
		return fees.Pair{Module: m, Direction: d}
	}

	send, recv := ledger.DirectionSend, ledger.DirectionReceive

	return fees.NewSchedule(map[fees.Pair]uint64{
		pair(ledger.ModuleLightning, send):     f.LnSendPPM,
		pair(ledger.ModuleLightning, recv):     f.LnReceivePPM,
		pair(ledger.ModuleOnChain, send):       f.OnChainSend,
		pair(ledger.ModuleOnChain, recv):       f.OnChainRecv,
		pair(ledger.ModuleEcash, send):         f.EcashSendPPM,
		pair(ledger.ModuleEcash, recv):         f.EcashRecvPPM,
		pair(ledger.ModuleStabilityPool, send): f.StabilitySend,
		pair(ledger.ModuleStabilityPool, recv): f.StabilityRecv,
	})
}

// RemitConfig configures the remittance of earned fees. Remittance is off if
// no callback URL is set.
//
//nolint:lll
type RemitConfig struct {
	CallbackURL string        `long:"callbackurl" description:"LNURL-pay callback of the fee beneficiary, remittance is disabled if empty"`
	Threshold   uint64        `long:"threshold" description:"Outstanding fees of a pair in msat that trigger a remittance"`
	Interval    time.Duration `long:"interval" description:"Interval of the periodic remittance sweep"`
}

// WalletConfig holds the timeouts of the wallet operations.
//
//nolint:lll
type WalletConfig struct {
	RPCTimeout     time.Duration `long:"rpctimeout" description:"Time a payment call waits for the operation to finish"`
	InvoiceExpiry  time.Duration `long:"invoiceexpiry" description:"Expiry of created invoices"`
	EcashTimeout   time.Duration `long:"ecashtimeout" description:"Time spent selecting notes for spent e-cash"`
	ReissueTimeout time.Duration `long:"reissuetimeout" description:"Time a single reissue of notes may take"`
	TryCancelAfter time.Duration `long:"trycancelafter" description:"Time after which unclaimed spent e-cash is reclaimed"`
}

// Config is the main config of the fedwallet daemon.
//
//nolint:lll
type Config struct {
	ShowVersion bool `long:"version" description:"Display version information and exit"`

	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	FedDir     string `long:"feddir" description:"The base directory that contains the wallet's data, logs and configuration file"`
	ConfigFile string `long:"configfile" description:"Path to configuration file"`

	DataDir        string `long:"datadir" description:"The directory to store the wallet's data within"`
	LogDir         string `long:"logdir" description:"Directory to log output."`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	ChainConf *ChainConfig

	Fees   *FeeConfig    `group:"fees" namespace:"fees"`
	Remit  *RemitConfig  `group:"remit" namespace:"remit"`
	Wallet *WalletConfig `group:"wallet" namespace:"wallet"`

	DatabaseBackend string                `long:"databasebackend" description:"The database backend to use for the fee ledger" choice:"sqlite" choice:"postgres" choice:"bolt"`
	Sqlite          *feedb.SqliteConfig   `group:"sqlite" namespace:"sqlite"`
	Postgres        *feedb.PostgresConfig `group:"postgres" namespace:"postgres"`
	Bolt            *feekv.Config         `group:"bolt" namespace:"bolt"`

	Prometheus monitoring.PrometheusConfig `group:"prometheus" namespace:"prometheus"`

	// LogWriter is the root logger that all of the daemon's subloggers
	// are hooked up to.
	LogWriter *build.RotatingLogWriter

	// networkDir is the path to the directory of the currently active
	// network.
	networkDir string

	// ActiveNetParams contains parameters of the target chain.
	ActiveNetParams chaincfg.Params
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		FedDir:         DefaultFedDir,
		ConfigFile:     DefaultConfigFile,
		DataDir:        defaultDataDir,
		DebugLevel:     defaultLogLevel,
		LogDir:         defaultLogDir,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		ChainConf: &ChainConfig{
			Network: defaultNetwork,
		},
		Fees: &FeeConfig{},
		Remit: &RemitConfig{
			Threshold: defaultRemitThreshold,
			Interval:  defaultRemitInterval,
		},
		Wallet: &WalletConfig{
			RPCTimeout:     federation.DefaultRPCTimeout,
			InvoiceExpiry:  federation.DefaultInvoiceExpiry,
			EcashTimeout:   ecash.DefaultTimeout,
			ReissueTimeout: ecash.DefaultReissueTimeout,
			TryCancelAfter: ecash.DefaultTryCancelAfter,
		},
		DatabaseBackend: DatabaseBackendSqlite,
		Sqlite: &feedb.SqliteConfig{
			DatabaseFileName: defaultSqliteDatabasePath,
		},
		Postgres: &feedb.PostgresConfig{
			Host:               "localhost",
			Port:               5432,
			MaxOpenConnections: 10,
		},
		Bolt: &feekv.Config{
			DBPath:    defaultBoltDatabasePath,
			DBTimeout: feekv.DefaultDBTimeout,
		},
		Prometheus: monitoring.DefaultPrometheusConfig(),
		LogWriter:  build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(interceptor signal.Interceptor) (*Config, btclog.Logger,
	error) {

	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", fedwallet.Version())
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their feddir, then we should assume they intend to use the
	// config file within it.
	configFileDir := CleanAndExpandPath(preCfg.FedDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	switch {
	case configFileDir != DefaultFedDir &&
		configFilePath == DefaultConfigFile:

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFileName,
		)

	// User did specify an explicit --configfile, so we check that it does
	// exist under that path to avoid surprises.
	case configFilePath != DefaultConfigFile:
		if !fileExists(configFilePath) {
			return nil, nil, fmt.Errorf("specified config file "+
				"does not exist in %s", configFilePath)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	fileParser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(fileParser).ParseFile(configFilePath)
	if err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		if _, ok := err.(*flags.IniError); ok {
			return nil, nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	flagParser := flags.NewParser(&cfg, flags.Default)
	if _, err := flagParser.Parse(); err != nil {
		return nil, nil, err
	}

	cleanCfg, cfgLogger, err := ValidateConfig(cfg, interceptor)
	if err != nil {
		if _, ok := err.(*usageError); ok {
			_, _ = fmt.Fprintln(os.Stderr, usageMessage)
		}

		// The logging system might not yet be initialized, so we also
		// write to stderr to make sure the error appears somewhere.
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		if cfgLogger != nil {
			cfgLogger.Warnf("Error validating config: %v", err)
		}
		return nil, nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done.
	if configFileError != nil {
		cfgLogger.Warnf("%v", configFileError)
	}

	return cleanCfg, cfgLogger, nil
}

// usageError is an error type that signals a problem with the supplied flags.
type usageError struct {
	err error
}

// Error returns the error string.
//
// NOTE: This is part of the error interface.
func (u *usageError) Error() string {
	return u.err.Error()
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, interceptor signal.Interceptor) (*Config,
	btclog.Logger, error) {

	// If the provided directory is not the default, we'll modify the path
	// to all of the files and directories that will live within it.
	fedDir := CleanAndExpandPath(cfg.FedDir)
	if fedDir != DefaultFedDir {
		cfg.DataDir = filepath.Join(fedDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(fedDir, defaultLogDirname)
	}

	funcName := "ValidateConfig"
	mkErr := func(format string, args ...interface{}) error {
		return fmt.Errorf(funcName+": "+format, args...)
	}
	makeDirectory := func(dir string) error {
		err := os.MkdirAll(dir, 0700)
		if err != nil {
			// Show a nicer error message if it's because a symlink
			// is linked to a directory that does not exist
			// (probably because it's not mounted).
			if e, ok := err.(*os.PathError); ok && os.IsExist(err) {
				link, lerr := os.Readlink(e.Path)
				if lerr == nil {
					str := "is symlink %s -> %s mounted?"
					err = fmt.Errorf(str, e.Path, link)
				}
			}

			str := "Failed to create directory '%s': %v"
			return mkErr(str, dir, err)
		}

		return nil
	}

	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	switch cfg.ChainConf.Network {
	case "mainnet":
		cfg.ActiveNetParams = chaincfg.MainNetParams
	case "testnet":
		cfg.ActiveNetParams = chaincfg.TestNet3Params
	case "regtest":
		cfg.ActiveNetParams = chaincfg.RegressionNetParams
	case "simnet":
		cfg.ActiveNetParams = chaincfg.SimNetParams
	case "signet":
		cfg.ActiveNetParams = chaincfg.SigNetParams
	default:
		return nil, nil, &usageError{mkErr("invalid network: %v",
			cfg.ChainConf.Network)}
	}

	if cfg.Wallet.RPCTimeout <= 0 {
		return nil, nil, &usageError{mkErr("rpctimeout must be " +
			"positive")}
	}

	if cfg.Remit.CallbackURL != "" && cfg.Remit.Interval <= 0 {
		return nil, nil, &usageError{mkErr("remittance interval " +
			"must be positive")}
	}

	// We'll now construct the network directory which will be where we
	// store all the data specific to this chain/network.
	cfg.networkDir = filepath.Join(
		cfg.DataDir, lncfg.NormalizeNetwork(cfg.ActiveNetParams.Name),
	)

	// Move the database files into the network directory unless their
	// location was set explicitly.
	if cfg.Sqlite.DatabaseFileName == defaultSqliteDatabasePath {
		cfg.Sqlite.DatabaseFileName = filepath.Join(
			cfg.networkDir, defaultSqliteDatabaseFileName,
		)
	}
	if cfg.Bolt.DBPath == defaultBoltDatabasePath {
		cfg.Bolt.DBPath = filepath.Join(
			cfg.networkDir, defaultBoltDirName,
		)
	}

	dirs := []string{fedDir, cfg.DataDir, cfg.networkDir}
	for _, dir := range dirs {
		if err := makeDirectory(dir); err != nil {
			return nil, nil, err
		}
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network in the same fashion as the data directory.
	cfg.LogDir = filepath.Join(
		cfg.LogDir, lncfg.NormalizeNetwork(cfg.ActiveNetParams.Name),
	)

	if cfg.LogWriter == nil {
		cfg.LogWriter = build.NewRotatingLogWriter()
	}
	fedwallet.SetupLoggers(cfg.LogWriter, interceptor)

	// Initialize logging at the default logging level.
	err := cfg.LogWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		str := "log rotation setup failed: %v"
		return nil, nil, mkErr(str, err)
	}

	cfgLogger := cfg.LogWriter.GenSubLogger("CONF", nil)

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.LogWriter)
	if err != nil {
		str := "error parsing debug level: %v"
		return nil, cfgLogger, &usageError{mkErr(str, err)}
	}

	return &cfg, cfgLogger, nil
}

// NetworkDir returns the directory that holds the data of the active network.
func (c *Config) NetworkDir() string {
	return c.networkDir
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
