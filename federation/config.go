package federation

import (
	"time"

	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultRPCTimeout is the time a wallet call waits for the operation
	// it started to finish.
	DefaultRPCTimeout = time.Minute

	// DefaultInvoiceExpiry is the expiry of invoices created by the
	// wallet.
	DefaultInvoiceExpiry = 24 * time.Hour
)

// EcashConfig holds the limits of e-cash note selection. Zero values are
// replaced by the defaults of the ecash package.
type EcashConfig struct {
	Timeout        time.Duration
	ReissueTimeout time.Duration
	RetryDelay     time.Duration
	TryCancelAfter time.Duration
}

// RemittanceConfig configures the payout of collected service fees.
type RemittanceConfig struct {
	// Invoices hands out the invoices of the fee beneficiary.
	Invoices fees.InvoiceSource

	// Threshold is the outstanding amount of a pair at which it is
	// remitted.
	Threshold lnwire.MilliSatoshi

	// SweepTicker periodically checks all pairs for outstanding fees.
	SweepTicker ticker.Ticker
}

// Config holds the collaborators and settings of a federation wallet.
type Config struct {
	// Client is the ledger client of the joined federation.
	Client ledger.Client

	// FeeStore persists the service fee ledger.
	FeeStore fees.BatchedFeeStore

	// Schedule holds the service fee rates.
	Schedule *fees.Schedule

	Clock clock.Clock

	// RPCTimeout bounds how long a wallet call waits for the operation
	// it started. The operation keeps running after a timeout.
	RPCTimeout time.Duration

	// InvoiceExpiry is the expiry of created invoices.
	InvoiceExpiry time.Duration

	Ecash EcashConfig

	// Remittance enables the fee remitter. It is optional.
	Remittance *RemittanceConfig

	// ErrChan receives critical fee ledger errors and failed
	// remittances. It is optional.
	ErrChan chan<- error
}
