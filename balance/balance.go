package balance

import (
	"context"
	"fmt"

	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightningnetwork/lnd/lnwire"
)

// RawBalanceSource reports the raw balance of the wallet as held by the
// federation.
type RawBalanceSource interface {
	// Balance returns the sum of all notes the wallet holds.
	Balance(ctx context.Context) (lnwire.MilliSatoshi, error)
}

// FeeCounterSource reports the aggregated fee counters.
type FeeCounterSource interface {
	// Counters returns the counters of all pairs.
	Counters(ctx context.Context) (fees.CounterSet, error)
}

// Breakdown is a snapshot of the balance and the fees reserved from it.
type Breakdown struct {
	// Raw is the balance held by the federation.
	Raw lnwire.MilliSatoshi

	// Pending is the sum of the fees of unresolved sends.
	Pending lnwire.MilliSatoshi

	// Outstanding is the sum of earned fees that weren't remitted yet.
	Outstanding lnwire.MilliSatoshi

	// Virtual is the balance the user can spend.
	Virtual lnwire.MilliSatoshi
}

// ServiceConfig holds the collaborators of the balance service.
type ServiceConfig struct {
	// Raw is the source of the raw balance.
	Raw RawBalanceSource

	// Fees is the source of the fee counters.
	Fees FeeCounterSource
}

// Service derives the spendable virtual balance from the raw balance and
// the fee counters. Nothing is cached, every call reads both sources.
type Service struct {
	cfg *ServiceConfig
}

// NewService creates a new balance service.
func NewService(cfg *ServiceConfig) *Service {
	return &Service{
		cfg: cfg,
	}
}

// Breakdown returns the raw balance, the reserved fees and the virtual
// balance. The virtual balance is clamped at zero.
func (s *Service) Breakdown(ctx context.Context) (*Breakdown, error) {
	raw, err := s.cfg.Raw.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch raw balance: %w", err)
	}

	counters, err := s.cfg.Fees.Counters(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch fee counters: %w", err)
	}

	b := &Breakdown{
		Raw:         raw,
		Pending:     counters.TotalPending(),
		Outstanding: counters.TotalOutstanding(),
	}

	reserved := b.Pending + b.Outstanding
	if reserved > raw {
		log.Warnf("Reserved fees exceed raw balance: raw=%v, "+
			"pending=%v, outstanding=%v", raw, b.Pending,
			b.Outstanding)

		return b, nil
	}
	b.Virtual = raw - reserved

	return b, nil
}

// VirtualBalance returns the balance the user can spend: the raw balance
// minus all pending and outstanding fees.
func (s *Service) VirtualBalance(ctx context.Context) (lnwire.MilliSatoshi,
	error) {

	b, err := s.Breakdown(ctx)
	if err != nil {
		return 0, err
	}

	return b.Virtual, nil
}
