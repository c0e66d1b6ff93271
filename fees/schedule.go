package fees

import (
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Schedule is the service fee rate of every pair, in parts per million.
// Pairs without a rate are free.
type Schedule struct {
	rates map[Pair]uint64
}

// NewSchedule creates a fee schedule from the given rates.
func NewSchedule(rates map[Pair]uint64) *Schedule {
	s := &Schedule{
		rates: make(map[Pair]uint64, len(rates)),
	}
	for pair, ppm := range rates {
		s.rates[pair] = ppm
	}

	return s
}

// PPM returns the fee rate of the pair.
func (s *Schedule) PPM(pair Pair) uint64 {
	if s == nil {
		return 0
	}

	return s.rates[pair]
}

// SendPPM returns the fee rate of sends through the module.
func (s *Schedule) SendPPM(m ledger.ModuleKind) uint64 {
	return s.PPM(Pair{Module: m, Direction: ledger.DirectionSend})
}

// ReceivePPM returns the fee rate of receives through the module.
func (s *Schedule) ReceivePPM(m ledger.ModuleKind) uint64 {
	return s.PPM(Pair{Module: m, Direction: ledger.DirectionReceive})
}

// SendFee returns the service fee of sending amt through the module.
func (s *Schedule) SendFee(m ledger.ModuleKind,
	amt lnwire.MilliSatoshi) lnwire.MilliSatoshi {

	return FeeForAmount(amt, s.SendPPM(m))
}

// Rates returns a copy of all configured rates.
func (s *Schedule) Rates() map[Pair]uint64 {
	rates := make(map[Pair]uint64, len(s.rates))
	for pair, ppm := range s.rates {
		rates[pair] = ppm
	}

	return rates
}
