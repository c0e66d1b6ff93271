package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightninglabs/fedwallet/ecash"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
)

// EcashResult is a bundle of e-cash notes handed out to the user.
type EcashResult struct {
	// OperationID is the id of the out-of-band spend.
	OperationID ledger.OperationID

	// Notes is the serialized note bundle.
	Notes string

	// Fee is the service fee reserved for the spend.
	Fee lnwire.MilliSatoshi

	// CancelAt is the time after which the notes are reclaimed if nobody
	// redeemed them.
	CancelAt time.Time
}

// GenerateEcash hands out notes worth exactly amt. ErrTimeout is returned if
// no exact bundle could be assembled in time, the user may retry.
func (f *Federation) GenerateEcash(ctx context.Context,
	amt lnwire.MilliSatoshi, includeInvite bool) (*EcashResult, error) {

	if amt == 0 {
		return nil, ErrInvalidAmount
	}
	if f.ShuttingDown() {
		return nil, ErrShuttingDown
	}

	sel, err := f.selector.Generate(ctx, amt, includeInvite)
	switch {
	case errors.Is(err, ecash.ErrSelectNotes):
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)

	case err != nil:
		return nil, err
	}

	return &EcashResult{
		OperationID: sel.OperationID,
		Notes:       sel.Notes,
		Fee:         sel.Fee,
		CancelAt:    sel.CancelAt,
	}, nil
}

// ReceiveEcash redeems notes into the wallet. It returns the value of the
// notes once the reissuance started, the notes are spendable after it
// completed. The receive is charged the e-cash receive fee.
func (f *Federation) ReceiveEcash(ctx context.Context,
	notes string) (lnwire.MilliSatoshi, ledger.OperationID, error) {

	mint, err := f.cfg.Client.Mint()
	if err != nil {
		return 0, ledger.ZeroOperationID, err
	}

	amt, err := mint.ValidateNotes(ctx, notes)
	if err != nil {
		return 0, ledger.ZeroOperationID, err
	}

	id, err := mint.Reissue(ctx, notes, ledger.OperationMeta{})
	if err != nil {
		return 0, ledger.ZeroOperationID, err
	}

	log.Infof("Reissuing received notes worth %v, op=%v", amt, id)

	if err := f.receive(ctx, id, ledger.ModuleEcash); err != nil {
		return amt, id, err
	}

	return amt, id, nil
}
