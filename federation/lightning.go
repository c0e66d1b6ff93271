package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightninglabs/fedwallet/balance"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// PayResult is the outcome of a successful Lightning payment.
type PayResult struct {
	// OperationID is the id of the payment operation.
	OperationID ledger.OperationID

	// Preimage is the preimage of the paid invoice.
	Preimage [32]byte

	// Fee is the service fee charged for the payment.
	Fee lnwire.MilliSatoshi

	// GatewayFee is the routing fee paid to the gateway.
	GatewayFee lnwire.MilliSatoshi
}

// decodeInvoice decodes a BOLT11 invoice for the federation's network. Only
// invoices with an amount are accepted.
func (f *Federation) decodeInvoice(invoice string) (*zpay32.Invoice, error) {
	payReq, err := zpay32.Decode(invoice, f.cfg.Client.Network())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}

	switch {
	case payReq.MilliSat == nil || *payReq.MilliSat == 0:
		return nil, fmt.Errorf("%w: amountless invoices are not "+
			"supported", ErrInvalidInvoice)

	case payReq.PaymentHash == nil:
		return nil, fmt.Errorf("%w: missing payment hash",
			ErrInvalidInvoice)
	}

	return payReq, nil
}

// checkPriorPayment fails if the invoice was already paid or a payment of it
// is in flight. An invoice whose earlier payment failed can be paid again.
func checkPriorPayment(ctx context.Context, ln ledger.LightningModule,
	paymentHash [32]byte) error {

	op, state, err := ln.FindPayment(ctx, paymentHash)
	switch {
	case errors.Is(err, ledger.ErrOperationNotFound):
		return nil

	case err != nil:
		return err
	}

	if state == nil || !state.IsTerminal() {
		return fmt.Errorf("%w: op %v", ErrAlreadyInProgress, op.ID)
	}

	switch state.Kind {
	case ledger.LnPayPreimage, ledger.LnPaySuccess:
		return fmt.Errorf("%w: op %v", ErrAlreadyPaid, op.ID)
	}

	log.Debugf("Paying invoice again after failed attempt op=%v (%v)",
		op.ID, state)

	return nil
}

// PayInvoice pays a BOLT11 invoice through the federation's gateway and
// waits for the payment to finish. The service fee is reserved while the
// payment is in flight and charged once it succeeds.
func (f *Federation) PayInvoice(ctx context.Context,
	invoice string) (*PayResult, error) {

	payReq, err := f.decodeInvoice(invoice)
	if err != nil {
		return nil, err
	}
	amt := *payReq.MilliSat
	paymentHash := *payReq.PaymentHash

	ctx, cancel, err := f.rpcCtx(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	ln, err := f.cfg.Client.Lightning()
	if err != nil {
		return nil, err
	}

	gateway, err := ln.SelectGateway(ctx)
	if err != nil {
		return nil, err
	}

	feePPM := f.cfg.Schedule.SendPPM(ledger.ModuleLightning)
	result := &PayResult{
		Fee:        f.cfg.Schedule.SendFee(ledger.ModuleLightning, amt),
		GatewayFee: gateway.Fee(amt),
	}

	log.Infof("Paying invoice over %v via gateway %v (gateway fee %v, "+
		"service fee %v)", amt, gateway.ID, result.GatewayFee,
		result.Fee)

	spendReq := &balance.SpendRequest{
		Amount:        amt + result.GatewayFee,
		Fee:           result.Fee,
		FeePPM:        feePPM,
		BaseFee:       gateway.BaseFee,
		ThirdPartyPPM: gateway.FeePPM,
	}
	result.OperationID, err = f.spend(
		ctx, spendReq, func(ctx context.Context) (ledger.OperationID,
			error) {

			// The payment log is checked under the spend guard so
			// concurrent calls can't both pay the invoice.
			err := checkPriorPayment(ctx, ln, paymentHash)
			if err != nil {
				return ledger.ZeroOperationID, err
			}

			return ln.Pay(ctx, &ledger.PayRequest{
				Invoice:     invoice,
				PaymentHash: paymentHash,
				Amount:      amt,
				Gateway:     gateway,
			})
		},
	)
	if err != nil {
		return nil, err
	}

	outcome, err := f.awaitOutcome(ctx, result.OperationID)
	if err != nil {
		return nil, err
	}

	state, ok := outcome.State.(*ledger.LnPayState)
	if !ok {
		return nil, fmt.Errorf("unexpected state %v for payment %v",
			outcome.State, result.OperationID)
	}

	switch state.Kind {
	case ledger.LnPayPreimage, ledger.LnPaySuccess:
		result.Preimage = state.Preimage
		return result, nil

	default:
		return nil, fmt.Errorf("%w: %v %v", ErrPaymentFailed, state,
			state.Error)
	}
}

// CreateInvoice creates an invoice to receive amt over Lightning. The
// receive is charged the Lightning receive fee once it settles.
func (f *Federation) CreateInvoice(ctx context.Context,
	amt lnwire.MilliSatoshi, description string) (ledger.OperationID,
	string, error) {

	ln, err := f.cfg.Client.Lightning()
	if err != nil {
		return ledger.ZeroOperationID, "", err
	}

	id, invoice, err := ln.CreateInvoice(
		ctx, amt, description, f.cfg.InvoiceExpiry,
		ledger.OperationMeta{},
	)
	if err != nil {
		return ledger.ZeroOperationID, "", err
	}

	if err := f.receive(ctx, id, ledger.ModuleLightning); err != nil {
		return id, "", err
	}

	return id, invoice, nil
}
