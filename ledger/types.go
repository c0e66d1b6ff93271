package ledger

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"time"

	"github.com/lightningnetwork/lnd/lnwire"
)

// OperationID is the opaque identifier the ledger client assigns to every
// operation it starts.
type OperationID [32]byte

// ZeroOperationID is the sentinel empty operation id. It is never assigned to
// a real operation and is skipped when resubscribing at startup.
var ZeroOperationID OperationID

// String returns the hex encoding of the operation id.
func (o OperationID) String() string {
	return hex.EncodeToString(o[:])
}

// IsZero returns true if this is the sentinel empty operation id.
func (o OperationID) IsZero() bool {
	return o == ZeroOperationID
}

// NewOperationIDFromStr parses a hex encoded operation id.
func NewOperationIDFromStr(s string) (OperationID, error) {
	var id OperationID

	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid operation id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid operation id length %d, "+
			"expected %d", len(b), len(id))
	}

	copy(id[:], b)
	return id, nil
}

// ModuleKind is the payment rail an operation belongs to.
type ModuleKind uint8

const (
	// ModuleLightning is the Lightning payment module.
	ModuleLightning ModuleKind = 1

	// ModuleOnChain is the on-chain Bitcoin wallet module.
	ModuleOnChain ModuleKind = 2

	// ModuleEcash is the e-cash mint module.
	ModuleEcash ModuleKind = 3

	// ModuleStabilityPool is the stability pool module.
	ModuleStabilityPool ModuleKind = 4
)

// AllModules lists every known module kind.
var AllModules = []ModuleKind{
	ModuleLightning, ModuleOnChain, ModuleEcash, ModuleStabilityPool,
}

// String returns a human readable name of the module kind.
func (m ModuleKind) String() string {
	switch m {
	case ModuleLightning:
		return "ln"
	case ModuleOnChain:
		return "wallet"
	case ModuleEcash:
		return "mint"
	case ModuleStabilityPool:
		return "stability_pool"
	default:
		return fmt.Sprintf("unknown_module(%d)", uint8(m))
	}
}

// ParseModuleKind parses the string form of a module kind.
func ParseModuleKind(s string) (ModuleKind, error) {
	for _, m := range AllModules {
		if m.String() == s {
			return m, nil
		}
	}

	return 0, fmt.Errorf("unknown module kind: %v", s)
}

// Direction is the direction money moves in, seen from the user's wallet.
type Direction uint8

const (
	// DirectionSend means money leaves the wallet.
	DirectionSend Direction = 1

	// DirectionReceive means money enters the wallet.
	DirectionReceive Direction = 2
)

// AllDirections lists both directions.
var AllDirections = []Direction{DirectionSend, DirectionReceive}

// String returns a human readable name of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "receive"
	default:
		return fmt.Sprintf("unknown_direction(%d)", uint8(d))
	}
}

// ParseDirection parses the string form of a direction.
func ParseDirection(s string) (Direction, error) {
	for _, d := range AllDirections {
		if d.String() == s {
			return d, nil
		}
	}

	return 0, fmt.Errorf("unknown direction: %v", s)
}

// Variant is the closed set of operation kinds across all modules. The
// variant determines which update stream an operation is driven by.
type Variant uint8

const (
	// VariantLnPay is an outgoing Lightning payment, either internal to
	// the federation or routed through a gateway.
	VariantLnPay Variant = iota + 1

	// VariantLnReceive is an incoming Lightning payment to an invoice
	// created by the wallet.
	VariantLnReceive

	// VariantDeposit is an on-chain deposit into the federation.
	VariantDeposit

	// VariantWithdraw is an on-chain withdrawal out of the federation.
	VariantWithdraw

	// VariantSpendOOB is an out-of-band e-cash spend, the notes are
	// handed to the recipient directly.
	VariantSpendOOB

	// VariantReissue is the reissuance of e-cash notes into the wallet.
	VariantReissue

	// VariantSPDeposit is a deposit into the stability pool.
	VariantSPDeposit

	// VariantSPWithdraw is a withdrawal out of the stability pool.
	VariantSPWithdraw

	// VariantSPTransfer is a transfer of stable balance to another
	// account.
	VariantSPTransfer

	// VariantSPExternalTransferIn is an incoming transfer of stable
	// balance from another account.
	VariantSPExternalTransferIn
)

// Module returns the module the variant belongs to.
func (v Variant) Module() ModuleKind {
	switch v {
	case VariantLnPay, VariantLnReceive:
		return ModuleLightning

	case VariantDeposit, VariantWithdraw:
		return ModuleOnChain

	case VariantSpendOOB, VariantReissue:
		return ModuleEcash

	case VariantSPDeposit, VariantSPWithdraw, VariantSPTransfer,
		VariantSPExternalTransferIn:

		return ModuleStabilityPool

	default:
		return 0
	}
}

// Direction returns the direction money moves in for the variant.
func (v Variant) Direction() Direction {
	switch v {
	case VariantLnPay, VariantWithdraw, VariantSpendOOB, VariantSPDeposit,
		VariantSPTransfer:

		return DirectionSend

	default:
		return DirectionReceive
	}
}

// String returns a human readable name of the variant.
func (v Variant) String() string {
	switch v {
	case VariantLnPay:
		return "ln_pay"
	case VariantLnReceive:
		return "ln_receive"
	case VariantDeposit:
		return "deposit"
	case VariantWithdraw:
		return "withdraw"
	case VariantSpendOOB:
		return "spend_oob"
	case VariantReissue:
		return "reissue"
	case VariantSPDeposit:
		return "sp_deposit"
	case VariantSPWithdraw:
		return "sp_withdraw"
	case VariantSPTransfer:
		return "sp_transfer"
	case VariantSPExternalTransferIn:
		return "sp_external_transfer_in"
	default:
		return fmt.Sprintf("unknown_variant(%d)", uint8(v))
	}
}

// OperationMeta is the module-agnostic metadata the wallet persists with
// every operation it starts.
type OperationMeta struct {
	// Internal marks operations the wallet starts for its own
	// bookkeeping, such as note rebalancing. Internal operations carry no
	// service fee and never show up in the user's history.
	Internal bool `json:"internal,omitempty"`

	// FeeRemittance marks the Lightning payment that remits collected
	// service fees to the fee beneficiary.
	FeeRemittance bool `json:"fee_remittance,omitempty"`

	// Extra holds free-form caller supplied metadata.
	Extra map[string]string `json:"extra,omitempty"`
}

// Operation is a single asynchronous financial action tracked by the ledger
// client.
type Operation struct {
	// ID is the id of the operation.
	ID OperationID

	// Variant is the kind of the operation.
	Variant Variant

	// Meta is the metadata stored when the operation was started.
	Meta OperationMeta

	// CreatedAt is the time the operation was started.
	CreatedAt time.Time
}

// Module returns the module of the operation.
func (o *Operation) Module() ModuleKind {
	return o.Variant.Module()
}

// Direction returns the direction of the operation.
func (o *Operation) Direction() Direction {
	return o.Variant.Direction()
}

// Gateway is a Lightning gateway registered with the federation.
type Gateway struct {
	// ID identifies the gateway.
	ID string

	// BaseFee is the fixed fee the gateway charges per payment.
	BaseFee lnwire.MilliSatoshi

	// FeePPM is the proportional fee the gateway charges, in parts per
	// million.
	FeePPM uint64
}

// Fee returns the total fee the gateway charges to route amt.
func (g *Gateway) Fee(amt lnwire.MilliSatoshi) lnwire.MilliSatoshi {
	if g == nil {
		return 0
	}

	hi, lo := bits.Mul64(uint64(amt), g.FeePPM)
	quo, rem := bits.Div64(hi, lo, 1_000_000)
	if rem != 0 {
		quo++
	}

	return g.BaseFee + lnwire.MilliSatoshi(quo)
}

// PayType says how a Lightning payment was routed.
type PayType uint8

const (
	// PayTypeExternal is a payment routed through a gateway.
	PayTypeExternal PayType = iota

	// PayTypeInternal is a payment to another user of the same
	// federation, settled without a gateway.
	PayTypeInternal
)

// String returns a human readable name of the pay type.
func (p PayType) String() string {
	if p == PayTypeInternal {
		return "internal"
	}

	return "external"
}

// OOBNotes is a bundle of e-cash notes that is handed out-of-band to a
// recipient.
type OOBNotes struct {
	// Encoded is the serialized, shareable form of the notes.
	Encoded string

	// Amount is the total value of the notes.
	Amount lnwire.MilliSatoshi
}

// NoteSelection is the note selection strategy of an e-cash spend.
type NoteSelection uint8

const (
	// SelectExact requires a combination of notes that adds up to the
	// requested amount exactly.
	SelectExact NoteSelection = iota

	// SelectAtLeast allows a combination of notes that adds up to at
	// least the requested amount.
	SelectAtLeast
)

// SpendRequest describes an out-of-band e-cash spend.
type SpendRequest struct {
	// Amount is the amount to spend.
	Amount lnwire.MilliSatoshi

	// Selection is the note selection strategy.
	Selection NoteSelection

	// TryCancelAfter is the duration after which the module tries to
	// reclaim the notes if the recipient hasn't redeemed them.
	TryCancelAfter time.Duration

	// IncludeInvite adds the federation invite code to the notes.
	IncludeInvite bool

	// Meta is the operation metadata to persist.
	Meta OperationMeta
}

// PayRequest describes an outgoing Lightning payment.
type PayRequest struct {
	// Invoice is the BOLT11 invoice to pay.
	Invoice string

	// PaymentHash is the payment hash of the invoice.
	PaymentHash [32]byte

	// Amount is the amount of the invoice.
	Amount lnwire.MilliSatoshi

	// Gateway is the gateway to route through.
	Gateway *Gateway

	// Meta is the operation metadata to persist.
	Meta OperationMeta
}
