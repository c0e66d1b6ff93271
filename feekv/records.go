package feekv

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	statusModuleType    tlv.Type = 0
	statusDirectionType tlv.Type = 2
	statusKindType      tlv.Type = 4
	statusFeeType       tlv.Type = 6
	statusPPMType       tlv.Type = 8
	statusUpdatedAtType tlv.Type = 10

	remittanceModuleType    tlv.Type = 0
	remittanceDirectionType tlv.Type = 2
	remittanceAmountType    tlv.Type = 4
	remittanceStateType     tlv.Type = 6
	remittanceCreatedAtType tlv.Type = 8
	remittanceUpdatedAtType tlv.Type = 10
)

// counterKeyLen is the length of a counter key: kind, module and direction
// byte.
const counterKeyLen = 3

func counterKey(kind fees.CounterKind, pair fees.Pair) []byte {
	return []byte{
		byte(kind), byte(pair.Module), byte(pair.Direction),
	}
}

func parseCounterKey(k []byte) (fees.CounterKind, fees.Pair, error) {
	if len(k) != counterKeyLen {
		return 0, fees.Pair{}, fmt.Errorf("invalid counter key %x", k)
	}

	return fees.CounterKind(k[0]), fees.Pair{
		Module:    ledger.ModuleKind(k[1]),
		Direction: ledger.Direction(k[2]),
	}, nil
}

func encodeAmount(amt lnwire.MilliSatoshi) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(amt))

	return b[:]
}

func decodeAmount(b []byte) (lnwire.MilliSatoshi, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid counter value %x", b)
	}

	return lnwire.MilliSatoshi(binary.BigEndian.Uint64(b)), nil
}

func timeToTLV(t time.Time) uint64 {
	return uint64(t.UnixNano())
}

func timeFromTLV(v uint64) time.Time {
	return time.Unix(0, int64(v)).UTC()
}

// ErrUnknownRequiredType is returned if a record carries an unknown even
// type. Even types must be understood by the reader, odd ones may be
// skipped.
type ErrUnknownRequiredType struct {
	Type tlv.Type
}

// Error returns a human readable description of the error.
func (e ErrUnknownRequiredType) Error() string {
	return fmt.Sprintf("unknown required tlv type %d", e.Type)
}

// unknownTypes returns the types of a parsed stream that no record claimed.
// The tlv stream skips every unknown type, so unknown even types are
// rejected here.
func unknownTypes(parsed tlv.TypeMap) (tlv.TypeMap, error) {
	var unknown tlv.TypeMap
	for typ, val := range parsed {
		if val == nil {
			continue
		}
		if typ%2 == 0 {
			return nil, ErrUnknownRequiredType{Type: typ}
		}
		if unknown == nil {
			unknown = make(tlv.TypeMap)
		}
		unknown[typ] = val
	}

	return unknown, nil
}

// encodeStatus writes the fee status of an operation as a TLV stream. The
// operation id is the key and not part of the value.
func encodeStatus(w io.Writer, rec *fees.StatusRecord) error {
	var (
		module    = uint8(rec.Pair.Module)
		direction = uint8(rec.Pair.Direction)
		kind      = uint8(rec.Status.Kind)
		fee       = uint64(rec.Status.Fee)
		ppm       = rec.Status.PPM
		updatedAt = timeToTLV(rec.UpdatedAt)
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(statusModuleType, &module),
		tlv.MakePrimitiveRecord(statusDirectionType, &direction),
		tlv.MakePrimitiveRecord(statusKindType, &kind),
		tlv.MakePrimitiveRecord(statusFeeType, &fee),
		tlv.MakePrimitiveRecord(statusPPMType, &ppm),
		tlv.MakePrimitiveRecord(statusUpdatedAtType, &updatedAt),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// decodeStatus reads a fee status written by encodeStatus. Unknown odd types
// are skipped and returned.
func decodeStatus(op ledger.OperationID,
	r io.Reader) (*fees.StatusRecord, tlv.TypeMap, error) {

	var (
		module, direction, kind uint8
		fee, ppm, updatedAt     uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(statusModuleType, &module),
		tlv.MakePrimitiveRecord(statusDirectionType, &direction),
		tlv.MakePrimitiveRecord(statusKindType, &kind),
		tlv.MakePrimitiveRecord(statusFeeType, &fee),
		tlv.MakePrimitiveRecord(statusPPMType, &ppm),
		tlv.MakePrimitiveRecord(statusUpdatedAtType, &updatedAt),
	)
	if err != nil {
		return nil, nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to decode fee status of "+
			"%v: %w", op, err)
	}
	unknown, err := unknownTypes(parsed)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to decode fee status of "+
			"%v: %w", op, err)
	}

	return &fees.StatusRecord{
		Op: op,
		Pair: fees.Pair{
			Module:    ledger.ModuleKind(module),
			Direction: ledger.Direction(direction),
		},
		Status: fees.Status{
			Kind: fees.StatusKind(kind),
			Fee:  lnwire.MilliSatoshi(fee),
			PPM:  ppm,
		},
		UpdatedAt: timeFromTLV(updatedAt),
	}, unknown, nil
}

// encodeRemittance writes a remittance record as a TLV stream.
func encodeRemittance(w io.Writer, rem *fees.Remittance) error {
	var (
		module    = uint8(rem.Pair.Module)
		direction = uint8(rem.Pair.Direction)
		amount    = uint64(rem.Amount)
		state     = uint8(rem.State)
		createdAt = timeToTLV(rem.CreatedAt)
		updatedAt = timeToTLV(rem.UpdatedAt)
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(remittanceModuleType, &module),
		tlv.MakePrimitiveRecord(remittanceDirectionType, &direction),
		tlv.MakePrimitiveRecord(remittanceAmountType, &amount),
		tlv.MakePrimitiveRecord(remittanceStateType, &state),
		tlv.MakePrimitiveRecord(remittanceCreatedAtType, &createdAt),
		tlv.MakePrimitiveRecord(remittanceUpdatedAtType, &updatedAt),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// decodeRemittance reads a remittance record written by encodeRemittance.
func decodeRemittance(op ledger.OperationID,
	r io.Reader) (*fees.Remittance, tlv.TypeMap, error) {

	var (
		module, direction, state     uint8
		amount, createdAt, updatedAt uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(remittanceModuleType, &module),
		tlv.MakePrimitiveRecord(remittanceDirectionType, &direction),
		tlv.MakePrimitiveRecord(remittanceAmountType, &amount),
		tlv.MakePrimitiveRecord(remittanceStateType, &state),
		tlv.MakePrimitiveRecord(remittanceCreatedAtType, &createdAt),
		tlv.MakePrimitiveRecord(remittanceUpdatedAtType, &updatedAt),
	)
	if err != nil {
		return nil, nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to decode remittance of "+
			"%v: %w", op, err)
	}
	unknown, err := unknownTypes(parsed)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to decode remittance of "+
			"%v: %w", op, err)
	}

	return &fees.Remittance{
		Op: op,
		Pair: fees.Pair{
			Module:    ledger.ModuleKind(module),
			Direction: ledger.Direction(direction),
		},
		Amount:    lnwire.MilliSatoshi(amount),
		State:     fees.RemittanceState(state),
		CreatedAt: timeFromTLV(createdAt),
		UpdatedAt: timeFromTLV(updatedAt),
	}, unknown, nil
}
