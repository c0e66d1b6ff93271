package feedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
)

// FeeQueries is the subset of the queries the fee store needs.
type FeeQueries interface {
	InsertOperationFee(ctx context.Context, arg OperationFeeStatus) error

	FetchOperationFee(ctx context.Context,
		opID []byte) (OperationFeeStatus, error)

	UpdateOperationFee(ctx context.Context,
		arg UpdateOperationFeeParams) (int64, error)

	QueryOperationFees(ctx context.Context,
		pendingOnly bool) ([]OperationFeeStatus, error)

	FetchFeeCounter(ctx context.Context,
		arg FetchFeeCounterParams) (int64, error)

	UpsertFeeCounter(ctx context.Context, arg FeeCounter) error

	QueryFeeCounters(ctx context.Context) ([]FeeCounter, error)

	InsertFeeRemittance(ctx context.Context, arg FeeRemittance) error

	FetchFeeRemittance(ctx context.Context,
		opID []byte) (FeeRemittance, error)

	UpdateFeeRemittanceState(ctx context.Context, opID []byte,
		state int16, updatedAt time.Time) (int64, error)

	QueryFeeRemittances(ctx context.Context,
		pendingOnly bool) ([]FeeRemittance, error)
}

// FeeStore is the SQL implementation of the fee ledger's store.
type FeeStore struct {
	db BatchedTx[FeeQueries]
}

// NewFeeStore creates a new fee store on top of the given database.
func NewFeeStore(db *BaseDB, opts ...TxExecutorOption) *FeeStore {
	txDB := NewTransactionExecutor(db, func(tx *sql.Tx) FeeQueries {
		return db.WithTx(tx)
	}, opts...)

	return &FeeStore{
		db: txDB,
	}
}

// A compile time assertion to ensure FeeStore meets the fees.BatchedFeeStore
// interface.
var _ fees.BatchedFeeStore = (*FeeStore)(nil)

// ExecTx runs the body in a single database transaction. Conflicting
// transactions are retried a bounded number of times.
func (s *FeeStore) ExecTx(ctx context.Context, txOptions fees.TxOptions,
	txBody func(fees.FeeStore) error) error {

	return s.db.ExecTx(ctx, txOptions, func(q FeeQueries) error {
		return txBody(&feeTx{q: q})
	})
}

// feeTx maps the fee ledger's view of the store onto the queries of a single
// transaction.
type feeTx struct {
	q FeeQueries
}

// A compile time assertion to ensure feeTx meets the fees.FeeStore interface.
var _ fees.FeeStore = (*feeTx)(nil)

func parseOpID(b []byte) (ledger.OperationID, error) {
	var id ledger.OperationID
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid operation id length %d", len(b))
	}
	copy(id[:], b)

	return id, nil
}

func pairFromSQL(module, direction int16) fees.Pair {
	return fees.Pair{
		Module:    ledger.ModuleKind(module),
		Direction: ledger.Direction(direction),
	}
}

func statusFromRow(row OperationFeeStatus) (*fees.StatusRecord, error) {
	op, err := parseOpID(row.OpID)
	if err != nil {
		return nil, err
	}

	return &fees.StatusRecord{
		Op:   op,
		Pair: pairFromSQL(row.Module, row.Direction),
		Status: fees.Status{
			Kind: fees.StatusKind(row.StatusKind),
			Fee:  lnwire.MilliSatoshi(row.FeeMsat),
			PPM:  uint64(row.FeePpm),
		},
		UpdatedAt: row.UpdatedAt.UTC(),
	}, nil
}

func remittanceFromRow(row FeeRemittance) (*fees.Remittance, error) {
	op, err := parseOpID(row.OpID)
	if err != nil {
		return nil, err
	}

	return &fees.Remittance{
		Op:        op,
		Pair:      pairFromSQL(row.Module, row.Direction),
		Amount:    lnwire.MilliSatoshi(row.AmountMsat),
		State:     fees.RemittanceState(row.State),
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}, nil
}

// FetchFeeStatus returns the fee status of an operation.
func (t *feeTx) FetchFeeStatus(ctx context.Context,
	op ledger.OperationID) (*fees.StatusRecord, error) {

	row, err := t.q.FetchOperationFee(ctx, op[:])
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fees.ErrFeeStatusNotFound

	case err != nil:
		return nil, fmt.Errorf("unable to fetch fee status: %w", err)
	}

	return statusFromRow(row)
}

// InsertFeeStatus inserts a new fee status.
func (t *feeTx) InsertFeeStatus(ctx context.Context,
	rec *fees.StatusRecord) error {

	fee, err := sqlInt64(rec.Status.Fee)
	if err != nil {
		return err
	}
	ppm, err := sqlInt64(rec.Status.PPM)
	if err != nil {
		return err
	}

	err = t.q.InsertOperationFee(ctx, OperationFeeStatus{
		OpID:       rec.Op[:],
		Module:     sqlInt16(rec.Pair.Module),
		Direction:  sqlInt16(rec.Pair.Direction),
		StatusKind: sqlInt16(rec.Status.Kind),
		FeeMsat:    fee,
		FeePpm:     ppm,
		UpdatedAt:  rec.UpdatedAt.UTC(),
	})
	if IsUniqueConstraintViolation(MapSQLError(err)) {
		return fees.ErrFeeStatusExists
	}

	return err
}

// UpdateFeeStatus overwrites the status of an existing record.
func (t *feeTx) UpdateFeeStatus(ctx context.Context, op ledger.OperationID,
	status fees.Status, updatedAt time.Time) error {

	fee, err := sqlInt64(status.Fee)
	if err != nil {
		return err
	}
	ppm, err := sqlInt64(status.PPM)
	if err != nil {
		return err
	}

	n, err := t.q.UpdateOperationFee(ctx, UpdateOperationFeeParams{
		OpID:       op[:],
		StatusKind: sqlInt16(status.Kind),
		FeeMsat:    fee,
		FeePpm:     ppm,
		UpdatedAt:  updatedAt.UTC(),
	})
	switch {
	case err != nil:
		return err

	case n == 0:
		return fees.ErrFeeStatusNotFound
	}

	return nil
}

// ListFeeStatuses returns all fee statuses, or only the unresolved ones.
func (t *feeTx) ListFeeStatuses(ctx context.Context,
	pendingOnly bool) ([]fees.StatusRecord, error) {

	rows, err := t.q.QueryOperationFees(ctx, pendingOnly)
	if err != nil {
		return nil, fmt.Errorf("unable to query fee statuses: %w", err)
	}

	records := make([]fees.StatusRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := statusFromRow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	return records, nil
}

// FetchCounter returns the value of a counter, zero if it was never written.
func (t *feeTx) FetchCounter(ctx context.Context, kind fees.CounterKind,
	pair fees.Pair) (lnwire.MilliSatoshi, error) {

	amt, err := t.q.FetchFeeCounter(ctx, FetchFeeCounterParams{
		CounterKind: sqlInt16(kind),
		Module:      sqlInt16(pair.Module),
		Direction:   sqlInt16(pair.Direction),
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil

	case err != nil:
		return 0, err
	}

	return lnwire.MilliSatoshi(amt), nil
}

// UpsertCounter sets the value of a counter.
func (t *feeTx) UpsertCounter(ctx context.Context, kind fees.CounterKind,
	pair fees.Pair, amt lnwire.MilliSatoshi) error {

	sqlAmt, err := sqlInt64(amt)
	if err != nil {
		return err
	}

	return t.q.UpsertFeeCounter(ctx, FeeCounter{
		CounterKind: sqlInt16(kind),
		Module:      sqlInt16(pair.Module),
		Direction:   sqlInt16(pair.Direction),
		AmountMsat:  sqlAmt,
	})
}

// ListCounters returns all counters that were ever written.
func (t *feeTx) ListCounters(ctx context.Context) ([]fees.CounterRecord,
	error) {

	rows, err := t.q.QueryFeeCounters(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to query fee counters: %w", err)
	}

	records := make([]fees.CounterRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, fees.CounterRecord{
			Kind:   fees.CounterKind(row.CounterKind),
			Pair:   pairFromSQL(row.Module, row.Direction),
			Amount: lnwire.MilliSatoshi(row.AmountMsat),
		})
	}

	return records, nil
}

// InsertRemittance inserts a new remittance record.
func (t *feeTx) InsertRemittance(ctx context.Context,
	rem *fees.Remittance) error {

	amt, err := sqlInt64(rem.Amount)
	if err != nil {
		return err
	}

	err = t.q.InsertFeeRemittance(ctx, FeeRemittance{
		OpID:       rem.Op[:],
		Module:     sqlInt16(rem.Pair.Module),
		Direction:  sqlInt16(rem.Pair.Direction),
		AmountMsat: amt,
		State:      sqlInt16(rem.State),
		CreatedAt:  rem.CreatedAt.UTC(),
		UpdatedAt:  rem.UpdatedAt.UTC(),
	})
	if IsUniqueConstraintViolation(MapSQLError(err)) {
		return fees.ErrRemittanceExists
	}

	return err
}

// FetchRemittance returns the remittance record of a payment.
func (t *feeTx) FetchRemittance(ctx context.Context,
	op ledger.OperationID) (*fees.Remittance, error) {

	row, err := t.q.FetchFeeRemittance(ctx, op[:])
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fees.ErrRemittanceNotFound

	case err != nil:
		return nil, fmt.Errorf("unable to fetch remittance: %w", err)
	}

	return remittanceFromRow(row)
}

// UpdateRemittance sets the state of a remittance record.
func (t *feeTx) UpdateRemittance(ctx context.Context, op ledger.OperationID,
	state fees.RemittanceState, updatedAt time.Time) error {

	n, err := t.q.UpdateFeeRemittanceState(
		ctx, op[:], sqlInt16(state), updatedAt.UTC(),
	)
	switch {
	case err != nil:
		return err

	case n == 0:
		return fees.ErrRemittanceNotFound
	}

	return nil
}

// ListRemittances returns all remittance records, or only the ones in flight.
func (t *feeTx) ListRemittances(ctx context.Context,
	pendingOnly bool) ([]fees.Remittance, error) {

	rows, err := t.q.QueryFeeRemittances(ctx, pendingOnly)
	if err != nil {
		return nil, fmt.Errorf("unable to query remittances: %w", err)
	}

	remittances := make([]fees.Remittance, 0, len(rows))
	for _, row := range rows {
		rem, err := remittanceFromRow(row)
		if err != nil {
			return nil, err
		}
		remittances = append(remittances, *rem)
	}

	return remittances, nil
}
