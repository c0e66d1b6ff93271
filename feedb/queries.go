package feedb

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is the set of methods the queries need from either a database handle
// or an open transaction.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result,
		error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows,
		error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// NewQueries creates a new set of queries running on the given handle.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries holds the SQL statements of the fee database. All statements use
// numbered placeholders which both sqlite and postgres understand.
type Queries struct {
	db DBTX
}

// WithTx returns a copy of the queries that runs on the given transaction.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{
		db: tx,
	}
}

// OperationFeeStatus is a row of the operation_fee_status table.
type OperationFeeStatus struct {
	OpID       []byte
	Module     int16
	Direction  int16
	StatusKind int16
	FeeMsat    int64
	FeePpm     int64
	UpdatedAt  time.Time
}

const insertOperationFee = `-- name: InsertOperationFee :exec
INSERT INTO operation_fee_status (
    op_id, module, direction, status_kind, fee_msat, fee_ppm, updated_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7
)
`

// InsertOperationFee inserts a new fee status row.
func (q *Queries) InsertOperationFee(ctx context.Context,
	arg OperationFeeStatus) error {

	_, err := q.db.ExecContext(ctx, insertOperationFee,
		arg.OpID, arg.Module, arg.Direction, arg.StatusKind,
		arg.FeeMsat, arg.FeePpm, arg.UpdatedAt,
	)
	return err
}

const fetchOperationFee = `-- name: FetchOperationFee :one
SELECT op_id, module, direction, status_kind, fee_msat, fee_ppm, updated_at
FROM operation_fee_status
WHERE op_id = $1
`

// FetchOperationFee fetches the fee status row of an operation.
func (q *Queries) FetchOperationFee(ctx context.Context,
	opID []byte) (OperationFeeStatus, error) {

	row := q.db.QueryRowContext(ctx, fetchOperationFee, opID)

	var i OperationFeeStatus
	err := row.Scan(
		&i.OpID, &i.Module, &i.Direction, &i.StatusKind, &i.FeeMsat,
		&i.FeePpm, &i.UpdatedAt,
	)
	return i, err
}

const updateOperationFee = `-- name: UpdateOperationFee :execrows
UPDATE operation_fee_status
SET status_kind = $2, fee_msat = $3, fee_ppm = $4, updated_at = $5
WHERE op_id = $1
`

// UpdateOperationFeeParams are the arguments of UpdateOperationFee.
type UpdateOperationFeeParams struct {
	OpID       []byte
	StatusKind int16
	FeeMsat    int64
	FeePpm     int64
	UpdatedAt  time.Time
}

// UpdateOperationFee overwrites the status of a fee row and returns the
// number of affected rows.
func (q *Queries) UpdateOperationFee(ctx context.Context,
	arg UpdateOperationFeeParams) (int64, error) {

	result, err := q.db.ExecContext(ctx, updateOperationFee,
		arg.OpID, arg.StatusKind, arg.FeeMsat, arg.FeePpm,
		arg.UpdatedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const queryOperationFees = `-- name: QueryOperationFees :many
SELECT op_id, module, direction, status_kind, fee_msat, fee_ppm, updated_at
FROM operation_fee_status
WHERE ($1 = FALSE OR status_kind IN (1, 2))
ORDER BY updated_at, op_id
`

// QueryOperationFees returns all fee rows, or only the pending ones.
func (q *Queries) QueryOperationFees(ctx context.Context,
	pendingOnly bool) ([]OperationFeeStatus, error) {

	rows, err := q.db.QueryContext(ctx, queryOperationFees, pendingOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []OperationFeeStatus
	for rows.Next() {
		var i OperationFeeStatus
		if err := rows.Scan(
			&i.OpID, &i.Module, &i.Direction, &i.StatusKind,
			&i.FeeMsat, &i.FeePpm, &i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// FeeCounter is a row of the fee_counters table.
type FeeCounter struct {
	CounterKind int16
	Module      int16
	Direction   int16
	AmountMsat  int64
}

const fetchFeeCounter = `-- name: FetchFeeCounter :one
SELECT amount_msat
FROM fee_counters
WHERE counter_kind = $1 AND module = $2 AND direction = $3
`

// FetchFeeCounterParams are the arguments of FetchFeeCounter.
type FetchFeeCounterParams struct {
	CounterKind int16
	Module      int16
	Direction   int16
}

// FetchFeeCounter fetches the amount of a single counter.
func (q *Queries) FetchFeeCounter(ctx context.Context,
	arg FetchFeeCounterParams) (int64, error) {

	row := q.db.QueryRowContext(ctx, fetchFeeCounter,
		arg.CounterKind, arg.Module, arg.Direction,
	)

	var amountMsat int64
	err := row.Scan(&amountMsat)
	return amountMsat, err
}

const upsertFeeCounter = `-- name: UpsertFeeCounter :exec
INSERT INTO fee_counters (
    counter_kind, module, direction, amount_msat
) VALUES (
    $1, $2, $3, $4
)
ON CONFLICT (counter_kind, module, direction)
    DO UPDATE SET amount_msat = EXCLUDED.amount_msat
`

// UpsertFeeCounter sets the amount of a counter, creating it if needed.
func (q *Queries) UpsertFeeCounter(ctx context.Context, arg FeeCounter) error {
	_, err := q.db.ExecContext(ctx, upsertFeeCounter,
		arg.CounterKind, arg.Module, arg.Direction, arg.AmountMsat,
	)
	return err
}

const queryFeeCounters = `-- name: QueryFeeCounters :many
SELECT counter_kind, module, direction, amount_msat
FROM fee_counters
ORDER BY counter_kind, module, direction
`

// QueryFeeCounters returns all counters.
func (q *Queries) QueryFeeCounters(ctx context.Context) ([]FeeCounter, error) {
	rows, err := q.db.QueryContext(ctx, queryFeeCounters)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []FeeCounter
	for rows.Next() {
		var i FeeCounter
		if err := rows.Scan(
			&i.CounterKind, &i.Module, &i.Direction, &i.AmountMsat,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// FeeRemittance is a row of the fee_remittances table.
type FeeRemittance struct {
	OpID       []byte
	Module     int16
	Direction  int16
	AmountMsat int64
	State      int16
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const insertFeeRemittance = `-- name: InsertFeeRemittance :exec
INSERT INTO fee_remittances (
    op_id, module, direction, amount_msat, state, created_at, updated_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7
)
`

// InsertFeeRemittance inserts a new remittance row.
func (q *Queries) InsertFeeRemittance(ctx context.Context,
	arg FeeRemittance) error {

	_, err := q.db.ExecContext(ctx, insertFeeRemittance,
		arg.OpID, arg.Module, arg.Direction, arg.AmountMsat, arg.State,
		arg.CreatedAt, arg.UpdatedAt,
	)
	return err
}

const fetchFeeRemittance = `-- name: FetchFeeRemittance :one
SELECT op_id, module, direction, amount_msat, state, created_at, updated_at
FROM fee_remittances
WHERE op_id = $1
`

// FetchFeeRemittance fetches the remittance row of a payment.
func (q *Queries) FetchFeeRemittance(ctx context.Context,
	opID []byte) (FeeRemittance, error) {

	row := q.db.QueryRowContext(ctx, fetchFeeRemittance, opID)

	var i FeeRemittance
	err := row.Scan(
		&i.OpID, &i.Module, &i.Direction, &i.AmountMsat, &i.State,
		&i.CreatedAt, &i.UpdatedAt,
	)
	return i, err
}

const updateFeeRemittanceState = `-- name: UpdateFeeRemittanceState :execrows
UPDATE fee_remittances
SET state = $2, updated_at = $3
WHERE op_id = $1
`

// UpdateFeeRemittanceState sets the state of a remittance and returns the
// number of affected rows.
func (q *Queries) UpdateFeeRemittanceState(ctx context.Context, opID []byte,
	state int16, updatedAt time.Time) (int64, error) {

	result, err := q.db.ExecContext(ctx, updateFeeRemittanceState,
		opID, state, updatedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const queryFeeRemittances = `-- name: QueryFeeRemittances :many
SELECT op_id, module, direction, amount_msat, state, created_at, updated_at
FROM fee_remittances
WHERE ($1 = FALSE OR state = 1)
ORDER BY created_at, op_id
`

// QueryFeeRemittances returns all remittances, or only the ones in flight.
func (q *Queries) QueryFeeRemittances(ctx context.Context,
	pendingOnly bool) ([]FeeRemittance, error) {

	rows, err := q.db.QueryContext(ctx, queryFeeRemittances, pendingOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []FeeRemittance
	for rows.Next() {
		var i FeeRemittance
		if err := rows.Scan(
			&i.OpID, &i.Module, &i.Direction, &i.AmountMsat,
			&i.State, &i.CreatedAt, &i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
