package fees

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
)

type counterKey struct {
	kind CounterKind
	pair Pair
}

type mockState struct {
	statuses    map[ledger.OperationID]StatusRecord
	counters    map[counterKey]lnwire.MilliSatoshi
	remittances map[ledger.OperationID]Remittance
}

func (s *mockState) clone() *mockState {
	c := &mockState{
		statuses: make(
			map[ledger.OperationID]StatusRecord, len(s.statuses),
		),
		counters: make(
			map[counterKey]lnwire.MilliSatoshi, len(s.counters),
		),
		remittances: make(
			map[ledger.OperationID]Remittance, len(s.remittances),
		),
	}
	for k, v := range s.statuses {
		c.statuses[k] = v
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	for k, v := range s.remittances {
		c.remittances[k] = v
	}

	return c
}

// MockStore is an in-memory BatchedFeeStore. Transactions run serialized on
// a copy of the state that is only kept if the body succeeds.
type MockStore struct {
	mu    sync.Mutex
	state *mockState

	// FailNext makes the next write transaction fail with the given
	// error before its body runs.
	FailNext error
}

// NewMockStore creates an empty in-memory fee store.
func NewMockStore() *MockStore {
	return &MockStore{
		state: &mockState{
			statuses: make(map[ledger.OperationID]StatusRecord),
			counters: make(map[counterKey]lnwire.MilliSatoshi),
			remittances: make(
				map[ledger.OperationID]Remittance,
			),
		},
	}
}

// A compile time assertion to ensure MockStore meets the BatchedFeeStore
// interface.
var _ BatchedFeeStore = (*MockStore)(nil)

// ExecTx runs the body on a copy of the store state and commits the copy if
// the body succeeds.
func (m *MockStore) ExecTx(_ context.Context, txOptions TxOptions,
	txBody func(FeeStore) error) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if !txOptions.ReadOnly() && m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}

	tx := &mockTx{state: m.state.clone()}
	if err := txBody(tx); err != nil {
		return err
	}

	if !txOptions.ReadOnly() {
		m.state = tx.state
	}

	return nil
}

type mockTx struct {
	state *mockState
}

func (t *mockTx) FetchFeeStatus(_ context.Context,
	op ledger.OperationID) (*StatusRecord, error) {

	rec, ok := t.state.statuses[op]
	if !ok {
		return nil, ErrFeeStatusNotFound
	}

	return &rec, nil
}

func (t *mockTx) InsertFeeStatus(_ context.Context, rec *StatusRecord) error {
	if _, ok := t.state.statuses[rec.Op]; ok {
		return ErrFeeStatusExists
	}
	t.state.statuses[rec.Op] = *rec

	return nil
}

func (t *mockTx) UpdateFeeStatus(_ context.Context, op ledger.OperationID,
	status Status, updatedAt time.Time) error {

	rec, ok := t.state.statuses[op]
	if !ok {
		return ErrFeeStatusNotFound
	}
	rec.Status = status
	rec.UpdatedAt = updatedAt
	t.state.statuses[op] = rec

	return nil
}

func (t *mockTx) ListFeeStatuses(_ context.Context,
	pendingOnly bool) ([]StatusRecord, error) {

	var records []StatusRecord
	for _, rec := range t.state.statuses {
		if pendingOnly && !rec.Status.IsPending() {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})

	return records, nil
}

func (t *mockTx) FetchCounter(_ context.Context, kind CounterKind,
	pair Pair) (lnwire.MilliSatoshi, error) {

	return t.state.counters[counterKey{kind: kind, pair: pair}], nil
}

func (t *mockTx) UpsertCounter(_ context.Context, kind CounterKind, pair Pair,
	amt lnwire.MilliSatoshi) error {

	t.state.counters[counterKey{kind: kind, pair: pair}] = amt
	return nil
}

func (t *mockTx) ListCounters(context.Context) ([]CounterRecord, error) {
	records := make([]CounterRecord, 0, len(t.state.counters))
	for key, amt := range t.state.counters {
		records = append(records, CounterRecord{
			Kind:   key.kind,
			Pair:   key.pair,
			Amount: amt,
		})
	}

	return records, nil
}

func (t *mockTx) InsertRemittance(_ context.Context, rem *Remittance) error {
	if _, ok := t.state.remittances[rem.Op]; ok {
		return ErrRemittanceExists
	}
	t.state.remittances[rem.Op] = *rem

	return nil
}

func (t *mockTx) FetchRemittance(_ context.Context,
	op ledger.OperationID) (*Remittance, error) {

	rem, ok := t.state.remittances[op]
	if !ok {
		return nil, ErrRemittanceNotFound
	}

	return &rem, nil
}

func (t *mockTx) UpdateRemittance(_ context.Context, op ledger.OperationID,
	state RemittanceState, updatedAt time.Time) error {

	rem, ok := t.state.remittances[op]
	if !ok {
		return ErrRemittanceNotFound
	}
	rem.State = state
	rem.UpdatedAt = updatedAt
	t.state.remittances[op] = rem

	return nil
}

func (t *mockTx) ListRemittances(_ context.Context,
	pendingOnly bool) ([]Remittance, error) {

	var remittances []Remittance
	for _, rem := range t.state.remittances {
		if pendingOnly && rem.State != RemittancePending {
			continue
		}
		remittances = append(remittances, rem)
	}
	sort.Slice(remittances, func(i, j int) bool {
		return remittances[i].CreatedAt.Before(remittances[j].CreatedAt)
	})

	return remittances, nil
}
