package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/fedwallet/fn"
	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	// mockNotesPrefix prefixes the encoded note bundles of the mock mint.
	mockNotesPrefix = "mocknotes1"

	// DefaultMockWithdrawFee is the chain fee the mock on-chain module
	// quotes for every withdrawal.
	DefaultMockWithdrawFee btcutil.Amount = 500
)

type mockOp struct {
	op     Operation
	states []OperationState
	subs   []*fn.ConcurrentQueue[OperationState]

	// debit is the value taken from the note inventory on submission,
	// it is credited back if the operation is refunded.
	debit lnwire.MilliSatoshi

	// bundle is the encoded note bundle of an out-of-band spend.
	bundle string
}

func (o *mockOp) last() OperationState {
	if len(o.states) == 0 {
		return nil
	}

	return o.states[len(o.states)-1]
}

func (o *mockOp) terminal() bool {
	last := o.last()
	return last != nil && last.IsTerminal()
}

// MockClient is an in-memory ledger client backed by a fake note inventory of
// power-of-two denominations. Submissions debit the inventory synchronously,
// terminal refund and receive states credit it. Operations of variants with
// auto-settle enabled reach their success state right on submission, all
// others stay pending until Advance is called.
type MockClient struct {
	mu sync.Mutex

	network *chaincfg.Params

	notes    map[lnwire.MilliSatoshi]int
	issued   map[string]lnwire.MilliSatoshi
	bundleOp map[string]OperationID

	ops      map[OperationID]*mockOp
	opOrder  []OperationID
	payments map[[32]byte]OperationID
	nextOp   uint64

	recovering  bool
	disabled    map[ModuleKind]bool
	autoSettle  map[Variant]bool
	gateway     *Gateway
	withdrawFee btcutil.Amount
	submitErr   error
}

// NewMockClient creates a mock client on the given network whose inventory
// holds the given balance.
func NewMockClient(network *chaincfg.Params,
	balance lnwire.MilliSatoshi) *MockClient {

	m := &MockClient{
		network:  network,
		notes:    make(map[lnwire.MilliSatoshi]int),
		issued:   make(map[string]lnwire.MilliSatoshi),
		bundleOp: make(map[string]OperationID),
		ops:      make(map[OperationID]*mockOp),
		payments: make(map[[32]byte]OperationID),
		disabled: make(map[ModuleKind]bool),
		autoSettle: map[Variant]bool{
			VariantLnPay:      true,
			VariantWithdraw:   true,
			VariantReissue:    true,
			VariantSPDeposit:  true,
			VariantSPWithdraw: true,
		},
		gateway: &Gateway{
			ID:      "mock-gateway",
			BaseFee: 1000,
			FeePPM:  1000,
		},
		withdrawFee: DefaultMockWithdrawFee,
	}
	m.creditNotes(balance)

	return m
}

// A compile time assertion to ensure MockClient meets the Client interface.
var _ Client = (*MockClient)(nil)

// SetNotes replaces the note inventory. The map is keyed by denomination.
func (m *MockClient) SetNotes(notes map[lnwire.MilliSatoshi]int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notes = make(map[lnwire.MilliSatoshi]int, len(notes))
	for denom, count := range notes {
		m.notes[denom] = count
	}
}

// Notes returns a copy of the note inventory.
func (m *MockClient) Notes() map[lnwire.MilliSatoshi]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	notes := make(map[lnwire.MilliSatoshi]int, len(m.notes))
	for denom, count := range m.notes {
		if count > 0 {
			notes[denom] = count
		}
	}

	return notes
}

// SetRecovering sets the recovery flag.
func (m *MockClient) SetRecovering(recovering bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recovering = recovering
}

// DisableModule makes the accessor of the given module fail.
func (m *MockClient) DisableModule(kind ModuleKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disabled[kind] = true
}

// SetGateway sets the gateway returned by SelectGateway, nil makes it fail
// with ErrNoGateway.
func (m *MockClient) SetGateway(g *Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gateway = g
}

// SetAutoSettle sets whether operations of the variant succeed right away.
func (m *MockClient) SetAutoSettle(v Variant, settle bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.autoSettle[v] = settle
}

// SetWithdrawFee sets the chain fee quoted for withdrawals.
func (m *MockClient) SetWithdrawFee(fee btcutil.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.withdrawFee = fee
}

// SetSubmitErr makes every following submission fail with err, nil resets.
func (m *MockClient) SetSubmitErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submitErr = err
}

// States returns all states logged for the operation.
func (m *MockClient) States(id OperationID) []OperationState {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return nil
	}

	return append([]OperationState(nil), op.states...)
}

// Operations returns the ids of all operations in submission order.
func (m *MockClient) Operations() []OperationID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]OperationID(nil), m.opOrder...)
}

// InjectOperation logs an operation that was started outside of the wallet,
// such as an incoming stability pool transfer.
func (m *MockClient) InjectOperation(v Variant, meta OperationMeta,
	states ...OperationState) (OperationID, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	op := m.newOpLocked(v, meta, 0)
	for _, state := range states {
		if err := m.advanceLocked(op, state); err != nil {
			return op.op.ID, err
		}
	}

	return op.op.ID, nil
}

// Advance appends a state to the log of an operation and delivers it to all
// subscribers.
func (m *MockClient) Advance(id OperationID, state OperationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return ErrOperationNotFound
	}

	return m.advanceLocked(op, state)
}

func (m *MockClient) advanceLocked(op *mockOp, state OperationState) error {
	if state.Variant() != op.op.Variant {
		return fmt.Errorf("state %v doesn't belong to a %v operation",
			state, op.op.Variant)
	}
	if op.terminal() {
		return fmt.Errorf("operation %v already terminated", op.op.ID)
	}

	op.states = append(op.states, state)
	for _, sub := range op.subs {
		sub.ChanIn() <- state
	}

	if !state.IsTerminal() {
		return nil
	}

	m.settleLocked(op, state)

	for _, sub := range op.subs {
		close(sub.ChanIn())
	}
	op.subs = nil

	return nil
}

// settleLocked applies the effect of a terminal state on the note inventory.
func (m *MockClient) settleLocked(op *mockOp, state OperationState) {
	switch s := state.(type) {
	case *LnPayState:
		switch s.Kind {
		case LnPayRefunded, LnPayCanceled, LnPayFundingFailed:
			m.creditNotes(op.debit)
		}

	case *LnReceiveState:
		if s.Kind == LnReceiveClaimed {
			m.creditNotes(s.Amount)
		}

	case *DepositState:
		if s.Kind == DepositClaimed {
			m.creditNotes(s.Amount)
		}

	case *WithdrawState:
		if s.Kind == WithdrawFailed {
			m.creditNotes(op.debit)
		}

	case *SpendOOBState:
		switch s.Kind {
		case SpendOOBUserCanceledSuccess, SpendOOBRefunded:
			delete(m.issued, op.bundle)
			m.creditNotes(op.debit)

		case SpendOOBSuccess, SpendOOBUserCanceledFailure:
			delete(m.issued, op.bundle)
		}

	case *ReissueState:
		if s.Kind == ReissueDone {
			m.creditNotes(s.Amount)
		}

	case *SPDepositState:
		switch s.Kind {
		case SPDepositTxRejected, SPDepositPrimaryOutputError:
			m.creditNotes(op.debit)
		}

	case *SPWithdrawState:
		if s.Kind == SPWithdrawSuccess {
			m.creditNotes(s.Amount)
		}
	}
}

func (m *MockClient) newOpLocked(v Variant, meta OperationMeta,
	debit lnwire.MilliSatoshi) *mockOp {

	m.nextOp++

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], m.nextOp)
	preimage := append([]byte("mockop"), counter[:]...)
	id := OperationID(sha256.Sum256(preimage))

	op := &mockOp{
		op: Operation{
			ID:        id,
			Variant:   v,
			Meta:      meta,
			CreatedAt: time.Now(),
		},
		debit: debit,
	}
	m.ops[id] = op
	m.opOrder = append(m.opOrder, id)

	return op
}

// startOpLocked logs a new operation with its initial states and, if enabled
// for the variant, settles it with the given success states.
func (m *MockClient) startOpLocked(v Variant, meta OperationMeta,
	debit lnwire.MilliSatoshi, initial []OperationState,
	success []OperationState) (*mockOp, error) {

	op := m.newOpLocked(v, meta, debit)
	for _, state := range initial {
		if err := m.advanceLocked(op, state); err != nil {
			return nil, err
		}
	}

	if !m.autoSettle[v] {
		return op, nil
	}
	for _, state := range success {
		if err := m.advanceLocked(op, state); err != nil {
			return nil, err
		}
	}

	return op, nil
}

func (m *MockClient) moduleLocked(kind ModuleKind) error {
	if m.disabled[kind] {
		return fmt.Errorf("%w: %v", ErrModuleNotFound, kind)
	}

	return nil
}

// Network returns the chain parameters of the mock.
func (m *MockClient) Network() *chaincfg.Params {
	return m.network
}

// Balance returns the total value of the note inventory.
func (m *MockClient) Balance(context.Context) (lnwire.MilliSatoshi, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.totalLocked(), nil
}

// GetOperation returns a logged operation.
func (m *MockClient) GetOperation(_ context.Context,
	id OperationID) (*Operation, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}

	opCopy := op.op
	return &opCopy, nil
}

// ActiveOperations returns all operations that didn't terminate yet.
func (m *MockClient) ActiveOperations(context.Context) ([]OperationID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []OperationID
	for _, id := range m.opOrder {
		if !m.ops[id].terminal() {
			active = append(active, id)
		}
	}

	return active, nil
}

// IsRecovering returns the recovery flag.
func (m *MockClient) IsRecovering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.recovering
}

// Lightning returns the mock Lightning module.
func (m *MockClient) Lightning() (LightningModule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.moduleLocked(ModuleLightning); err != nil {
		return nil, err
	}

	return &mockLightning{m: m}, nil
}

// OnChain returns the mock on-chain module.
func (m *MockClient) OnChain() (OnChainModule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.moduleLocked(ModuleOnChain); err != nil {
		return nil, err
	}

	return &mockOnChain{m: m}, nil
}

// Mint returns the mock mint module.
func (m *MockClient) Mint() (MintModule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.moduleLocked(ModuleEcash); err != nil {
		return nil, err
	}

	return &mockMint{m: m}, nil
}

// StabilityPool returns the mock stability pool module.
func (m *MockClient) StabilityPool() (StabilityPoolModule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.moduleLocked(ModuleStabilityPool); err != nil {
		return nil, err
	}

	return &mockStabilityPool{m: m}, nil
}

// subscribe registers a raw subscriber on the operation. The queue receives
// the full state log of a pending operation, or only the terminal state of a
// completed one.
func (m *MockClient) subscribe(id OperationID,
	v Variant) (*fn.ConcurrentQueue[OperationState], error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	if op.op.Variant != v {
		return nil, fmt.Errorf("operation %v is a %v, not a %v", id,
			op.op.Variant, v)
	}

	queue := fn.NewConcurrentQueue[OperationState](fn.DefaultQueueSize)
	queue.Start()

	if op.terminal() {
		queue.ChanIn() <- op.last()
		close(queue.ChanIn())

		return queue, nil
	}

	for _, state := range op.states {
		queue.ChanIn() <- state
	}
	op.subs = append(op.subs, queue)

	return queue, nil
}

func (m *MockClient) unsubscribe(id OperationID,
	queue *fn.ConcurrentQueue[OperationState]) {

	m.mu.Lock()
	if op, ok := m.ops[id]; ok {
		for i, sub := range op.subs {
			if sub == queue {
				op.subs = append(op.subs[:i], op.subs[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	queue.Stop()
}

// subscribeAs wraps a raw subscription into a typed one.
func subscribeAs[T OperationState](ctx context.Context, m *MockClient,
	id OperationID, v Variant) (*Subscription[T], error) {

	queue, err := m.subscribe(id, v)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	updates := make(chan T)
	errChan := make(chan error, 1)

	go func() {
		defer close(updates)
		defer m.unsubscribe(id, queue)

		for {
			select {
			case state, ok := <-queue.ChanOut():
				if !ok {
					return
				}

				typed, ok := state.(T)
				if !ok {
					err := fmt.Errorf("unexpected state "+
						"%v on %v stream", state, v)
					errChan <- err
					return
				}

				select {
				case updates <- typed:
				case <-ctx.Done():
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return &Subscription[T]{
		Updates: updates,
		Errors:  errChan,
		Cancel:  cancel,
	}, nil
}

func (m *MockClient) totalLocked() lnwire.MilliSatoshi {
	var total lnwire.MilliSatoshi
	for denom, count := range m.notes {
		total += denom * lnwire.MilliSatoshi(count)
	}

	return total
}

func (m *MockClient) denomsLocked() []lnwire.MilliSatoshi {
	denoms := make([]lnwire.MilliSatoshi, 0, len(m.notes))
	for denom, count := range m.notes {
		if count > 0 {
			denoms = append(denoms, denom)
		}
	}
	sort.Slice(denoms, func(i, j int) bool {
		return denoms[i] > denoms[j]
	})

	return denoms
}

// selectExactLocked picks notes adding up to amt exactly, largest
// denominations first.
func (m *MockClient) selectExactLocked(
	amt lnwire.MilliSatoshi) (map[lnwire.MilliSatoshi]int, bool) {

	picked := make(map[lnwire.MilliSatoshi]int)
	remaining := amt
	for _, denom := range m.denomsLocked() {
		take := int(remaining / denom)
		if take > m.notes[denom] {
			take = m.notes[denom]
		}
		if take == 0 {
			continue
		}

		picked[denom] = take
		remaining -= denom * lnwire.MilliSatoshi(take)
	}

	return picked, remaining == 0
}

// selectAtLeastLocked picks notes adding up to at least amt. The smallest
// single note covering amt is preferred, otherwise notes are taken largest
// first until amt is covered.
func (m *MockClient) selectAtLeastLocked(
	amt lnwire.MilliSatoshi) (map[lnwire.MilliSatoshi]int, error) {

	if m.totalLocked() < amt {
		return nil, ErrInsufficientNotes
	}

	if picked, ok := m.selectExactLocked(amt); ok {
		return picked, nil
	}

	denoms := m.denomsLocked()
	for i := len(denoms) - 1; i >= 0; i-- {
		if denoms[i] >= amt {
			return map[lnwire.MilliSatoshi]int{denoms[i]: 1}, nil
		}
	}

	picked := make(map[lnwire.MilliSatoshi]int)
	var sum lnwire.MilliSatoshi
	for _, denom := range denoms {
		for picked[denom] < m.notes[denom] && sum < amt {
			picked[denom]++
			sum += denom
		}
		if sum >= amt {
			break
		}
	}

	return picked, nil
}

func (m *MockClient) removeNotesLocked(
	picked map[lnwire.MilliSatoshi]int) lnwire.MilliSatoshi {

	var sum lnwire.MilliSatoshi
	for denom, count := range picked {
		m.notes[denom] -= count
		sum += denom * lnwire.MilliSatoshi(count)
	}

	return sum
}

// creditNotes adds amt to the inventory. The amount is fragmented into two
// notes of every power of two it can afford before the remainder is split
// into its binary decomposition, so that any smaller amount can be selected
// exactly afterwards.
func (m *MockClient) creditNotes(amt lnwire.MilliSatoshi) {
	remaining := amt
	for denom := lnwire.MilliSatoshi(1); remaining >= 2*denom; denom *= 2 {
		m.notes[denom] += 2
		remaining -= 2 * denom
	}

	for denom := lnwire.MilliSatoshi(1); remaining > 0; denom *= 2 {
		if remaining&denom != 0 {
			m.notes[denom]++
			remaining -= denom
		}
	}
}

// debitLocked takes at least amt from the inventory and credits back the
// change.
func (m *MockClient) debitLocked(amt lnwire.MilliSatoshi) error {
	picked, err := m.selectAtLeastLocked(amt)
	if err != nil {
		return err
	}

	taken := m.removeNotesLocked(picked)
	if taken > amt {
		m.creditNotes(taken - amt)
	}

	return nil
}

func mockHash(tag string, id OperationID) [32]byte {
	return sha256.Sum256(append([]byte(tag), id[:]...))
}

type mockLightning struct {
	m *MockClient
}

func (l *mockLightning) SelectGateway(context.Context) (*Gateway, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if l.m.gateway == nil {
		return nil, ErrNoGateway
	}

	g := *l.m.gateway
	return &g, nil
}

func (l *mockLightning) FindPayment(_ context.Context,
	paymentHash [32]byte) (*Operation, *LnPayState, error) {

	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	id, ok := l.m.payments[paymentHash]
	if !ok {
		return nil, nil, ErrOperationNotFound
	}

	op := l.m.ops[id]
	opCopy := op.op
	state, _ := op.last().(*LnPayState)

	return &opCopy, state, nil
}

func (l *mockLightning) Pay(_ context.Context,
	req *PayRequest) (OperationID, error) {

	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if l.m.submitErr != nil {
		return ZeroOperationID, l.m.submitErr
	}

	total := req.Amount + req.Gateway.Fee(req.Amount)
	if err := l.m.debitLocked(total); err != nil {
		return ZeroOperationID, err
	}

	payType := PayTypeExternal
	if req.Gateway == nil {
		payType = PayTypeInternal
	}

	// The success states need the id, so the op is created first and
	// settled below.
	op := l.m.newOpLocked(VariantLnPay, req.Meta, total)
	l.m.payments[req.PaymentHash] = op.op.ID

	initial := []OperationState{
		&LnPayState{Kind: LnPayCreated, PayType: payType},
		&LnPayState{Kind: LnPayFunded, PayType: payType},
	}
	for _, state := range initial {
		if err := l.m.advanceLocked(op, state); err != nil {
			return ZeroOperationID, err
		}
	}

	if l.m.autoSettle[VariantLnPay] {
		kind := LnPaySuccess
		if payType == PayTypeInternal {
			kind = LnPayPreimage
		}
		err := l.m.advanceLocked(op, &LnPayState{
			Kind:     kind,
			PayType:  payType,
			Preimage: mockHash("preimage", op.op.ID),
		})
		if err != nil {
			return ZeroOperationID, err
		}
	}

	return op.op.ID, nil
}

func (l *mockLightning) CreateInvoice(_ context.Context,
	amt lnwire.MilliSatoshi, _ string, _ time.Duration,
	meta OperationMeta) (OperationID, string, error) {

	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if l.m.submitErr != nil {
		return ZeroOperationID, "", l.m.submitErr
	}

	op := l.m.newOpLocked(VariantLnReceive, meta, 0)
	invoice := fmt.Sprintf("lnmock%d1%s", amt, op.op.ID)

	initial := []OperationState{
		&LnReceiveState{Kind: LnReceiveCreated},
		&LnReceiveState{
			Kind:    LnReceiveWaitingForPayment,
			Invoice: invoice,
		},
	}
	for _, state := range initial {
		if err := l.m.advanceLocked(op, state); err != nil {
			return ZeroOperationID, "", err
		}
	}

	return op.op.ID, invoice, nil
}

func (l *mockLightning) SubscribePay(ctx context.Context,
	id OperationID) (*Subscription[*LnPayState], error) {

	return subscribeAs[*LnPayState](ctx, l.m, id, VariantLnPay)
}

func (l *mockLightning) SubscribeReceive(ctx context.Context,
	id OperationID) (*Subscription[*LnReceiveState], error) {

	return subscribeAs[*LnReceiveState](ctx, l.m, id, VariantLnReceive)
}

type mockOnChain struct {
	m *MockClient
}

func (w *mockOnChain) EstimateWithdrawFee(context.Context, btcutil.Address,
	btcutil.Amount) (btcutil.Amount, error) {

	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	return w.m.withdrawFee, nil
}

func (w *mockOnChain) Withdraw(_ context.Context, addr btcutil.Address, amt,
	chainFee btcutil.Amount, meta OperationMeta) (OperationID, error) {

	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	if w.m.submitErr != nil {
		return ZeroOperationID, w.m.submitErr
	}
	if !addr.IsForNet(w.m.network) {
		return ZeroOperationID, fmt.Errorf("address %v is not for "+
			"network %v", addr, w.m.network.Name)
	}

	total := lnwire.NewMSatFromSatoshis(amt + chainFee)
	if err := w.m.debitLocked(total); err != nil {
		return ZeroOperationID, err
	}

	op := w.m.newOpLocked(VariantWithdraw, meta, total)
	err := w.m.advanceLocked(op, &WithdrawState{Kind: WithdrawCreated})
	if err != nil {
		return ZeroOperationID, err
	}

	if w.m.autoSettle[VariantWithdraw] {
		err := w.m.advanceLocked(op, &WithdrawState{
			Kind: WithdrawSucceeded,
			Txid: chainhash.Hash(mockHash("txid", op.op.ID)),
		})
		if err != nil {
			return ZeroOperationID, err
		}
	}

	return op.op.ID, nil
}

func (w *mockOnChain) DepositAddress(_ context.Context,
	meta OperationMeta) (OperationID, btcutil.Address, error) {

	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	if w.m.submitErr != nil {
		return ZeroOperationID, nil, w.m.submitErr
	}

	op := w.m.newOpLocked(VariantDeposit, meta, 0)
	hash := mockHash("address", op.op.ID)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		hash[:20], w.m.network,
	)
	if err != nil {
		return ZeroOperationID, nil, err
	}

	err = w.m.advanceLocked(op, &DepositState{
		Kind: DepositWaitingForTransaction,
	})
	if err != nil {
		return ZeroOperationID, nil, err
	}

	return op.op.ID, addr, nil
}

func (w *mockOnChain) SubscribeWithdraw(ctx context.Context,
	id OperationID) (*Subscription[*WithdrawState], error) {

	return subscribeAs[*WithdrawState](ctx, w.m, id, VariantWithdraw)
}

func (w *mockOnChain) SubscribeDeposit(ctx context.Context,
	id OperationID) (*Subscription[*DepositState], error) {

	return subscribeAs[*DepositState](ctx, w.m, id, VariantDeposit)
}

type mockMint struct {
	m *MockClient
}

func (n *mockMint) SpendNotes(_ context.Context,
	req *SpendRequest) (OperationID, *OOBNotes, error) {

	n.m.mu.Lock()
	defer n.m.mu.Unlock()

	if n.m.submitErr != nil {
		return ZeroOperationID, nil, n.m.submitErr
	}

	var picked map[lnwire.MilliSatoshi]int
	switch req.Selection {
	case SelectExact:
		if n.m.totalLocked() < req.Amount {
			return ZeroOperationID, nil, ErrInsufficientNotes
		}

		var ok bool
		picked, ok = n.m.selectExactLocked(req.Amount)
		if !ok {
			return ZeroOperationID, nil, ErrNoExactNotes
		}

	case SelectAtLeast:
		var err error
		picked, err = n.m.selectAtLeastLocked(req.Amount)
		if err != nil {
			return ZeroOperationID, nil, err
		}

	default:
		return ZeroOperationID, nil, fmt.Errorf("unknown note "+
			"selection %d", req.Selection)
	}

	value := n.m.removeNotesLocked(picked)
	op := n.m.newOpLocked(VariantSpendOOB, req.Meta, value)

	bundle := mockNotesPrefix + op.op.ID.String()
	if req.IncludeInvite {
		bundle += "invite"
	}
	op.bundle = bundle
	n.m.issued[bundle] = value
	n.m.bundleOp[bundle] = op.op.ID

	err := n.m.advanceLocked(op, &SpendOOBState{Kind: SpendOOBCreated})
	if err != nil {
		return ZeroOperationID, nil, err
	}

	return op.op.ID, &OOBNotes{Encoded: bundle, Amount: value}, nil
}

func (n *mockMint) ValidateNotes(_ context.Context,
	notes string) (lnwire.MilliSatoshi, error) {

	n.m.mu.Lock()
	defer n.m.mu.Unlock()

	return n.m.validateLocked(notes)
}

func (m *MockClient) validateLocked(notes string) (lnwire.MilliSatoshi,
	error) {

	if !strings.HasPrefix(notes, mockNotesPrefix) {
		return 0, ErrInvalidNotes
	}
	idHex := strings.TrimSuffix(
		strings.TrimPrefix(notes, mockNotesPrefix), "invite",
	)
	if _, err := hex.DecodeString(idHex); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidNotes, err)
	}

	value, ok := m.issued[notes]
	if !ok {
		return 0, fmt.Errorf("%w: already redeemed", ErrInvalidNotes)
	}

	return value, nil
}

func (n *mockMint) Reissue(_ context.Context, notes string,
	meta OperationMeta) (OperationID, error) {

	n.m.mu.Lock()
	defer n.m.mu.Unlock()

	if n.m.submitErr != nil {
		return ZeroOperationID, n.m.submitErr
	}

	value, err := n.m.validateLocked(notes)
	if err != nil {
		return ZeroOperationID, err
	}
	delete(n.m.issued, notes)

	// The spend handing out the notes is complete once they're redeemed.
	if spendID, ok := n.m.bundleOp[notes]; ok {
		spend := n.m.ops[spendID]
		if !spend.terminal() {
			err := n.m.advanceLocked(spend, &SpendOOBState{
				Kind: SpendOOBSuccess,
			})
			if err != nil {
				return ZeroOperationID, err
			}
		}
	}

	op, err := n.m.startOpLocked(
		VariantReissue, meta, 0,
		[]OperationState{
			&ReissueState{Kind: ReissueCreated},
			&ReissueState{Kind: ReissueIssuing},
		},
		[]OperationState{
			&ReissueState{Kind: ReissueDone, Amount: value},
		},
	)
	if err != nil {
		return ZeroOperationID, err
	}

	return op.op.ID, nil
}

func (n *mockMint) SubscribeSpendOOB(ctx context.Context,
	id OperationID) (*Subscription[*SpendOOBState], error) {

	return subscribeAs[*SpendOOBState](ctx, n.m, id, VariantSpendOOB)
}

func (n *mockMint) SubscribeReissue(ctx context.Context,
	id OperationID) (*Subscription[*ReissueState], error) {

	return subscribeAs[*ReissueState](ctx, n.m, id, VariantReissue)
}

type mockStabilityPool struct {
	m *MockClient
}

func (s *mockStabilityPool) Deposit(_ context.Context,
	amt lnwire.MilliSatoshi, meta OperationMeta) (OperationID, error) {

	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if s.m.submitErr != nil {
		return ZeroOperationID, s.m.submitErr
	}
	if err := s.m.debitLocked(amt); err != nil {
		return ZeroOperationID, err
	}

	op, err := s.m.startOpLocked(
		VariantSPDeposit, meta, amt,
		[]OperationState{
			&SPDepositState{Kind: SPDepositInitiated},
		},
		[]OperationState{
			&SPDepositState{Kind: SPDepositTxAccepted},
			&SPDepositState{Kind: SPDepositSuccess},
		},
	)
	if err != nil {
		return ZeroOperationID, err
	}

	return op.op.ID, nil
}

func (s *mockStabilityPool) Withdraw(_ context.Context,
	amt lnwire.MilliSatoshi, meta OperationMeta) (OperationID, error) {

	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if s.m.submitErr != nil {
		return ZeroOperationID, s.m.submitErr
	}

	op, err := s.m.startOpLocked(
		VariantSPWithdraw, meta, 0,
		[]OperationState{
			&SPWithdrawState{Kind: SPWithdrawInitiated},
		},
		[]OperationState{
			&SPWithdrawState{Kind: SPWithdrawTxAccepted},
			&SPWithdrawState{
				Kind: SPWithdrawWithdrawalInitiated,
			},
			&SPWithdrawState{
				Kind:   SPWithdrawSuccess,
				Amount: amt,
			},
		},
	)
	if err != nil {
		return ZeroOperationID, err
	}

	return op.op.ID, nil
}

func (s *mockStabilityPool) SubscribeDeposit(ctx context.Context,
	id OperationID) (*Subscription[*SPDepositState], error) {

	return subscribeAs[*SPDepositState](ctx, s.m, id, VariantSPDeposit)
}

func (s *mockStabilityPool) SubscribeWithdraw(ctx context.Context,
	id OperationID) (*Subscription[*SPWithdrawState], error) {

	return subscribeAs[*SPWithdrawState](ctx, s.m, id, VariantSPWithdraw)
}

func (s *mockStabilityPool) SubscribeTransfer(ctx context.Context,
	id OperationID) (*Subscription[*SPTransferState], error) {

	return subscribeAs[*SPTransferState](ctx, s.m, id, VariantSPTransfer)
}

func (s *mockStabilityPool) SubscribeExternalTransferIn(ctx context.Context,
	id OperationID) (*Subscription[*SPExternalTransferInState], error) {

	return subscribeAs[*SPExternalTransferInState](
		ctx, s.m, id, VariantSPExternalTransferIn,
	)
}
