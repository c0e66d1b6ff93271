package ecash

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightninglabs/fedwallet/balance"
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultTimeout bounds a whole note selection, including all
	// overshoot and reissue rounds.
	DefaultTimeout = time.Minute

	// DefaultReissueTimeout bounds the wait for a single reissuance of
	// overshoot notes.
	DefaultReissueTimeout = 20 * time.Second

	// DefaultRetryDelay is the pause before selecting again after a
	// reissuance.
	DefaultRetryDelay = 100 * time.Millisecond

	// DefaultTryCancelAfter is the time after which the mint reclaims
	// notes nobody redeemed.
	DefaultTryCancelAfter = 24 * time.Hour
)

var (
	// ErrSelectNotes is returned if no exact note bundle could be
	// assembled before the selection timed out. The user can retry.
	ErrSelectNotes = errors.New("failed to select notes")
)

// SelectState is the state of a note selection.
type SelectState uint8

const (
	// StateSelecting tries to spend notes adding up to the amount exactly
	// while holding the spend guard.
	StateSelecting SelectState = iota

	// StateOvershot spends notes adding up to at least the amount. The
	// spend is internal and carries no fee.
	StateOvershot

	// StateReissuing reissues the overshoot notes into the wallet, which
	// splits them into smaller denominations.
	StateReissuing

	// StateRetrying waits before selecting again.
	StateRetrying

	// StateComplete is reached once an exact bundle was handed out.
	StateComplete
)

// String returns a human-readable version of SelectState.
func (s SelectState) String() string {
	switch s {
	case StateSelecting:
		return "StateSelecting"

	case StateOvershot:
		return "StateOvershot"

	case StateReissuing:
		return "StateReissuing"

	case StateRetrying:
		return "StateRetrying"

	case StateComplete:
		return "StateComplete"

	default:
		return fmt.Sprintf("<unknown_state(%d)>", s)
	}
}

// Selection is an exact note bundle handed out to the user.
type Selection struct {
	// OperationID is the id of the out-of-band spend.
	OperationID ledger.OperationID

	// Notes is the encoded note bundle.
	Notes string

	// Amount is the value of the notes.
	Amount lnwire.MilliSatoshi

	// Fee is the service fee charged for the spend.
	Fee lnwire.MilliSatoshi

	// CancelAt is the time after which the mint reclaims the notes if
	// they weren't redeemed.
	CancelAt time.Time
}

// MintSource gives access to the e-cash module.
type MintSource interface {
	Mint() (ledger.MintModule, error)
}

// Spender runs a spend under the spend guard after checking it against the
// virtual balance.
type Spender interface {
	Spend(ctx context.Context, req *balance.SpendRequest,
		submit func(ctx context.Context) error) error

	// WithSpendLock runs f under the spend guard without a balance
	// check.
	WithSpendLock(ctx context.Context, f func() error) error
}

// PendingFeeWriter records the service fee of a freshly started send.
type PendingFeeWriter interface {
	WritePendingSend(ctx context.Context, op ledger.OperationID,
		fee lnwire.MilliSatoshi) error
}

// SelectorConfig holds the collaborators and limits of the selector.
type SelectorConfig struct {
	Mint MintSource

	Guard Spender

	Fees PendingFeeWriter

	// Schedule provides the service fee rate of e-cash sends.
	Schedule *fees.Schedule

	Clock clock.Clock

	// Track hands every operation the selector starts to the operation
	// dispatcher.
	Track func(ledger.OperationID)

	// Timeout bounds a whole selection.
	Timeout time.Duration

	// ReissueTimeout bounds the wait for a single reissuance.
	ReissueTimeout time.Duration

	// RetryDelay is the pause in StateRetrying.
	RetryDelay time.Duration

	// TryCancelAfter is passed to the mint for every handed out bundle.
	TryCancelAfter time.Duration

	// OnStateStep, if set, is called before every state is executed.
	OnStateStep func(SelectState)
}

// selectPackage carries a selection through the state machine.
type selectPackage struct {
	State SelectState

	Amount        lnwire.MilliSatoshi
	IncludeInvite bool

	// Overshoot holds the notes of the last at-least spend until they're
	// reissued.
	Overshoot *ledger.OOBNotes

	// Rounds counts the overshoot rounds so far.
	Rounds int

	Result *Selection
}

// Selector assembles exact note bundles for out-of-band e-cash spends. If the
// inventory can't cover an amount exactly, it spends a larger bundle to
// itself and reissues it, which splits the notes, and tries again.
type Selector struct {
	cfg *SelectorConfig

	// ecashSem allows a single selection at a time. The selection loop
	// acquires the spend guard several times and must not interleave with
	// a second selection.
	ecashSem *semaphore.Weighted
}

// NewSelector creates a new note selector. Zero limits are replaced by their
// defaults.
func NewSelector(cfg *SelectorConfig) *Selector {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ReissueTimeout == 0 {
		cfg.ReissueTimeout = DefaultReissueTimeout
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.TryCancelAfter == 0 {
		cfg.TryCancelAfter = DefaultTryCancelAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Selector{
		cfg:      cfg,
		ecashSem: semaphore.NewWeighted(1),
	}
}

// Generate hands out notes worth exactly amt. A
// *balance.InsufficientBalanceError is returned if amt plus the service fee
// exceeds the virtual balance, and ErrSelectNotes if no exact bundle could be
// assembled in time.
func (s *Selector) Generate(ctx context.Context, amt lnwire.MilliSatoshi,
	includeInvite bool) (*Selection, error) {

	if amt == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.ecashSem.Acquire(ctx, 1); err != nil {
		return nil, s.timeoutErr(ctx, err)
	}
	defer s.ecashSem.Release(1)

	pkg := &selectPackage{
		State:         StateSelecting,
		Amount:        amt,
		IncludeInvite: includeInvite,
	}
	for pkg.State < StateComplete {
		if err := ctx.Err(); err != nil {
			return nil, s.timeoutErr(ctx, err)
		}

		log.Debugf("Note selection of %v executing state: %v", amt,
			pkg.State)

		if s.cfg.OnStateStep != nil {
			s.cfg.OnStateStep(pkg.State)
		}

		var err error
		pkg, err = s.stateStep(ctx, pkg)
		if err != nil {
			return nil, s.timeoutErr(ctx, err)
		}
	}

	if pkg.Rounds > 0 {
		log.Infof("Selected exact notes for %v after %d overshoot "+
			"rounds", amt, pkg.Rounds)
	}

	return pkg.Result, nil
}

// timeoutErr maps the expiry of the selection timeout to ErrSelectNotes.
func (s *Selector) timeoutErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) &&
		errors.Is(err, context.DeadlineExceeded) {

		return fmt.Errorf("%w: timed out", ErrSelectNotes)
	}

	return err
}

// stateStep executes the current state and returns the package with the next
// state set.
func (s *Selector) stateStep(ctx context.Context,
	pkg *selectPackage) (*selectPackage, error) {

	mint, err := s.cfg.Mint.Mint()
	if err != nil {
		return nil, err
	}

	switch pkg.State {
	case StateSelecting:
		sel, err := s.selectExact(ctx, mint, pkg)
		switch {
		case errors.Is(err, ledger.ErrNoExactNotes):
			pkg.State = StateOvershot
			return pkg, nil

		case err != nil:
			return nil, err
		}

		pkg.Result = sel
		pkg.State = StateComplete

		return pkg, nil

	case StateOvershot:
		// The overshoot goes back to the wallet itself, so it carries
		// no fee and skips the balance check. It still moves the raw
		// balance and runs under the guard.
		var (
			op    ledger.OperationID
			notes *ledger.OOBNotes
		)
		err := s.cfg.Guard.WithSpendLock(ctx, func() error {
			var err error
			op, notes, err = mint.SpendNotes(
				ctx, &ledger.SpendRequest{
					Amount:         pkg.Amount,
					Selection:      ledger.SelectAtLeast,
					TryCancelAfter: s.cfg.TryCancelAfter,
					Meta: ledger.OperationMeta{
						Internal: true,
					},
				},
			)

			return err
		})
		switch {
		// The notes were spent concurrently, the next exact
		// selection will report the balance.
		case errors.Is(err, ledger.ErrInsufficientNotes):
			pkg.State = StateRetrying
			return pkg, nil

		case err != nil:
			return nil, fmt.Errorf("unable to spend overshoot "+
				"notes: %w", err)
		}
		s.track(op)

		log.Debugf("Spent %v of overshoot notes for %v (op=%v)",
			notes.Amount, pkg.Amount, op)

		pkg.Overshoot = notes
		pkg.Rounds++
		pkg.State = StateReissuing

		return pkg, nil

	case StateReissuing:
		if err := s.reissue(ctx, mint, pkg.Overshoot); err != nil {
			return nil, err
		}

		pkg.Overshoot = nil
		pkg.State = StateRetrying

		return pkg, nil

	case StateRetrying:
		select {
		case <-s.cfg.Clock.TickAfter(s.cfg.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		pkg.State = StateSelecting

		return pkg, nil

	default:
		return nil, fmt.Errorf("unknown selection state: %v",
			pkg.State)
	}
}

// selectExact tries to spend notes adding up to the amount exactly. The
// balance check, the spend and the pending fee write all happen under the
// spend guard.
func (s *Selector) selectExact(ctx context.Context, mint ledger.MintModule,
	pkg *selectPackage) (*Selection, error) {

	feePPM := s.cfg.Schedule.SendPPM(ledger.ModuleEcash)
	req := &balance.SpendRequest{
		Amount: pkg.Amount,
		Fee:    fees.FeeForAmount(pkg.Amount, feePPM),
		FeePPM: feePPM,
	}

	var sel *Selection
	err := s.cfg.Guard.Spend(ctx, req, func(ctx context.Context) error {
		cancelAt := s.cfg.Clock.Now().Add(s.cfg.TryCancelAfter)
		op, notes, err := mint.SpendNotes(ctx, &ledger.SpendRequest{
			Amount:         pkg.Amount,
			Selection:      ledger.SelectExact,
			TryCancelAfter: s.cfg.TryCancelAfter,
			IncludeInvite:  pkg.IncludeInvite,
		})
		if err != nil {
			return err
		}

		err = s.cfg.Fees.WritePendingSend(ctx, op, req.Fee)
		if err != nil {
			return fmt.Errorf("unable to write pending fee: %w",
				err)
		}

		sel = &Selection{
			OperationID: op,
			Notes:       notes.Encoded,
			Amount:      notes.Amount,
			Fee:         req.Fee,
			CancelAt:    cancelAt,
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	s.track(sel.OperationID)

	return sel, nil
}

// reissue redeems the overshoot notes into the wallet and waits for the
// reissuance to finish. A reissuance that fails or doesn't finish in time is
// logged and left to the dispatcher, the next round selects from whatever
// the inventory holds by then.
func (s *Selector) reissue(ctx context.Context, mint ledger.MintModule,
	notes *ledger.OOBNotes) error {

	op, err := mint.Reissue(
		ctx, notes.Encoded, ledger.OperationMeta{Internal: true},
	)
	if err != nil {
		return fmt.Errorf("unable to reissue overshoot notes: %w", err)
	}
	s.track(op)

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReissueTimeout)
	defer cancel()

	sub, err := mint.SubscribeReissue(waitCtx, op)
	if err != nil {
		return fmt.Errorf("unable to subscribe to reissuance: %w", err)
	}
	defer sub.Cancel()

	for {
		select {
		case state, ok := <-sub.Updates:
			if !ok {
				return nil
			}
			if !state.IsTerminal() {
				continue
			}

			if state.Kind == ledger.ReissueFailed {
				log.Warnf("Reissuance %v of overshoot notes "+
					"failed: %v", op, state.Error)
			}

			return nil

		case err := <-sub.Errors:
			log.Warnf("Reissuance %v update stream failed: %v",
				op, err)

			return nil

		case <-waitCtx.Done():
			// The outer timeout ends the selection, our own only
			// ends this round.
			if ctx.Err() != nil {
				return ctx.Err()
			}

			log.Warnf("Reissuance %v not finished after %v", op,
				s.cfg.ReissueTimeout)

			return nil
		}
	}
}

func (s *Selector) track(op ledger.OperationID) {
	if s.cfg.Track != nil {
		s.cfg.Track(op)
	}
}
