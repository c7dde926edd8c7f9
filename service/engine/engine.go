package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	golog "github.com/textileio/go-log/v2"
	"golang.org/x/sync/semaphore"

	"github.com/gavelhouse/gaveld/lib/auction"
)

var log = golog.Logger("gaveld/engine")

// Treasury is the external value-transfer primitive. Escrow pulls funds from
// an account into the engine's custody; Release pays funds out of custody.
// Either may fail, and either may hand control to untrusted code before
// returning, so callers apply their own state changes first and treat a
// failure as a signal to roll those changes back.
type Treasury interface {
	Escrow(ctx context.Context, from auction.AccountID, amount *big.Int) error
	Release(ctx context.Context, to auction.AccountID, amount *big.Int) error
	Custody() *big.Int
}

// Gatekeeper answers capability questions about a caller. It is injected as
// a collaborator; the engine never owns identity or the pause flag.
type Gatekeeper interface {
	IsAdmin(acct auction.AccountID) bool
	IsSeller(acct auction.AccountID) bool
	Paused() bool
}

// EventSink receives auction notifications synchronously, before the
// triggering operation returns.
type EventSink interface {
	BidAccepted(bidder auction.AccountID, newTotal *big.Int)
	AuctionEnded(winner auction.AccountID, winningAmount *big.Int)
	Withdrawal(acct auction.AccountID, paidOut *big.Int)
}

type nullSink struct{}

func (nullSink) BidAccepted(auction.AccountID, *big.Int)  {}
func (nullSink) AuctionEnded(auction.AccountID, *big.Int) {}
func (nullSink) Withdrawal(auction.AccountID, *big.Int)   {}

// Clock supplies the current time; time-based transitions are evaluated
// lazily at the moment an operation is invoked.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Deps are the engine's constructor-injected collaborators.
type Deps struct {
	Treasury   Treasury
	Gatekeeper Gatekeeper
	Clock      Clock
	Sink       EventSink
}

func (d *Deps) setDefaults() error {
	if d.Treasury == nil {
		return fmt.Errorf("treasury is required")
	}
	if d.Gatekeeper == nil {
		return fmt.Errorf("gatekeeper is required")
	}
	if d.Clock == nil {
		d.Clock = systemClock{}
	}
	if d.Sink == nil {
		d.Sink = nullSink{}
	}
	return nil
}

// Engine drives a single-asset English auction: it validates and applies
// every bid, tracks per-account deposits, computes refunds and fees, and
// exposes settlement operations. Every mutating entry point shares one
// non-reentrant guard; re-entering while another operation is still on the
// call stack fails immediately with ErrReentrantCall. All internal state
// changes happen before the treasury callout, and a failed callout rolls the
// call's own changes back, so failed calls never leave partial mutations.
type Engine struct {
	guard    *semaphore.Weighted
	st       *State
	treasury Treasury
	gate     Gatekeeper
	clock    Clock
	sink     EventSink
}

// New creates an Engine hosting a fresh auction.
func New(params Params, deps Deps) (*Engine, error) {
	if err := deps.setDefaults(); err != nil {
		return nil, err
	}
	if err := params.Validate(deps.Clock.Now()); err != nil {
		return nil, fmt.Errorf("validating params: %w", err)
	}
	st := newState(uuid.NewString(), params)
	log.Infof("auction %s created: seller=%s window=[%s, %s]",
		st.AuctionID, st.Seller, st.StartTime.Format(time.RFC3339), st.EndTime.Format(time.RFC3339))
	return &Engine{
		guard:    semaphore.NewWeighted(1),
		st:       st,
		treasury: deps.Treasury,
		gate:     deps.Gatekeeper,
		clock:    deps.Clock,
		sink:     deps.Sink,
	}, nil
}

// Resume creates an Engine over a previously snapshotted state.
func Resume(st *State, deps Deps) (*Engine, error) {
	if err := deps.setDefaults(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("state is nil")
	}
	log.Infof("auction %s resumed: ended=%v offers=%d", st.AuctionID, st.Ended, len(st.Offers))
	return &Engine{
		guard:    semaphore.NewWeighted(1),
		st:       st.Clone(),
		treasury: deps.Treasury,
		gate:     deps.Gatekeeper,
		clock:    deps.Clock,
		sink:     deps.Sink,
	}, nil
}

// enter acquires the shared non-reentrant guard. It never queues: a guarded
// operation invoked while another is on the call stack is rejected.
func (e *Engine) enter() error {
	if !e.guard.TryAcquire(1) {
		return auction.ErrReentrantCall
	}
	return nil
}

func (e *Engine) exit() {
	e.guard.Release(1)
}

// PlaceBid validates and applies a bid of amount for bidder, escrowing the
// funds and returning the appended offer record. A bid inside the trailing
// anti-snipe window pushes the deadline to now + AntiSnipeWindow.
func (e *Engine) PlaceBid(ctx context.Context, bidder auction.AccountID, amount *big.Int) (*auction.Offer, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	if e.gate.Paused() {
		return nil, fmt.Errorf("bidding is paused: %w", auction.ErrInvalidState)
	}
	now := e.clock.Now()
	if e.st.Ended || now.Before(e.st.StartTime) || !now.Before(e.st.EndTime) {
		return nil, fmt.Errorf("bidding window closed: %w", auction.ErrInvalidState)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, auction.ErrZeroValue
	}

	prevDeposit := new(big.Int).Set(e.st.deposit(bidder))
	newTotal := new(big.Int).Add(prevDeposit, amount)
	if e.st.HighestBid.Sign() > 0 {
		// Strict raise: a total landing exactly on the 105% threshold loses.
		min := auction.MinRequiredTotal(e.st.HighestBid)
		if newTotal.Cmp(min) <= 0 {
			return nil, fmt.Errorf("total %s must exceed %s: %w", newTotal, min, auction.ErrBidTooLow)
		}
	}

	// Effects before the escrow callout; everything here must be undone if
	// the treasury rejects the pull.
	prevLeader := e.st.HighestBidder
	prevHighest := new(big.Int).Set(e.st.HighestBid)
	prevEnd := e.st.EndTime
	prevLastOffer, hadLastOffer := e.st.LastOffer[bidder]

	offer := auction.Offer{
		ID:     newOfferID(now),
		Index:  len(e.st.Offers),
		Bidder: bidder,
		Amount: new(big.Int).Set(amount),
		Time:   now,
	}
	e.st.setDeposit(bidder, newTotal)
	e.st.Offers = append(e.st.Offers, offer)
	e.st.LastOffer[bidder] = offer.Index
	e.st.HighestBidder = bidder
	e.st.HighestBid = new(big.Int).Set(newTotal)
	if e.st.EndTime.Sub(now) <= auction.AntiSnipeWindow {
		e.st.EndTime = now.Add(auction.AntiSnipeWindow)
	}

	if err := e.treasury.Escrow(ctx, bidder, amount); err != nil {
		e.st.setDeposit(bidder, prevDeposit)
		e.st.Offers = e.st.Offers[:offer.Index]
		if hadLastOffer {
			e.st.LastOffer[bidder] = prevLastOffer
		} else {
			delete(e.st.LastOffer, bidder)
		}
		e.st.HighestBidder = prevLeader
		e.st.HighestBid = prevHighest
		e.st.EndTime = prevEnd
		return nil, fmt.Errorf("escrowing bid: %v: %w", err, auction.ErrTransferFailed)
	}

	log.Debugf("accepted bid %s from %s: +%s -> %s", offer.ID, bidder, amount, newTotal)
	e.sink.BidAccepted(bidder, new(big.Int).Set(newTotal))
	res := offer
	res.Amount = new(big.Int).Set(offer.Amount)
	return &res, nil
}

// WithdrawExcess pays a non-leading participant its entire current deposit
// while the auction is still active. The leader's deposit is collateral for
// the standing bid and stays locked.
func (e *Engine) WithdrawExcess(ctx context.Context, caller auction.AccountID) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	if e.st.phase(e.clock.Now()) != auction.PhaseActive {
		return nil, fmt.Errorf("auction not active: %w", auction.ErrInvalidState)
	}
	if caller == e.st.HighestBidder {
		return nil, fmt.Errorf("leading bidder cannot withdraw: %w", auction.ErrNotEligible)
	}
	balance := new(big.Int).Set(e.st.deposit(caller))
	if balance.Sign() == 0 {
		return nil, auction.ErrNoFunds
	}

	// Ledger zeroed before the payout callout.
	e.st.setDeposit(caller, new(big.Int))
	if err := e.treasury.Release(ctx, caller, balance); err != nil {
		e.st.setDeposit(caller, balance)
		return nil, fmt.Errorf("releasing deposit: %v: %w", err, auction.ErrTransferFailed)
	}

	log.Debugf("active-phase withdrawal by %s: %s", caller, balance)
	e.sink.Withdrawal(caller, new(big.Int).Set(balance))
	return balance, nil
}

// WithdrawDeposit refunds a losing participant after the auction ended,
// withholding the seller fee. The winner's deposit is consumed by
// settlement, never by this path.
func (e *Engine) WithdrawDeposit(ctx context.Context, caller auction.AccountID) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	if !e.st.Ended {
		return nil, fmt.Errorf("auction not ended: %w", auction.ErrInvalidState)
	}
	if caller == e.st.HighestBidder && e.st.HighestBid.Sign() > 0 {
		return nil, fmt.Errorf("winner deposit is settled, not refunded: %w", auction.ErrNotEligible)
	}
	refund, err := e.refund(ctx, caller)
	if err != nil {
		return nil, err
	}
	return refund, nil
}

// refund performs the fee-bearing refund for one account. Callers hold the
// guard and have already excluded the winner.
func (e *Engine) refund(ctx context.Context, acct auction.AccountID) (*big.Int, error) {
	balance := new(big.Int).Set(e.st.deposit(acct))
	if balance.Sign() == 0 {
		return nil, auction.ErrNoFunds
	}
	fee, refund := auction.SplitRefund(balance)

	prevFees := new(big.Int).Set(e.st.CollectedFees)
	e.st.setDeposit(acct, new(big.Int))
	e.st.CollectedFees = new(big.Int).Add(prevFees, fee)
	if err := e.treasury.Release(ctx, acct, refund); err != nil {
		e.st.setDeposit(acct, balance)
		e.st.CollectedFees = prevFees
		return nil, fmt.Errorf("releasing refund: %v: %w", err, auction.ErrTransferFailed)
	}

	log.Debugf("refunded %s: %s (fee %s)", acct, refund, fee)
	e.sink.Withdrawal(acct, new(big.Int).Set(refund))
	return refund, nil
}

// Finalize drives the Active -> Ended transition once the deadline has
// passed, paying the winner's full cumulative deposit to the seller. With no
// bids it only flips the terminal flag.
func (e *Engine) Finalize(ctx context.Context) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if e.st.Ended {
		return auction.ErrAlreadyEnded
	}
	if e.clock.Now().Before(e.st.EndTime) {
		return fmt.Errorf("deadline not reached: %w", auction.ErrInvalidState)
	}

	e.st.Ended = true
	winner := e.st.HighestBidder
	winning := new(big.Int).Set(e.st.HighestBid)
	if winning.Sign() > 0 {
		prevDeposit := new(big.Int).Set(e.st.deposit(winner))
		e.st.setDeposit(winner, new(big.Int))
		if err := e.treasury.Release(ctx, e.st.Seller, winning); err != nil {
			e.st.setDeposit(winner, prevDeposit)
			e.st.Ended = false
			return fmt.Errorf("settling winning bid: %v: %w", err, auction.ErrTransferFailed)
		}
	}

	log.Infof("auction %s ended: winner=%s amount=%s", e.st.AuctionID, winner, winning)
	e.sink.AuctionEnded(winner, winning)
	return nil
}

// DistributeRefunds walks the offer log in insertion order and refunds every
// distinct losing bidder that still has a balance, using the same fee split
// as WithdrawDeposit. Duplicates are skipped naturally because the first
// visit zeroes the balance. Re-running after all balances are drained
// performs no transfers. Restricted to administrators, after the end.
func (e *Engine) DistributeRefunds(ctx context.Context, caller auction.AccountID) (int, error) {
	if err := e.enter(); err != nil {
		return 0, err
	}
	defer e.exit()

	if !e.gate.IsAdmin(caller) {
		return 0, fmt.Errorf("admin required: %w", auction.ErrNotEligible)
	}
	if !e.st.Ended {
		return 0, fmt.Errorf("auction not ended: %w", auction.ErrInvalidState)
	}

	refunded := 0
	for _, o := range e.st.Offers {
		if o.Bidder == e.st.HighestBidder {
			continue
		}
		if e.st.deposit(o.Bidder).Sign() == 0 {
			continue
		}
		// Refunds already paid out in this pass stand on a transfer
		// failure; a re-run completes the remainder.
		if _, err := e.refund(ctx, o.Bidder); err != nil {
			return refunded, fmt.Errorf("refunding %s: %w", o.Bidder, err)
		}
		refunded++
	}
	log.Infof("bulk refund pass complete: %d bidders refunded", refunded)
	return refunded, nil
}

// WithdrawFees pays the accumulated refund fees to the seller and zeroes the
// fee balance.
func (e *Engine) WithdrawFees(ctx context.Context, caller auction.AccountID) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	if !e.gate.IsSeller(caller) {
		return nil, fmt.Errorf("seller required: %w", auction.ErrNotEligible)
	}
	fees := new(big.Int).Set(e.st.CollectedFees)
	if fees.Sign() == 0 {
		return nil, auction.ErrNoFunds
	}

	e.st.CollectedFees = new(big.Int)
	if err := e.treasury.Release(ctx, e.st.Seller, fees); err != nil {
		e.st.CollectedFees = fees
		return nil, fmt.Errorf("releasing fees: %v: %w", err, auction.ErrTransferFailed)
	}

	log.Infof("seller withdrew fees: %s", fees)
	e.sink.Withdrawal(e.st.Seller, new(big.Int).Set(fees))
	return fees, nil
}

// EmergencyEnd forces the terminal transition without running the winner
// payout. Deposits stay claimable through WithdrawDeposit and
// DistributeRefunds.
func (e *Engine) EmergencyEnd(caller auction.AccountID) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if !e.gate.IsAdmin(caller) {
		return fmt.Errorf("admin required: %w", auction.ErrNotEligible)
	}
	if e.st.Ended {
		return auction.ErrAlreadyEnded
	}
	e.st.Ended = true
	log.Warnf("auction %s force-ended by %s; settlement skipped", e.st.AuctionID, caller)
	e.sink.AuctionEnded(e.st.HighestBidder, new(big.Int).Set(e.st.HighestBid))
	return nil
}

// EmergencySweep moves the entire residual custody to the seller after the
// end. It deliberately performs no ledger bookkeeping, so it can move funds
// still nominally owed to bidders: a last-resort recovery path, not a
// normal-path operation.
func (e *Engine) EmergencySweep(ctx context.Context, caller auction.AccountID) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	if !e.gate.IsAdmin(caller) {
		return nil, fmt.Errorf("admin required: %w", auction.ErrNotEligible)
	}
	if !e.st.Ended {
		return nil, fmt.Errorf("auction not ended: %w", auction.ErrInvalidState)
	}
	custody := new(big.Int).Set(e.treasury.Custody())
	if custody.Sign() == 0 {
		return nil, auction.ErrNoFunds
	}
	if err := e.treasury.Release(ctx, e.st.Seller, custody); err != nil {
		return nil, fmt.Errorf("sweeping custody: %v: %w", err, auction.ErrTransferFailed)
	}
	log.Warnf("residual custody %s swept to seller by %s", custody, caller)
	e.sink.Withdrawal(e.st.Seller, custody)
	return custody, nil
}

// Status returns a read-only view of the auction.
func (e *Engine) Status() Status {
	return Status{
		AuctionID:     e.st.AuctionID,
		Phase:         e.st.phase(e.clock.Now()),
		Seller:        e.st.Seller,
		StartTime:     e.st.StartTime,
		EndTime:       e.st.EndTime,
		HighestBidder: e.st.HighestBidder,
		HighestBid:    new(big.Int).Set(e.st.HighestBid),
		OfferCount:    len(e.st.Offers),
		Ended:         e.st.Ended,
		Paused:        e.gate.Paused(),
	}
}

// Winner returns the winning account and amount. Only meaningful once the
// auction has ended.
func (e *Engine) Winner() (auction.AccountID, *big.Int, error) {
	if !e.st.Ended {
		return "", nil, fmt.Errorf("auction not ended: %w", auction.ErrInvalidState)
	}
	return e.st.HighestBidder, new(big.Int).Set(e.st.HighestBid), nil
}

// Offers returns a copy of the full offer log in insertion order.
func (e *Engine) Offers() []auction.Offer {
	offers := make([]auction.Offer, len(e.st.Offers))
	for i, o := range e.st.Offers {
		o.Amount = new(big.Int).Set(o.Amount)
		offers[i] = o
	}
	return offers
}

// OfferCount returns the number of accepted offers.
func (e *Engine) OfferCount() int {
	return len(e.st.Offers)
}

// LastOfferIndex returns the offer-log position of the account's most recent
// offer, or ErrOfferNotFound if it never bid.
func (e *Engine) LastOfferIndex(acct auction.AccountID) (int, error) {
	i, exists := e.st.LastOffer[acct]
	if !exists {
		return 0, auction.ErrOfferNotFound
	}
	return i, nil
}

// DepositOf returns the account's current escrowed balance.
func (e *Engine) DepositOf(acct auction.AccountID) *big.Int {
	return new(big.Int).Set(e.st.deposit(acct))
}

// CollectedFees returns the accumulated fee balance. Restricted to the
// seller.
func (e *Engine) CollectedFees(caller auction.AccountID) (*big.Int, error) {
	if !e.gate.IsSeller(caller) {
		return nil, fmt.Errorf("seller required: %w", auction.ErrNotEligible)
	}
	return new(big.Int).Set(e.st.CollectedFees), nil
}

// Snapshot deep-copies the current state for persistence.
func (e *Engine) Snapshot() *State {
	return e.st.Clone()
}

// Offer ids share one monotonic entropy source so ids issued within the same
// millisecond still sort in acceptance order under the store's key listing.
var (
	offerEntropyLk sync.Mutex
	offerEntropy   = ulid.Monotonic(rand.Reader, 0)
)

func newOfferID(t time.Time) auction.OfferID {
	offerEntropyLk.Lock()
	defer offerEntropyLk.Unlock()
	return auction.OfferID(strings.ToLower(ulid.MustNew(ulid.Timestamp(t), offerEntropy).String()))
}
