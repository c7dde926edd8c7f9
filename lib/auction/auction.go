package auction

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

const (
	// MaxDurationMinutes is the longest auction a daemon will host (30 days).
	MaxDurationMinutes = 43200

	// AntiSnipeWindow is the trailing window before the deadline in which an
	// accepted bid pushes the deadline to bid-time + AntiSnipeWindow.
	AntiSnipeWindow = 600 * time.Second

	// MinRaiseNumerator and MinRaiseDenominator define the strict minimum
	// raise: a new cumulative total must exceed
	// floor(highestBid * MinRaiseNumerator / MinRaiseDenominator).
	MinRaiseNumerator   = 105
	MinRaiseDenominator = 100

	// RefundFeeNumerator and RefundFeeDenominator define the fee withheld
	// from refunds and credited to the seller:
	// fee = floor(balance * RefundFeeNumerator / RefundFeeDenominator).
	RefundFeeNumerator   = 2
	RefundFeeDenominator = 100
)

var (
	// ErrInvalidState indicates the operation is not allowed in the
	// auction's current phase, or bidding is paused.
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrBidTooLow indicates the resulting cumulative total does not
	// strictly exceed the minimum required raise.
	ErrBidTooLow = errors.New("bid total does not exceed minimum raise")

	// ErrZeroValue indicates a zero or negative amount.
	ErrZeroValue = errors.New("amount must be greater than zero")

	// ErrNotEligible indicates the caller's identity forbids the operation
	// (not seller, not an administrator, or is the leader/winner).
	ErrNotEligible = errors.New("caller not eligible for this operation")

	// ErrNoFunds indicates a zero balance on a withdrawal path.
	ErrNoFunds = errors.New("no funds available")

	// ErrAlreadyEnded indicates the auction was already finalized.
	ErrAlreadyEnded = errors.New("auction already ended")

	// ErrTransferFailed indicates the value-transfer primitive rejected the
	// movement; the failed call leaves no state changes behind.
	ErrTransferFailed = errors.New("value transfer failed")

	// ErrReentrantCall indicates a guarded operation was entered while
	// another was still on the call stack.
	ErrReentrantCall = errors.New("reentrant call rejected")

	// ErrOfferNotFound indicates the requested offer-log entry was not found.
	ErrOfferNotFound = errors.New("offer not found")
)

// AccountID identifies an account on the settlement ledger.
type AccountID string

// OfferID is a unique identifier for an accepted offer.
type OfferID string

// Offer is one accepted bid: the increment added in that call, not the
// bidder's new cumulative total.
type Offer struct {
	ID     OfferID
	Index  int
	Bidder AccountID
	Amount *big.Int
	Time   time.Time
}

// Phase is the auction lifecycle phase, evaluated lazily from the clock.
type Phase int

const (
	// PhasePending indicates the auction has not opened for bids yet.
	PhasePending Phase = iota
	// PhaseActive indicates bids are being accepted.
	PhaseActive
	// PhaseEnded indicates the terminal settled state.
	PhaseEnded
)

var phaseStrings = map[Phase]string{
	PhasePending: "pending",
	PhaseActive:  "active",
	PhaseEnded:   "ended",
}

var phaseByString map[string]Phase

func init() {
	phaseByString = make(map[string]Phase)
	for p, s := range phaseStrings {
		phaseByString[s] = p
	}
}

// String returns a string-encoded phase.
func (p Phase) String() string {
	if s, exists := phaseStrings[p]; exists {
		return s
	}
	return "invalid"
}

// PhaseByString finds a phase by its string representation, or errors if the
// phase does not exist.
func PhaseByString(s string) (Phase, error) {
	if p, exists := phaseByString[s]; exists {
		return p, nil
	}
	return -1, errors.New("invalid phase")
}

// MinRequiredTotal returns the cumulative total a new bid must strictly
// exceed, given the current highest cumulative bid. Zero when there is no
// leader yet.
func MinRequiredTotal(highest *big.Int) *big.Int {
	if highest == nil || highest.Sign() == 0 {
		return new(big.Int)
	}
	min := new(big.Int).Mul(highest, big.NewInt(MinRaiseNumerator))
	return min.Div(min, big.NewInt(MinRaiseDenominator))
}

// SplitRefund splits a balance into the seller fee and the refundable
// remainder. The pieces always reconcile exactly: fee + refund == balance.
func SplitRefund(balance *big.Int) (fee, refund *big.Int) {
	fee = new(big.Int).Mul(balance, big.NewInt(RefundFeeNumerator))
	fee.Div(fee, big.NewInt(RefundFeeDenominator))
	refund = new(big.Int).Sub(balance, fee)
	return fee, refund
}

// ParseAmount parses a base-10 integer amount. Used at API boundaries so the
// engine only ever sees well-formed values.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parsing amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", s)
	}
	return v, nil
}
