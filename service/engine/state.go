package engine

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gavelhouse/gaveld/lib/auction"
)

// Params defines how an auction is constructed.
type Params struct {
	// Seller is the account that receives the winning amount and the
	// collected refund fees. Immutable after construction.
	Seller auction.AccountID
	// StartTime is the absolute opening time; must be strictly in the
	// future at construction.
	StartTime time.Time
	// DurationMinutes determines the initial deadline:
	// endTime = startTime + durationMinutes*60s. Late bids may extend it.
	DurationMinutes uint64
}

// Validate ensures Params are valid relative to now.
func (p Params) Validate(now time.Time) error {
	if p.Seller == "" {
		return errors.New("seller is empty")
	}
	if !p.StartTime.After(now) {
		return errors.New("start time must be strictly in the future")
	}
	if p.DurationMinutes == 0 {
		return errors.New("duration must be greater than zero")
	}
	if p.DurationMinutes > auction.MaxDurationMinutes {
		return fmt.Errorf("duration exceeds %d minutes", auction.MaxDurationMinutes)
	}
	return nil
}

// State is the full auction aggregate. It is owned by an Engine and mutated
// only through guarded operations; it is exported so the service can
// snapshot it for persistence and restore it across restarts.
type State struct {
	AuctionID string
	Seller    auction.AccountID
	StartTime time.Time
	EndTime   time.Time

	HighestBidder auction.AccountID
	HighestBid    *big.Int
	Ended         bool
	CollectedFees *big.Int

	// Deposits maps each account to its current escrowed amount. An
	// account's deposit accumulates across its bids.
	Deposits map[auction.AccountID]*big.Int

	// Offers is the append-only offer log; each record holds the increment
	// added by that bid, not the bidder's new total.
	Offers []auction.Offer

	// LastOffer maps an account to the log index of its most recent offer.
	// Informational only; it never gates withdrawal amounts.
	LastOffer map[auction.AccountID]int
}

func newState(id string, p Params) *State {
	return &State{
		AuctionID:     id,
		Seller:        p.Seller,
		StartTime:     p.StartTime,
		EndTime:       p.StartTime.Add(time.Duration(p.DurationMinutes) * time.Minute),
		HighestBid:    new(big.Int),
		CollectedFees: new(big.Int),
		Deposits:      make(map[auction.AccountID]*big.Int),
		LastOffer:     make(map[auction.AccountID]int),
	}
}

// phase derives the lifecycle phase lazily from the clock. Time expiry
// closes the bidding window by itself; the Ended flag still requires an
// explicit finalize (or an administrative override).
func (s *State) phase(now time.Time) auction.Phase {
	switch {
	case s.Ended:
		return auction.PhaseEnded
	case now.Before(s.StartTime):
		return auction.PhasePending
	case now.Before(s.EndTime):
		return auction.PhaseActive
	default:
		return auction.PhaseEnded
	}
}

// deposit returns the account's current balance, zero when absent. The
// returned value is the live ledger entry; callers must not retain it.
func (s *State) deposit(acct auction.AccountID) *big.Int {
	if d, exists := s.Deposits[acct]; exists {
		return d
	}
	return new(big.Int)
}

func (s *State) setDeposit(acct auction.AccountID, v *big.Int) {
	if v.Sign() == 0 {
		delete(s.Deposits, acct)
		return
	}
	s.Deposits[acct] = v
}

// Clone deep-copies the state so snapshots never alias live ledger entries.
func (s *State) Clone() *State {
	c := &State{
		AuctionID:     s.AuctionID,
		Seller:        s.Seller,
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
		HighestBidder: s.HighestBidder,
		HighestBid:    new(big.Int).Set(s.HighestBid),
		Ended:         s.Ended,
		CollectedFees: new(big.Int).Set(s.CollectedFees),
		Deposits:      make(map[auction.AccountID]*big.Int, len(s.Deposits)),
		Offers:        make([]auction.Offer, len(s.Offers)),
		LastOffer:     make(map[auction.AccountID]int, len(s.LastOffer)),
	}
	for acct, d := range s.Deposits {
		c.Deposits[acct] = new(big.Int).Set(d)
	}
	for i, o := range s.Offers {
		o.Amount = new(big.Int).Set(o.Amount)
		c.Offers[i] = o
	}
	for acct, i := range s.LastOffer {
		c.LastOffer[acct] = i
	}
	return c
}

// Status is a read-only view of the auction for the query surface.
type Status struct {
	AuctionID     string
	Phase         auction.Phase
	Seller        auction.AccountID
	StartTime     time.Time
	EndTime       time.Time
	HighestBidder auction.AccountID
	HighestBid    *big.Int
	OfferCount    int
	Ended         bool
	Paused        bool
}
