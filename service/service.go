package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	golog "github.com/textileio/go-log/v2"

	"github.com/gavelhouse/gaveld/lib/auction"
	"github.com/gavelhouse/gaveld/lib/dshelper/txndswrap"
	"github.com/gavelhouse/gaveld/lib/finalizer"
	"github.com/gavelhouse/gaveld/service/engine"
	"github.com/gavelhouse/gaveld/service/limiter"
	offerstore "github.com/gavelhouse/gaveld/service/store"
	"github.com/gavelhouse/gaveld/service/treasury"
)

var (
	log = golog.Logger("gaveld/service")

	// ErrWouldExceedBidValueLimit indicates the daemon's rolling bid-value
	// cap would be exceeded by accepting the bid.
	ErrWouldExceedBidValueLimit = errors.New("would exceed running bid value limit")
)

// AuctionConfig defines the auction hosted by the daemon.
type AuctionConfig struct {
	// Seller receives the winning amount and the collected fees.
	Seller auction.AccountID
	// Admins may pause bidding, run bulk refunds and the emergency paths.
	Admins []auction.AccountID
	// StartTime is the absolute opening time.
	StartTime time.Time
	// DurationMinutes determines the initial deadline.
	DurationMinutes uint64
}

// Validate ensures the AuctionConfig is complete.
func (c *AuctionConfig) Validate() error {
	if c.Seller == "" {
		return fmt.Errorf("invalid seller; must not be empty")
	}
	if len(c.Admins) == 0 {
		return fmt.Errorf("invalid admins; must name at least one account")
	}
	return nil
}

// Config defines params for Service configuration.
type Config struct {
	Auction AuctionConfig
	// BidValueLimiter caps the total bid value accepted per rolling
	// period. Defaults to no limit.
	BidValueLimiter limiter.Limiter
	// Clock overrides the time source. Defaults to the system clock.
	Clock engine.Clock
}

// accessControl answers the engine's capability questions and owns the
// pause flag.
type accessControl struct {
	seller auction.AccountID
	admins map[auction.AccountID]struct{}

	lk     sync.Mutex
	paused bool
}

func (a *accessControl) IsAdmin(acct auction.AccountID) bool {
	_, exists := a.admins[acct]
	return exists
}

func (a *accessControl) IsSeller(acct auction.AccountID) bool {
	return acct == a.seller
}

func (a *accessControl) Paused() bool {
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.paused
}

func (a *accessControl) setPaused(p bool) {
	a.lk.Lock()
	defer a.lk.Unlock()
	a.paused = p
}

// Balance is an account's position: the spendable vault balance plus the
// amount currently escrowed in the auction.
type Balance struct {
	Account   auction.AccountID
	Spendable *big.Int
	Escrowed  *big.Int
}

// Service hosts the auction engine behind one lock, persisting every
// accepted offer and a state snapshot after each successful mutation so a
// restart resumes the auction in place.
type Service struct {
	engine  *engine.Engine
	store   *offerstore.Store
	vault   *treasury.Vault
	access  *accessControl
	limiter limiter.Limiter

	finalizer *finalizer.Finalizer
	lk        sync.Mutex
}

// New returns a new Service. If the datastore holds a snapshot, the auction
// resumes from it and the configured start/duration are ignored.
func New(conf Config, store txndswrap.TxnDatastore) (*Service, error) {
	if err := conf.Auction.Validate(); err != nil {
		return nil, fmt.Errorf("validating auction config: %v", err)
	}
	if conf.BidValueLimiter == nil {
		conf.BidValueLimiter = limiter.NopeLimiter{}
	}
	fin := finalizer.NewFinalizer()

	s, err := offerstore.NewStore(store)
	if err != nil {
		return nil, fin.Cleanupf("creating offer store: %v", err)
	}
	fin.Add(s)

	vault := treasury.New()
	access := &accessControl{
		seller: conf.Auction.Seller,
		admins: make(map[auction.AccountID]struct{}, len(conf.Auction.Admins)),
	}
	for _, a := range conf.Auction.Admins {
		access.admins[a] = struct{}{}
	}

	deps := engine.Deps{
		Treasury:   vault,
		Gatekeeper: access,
		Clock:      conf.Clock,
		Sink:       multiSink{logSink{}, newMetricsSink()},
	}

	var e *engine.Engine
	snap, err := s.GetSnapshot()
	switch {
	case err == nil:
		e, err = engine.Resume(snap, deps)
		if err != nil {
			return nil, fin.Cleanupf("resuming auction: %v", err)
		}
		log.Infof("resumed auction %s from snapshot", snap.AuctionID)
		if short := custodyShortfall(snap, vault.Custody()); short.Sign() > 0 {
			log.Warnf(
				"treasury holds %s less than the resumed ledger records; refunds fail until custody is re-credited",
				short)
		}
	case errors.Is(err, offerstore.ErrSnapshotNotFound):
		e, err = engine.New(engine.Params{
			Seller:          conf.Auction.Seller,
			StartTime:       conf.Auction.StartTime,
			DurationMinutes: conf.Auction.DurationMinutes,
		}, deps)
		if err != nil {
			return nil, fin.Cleanupf("creating auction: %v", err)
		}
	default:
		return nil, fin.Cleanupf("loading snapshot: %v", err)
	}

	srv := &Service{
		engine:    e,
		store:     s,
		vault:     vault,
		access:    access,
		limiter:   conf.BidValueLimiter,
		finalizer: fin,
	}
	if err := srv.snapshot(); err != nil {
		return nil, fin.Cleanupf("saving initial snapshot: %v", err)
	}
	log.Info("service started")
	return srv, nil
}

// custodyShortfall reports how much of the ledger's recorded value the
// treasury does not actually hold. Non-zero after a restart, since the vault
// is in-memory while the auction state persists.
func custodyShortfall(st *engine.State, custody *big.Int) *big.Int {
	expected := new(big.Int).Set(st.CollectedFees)
	for _, d := range st.Deposits {
		expected.Add(expected, d)
	}
	return expected.Sub(expected, custody)
}

// Close the service.
func (s *Service) Close() error {
	log.Info("service was shutdown")
	return s.finalizer.Cleanup(nil)
}

// HealthCheck reports whether the service can serve requests.
func (s *Service) HealthCheck() error {
	return nil
}

// snapshot persists the engine state. Callers hold s.lk. A snapshot failure
// after a successful mutation is logged, not returned; funds already moved
// and the next successful mutation writes a fresh snapshot.
func (s *Service) snapshot() error {
	return s.store.SaveSnapshot(s.engine.Snapshot())
}

func (s *Service) snapshotLogged() {
	if err := s.snapshot(); err != nil {
		log.Errorf("saving snapshot: %v", err)
	}
}

// PlaceBid submits a bid for bidder, escrowing amount from its vault
// balance.
func (s *Service) PlaceBid(ctx context.Context, bidder auction.AccountID, amount *big.Int) (*auction.Offer, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	if amount != nil && amount.Sign() > 0 && !s.limiter.Request(amount) {
		return nil, ErrWouldExceedBidValueLimit
	}
	offer, err := s.engine.PlaceBid(ctx, bidder, amount)
	if err != nil {
		if amount != nil && amount.Sign() > 0 {
			s.limiter.Withdraw(amount)
		}
		return nil, err
	}
	s.limiter.Commit(amount)

	if err := s.store.SaveOffer(*offer); err != nil {
		log.Errorf("saving offer %s: %v", offer.ID, err)
	}
	s.snapshotLogged()
	return offer, nil
}

// WithdrawExcess pays a non-leading bidder its entire balance while the
// auction is active.
func (s *Service) WithdrawExcess(ctx context.Context, caller auction.AccountID) (*big.Int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	paid, err := s.engine.WithdrawExcess(ctx, caller)
	if err != nil {
		return nil, err
	}
	s.snapshotLogged()
	return paid, nil
}

// WithdrawDeposit refunds a losing bidder after the end, minus the fee.
func (s *Service) WithdrawDeposit(ctx context.Context, caller auction.AccountID) (*big.Int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	refund, err := s.engine.WithdrawDeposit(ctx, caller)
	if err != nil {
		return nil, err
	}
	s.snapshotLogged()
	return refund, nil
}

// Finalize ends the auction once the deadline passed, settling with the
// seller.
func (s *Service) Finalize(ctx context.Context) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if err := s.engine.Finalize(ctx); err != nil {
		return err
	}
	s.snapshotLogged()
	return nil
}

// DistributeRefunds refunds every losing bidder with a balance. Admin only.
func (s *Service) DistributeRefunds(ctx context.Context, caller auction.AccountID) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	n, err := s.engine.DistributeRefunds(ctx, caller)
	if n > 0 {
		// Refunds paid before an abort stand, so persist them either way.
		s.snapshotLogged()
	}
	return n, err
}

// WithdrawFees pays the collected fees to the seller. Seller only.
func (s *Service) WithdrawFees(ctx context.Context, caller auction.AccountID) (*big.Int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	fees, err := s.engine.WithdrawFees(ctx, caller)
	if err != nil {
		return nil, err
	}
	s.snapshotLogged()
	return fees, nil
}

// Pause stops accepting bids. Admin only. Other operations are unaffected.
func (s *Service) Pause(caller auction.AccountID) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if !s.access.IsAdmin(caller) {
		return fmt.Errorf("admin required: %w", auction.ErrNotEligible)
	}
	s.access.setPaused(true)
	log.Warnf("bidding paused by %s", caller)
	return nil
}

// Resume resumes accepting bids. Admin only.
func (s *Service) Resume(caller auction.AccountID) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if !s.access.IsAdmin(caller) {
		return fmt.Errorf("admin required: %w", auction.ErrNotEligible)
	}
	s.access.setPaused(false)
	log.Infof("bidding resumed by %s", caller)
	return nil
}

// EmergencyEnd force-ends the auction without settlement. Admin only.
func (s *Service) EmergencyEnd(caller auction.AccountID) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if err := s.engine.EmergencyEnd(caller); err != nil {
		return err
	}
	s.snapshotLogged()
	return nil
}

// EmergencySweep moves all residual custody to the seller. Admin only.
func (s *Service) EmergencySweep(ctx context.Context, caller auction.AccountID) (*big.Int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	swept, err := s.engine.EmergencySweep(ctx, caller)
	if err != nil {
		return nil, err
	}
	s.snapshotLogged()
	return swept, nil
}

// Credit funds an account's spendable vault balance. Admin only.
func (s *Service) Credit(caller, acct auction.AccountID, amount *big.Int) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if !s.access.IsAdmin(caller) {
		return fmt.Errorf("admin required: %w", auction.ErrNotEligible)
	}
	if err := s.vault.Credit(acct, amount); err != nil {
		return err
	}
	log.Infof("credited %s to %s", amount, acct)
	return nil
}

// Auction returns the auction status.
func (s *Service) Auction() engine.Status {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.engine.Status()
}

// Winner returns the winning account and amount once the auction ended.
func (s *Service) Winner() (auction.AccountID, *big.Int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.engine.Winner()
}

// ListOffers lists persisted offers by applying a store query.
func (s *Service) ListOffers(query offerstore.Query) ([]*offerstore.OfferRecord, error) {
	return s.store.ListOffers(query)
}

// GetOfferByIndex returns the offer at a log index.
func (s *Service) GetOfferByIndex(index int) (*offerstore.OfferRecord, error) {
	return s.store.GetOfferByIndex(index)
}

// LastOfferIndex returns the log index of the account's latest offer.
func (s *Service) LastOfferIndex(acct auction.AccountID) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.engine.LastOfferIndex(acct)
}

// BalanceOf returns the account's spendable and escrowed balances.
func (s *Service) BalanceOf(acct auction.AccountID) Balance {
	s.lk.Lock()
	defer s.lk.Unlock()
	return Balance{
		Account:   acct,
		Spendable: s.vault.BalanceOf(acct),
		Escrowed:  s.engine.DepositOf(acct),
	}
}

// CollectedFees returns the accumulated fee balance. Seller only.
func (s *Service) CollectedFees(caller auction.AccountID) (*big.Int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.engine.CollectedFees(caller)
}
