package service

import (
	"context"
	"math/big"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"

	"github.com/gavelhouse/gaveld/lib/auction"
	"github.com/gavelhouse/gaveld/service/engine"
)

// logSink writes auction events to the service log.
type logSink struct{}

func (logSink) BidAccepted(bidder auction.AccountID, newTotal *big.Int) {
	log.Infof("bid accepted: bidder=%s total=%s", bidder, newTotal)
}

func (logSink) AuctionEnded(winner auction.AccountID, winningAmount *big.Int) {
	log.Infof("auction ended: winner=%s amount=%s", winner, winningAmount)
}

func (logSink) Withdrawal(acct auction.AccountID, paidOut *big.Int) {
	log.Infof("withdrawal: account=%s paid=%s", acct, paidOut)
}

// metricsSink counts auction events on the global meter. The prometheus
// endpoint is wired by common.SetupInstrumentation.
type metricsSink struct {
	bidsAccepted  metric.Int64Counter
	auctionsEnded metric.Int64Counter
	withdrawals   metric.Int64Counter
}

func newMetricsSink() *metricsSink {
	meter := global.Meter("gaveld")
	return &metricsSink{
		bidsAccepted:  metric.Must(meter).NewInt64Counter("gaveld.bids.accepted.total"),
		auctionsEnded: metric.Must(meter).NewInt64Counter("gaveld.auctions.ended.total"),
		withdrawals:   metric.Must(meter).NewInt64Counter("gaveld.withdrawals.total"),
	}
}

func (m *metricsSink) BidAccepted(auction.AccountID, *big.Int) {
	m.bidsAccepted.Add(context.Background(), 1)
}

func (m *metricsSink) AuctionEnded(auction.AccountID, *big.Int) {
	m.auctionsEnded.Add(context.Background(), 1)
}

func (m *metricsSink) Withdrawal(auction.AccountID, *big.Int) {
	m.withdrawals.Add(context.Background(), 1)
}

// multiSink fans events out to each sink in order.
type multiSink []engine.EventSink

func (s multiSink) BidAccepted(bidder auction.AccountID, newTotal *big.Int) {
	for _, sink := range s {
		sink.BidAccepted(bidder, newTotal)
	}
}

func (s multiSink) AuctionEnded(winner auction.AccountID, winningAmount *big.Int) {
	for _, sink := range s {
		sink.AuctionEnded(winner, winningAmount)
	}
}

func (s multiSink) Withdrawal(acct auction.AccountID, paidOut *big.Int) {
	for _, sink := range s {
		sink.Withdrawal(acct, paidOut)
	}
}
