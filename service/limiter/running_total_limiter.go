package limiter

import (
	"container/list"
	"math/big"
	"sync"
	"time"
)

// Limiter caps the total bid value accepted in a rolling period. It's an
// interface just so we can have a NopeLimiter which does nothing.
type Limiter interface {
	Request(amount *big.Int) bool
	Commit(amount *big.Int)
	Withdraw(amount *big.Int)
}

// RunningTotalLimiter is a variant of sliding log rate limiter. It keeps all
// commits with timestamps. What makes it different from a typical rate
// limiter is that there are two phases - The caller first requests capacity
// for an amount, does some work, then either commits the amount, or
// withdraws it so it can be requested by others. So at any time, the running
// total represents the value committed in that period of time, plus the
// value requested but not committed yet.
type RunningTotalLimiter struct {
	period time.Duration
	limit  *big.Int
	total  *big.Int
	list   *list.List // list keeps committed amounts chronologically
	mu     sync.Mutex
}

type elem struct {
	ts time.Time
	n  *big.Int
}

// NewRunningTotalLimiter creates a Limiter which caps the running total in the 'period' to 'limit'.
func NewRunningTotalLimiter(period time.Duration, limit *big.Int) Limiter {
	return &RunningTotalLimiter{
		period: period,
		limit:  new(big.Int).Set(limit),
		total:  new(big.Int),
		list:   list.New(),
	}
}

// Request requests capacity for 'amount' and returns if granted or not. If
// granted, the amount must be either withdrawn or committed some time later,
// or we'll run out of capacity.
func (rl *RunningTotalLimiter) Request(amount *big.Int) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for e := rl.list.Front(); e != nil; {
		item := e.Value.(elem)
		if now.Sub(item.ts) <= rl.period {
			break
		}
		rl.total.Sub(rl.total, item.n)
		if rl.total.Sign() < 0 {
			// if the caller commits some amount more than once, this
			// could happen. Add a guard here just to prevent the total
			// from going negative.
			rl.total.SetInt64(0)
		}
		toRemove := e
		e = e.Next()
		rl.list.Remove(toRemove)
	}
	next := new(big.Int).Add(rl.total, amount)
	if next.Cmp(rl.limit) > 0 {
		return false
	}
	rl.total = next
	return true
}

// Commit makes the requested amount permanent for the configured period.
// It's the caller's responsibility to always request the capacity before
// committing it.
func (rl *RunningTotalLimiter) Commit(amount *big.Int) {
	e := elem{time.Now(), new(big.Int).Set(amount)}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.list.PushBack(e)
}

// Withdraw withdraws an amount previously requested.
func (rl *RunningTotalLimiter) Withdraw(amount *big.Int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.total.Cmp(amount) < 0 {
		panic("total would become negative. are you attempting to withdraw more than once?")
	}
	rl.total.Sub(rl.total, amount)
}

// NopeLimiter does no limit.
type NopeLimiter struct{}

// Request always return true.
func (l NopeLimiter) Request(amount *big.Int) bool { return true }

// Commit does nothing.
func (l NopeLimiter) Commit(amount *big.Int) {}

// Withdraw does nothing.
func (l NopeLimiter) Withdraw(amount *big.Int) {}
