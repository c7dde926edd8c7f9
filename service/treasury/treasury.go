package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	golog "github.com/textileio/go-log/v2"

	"github.com/gavelhouse/gaveld/lib/auction"
)

var (
	log = golog.Logger("gaveld/vault")

	// ErrInsufficientFunds indicates the source account cannot cover the
	// requested movement.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnsolicitedTransfer indicates a direct transfer targeted the
	// custody account. Funds enter custody through Escrow only, so custody
	// never holds value the ledger does not know about.
	ErrUnsolicitedTransfer = errors.New("unsolicited transfer into custody")

	// ErrUnknownAccount indicates the account has no balance record.
	ErrUnknownAccount = errors.New("unknown account")
)

// CustodyAccount is the reserved account id holding escrowed funds. Direct
// transfers to it are rejected.
const CustodyAccount = auction.AccountID("$custody")

// Vault is an in-process account ledger acting as the value-transfer
// primitive behind the auction. Accounts are funded with Credit, bids move
// value into the custody account through Escrow, and payouts leave through
// Release. All operations are atomic under one lock.
type Vault struct {
	lk       sync.Mutex
	balances map[auction.AccountID]*big.Int
}

// New returns an empty Vault.
func New() *Vault {
	return &Vault{balances: map[auction.AccountID]*big.Int{
		CustodyAccount: new(big.Int),
	}}
}

func (v *Vault) balance(acct auction.AccountID) *big.Int {
	b, exists := v.balances[acct]
	if !exists {
		b = new(big.Int)
		v.balances[acct] = b
	}
	return b
}

// Credit adds amount to an account's spendable balance.
func (v *Vault) Credit(acct auction.AccountID, amount *big.Int) error {
	if acct == CustodyAccount {
		return ErrUnsolicitedTransfer
	}
	if amount == nil || amount.Sign() <= 0 {
		return auction.ErrZeroValue
	}
	v.lk.Lock()
	defer v.lk.Unlock()
	b := v.balance(acct)
	b.Add(b, amount)
	log.Debugf("credited %s: +%s -> %s", acct, amount, b)
	return nil
}

// BalanceOf returns an account's spendable balance, zero when unknown.
func (v *Vault) BalanceOf(acct auction.AccountID) *big.Int {
	v.lk.Lock()
	defer v.lk.Unlock()
	return new(big.Int).Set(v.balance(acct))
}

// Transfer moves value between two spendable accounts. Custody is not a
// valid destination; only Escrow funds it.
func (v *Vault) Transfer(from, to auction.AccountID, amount *big.Int) error {
	if to == CustodyAccount {
		return ErrUnsolicitedTransfer
	}
	if amount == nil || amount.Sign() <= 0 {
		return auction.ErrZeroValue
	}
	v.lk.Lock()
	defer v.lk.Unlock()
	return v.move(from, to, amount)
}

// Escrow implements the engine's escrow primitive: it moves amount from the
// bidder's spendable balance into custody.
func (v *Vault) Escrow(_ context.Context, from auction.AccountID, amount *big.Int) error {
	if from == CustodyAccount {
		return ErrUnsolicitedTransfer
	}
	v.lk.Lock()
	defer v.lk.Unlock()
	if err := v.move(from, CustodyAccount, amount); err != nil {
		return err
	}
	log.Debugf("escrowed %s from %s", amount, from)
	return nil
}

// Release implements the engine's payout primitive: it moves amount out of
// custody into the recipient's spendable balance.
func (v *Vault) Release(_ context.Context, to auction.AccountID, amount *big.Int) error {
	if to == CustodyAccount {
		return ErrUnsolicitedTransfer
	}
	v.lk.Lock()
	defer v.lk.Unlock()
	if err := v.move(CustodyAccount, to, amount); err != nil {
		return err
	}
	log.Debugf("released %s to %s", amount, to)
	return nil
}

// Custody returns the total value currently held in escrow.
func (v *Vault) Custody() *big.Int {
	v.lk.Lock()
	defer v.lk.Unlock()
	return new(big.Int).Set(v.balance(CustodyAccount))
}

// CloseAccount removes a zero-balance account record.
func (v *Vault) CloseAccount(acct auction.AccountID) error {
	if acct == CustodyAccount {
		return ErrUnsolicitedTransfer
	}
	v.lk.Lock()
	defer v.lk.Unlock()
	b, exists := v.balances[acct]
	if !exists {
		return ErrUnknownAccount
	}
	if b.Sign() != 0 {
		return fmt.Errorf("account %s holds %s", acct, b)
	}
	delete(v.balances, acct)
	return nil
}

// move transfers with the lock held.
func (v *Vault) move(from, to auction.AccountID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return auction.ErrZeroValue
	}
	src := v.balance(from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%s holds %s, needs %s: %w", from, src, amount, ErrInsufficientFunds)
	}
	dst := v.balance(to)
	src.Sub(src, amount)
	dst.Add(dst, amount)
	return nil
}
