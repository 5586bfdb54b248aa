package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

var (
	errInvalidAmount         = errors.New("token ledger: amount must be positive")
	errInsufficientBalance   = errors.New("token ledger: insufficient balance")
	errInsufficientAllowance = errors.New("token ledger: insufficient allowance")
)

// ErrInsufficientBalance reports a debit exceeding the holder's balance.
func ErrInsufficientBalance() error { return errInsufficientBalance }

// ErrInsufficientAllowance reports a TransferFrom exceeding the approved amount.
func ErrInsufficientAllowance() error { return errInsufficientAllowance }

// Ledger is an in-process fungible balance store with allowance-gated
// third-party transfers. It implements the asset capability consumed by the
// lending engines; identities are raw 20-byte protocol addresses.
type Ledger struct {
	mu         sync.Mutex
	symbol     string
	balances   map[[20]byte]*big.Int
	allowances map[[20]byte]map[[20]byte]*big.Int
}

// NewLedger constructs an empty ledger for the supplied asset symbol. The
// symbol is canonicalised to uppercase; it identifies the asset when engines
// compare pair scopes.
func NewLedger(symbol string) (*Ledger, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return nil, fmt.Errorf("token ledger: symbol required")
	}
	return &Ledger{
		symbol:     trimmed,
		balances:   make(map[[20]byte]*big.Int),
		allowances: make(map[[20]byte]map[[20]byte]*big.Int),
	}, nil
}

// Symbol returns the canonical asset symbol.
func (l *Ledger) Symbol() string {
	if l == nil {
		return ""
	}
	return l.symbol
}

// Mint credits freshly issued units to the recipient. Used for genesis
// allocations and tests; the protocol itself never mints.
func (l *Ledger) Mint(to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(to, amount)
	return nil
}

// BalanceOf returns the holder's current balance. The returned value is a
// copy; callers may mutate it freely.
func (l *Ledger) BalanceOf(addr [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Approve authorises the spender to move up to amount from the owner's
// balance via TransferFrom. Re-approval overwrites the previous allowance.
func (l *Ledger) Approve(owner, spender [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	byOwner, ok := l.allowances[owner]
	if !ok {
		byOwner = make(map[[20]byte]*big.Int)
		l.allowances[owner] = byOwner
	}
	byOwner[spender] = new(big.Int).Set(amount)
	return nil
}

// Allowance returns the remaining amount the spender may move from the owner.
func (l *Ledger) Allowance(owner, spender [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if byOwner, ok := l.allowances[owner]; ok {
		if amt, ok := byOwner[spender]; ok {
			return new(big.Int).Set(amt)
		}
	}
	return big.NewInt(0)
}

// Transfer moves funds out of the sender's own balance.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.credit(to, amount)
	return nil
}

// TransferFrom moves funds from a third party who pre-authorised the spender
// for at least amount. The allowance is consumed by the transferred amount.
func (l *Ledger) TransferFrom(spender, from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	byOwner := l.allowances[from]
	remaining, ok := byOwner[spender]
	if !ok || remaining.Cmp(amount) < 0 {
		return errInsufficientAllowance
	}
	if err := l.debit(from, amount); err != nil {
		return err
	}
	byOwner[spender] = new(big.Int).Sub(remaining, amount)
	l.credit(to, amount)
	return nil
}

func (l *Ledger) debit(addr [20]byte, amount *big.Int) error {
	bal, ok := l.balances[addr]
	if !ok || bal.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	l.balances[addr] = new(big.Int).Sub(bal, amount)
	return nil
}

func (l *Ledger) credit(addr [20]byte, amount *big.Int) {
	bal, ok := l.balances[addr]
	if !ok {
		bal = big.NewInt(0)
	}
	l.balances[addr] = new(big.Int).Add(bal, amount)
}
