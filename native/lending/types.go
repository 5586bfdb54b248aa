package lending

import "math/big"

// Token is the fungible-asset capability consumed by the protocol. Identities
// are opaque 20-byte values compared only for equality; Symbol identifies the
// asset when pair scopes are matched. No callback or hook behaviour is assumed
// beyond these operations.
type Token interface {
	// Transfer moves funds out of from's own balance.
	Transfer(from, to [20]byte, amount *big.Int) error
	// TransferFrom moves funds from a third party who pre-authorised the
	// spender for at least amount.
	TransferFrom(spender, from, to [20]byte, amount *big.Int) error
	// BalanceOf reports the holder's current balance.
	BalanceOf(addr [20]byte) *big.Int
	// Symbol returns the canonical asset identifier.
	Symbol() string
}

// ApprovingToken extends Token with allowance grants. The gateway needs it to
// authorise a vault to pull the debt disbursement from its working balance.
type ApprovingToken interface {
	Token
	Approve(owner, spender [20]byte, amount *big.Int) error
}

// Request is a borrower's loan offer. It is not yet a liability: only the
// computed collateral is locked. Active flips true->false exactly once, on
// rescind or clear, and never back.
type Request struct {
	ID uint64
	// Amount is the requested debt, fixed-point with 18-decimal scale.
	Amount *big.Int
	// Interest is the annualized rate where 1e18 == 100%.
	Interest *big.Int
	// LoanToCollateral is the debt units per collateral unit, 1e18 scale.
	LoanToCollateral *big.Int
	// Duration is the loan tenor in seconds.
	Duration int64
	Active   bool
}

// Clone returns a deep copy so callers can mutate freely without touching the
// ledger slot.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Amount = cloneBigInt(r.Amount)
	clone.Interest = cloneBigInt(r.Interest)
	clone.LoanToCollateral = cloneBigInt(r.LoanToCollateral)
	return &clone
}

// Loan is an activated request. Terms are frozen in the embedded Request at
// clear time; later protocol-parameter changes never touch an open loan.
type Loan struct {
	ID      uint64
	Request Request
	// Amount is the outstanding debt: principal plus accrued interest.
	Amount *big.Int
	// Collateral currently pledged against Amount. After every mutation
	// Collateral == Amount * 1e18 / Request.LoanToCollateral holds, within
	// truncation of the proportional release.
	Collateral *big.Int
	// Expiry is the absolute unix timestamp after which the loan defaults.
	Expiry int64
	// Rollable is lender-controlled and may be toggled any number of times.
	Rollable bool
	// Lender is owed Amount. Set once at clear time.
	Lender [20]byte
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Request = *l.Request.Clone()
	clone.Amount = cloneBigInt(l.Amount)
	clone.Collateral = cloneBigInt(l.Collateral)
	return &clone
}
