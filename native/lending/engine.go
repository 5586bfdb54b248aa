package lending

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"collend/events"
)

// Error taxonomy. The exported heads are stable and errors.Is-comparable;
// specific conditions wrap them with context.
var (
	ErrUnauthorized    = errors.New("lending: unauthorized caller")
	ErrInvalidState    = errors.New("lending: invalid lifecycle state")
	ErrDefaulted       = errors.New("lending: loan past expiry")
	ErrNoDefault       = errors.New("lending: loan not yet expired")
	ErrNotRollable     = errors.New("lending: rollover disabled by lender")
	ErrPolicyViolation = errors.New("lending: policy violation")
)

var (
	errZeroRatio      = fmt.Errorf("zero loan-to-collateral ratio: %w", ErrPolicyViolation)
	errInvalidAmount  = fmt.Errorf("amount must be positive: %w", ErrPolicyViolation)
	errInvalidTenor   = fmt.Errorf("duration must be positive: %w", ErrPolicyViolation)
	errOverRepayment  = fmt.Errorf("repayment exceeds outstanding debt: %w", ErrPolicyViolation)
	errRequestClosed  = fmt.Errorf("request no longer active: %w", ErrInvalidState)
	errRequestMissing = fmt.Errorf("request not found: %w", ErrInvalidState)
	errLoanClosed     = fmt.Errorf("loan closed or not found: %w", ErrInvalidState)
)

// Vault is the escrow engine for exactly one borrower and one
// (collateral, debt) asset pair. It exclusively owns the append-only request
// and loan ledgers for that borrower; ids index into the ledgers and are never
// reused or resequenced. Every public operation is serialized by the vault
// mutex and mutates state before issuing the asset transfer it triggers, so a
// re-entrant callee always observes post-mutation state.
type Vault struct {
	mu         sync.Mutex
	owner      [20]byte
	addr       [20]byte
	collateral Token
	debt       Token
	requests   []*Request
	loans      []*Loan // nil slot == tombstone
	emitter    events.Emitter
	nowFn      func() int64
}

// NewVault constructs an escrow engine holding its locked assets under addr.
func NewVault(owner, addr [20]byte, collateral, debt Token) *Vault {
	return &Vault{
		owner:      owner,
		addr:       addr,
		collateral: collateral,
		debt:       debt,
		emitter:    events.NoopEmitter{},
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the notification sink. Passing nil resets it to a
// no-op implementation.
func (v *Vault) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		v.emitter = events.NoopEmitter{}
		return
	}
	v.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (v *Vault) SetNowFunc(now func() int64) {
	if now == nil {
		v.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	v.nowFn = now
}

// Owner returns the borrower identity the vault is scoped to.
func (v *Vault) Owner() [20]byte { return v.owner }

// Address returns the vault's holding account in the asset ledgers. Borrowers
// approve this address to pull collateral; lenders approve it to pull the
// debt disbursement.
func (v *Vault) Address() [20]byte { return v.addr }

// CollateralToken returns the collateral-asset capability.
func (v *Vault) CollateralToken() Token { return v.collateral }

// DebtToken returns the debt-asset capability.
func (v *Vault) DebtToken() Token { return v.debt }

func (v *Vault) emit(evt events.Event) {
	if v.emitter == nil {
		return
	}
	v.emitter.Emit(evt)
}

// Request appends an active loan offer and pulls the computed collateral from
// the caller into escrow. Any identity may request: the vault is already
// scoped to a single owner by construction, so no authorization applies.
func (v *Vault) Request(caller [20]byte, amount, interest, loanToCollateral *big.Int, duration int64) (uint64, error) {
	if amount == nil || amount.Sign() <= 0 {
		return 0, errInvalidAmount
	}
	if duration <= 0 {
		return 0, errInvalidTenor
	}
	collateral, err := CollateralFor(amount, loanToCollateral)
	if err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	req := &Request{
		ID:               uint64(len(v.requests)),
		Amount:           cloneBigInt(amount),
		Interest:         cloneBigInt(interest),
		LoanToCollateral: cloneBigInt(loanToCollateral),
		Duration:         duration,
		Active:           true,
	}
	v.requests = append(v.requests, req)

	if err := v.collateral.TransferFrom(v.addr, caller, v.addr, collateral); err != nil {
		v.requests = v.requests[:len(v.requests)-1]
		return 0, err
	}
	v.emit(newRequestedEvent(v, req, collateral))
	return req.ID, nil
}

// Rescind deactivates an open request and refunds the originally computed
// collateral to the owner. Only the owner may rescind; a second rescind on the
// same id fails on the lifecycle flag, so no double refund is possible.
func (v *Vault) Rescind(caller [20]byte, requestID uint64) error {
	if caller != v.owner {
		return ErrUnauthorized
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	req, err := v.openRequest(requestID)
	if err != nil {
		return err
	}
	collateral, err := CollateralFor(req.Amount, req.LoanToCollateral)
	if err != nil {
		return err
	}

	req.Active = false
	if err := v.collateral.Transfer(v.addr, v.owner, collateral); err != nil {
		req.Active = true
		return err
	}
	v.emit(newRescindedEvent(v, req))
	return nil
}

// Clear activates an open request, recording the caller as lender of the new
// loan and disbursing the requested debt from the caller to the owner. The
// request is deactivated before the transfer. When called directly the vault
// performs no policy checks; bounds enforcement is the gateway's concern, and
// the direct path deliberately bypasses it.
func (v *Vault) Clear(lender [20]byte, requestID uint64, now int64) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	req, err := v.openRequest(requestID)
	if err != nil {
		return 0, err
	}
	collateral, err := CollateralFor(req.Amount, req.LoanToCollateral)
	if err != nil {
		return 0, err
	}
	interest := InterestFor(req.Amount, req.Interest, req.Duration)

	req.Active = false
	loan := &Loan{
		ID:         uint64(len(v.loans)),
		Request:    *req.Clone(),
		Amount:     new(big.Int).Add(req.Amount, interest),
		Collateral: collateral,
		Expiry:     now + req.Duration,
		Rollable:   true,
		Lender:     lender,
	}
	v.loans = append(v.loans, loan)

	if err := v.debt.TransferFrom(v.addr, lender, v.owner, req.Amount); err != nil {
		v.loans = v.loans[:len(v.loans)-1]
		req.Active = true
		return 0, err
	}
	v.emit(newClearedEvent(v, loan))
	return loan.ID, nil
}

// Repay pays down an open loan before expiry and releases collateral
// proportionally to the owner. Repaying the full outstanding amount closes the
// loan and tombstones its slot. Repaying more than the outstanding amount is
// rejected outright rather than truncated.
func (v *Vault) Repay(caller [20]byte, loanID uint64, repaid *big.Int, now int64) error {
	if repaid == nil || repaid.Sign() <= 0 {
		return errInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	loan, err := v.openLoan(loanID)
	if err != nil {
		return err
	}
	if now > loan.Expiry {
		return ErrDefaulted
	}
	if repaid.Cmp(loan.Amount) > 0 {
		return errOverRepayment
	}

	decollateralized := new(big.Int).Mul(loan.Collateral, repaid)
	decollateralized.Quo(decollateralized, loan.Amount)

	full := repaid.Cmp(loan.Amount) == 0
	prevAmount, prevCollateral := loan.Amount, loan.Collateral
	if full {
		v.loans[loanID] = nil
	} else {
		loan.Amount = new(big.Int).Sub(loan.Amount, repaid)
		loan.Collateral = new(big.Int).Sub(loan.Collateral, decollateralized)
	}

	if err := v.debt.TransferFrom(v.addr, caller, loan.Lender, repaid); err != nil {
		loan.Amount, loan.Collateral = prevAmount, prevCollateral
		if full {
			v.loans[loanID] = loan
		}
		return err
	}
	// The released collateral comes from the vault's own escrowed balance,
	// which always covers loan.Collateral, so a conforming ledger cannot
	// fail this transfer.
	if decollateralized.Sign() > 0 {
		if err := v.collateral.Transfer(v.addr, v.owner, decollateralized); err != nil {
			loan.Amount, loan.Collateral = prevAmount, prevCollateral
			if full {
				v.loans[loanID] = loan
			}
			return err
		}
	}
	v.emit(newRepaidEvent(v, loan, repaid, decollateralized, full))
	return nil
}

// Roll extends an open, rollable loan by its original tenor, re-applying the
// frozen request terms to the current outstanding amount. Interest accrues on
// the new amount and the caller tops up collateral to restore the original
// ratio. The terms always come from the request embedded in this loan, never
// from the standalone requests ledger, whose ids can diverge.
func (v *Vault) Roll(caller [20]byte, loanID uint64, now int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	loan, err := v.openLoan(loanID)
	if err != nil {
		return err
	}
	if now > loan.Expiry {
		return ErrDefaulted
	}
	if !loan.Rollable {
		return ErrNotRollable
	}

	required, err := CollateralFor(loan.Amount, loan.Request.LoanToCollateral)
	if err != nil {
		return err
	}
	topUp := new(big.Int).Sub(required, loan.Collateral)
	if topUp.Sign() < 0 {
		// Truncation during partial repays can leave a base unit or two more
		// collateral than the ratio requires; never pay that back out here.
		topUp = big.NewInt(0)
	}
	interest := InterestFor(loan.Amount, loan.Request.Interest, loan.Request.Duration)

	prevAmount, prevCollateral, prevExpiry := loan.Amount, loan.Collateral, loan.Expiry
	loan.Amount = new(big.Int).Add(loan.Amount, interest)
	loan.Collateral = new(big.Int).Add(loan.Collateral, topUp)
	loan.Expiry += loan.Request.Duration

	if topUp.Sign() > 0 {
		if err := v.collateral.TransferFrom(v.addr, caller, v.addr, topUp); err != nil {
			loan.Amount, loan.Collateral, loan.Expiry = prevAmount, prevCollateral, prevExpiry
			return err
		}
	}
	v.emit(newRolledEvent(v, loan, interest, topUp))
	return nil
}

// ToggleRoll flips the loan's rollable flag and returns the new value. Only
// the recorded lender may toggle.
func (v *Vault) ToggleRoll(caller [20]byte, loanID uint64) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	loan, err := v.openLoan(loanID)
	if err != nil {
		return false, err
	}
	if caller != loan.Lender {
		return false, ErrUnauthorized
	}
	loan.Rollable = !loan.Rollable
	v.emit(newRollToggledEvent(v, loan))
	return loan.Rollable, nil
}

// Defaulted seizes the collateral of an expired loan for the recorded lender
// and closes the loan, returning the seized amount. The trigger is
// permissionless: the collateral can only go to the lender, so any caller
// merely settles what is already the lender's.
func (v *Vault) Defaulted(loanID uint64, now int64) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	loan, err := v.openLoan(loanID)
	if err != nil {
		return nil, err
	}
	if now <= loan.Expiry {
		return nil, ErrNoDefault
	}

	seized := cloneBigInt(loan.Collateral)
	v.loans[loanID] = nil
	if seized.Sign() > 0 {
		if err := v.collateral.Transfer(v.addr, loan.Lender, seized); err != nil {
			v.loans[loanID] = loan
			return nil, err
		}
	}
	v.emit(newDefaultedEvent(v, loan, seized))
	return seized, nil
}

// RequestByID returns a copy of the request ledger slot.
func (v *Vault) RequestByID(requestID uint64) (*Request, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if requestID >= uint64(len(v.requests)) {
		return nil, false
	}
	return v.requests[requestID].Clone(), true
}

// LoanByID returns a copy of the loan ledger slot; closed loans report absent.
func (v *Vault) LoanByID(loanID uint64) (*Loan, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if loanID >= uint64(len(v.loans)) || v.loans[loanID] == nil {
		return nil, false
	}
	return v.loans[loanID].Clone(), true
}

// RequestCount returns the number of request slots ever created.
func (v *Vault) RequestCount() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return uint64(len(v.requests))
}

// LoanCount returns the number of loan slots ever created, tombstones included.
func (v *Vault) LoanCount() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return uint64(len(v.loans))
}

func (v *Vault) openRequest(requestID uint64) (*Request, error) {
	if requestID >= uint64(len(v.requests)) {
		return nil, errRequestMissing
	}
	req := v.requests[requestID]
	if !req.Active {
		return nil, errRequestClosed
	}
	return req, nil
}

func (v *Vault) openLoan(loanID uint64) (*Loan, error) {
	if loanID >= uint64(len(v.loans)) || v.loans[loanID] == nil {
		return nil, errLoanClosed
	}
	return v.loans[loanID], nil
}
