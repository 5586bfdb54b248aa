package lending

import (
	"errors"
	"math/big"
	"testing"

	"collend/events"
	"collend/native/token"
)

const yearSeconds = int64(365 * 24 * 60 * 60)

var (
	testAmount   = mustBigInt("2500000000000000000000") // 25e20
	testInterest = mustBigInt("20000000000000000")      // 2% annualized
	testRatio    = mustBigInt("2500000000000000000000") // 25e20
	oneUnit      = mustBigInt("1000000000000000000")    // 1e18
	bigSupply    = mustBigInt("1000000000000000000000000000")
)

func makeAddr(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

type vaultFixture struct {
	vault      *Vault
	collateral *token.Ledger
	debt       *token.Ledger
	owner      [20]byte
	lender     [20]byte
	emitter    *events.CollectEmitter
}

func newVaultFixture(t *testing.T) *vaultFixture {
	t.Helper()
	collateral, err := token.NewLedger("CLT")
	if err != nil {
		t.Fatalf("collateral ledger: %v", err)
	}
	debt, err := token.NewLedger("DBT")
	if err != nil {
		t.Fatalf("debt ledger: %v", err)
	}
	owner := makeAddr(0x01)
	lender := makeAddr(0x02)
	vaultAddr := makeAddr(0xEE)

	vault := NewVault(owner, vaultAddr, collateral, debt)
	emitter := &events.CollectEmitter{}
	vault.SetEmitter(emitter)
	vault.SetNowFunc(func() int64 { return 1_700_000_000 })

	for _, addr := range [][20]byte{owner, lender} {
		if err := collateral.Mint(addr, bigSupply); err != nil {
			t.Fatalf("mint collateral: %v", err)
		}
		if err := debt.Mint(addr, bigSupply); err != nil {
			t.Fatalf("mint debt: %v", err)
		}
		if err := collateral.Approve(addr, vaultAddr, bigSupply); err != nil {
			t.Fatalf("approve collateral: %v", err)
		}
		if err := debt.Approve(addr, vaultAddr, bigSupply); err != nil {
			t.Fatalf("approve debt: %v", err)
		}
	}
	return &vaultFixture{
		vault:      vault,
		collateral: collateral,
		debt:       debt,
		owner:      owner,
		lender:     lender,
		emitter:    emitter,
	}
}

func (f *vaultFixture) request(t *testing.T) uint64 {
	t.Helper()
	id, err := f.vault.Request(f.owner, testAmount, testInterest, testRatio, yearSeconds)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return id
}

func (f *vaultFixture) clear(t *testing.T, requestID uint64, now int64) uint64 {
	t.Helper()
	loanID, err := f.vault.Clear(f.lender, requestID, now)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	return loanID
}

func TestRequestLocksCollateral(t *testing.T) {
	f := newVaultFixture(t)
	before := f.collateral.BalanceOf(f.owner)

	id := f.request(t)
	if id != 0 {
		t.Fatalf("unexpected request id: %d", id)
	}

	locked := f.collateral.BalanceOf(f.vault.Address())
	if locked.Cmp(oneUnit) != 0 {
		t.Fatalf("unexpected escrowed collateral: %s", locked)
	}
	spent := new(big.Int).Sub(before, f.collateral.BalanceOf(f.owner))
	if spent.Cmp(oneUnit) != 0 {
		t.Fatalf("unexpected owner debit: %s", spent)
	}
	req, ok := f.vault.RequestByID(id)
	if !ok || !req.Active {
		t.Fatalf("request not active: %+v", req)
	}
	if len(f.emitter.Events) != 1 || f.emitter.Events[0].Type != EventTypeRequested {
		t.Fatalf("unexpected events: %+v", f.emitter.Events)
	}
}

func TestRequestRejectsBadTerms(t *testing.T) {
	f := newVaultFixture(t)
	if _, err := f.vault.Request(f.owner, testAmount, testInterest, big.NewInt(0), yearSeconds); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected policy violation for zero ratio, got %v", err)
	}
	if _, err := f.vault.Request(f.owner, big.NewInt(0), testInterest, testRatio, yearSeconds); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected policy violation for zero amount, got %v", err)
	}
	if _, err := f.vault.Request(f.owner, testAmount, testInterest, testRatio, 0); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected policy violation for zero duration, got %v", err)
	}
	if f.vault.RequestCount() != 0 {
		t.Fatalf("rejected requests must not occupy ledger slots")
	}
}

func TestRequestRevertsWhenCollateralPullFails(t *testing.T) {
	f := newVaultFixture(t)
	stranger := makeAddr(0x77) // no balance, no allowance
	if _, err := f.vault.Request(stranger, testAmount, testInterest, testRatio, yearSeconds); err == nil {
		t.Fatal("expected collateral pull to fail")
	}
	if f.vault.RequestCount() != 0 {
		t.Fatalf("failed request left a ledger slot behind")
	}
	if len(f.emitter.Events) != 0 {
		t.Fatalf("failed request emitted events: %+v", f.emitter.Events)
	}
}

func TestRescindRoundTrip(t *testing.T) {
	f := newVaultFixture(t)
	before := f.collateral.BalanceOf(f.owner)
	id := f.request(t)

	if err := f.vault.Rescind(f.owner, id); err != nil {
		t.Fatalf("rescind: %v", err)
	}
	if after := f.collateral.BalanceOf(f.owner); after.Cmp(before) != 0 {
		t.Fatalf("collateral not fully refunded: %s vs %s", after, before)
	}
	if err := f.vault.Rescind(f.owner, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second rescind must fail invalid state, got %v", err)
	}
}

func TestRescindAuthorization(t *testing.T) {
	f := newVaultFixture(t)
	id := f.request(t)
	if err := f.vault.Rescind(f.lender, id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	req, _ := f.vault.RequestByID(id)
	if !req.Active {
		t.Fatal("failed rescind must not deactivate the request")
	}
}

func TestClearCreatesScaledLoan(t *testing.T) {
	f := newVaultFixture(t)
	id := f.request(t)
	now := int64(1_700_000_000)

	ownerDebtBefore := f.debt.BalanceOf(f.owner)
	loanID := f.clear(t, id, now)

	loan, ok := f.vault.LoanByID(loanID)
	if !ok {
		t.Fatal("loan not found")
	}
	wantAmount := new(big.Int).Add(testAmount, mustBigInt("50000000000000000000"))
	if loan.Amount.Cmp(wantAmount) != 0 {
		t.Fatalf("unexpected loan amount: %s", loan.Amount)
	}
	if loan.Collateral.Cmp(oneUnit) != 0 {
		t.Fatalf("unexpected loan collateral: %s", loan.Collateral)
	}
	if loan.Expiry != now+yearSeconds {
		t.Fatalf("unexpected expiry: %d", loan.Expiry)
	}
	if !loan.Rollable {
		t.Fatal("new loans must be rollable")
	}
	if loan.Lender != f.lender {
		t.Fatalf("unexpected lender: %x", loan.Lender)
	}

	disbursed := new(big.Int).Sub(f.debt.BalanceOf(f.owner), ownerDebtBefore)
	if disbursed.Cmp(testAmount) != 0 {
		t.Fatalf("unexpected disbursement: %s", disbursed)
	}
	req, _ := f.vault.RequestByID(id)
	if req.Active {
		t.Fatal("cleared request must be inactive")
	}
	if _, err := f.vault.Clear(f.lender, id, now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("re-clearing must fail invalid state, got %v", err)
	}
}

func TestClearRevertsWhenDisbursementFails(t *testing.T) {
	f := newVaultFixture(t)
	id := f.request(t)
	broke := makeAddr(0x88) // lender without balance or allowance

	if _, err := f.vault.Clear(broke, id, 1_700_000_000); err == nil {
		t.Fatal("expected disbursement to fail")
	}
	req, _ := f.vault.RequestByID(id)
	if !req.Active {
		t.Fatal("failed clear must reactivate the request")
	}
	if f.vault.LoanCount() != 0 {
		t.Fatal("failed clear left a loan slot behind")
	}
}

func TestPartialRepayConservesRatio(t *testing.T) {
	f := newVaultFixture(t)
	id := f.request(t)
	now := int64(1_700_000_000)
	loanID := f.clear(t, id, now)

	loan, _ := f.vault.LoanByID(loanID)
	half := new(big.Int).Quo(loan.Amount, big.NewInt(2))
	wantReleased := new(big.Int).Quo(loan.Collateral, big.NewInt(2))

	ownerCollateralBefore := f.collateral.BalanceOf(f.owner)
	lenderDebtBefore := f.debt.BalanceOf(f.lender)

	if err := f.vault.Repay(f.owner, loanID, half, now+100); err != nil {
		t.Fatalf("repay: %v", err)
	}

	released := new(big.Int).Sub(f.collateral.BalanceOf(f.owner), ownerCollateralBefore)
	if released.Cmp(wantReleased) != 0 {
		t.Fatalf("unexpected collateral release: %s", released)
	}
	repaid := new(big.Int).Sub(f.debt.BalanceOf(f.lender), lenderDebtBefore)
	if repaid.Cmp(half) != 0 {
		t.Fatalf("unexpected lender credit: %s", repaid)
	}

	after, _ := f.vault.LoanByID(loanID)
	if after.Amount.Cmp(new(big.Int).Sub(loan.Amount, half)) != 0 {
		t.Fatalf("unexpected remaining amount: %s", after.Amount)
	}
	if after.Collateral.Cmp(new(big.Int).Sub(loan.Collateral, wantReleased)) != 0 {
		t.Fatalf("unexpected remaining collateral: %s", after.Collateral)
	}

	// Remaining collateral still tracks the frozen ratio within truncation.
	ideal, err := CollateralFor(after.Amount, after.Request.LoanToCollateral)
	if err != nil {
		t.Fatalf("collateral for: %v", err)
	}
	drift := new(big.Int).Sub(after.Collateral, ideal)
	if drift.Sign() < 0 || drift.Cmp(big.NewInt(4)) > 0 {
		t.Fatalf("collateralization drifted: %s", drift)
	}
}

func TestFullRepayTombstones(t *testing.T) {
	f := newVaultFixture(t)
	id := f.request(t)
	now := int64(1_700_000_000)
	loanID := f.clear(t, id, now)

	loan, _ := f.vault.LoanByID(loanID)
	ownerCollateralBefore := f.collateral.BalanceOf(f.owner)

	if err := f.vault.Repay(f.owner, loanID, loan.Amount, now+1); err != nil {
		t.Fatalf("repay: %v", err)
	}
	released := new(big.Int).Sub(f.collateral.BalanceOf(f.owner), ownerCollateralBefore)
	if released.Cmp(loan.Collateral) != 0 {
		t.Fatalf("full repay must release all collateral, got %s", released)
	}
	if _, ok := f.vault.LoanByID(loanID); ok {
		t.Fatal("closed loan still visible")
	}
	if err := f.vault.Repay(f.owner, loanID, big.NewInt(1), now+2); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("repay on tombstone must fail invalid state, got %v", err)
	}
	if err := f.vault.Roll(f.owner, loanID, now+2); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("roll on tombstone must fail invalid state, got %v", err)
	}
	if _, err := f.vault.Defaulted(loanID, now+yearSeconds*2); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("default on tombstone must fail invalid state, got %v", err)
	}
}

func TestOverRepaymentRejected(t *testing.T) {
	f := newVaultFixture(t)
	id := f.request(t)
	now := int64(1_700_000_000)
	loanID := f.clear(t, id, now)

	loan, _ := f.vault.LoanByID(loanID)
	over := new(big.Int).Add(loan.Amount, big.NewInt(1))
	if err := f.vault.Repay(f.owner, loanID, over, now+1); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
	after, ok := f.vault.LoanByID(loanID)
	if !ok || after.Amount.Cmp(loan.Amount) != 0 {
		t.Fatalf("failed repay mutated the loan: %+v", after)
	}
}

func TestExpiryBoundary(t *testing.T) {
	f := newVaultFixture(t)
	now := int64(1_700_000_000)

	reqA := f.request(t)
	loanA := f.clear(t, reqA, now)
	loan, _ := f.vault.LoanByID(loanA)

	// At expiry the loan is still current.
	if err := f.vault.Repay(f.owner, loanA, big.NewInt(1), loan.Expiry); err != nil {
		t.Fatalf("repay at expiry: %v", err)
	}
	if err := f.vault.Roll(f.owner, loanA, loan.Expiry); err != nil {
		t.Fatalf("roll at expiry: %v", err)
	}
	if _, err := f.vault.Defaulted(loanA, loan.Expiry); !errors.Is(err, ErrNoDefault) {
		t.Fatalf("seizure before default must fail, got %v", err)
	}

	// Rolling extended the expiry; work with the refreshed value.
	rolled, _ := f.vault.LoanByID(loanA)
	past := rolled.Expiry + 1
	if err := f.vault.Repay(f.owner, loanA, big.NewInt(1), past); !errors.Is(err, ErrDefaulted) {
		t.Fatalf("repay past expiry must default, got %v", err)
	}
	if err := f.vault.Roll(f.owner, loanA, past); !errors.Is(err, ErrDefaulted) {
		t.Fatalf("roll past expiry must default, got %v", err)
	}

	lenderCollateralBefore := f.collateral.BalanceOf(f.lender)
	seized, err := f.vault.Defaulted(loanA, past)
	if err != nil {
		t.Fatalf("defaulted: %v", err)
	}
	if seized.Cmp(rolled.Collateral) != 0 {
		t.Fatalf("unexpected seizure: %s", seized)
	}
	gained := new(big.Int).Sub(f.collateral.BalanceOf(f.lender), lenderCollateralBefore)
	if gained.Cmp(seized) != 0 {
		t.Fatalf("lender did not receive seized collateral: %s", gained)
	}
	if _, ok := f.vault.LoanByID(loanA); ok {
		t.Fatal("defaulted loan still visible")
	}
}

func TestRollExtendsLoan(t *testing.T) {
	f := newVaultFixture(t)
	id := f.request(t)
	now := int64(1_700_000_000)
	loanID := f.clear(t, id, now)

	loan, _ := f.vault.LoanByID(loanID)
	required, err := CollateralFor(loan.Amount, loan.Request.LoanToCollateral)
	if err != nil {
		t.Fatalf("collateral for: %v", err)
	}
	wantTopUp := new(big.Int).Sub(required, loan.Collateral)
	wantInterest := InterestFor(loan.Amount, loan.Request.Interest, loan.Request.Duration)

	ownerCollateralBefore := f.collateral.BalanceOf(f.owner)
	if err := f.vault.Roll(f.owner, loanID, now+100); err != nil {
		t.Fatalf("roll: %v", err)
	}

	after, _ := f.vault.LoanByID(loanID)
	if after.Amount.Cmp(new(big.Int).Add(loan.Amount, wantInterest)) != 0 {
		t.Fatalf("unexpected rolled amount: %s", after.Amount)
	}
	if after.Collateral.Cmp(required) != 0 {
		t.Fatalf("unexpected rolled collateral: %s", after.Collateral)
	}
	if after.Expiry != loan.Expiry+loan.Request.Duration {
		t.Fatalf("unexpected rolled expiry: %d", after.Expiry)
	}
	topped := new(big.Int).Sub(ownerCollateralBefore, f.collateral.BalanceOf(f.owner))
	if topped.Cmp(wantTopUp) != 0 {
		t.Fatalf("unexpected top-up: %s", topped)
	}
}

func TestToggleRoll(t *testing.T) {
	f := newVaultFixture(t)
	id := f.request(t)
	now := int64(1_700_000_000)
	loanID := f.clear(t, id, now)

	if _, err := f.vault.ToggleRoll(f.owner, loanID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-lender toggle must fail, got %v", err)
	}
	rollable, err := f.vault.ToggleRoll(f.lender, loanID)
	if err != nil {
		t.Fatalf("toggle roll: %v", err)
	}
	if rollable {
		t.Fatal("toggle must disable rollover")
	}
	if err := f.vault.Roll(f.owner, loanID, now+1); !errors.Is(err, ErrNotRollable) {
		t.Fatalf("expected not rollable, got %v", err)
	}
	rollable, err = f.vault.ToggleRoll(f.lender, loanID)
	if err != nil || !rollable {
		t.Fatalf("re-toggle must re-enable rollover: %v %v", rollable, err)
	}
}

func TestLedgerIDsNeverShift(t *testing.T) {
	f := newVaultFixture(t)
	now := int64(1_700_000_000)

	first := f.request(t)
	second := f.request(t)
	if err := f.vault.Rescind(f.owner, first); err != nil {
		t.Fatalf("rescind: %v", err)
	}
	// The rescinded slot stays addressable and the follow-up keeps its id.
	if second != first+1 {
		t.Fatalf("ids must be monotonic: %d %d", first, second)
	}
	loanID := f.clear(t, second, now)
	loan, _ := f.vault.LoanByID(loanID)
	if loan.Request.ID != second {
		t.Fatalf("loan must embed its own request, got %d", loan.Request.ID)
	}
	if err := f.vault.Repay(f.owner, loanID, loan.Amount, now+1); err != nil {
		t.Fatalf("repay: %v", err)
	}
	third := f.request(t)
	if third != second+1 {
		t.Fatalf("tombstones must not recycle ids: %d", third)
	}
	nextLoan := f.clear(t, third, now)
	if nextLoan != loanID+1 {
		t.Fatalf("loan ids must be monotonic: %d", nextLoan)
	}
}
