package lending

import (
	"fmt"
	"math/big"
	"sync"
)

var (
	errUnknownVault       = fmt.Errorf("vault not certified by registry: %w", ErrUnauthorized)
	errAssetMismatch      = fmt.Errorf("vault asset pair outside gateway scope: %w", ErrPolicyViolation)
	errInterestFloor      = fmt.Errorf("interest below protocol floor: %w", ErrPolicyViolation)
	errRatioCeiling       = fmt.Errorf("loan-to-collateral above protocol ceiling: %w", ErrPolicyViolation)
	errDurationCeiling    = fmt.Errorf("duration above protocol ceiling: %w", ErrPolicyViolation)
	errNoPendingHandoff   = fmt.Errorf("no pending role handoff: %w", ErrUnauthorized)
	errUnknownDefundAsset = fmt.Errorf("defund asset outside gateway scope: %w", ErrPolicyViolation)
)

// Certifier is the slice of registry behaviour the gateway depends on: proving
// that a vault instance is genuine and resolving it for delegation.
type Certifier interface {
	IsGenuine(id [32]byte) bool
	VaultByID(id [32]byte) (*Vault, bool)
}

// Bounds are the immutable protocol-wide limits a request must satisfy before
// the gateway activates it. They are fixed at construction; changing them
// never retroactively affects open loans, whose terms are frozen in the loan.
type Bounds struct {
	// MinInterest is the annualized rate floor, 1e18 == 100%.
	MinInterest *big.Int
	// MaxLoanToCollateral is the debt-per-collateral ceiling, 1e18 scale.
	MaxLoanToCollateral *big.Int
	// MaxDuration is the tenor ceiling in seconds.
	MaxDuration int64
}

func (b Bounds) validate() error {
	if b.MinInterest == nil || b.MinInterest.Sign() < 0 {
		return fmt.Errorf("gateway: minimum interest must be non-negative")
	}
	if b.MaxLoanToCollateral == nil || b.MaxLoanToCollateral.Sign() <= 0 {
		return fmt.Errorf("gateway: loan-to-collateral ceiling must be positive")
	}
	if b.MaxDuration <= 0 {
		return fmt.Errorf("gateway: duration ceiling must be positive")
	}
	return nil
}

// Gateway is the shared risk-policy boundary lenders use to activate requests.
// It owns no loan-level state: just the protocol bounds, the operator and
// overseer identities with their pending replacements, and a working debt
// balance funded from the treasury. A vault's Clear stays directly callable
// without these checks; that bypass is part of the escrow trust model, not a
// gap in it.
type Gateway struct {
	mu              sync.Mutex
	addr            [20]byte
	operator        [20]byte
	overseer        [20]byte
	pendingOperator [20]byte
	pendingOverseer [20]byte
	treasury        [20]byte
	registry        Certifier
	collateral      Token
	debt            ApprovingToken
	bounds          Bounds
}

// NewGateway constructs a risk gateway scoped to the registry's asset pair.
// addr is the gateway's working-balance account; the treasury must have
// pre-authorised it before Fund can draw.
func NewGateway(addr, operator, overseer, treasury [20]byte, registry Certifier, collateral Token, debt ApprovingToken, bounds Bounds) (*Gateway, error) {
	if registry == nil {
		return nil, fmt.Errorf("gateway: registry required")
	}
	if collateral == nil || debt == nil {
		return nil, fmt.Errorf("gateway: asset capabilities required")
	}
	if err := bounds.validate(); err != nil {
		return nil, err
	}
	return &Gateway{
		addr:       addr,
		operator:   operator,
		overseer:   overseer,
		treasury:   treasury,
		registry:   registry,
		collateral: collateral,
		debt:       debt,
		bounds: Bounds{
			MinInterest:         cloneBigInt(bounds.MinInterest),
			MaxLoanToCollateral: cloneBigInt(bounds.MaxLoanToCollateral),
			MaxDuration:         bounds.MaxDuration,
		},
	}, nil
}

// Address returns the gateway's working-balance account.
func (g *Gateway) Address() [20]byte { return g.addr }

// Operator returns the identity authorized to activate loans.
func (g *Gateway) Operator() [20]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.operator
}

// Overseer returns the identity authorized to move treasury funds.
func (g *Gateway) Overseer() [20]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.overseer
}

// Clear re-validates the request against the protocol bounds and, only after
// every check passes, authorises the debt disbursement and delegates
// activation to the vault. The vault performs no policy checks of its own;
// this defense-in-depth is the entire reason the gateway exists.
func (g *Gateway) Clear(caller [20]byte, vaultID [32]byte, requestID uint64, now int64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.operator {
		return 0, ErrUnauthorized
	}
	if !g.registry.IsGenuine(vaultID) {
		return 0, errUnknownVault
	}
	vault, ok := g.registry.VaultByID(vaultID)
	if !ok {
		return 0, errUnknownVault
	}
	if vault.CollateralToken().Symbol() != g.collateral.Symbol() || vault.DebtToken().Symbol() != g.debt.Symbol() {
		return 0, errAssetMismatch
	}
	req, ok := vault.RequestByID(requestID)
	if !ok {
		return 0, errRequestMissing
	}
	if req.Interest.Cmp(g.bounds.MinInterest) < 0 {
		return 0, errInterestFloor
	}
	if req.LoanToCollateral.Cmp(g.bounds.MaxLoanToCollateral) > 0 {
		return 0, errRatioCeiling
	}
	if req.Duration > g.bounds.MaxDuration {
		return 0, errDurationCeiling
	}

	if err := g.debt.Approve(g.addr, vault.Address(), req.Amount); err != nil {
		return 0, err
	}
	loanID, err := vault.Clear(g.addr, requestID, now)
	if err != nil {
		// Withdraw the standing allowance so nothing can draw on the working
		// balance outside an in-flight clear.
		_ = g.debt.Approve(g.addr, vault.Address(), big.NewInt(0))
		return 0, err
	}
	return loanID, nil
}

// ToggleRoll lets the operator flip rollability on loans the gateway cleared,
// where the gateway itself is the recorded lender.
func (g *Gateway) ToggleRoll(caller [20]byte, vaultID [32]byte, loanID uint64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.operator {
		return false, ErrUnauthorized
	}
	if !g.registry.IsGenuine(vaultID) {
		return false, errUnknownVault
	}
	vault, ok := g.registry.VaultByID(vaultID)
	if !ok {
		return false, errUnknownVault
	}
	return vault.ToggleRoll(g.addr, loanID)
}

// Fund draws debt-asset liquidity from the treasury into the gateway's
// working balance. Overseer only; the treasury's standing allowance to the
// gateway is the external funding authorization.
func (g *Gateway) Fund(caller [20]byte, amount *big.Int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.overseer {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	return g.debt.TransferFrom(g.addr, g.treasury, g.addr, amount)
}

// Defund returns working-balance funds of either scoped asset to the
// treasury. Operator or overseer may defund.
func (g *Gateway) Defund(caller [20]byte, asset string, amount *big.Int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.operator && caller != g.overseer {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	switch asset {
	case g.debt.Symbol():
		return g.debt.Transfer(g.addr, g.treasury, amount)
	case g.collateral.Symbol():
		return g.collateral.Transfer(g.addr, g.treasury, amount)
	default:
		return errUnknownDefundAsset
	}
}

// ProposeOperator records a pending operator replacement. Only the current
// operator proposes; proposing the zero identity cancels an open proposal.
func (g *Gateway) ProposeOperator(caller, candidate [20]byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.operator {
		return ErrUnauthorized
	}
	g.pendingOperator = candidate
	return nil
}

// AcceptOperator completes the two-step handoff: only the proposed candidate
// may accept, and accepting clears the pending slot.
func (g *Gateway) AcceptOperator(caller [20]byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pendingOperator == ([20]byte{}) {
		return errNoPendingHandoff
	}
	if caller != g.pendingOperator {
		return ErrUnauthorized
	}
	g.operator = caller
	g.pendingOperator = [20]byte{}
	return nil
}

// ProposeOverseer records a pending overseer replacement; same protocol as
// ProposeOperator.
func (g *Gateway) ProposeOverseer(caller, candidate [20]byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.overseer {
		return ErrUnauthorized
	}
	g.pendingOverseer = candidate
	return nil
}

// AcceptOverseer completes the overseer handoff.
func (g *Gateway) AcceptOverseer(caller [20]byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pendingOverseer == ([20]byte{}) {
		return errNoPendingHandoff
	}
	if caller != g.pendingOverseer {
		return ErrUnauthorized
	}
	g.overseer = caller
	g.pendingOverseer = [20]byte{}
	return nil
}
