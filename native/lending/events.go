package lending

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"collend/events"
)

// Canonical notification kinds emitted by the protocol. Requested, Rescinded
// and Cleared are the kinds external sinks must understand; the rest cover the
// remaining lifecycle transitions.
const (
	EventTypeRequested   = "lending.requested"
	EventTypeRescinded   = "lending.rescinded"
	EventTypeCleared     = "lending.cleared"
	EventTypeRepaid      = "lending.repaid"
	EventTypeRolled      = "lending.rolled"
	EventTypeRollToggled = "lending.roll_toggled"
	EventTypeDefaulted   = "lending.defaulted"
	EventTypeVaultOpened = "lending.vault_opened"
)

func baseAttributes(v *Vault) map[string]string {
	return map[string]string{
		"vault": hex.EncodeToString(v.addr[:]),
		"owner": hex.EncodeToString(v.owner[:]),
		"ts":    strconv.FormatInt(v.nowFn(), 10),
	}
}

func requestAttributes(attrs map[string]string, req *Request) map[string]string {
	attrs["requestId"] = strconv.FormatUint(req.ID, 10)
	attrs["amount"] = req.Amount.String()
	attrs["interest"] = req.Interest.String()
	attrs["loanToCollateral"] = req.LoanToCollateral.String()
	attrs["duration"] = strconv.FormatInt(req.Duration, 10)
	return attrs
}

func loanAttributes(attrs map[string]string, loan *Loan) map[string]string {
	attrs["loanId"] = strconv.FormatUint(loan.ID, 10)
	attrs["amount"] = loan.Amount.String()
	attrs["collateral"] = loan.Collateral.String()
	attrs["expiry"] = strconv.FormatInt(loan.Expiry, 10)
	attrs["lender"] = hex.EncodeToString(loan.Lender[:])
	return attrs
}

func newRequestedEvent(v *Vault, req *Request, collateral *big.Int) events.Event {
	attrs := requestAttributes(baseAttributes(v), req)
	attrs["collateral"] = collateral.String()
	return events.Event{Type: EventTypeRequested, Attributes: attrs}
}

func newRescindedEvent(v *Vault, req *Request) events.Event {
	return events.Event{Type: EventTypeRescinded, Attributes: requestAttributes(baseAttributes(v), req)}
}

func newClearedEvent(v *Vault, loan *Loan) events.Event {
	attrs := loanAttributes(baseAttributes(v), loan)
	attrs["requestId"] = strconv.FormatUint(loan.Request.ID, 10)
	return events.Event{Type: EventTypeCleared, Attributes: attrs}
}

func newRepaidEvent(v *Vault, loan *Loan, repaid, released *big.Int, closed bool) events.Event {
	attrs := loanAttributes(baseAttributes(v), loan)
	attrs["repaid"] = repaid.String()
	attrs["released"] = released.String()
	attrs["closed"] = strconv.FormatBool(closed)
	return events.Event{Type: EventTypeRepaid, Attributes: attrs}
}

func newRolledEvent(v *Vault, loan *Loan, interest, topUp *big.Int) events.Event {
	attrs := loanAttributes(baseAttributes(v), loan)
	attrs["newInterest"] = interest.String()
	attrs["newCollateral"] = topUp.String()
	return events.Event{Type: EventTypeRolled, Attributes: attrs}
}

func newRollToggledEvent(v *Vault, loan *Loan) events.Event {
	attrs := loanAttributes(baseAttributes(v), loan)
	attrs["rollable"] = strconv.FormatBool(loan.Rollable)
	return events.Event{Type: EventTypeRollToggled, Attributes: attrs}
}

func newDefaultedEvent(v *Vault, loan *Loan, seized *big.Int) events.Event {
	attrs := loanAttributes(baseAttributes(v), loan)
	attrs["seized"] = seized.String()
	return events.Event{Type: EventTypeDefaulted, Attributes: attrs}
}

func newVaultOpenedEvent(v *Vault, id [32]byte) events.Event {
	attrs := baseAttributes(v)
	attrs["vaultId"] = hex.EncodeToString(id[:])
	attrs["collateralAsset"] = v.collateral.Symbol()
	attrs["debtAsset"] = v.debt.Symbol()
	return events.Event{Type: EventTypeVaultOpened, Attributes: attrs}
}
