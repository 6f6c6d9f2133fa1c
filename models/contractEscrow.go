package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ReleaseApprovals are the confirmations collected before funds leave escrow.
// Witness is only consulted when the contract has a witness party.
type ReleaseApprovals struct {
	Buyer    bool  `json:"buyer"`
	Seller   bool  `json:"seller"`
	Platform bool  `json:"platform"`
	Witness  *bool `json:"witness,omitempty"`
}

// EscrowAccount is what the escrow collaborator returns once funds are secured.
type EscrowAccount struct {
	AccountId     string
	PaymentMethod string
}

// CheckEscrowInitiable validates that escrow may be opened and returns the amount to secure.
func (c *Contract) CheckEscrowInitiable() (decimal.Decimal, error) {
	if !c.HasAmount() {
		return decimal.Zero, ErrNoAmountSpecified
	}
	if c.Status != ContractStatusFullySigned {
		return decimal.Zero, invalidTransition(c.Status, "initiate escrow", "contract is not fully signed")
	}
	if c.Escrow.Status != EscrowStatusNone && c.Escrow.Status != "" {
		return decimal.Zero, invalidTransition(c.Status, "initiate escrow", "escrow is already %s", c.Escrow.Status)
	}
	return *c.Amount, nil
}

// MarkEscrowSecured records the secured account and fee breakdown, then runs
// the approval step.
func (c *Contract) MarkEscrowSecured(meta ActionMeta, account EscrowAccount, fees EscrowFees, net decimal.Decimal, policy AdvancePolicy) error {
	amount, err := c.CheckEscrowInitiable()
	if err != nil {
		return err
	}
	at := meta.Now
	c.Escrow.Status = EscrowStatusSecured
	c.Escrow.Amount = amount
	c.Escrow.Currency = c.Currency
	c.Escrow.Fees = fees
	c.Escrow.NetAmount = net
	c.Escrow.AccountId = account.AccountId
	c.Escrow.PaymentMethod = account.PaymentMethod
	c.Escrow.SecuredAt = &at
	c.record(meta, AuditActionEscrowSecured, fmt.Sprintf("%s %s secured in escrow account %s, fees %s, net %s",
		amount.StringFixed(2), c.Currency, account.AccountId, fees.Total().StringFixed(2), net.StringFixed(2)))
	if err := c.transition(meta, ContractStatusEscrowSecured, "escrow secured"); err != nil {
		return err
	}
	return c.Advance(meta, policy)
}

// CheckReleasable validates a release request and returns the payee.
// No state is touched when approvals are missing.
func (c *Contract) CheckReleasable(approvals ReleaseApprovals) (*Party, error) {
	if !c.HasAmount() {
		return nil, ErrNoAmountSpecified
	}
	if c.Status != ContractStatusPlatformApproved {
		return nil, invalidTransition(c.Status, "release escrow", "contract is not platform approved")
	}
	if c.Escrow.Status != EscrowStatusSecured {
		return nil, invalidTransition(c.Status, "release escrow", "escrow is %s", c.Escrow.Status)
	}
	var missing []PartyRole
	if !approvals.Buyer {
		missing = append(missing, PartyRoleBuyer)
	}
	if !approvals.Seller {
		missing = append(missing, PartyRoleSeller)
	}
	if !approvals.Platform {
		missing = append(missing, PartyRolePlatform)
	}
	if c.FirstPartyWithRole(PartyRoleWitness) != nil && (approvals.Witness == nil || !*approvals.Witness) {
		missing = append(missing, PartyRoleWitness)
	}
	if len(missing) > 0 {
		return nil, &MissingApprovalsError{Missing: missing}
	}
	seller := c.FirstPartyWithRole(PartyRoleSeller)
	if seller == nil {
		return nil, invalidTransition(c.Status, "release escrow", "contract has no seller party")
	}
	return seller, nil
}

// MarkEscrowReleased records the payout and completes the contract.
func (c *Contract) MarkEscrowReleased(meta ActionMeta, approvals ReleaseApprovals, transactionId string, policy AdvancePolicy) error {
	seller, err := c.CheckReleasable(approvals)
	if err != nil {
		return err
	}
	at := meta.Now
	c.Escrow.ReleaseApprovals = map[PartyRole]bool{
		PartyRoleBuyer:    approvals.Buyer,
		PartyRoleSeller:   approvals.Seller,
		PartyRolePlatform: approvals.Platform,
	}
	if approvals.Witness != nil {
		c.Escrow.ReleaseApprovals[PartyRoleWitness] = *approvals.Witness
	}
	c.Escrow.Status = EscrowStatusReleased
	c.Escrow.TransactionId = transactionId
	c.Escrow.ReleasedAt = &at
	c.record(meta, AuditActionEscrowReleased, fmt.Sprintf("%s %s released to %s, transaction %s",
		c.Escrow.NetAmount.StringFixed(2), c.Escrow.Currency, partyLabel(seller), transactionId))
	if err := c.transition(meta, ContractStatusFundsReleased, "escrow released"); err != nil {
		return err
	}
	return c.Advance(meta, policy)
}

// CheckRefundable validates that escrowed funds can go back to the payer.
func (c *Contract) CheckRefundable() error {
	if c.Status.IsTerminal() {
		return invalidTransition(c.Status, "refund escrow", "contract is %s", c.Status)
	}
	if c.Escrow.Status != EscrowStatusSecured && c.Escrow.Status != EscrowStatusDisputed {
		return invalidTransition(c.Status, "refund escrow", "escrow is %s", c.Escrow.Status)
	}
	return nil
}

// MarkEscrowRefunded records the refund and cancels the contract.
func (c *Contract) MarkEscrowRefunded(meta ActionMeta, refundId, reason string) error {
	if err := c.CheckRefundable(); err != nil {
		return err
	}
	at := meta.Now
	reason = reasonOr(reason, "refunded by platform")
	c.Escrow.Status = EscrowStatusRefunded
	c.Escrow.RefundId = refundId
	c.Escrow.RefundReason = reason
	c.Escrow.RefundedAt = &at
	c.record(meta, AuditActionEscrowRefunded, fmt.Sprintf("%s %s refunded, refund %s: %s",
		c.Escrow.Amount.StringFixed(2), c.Escrow.Currency, refundId, reason))
	return c.transition(meta, ContractStatusCancelled, "escrow refunded")
}
