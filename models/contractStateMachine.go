package models

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// forward path; cancelled and disputed are reachable from any non-terminal state
var forwardTransitions = map[ContractStatus][]ContractStatus{
	ContractStatusDraft:                   {ContractStatusPendingVerification},
	ContractStatusPendingVerification:     {ContractStatusVerificationComplete},
	ContractStatusVerificationComplete:    {ContractStatusPendingSignatures, ContractStatusPartiallySigned},
	ContractStatusPendingSignatures:       {ContractStatusPartiallySigned},
	ContractStatusPartiallySigned:         {ContractStatusFullySigned},
	ContractStatusFullySigned:             {ContractStatusEscrowSecured, ContractStatusPendingPlatformApproval, ContractStatusPlatformApproved},
	ContractStatusEscrowSecured:           {ContractStatusPendingPlatformApproval, ContractStatusPlatformApproved},
	ContractStatusPendingPlatformApproval: {ContractStatusPlatformApproved},
	ContractStatusPlatformApproved:        {ContractStatusFundsReleased, ContractStatusCompleted},
	ContractStatusFundsReleased:           {ContractStatusCompleted},
	// re-approval after a rejection
	ContractStatusDisputed: {ContractStatusPlatformApproved},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to ContractStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case ContractStatusCancelled:
		return true
	case ContractStatusDisputed:
		return from != ContractStatusDisputed
	}
	for _, s := range forwardTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AdvancePolicy holds the injected values automatic transitions depend on.
type AdvancePolicy struct {
	AutoApprovalThreshold decimal.Decimal
}

// record appends one audit entry and bumps version and updatedAt.
// Every mutation goes through here, so Version always equals len(AuditTrail).
func (c *Contract) record(meta ActionMeta, action, details string) *AuditEntry {
	userId := meta.UserId
	if userId == "" {
		userId = "anonymous"
	}
	c.Version++
	c.UpdatedAt = meta.Now
	c.AuditTrail = append(c.AuditTrail, AuditEntry{
		ID:         uuid.NewString(),
		ContractId: c.ID,
		Sequence:   len(c.AuditTrail) + 1,
		Timestamp:  meta.Now,
		Action:     action,
		UserId:     userId,
		Details:    details,
		IpAddress:  meta.IpAddress,
	})
	return &c.AuditTrail[len(c.AuditTrail)-1]
}

// transition is the only place status changes.
func (c *Contract) transition(meta ActionMeta, to ContractStatus, details string) error {
	from := c.Status
	if !CanTransition(from, to) {
		return invalidTransition(from, "move to "+string(to), "%s is not reachable from %s", to, from)
	}
	c.Status = to
	if to == ContractStatusCompleted && c.CompletedAt == nil {
		at := meta.Now
		c.CompletedAt = &at
	}
	entry := c.record(meta, AuditActionStatusChanged, details)
	entry.FromStatus = from
	entry.ToStatus = to
	c.enqueue(NotificationRecord{
		Kind:       NotificationKindStatusUpdate,
		EventType:  string(to),
		Status:     to,
		Recipients: c.Recipients(),
	}, meta.Now)
	return nil
}

// QualifiesForAutoApproval is true when approval is not required or the amount is under the threshold.
func (c *Contract) QualifiesForAutoApproval(policy AdvancePolicy) bool {
	if !c.PlatformApproval.Required {
		return true
	}
	amount := decimal.Zero
	if c.Amount != nil {
		amount = *c.Amount
	}
	return amount.LessThan(policy.AutoApprovalThreshold)
}

// Advance fires every automatic transition whose guard holds. It stops where a
// caller action or an escrow collaborator call is needed, and never moves a
// cancelled, disputed or completed contract.
func (c *Contract) Advance(meta ActionMeta, policy AdvancePolicy) error {
	for {
		var err error
		switch c.Status {
		case ContractStatusPendingVerification:
			if c.UnverifiedCount() > 0 {
				return nil
			}
			err = c.transition(meta, ContractStatusVerificationComplete, "all parties verified")
		case ContractStatusFullySigned:
			if c.HasAmount() {
				// escrow must be secured first
				return nil
			}
			err = c.enterApproval(meta, policy)
		case ContractStatusEscrowSecured:
			err = c.enterApproval(meta, policy)
		case ContractStatusPlatformApproved:
			if c.HasAmount() {
				return nil
			}
			err = c.transition(meta, ContractStatusCompleted, "no funds to release")
		case ContractStatusFundsReleased:
			err = c.transition(meta, ContractStatusCompleted, "funds released to seller")
		default:
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Contract) enterApproval(meta ActionMeta, policy AdvancePolicy) error {
	if !c.QualifiesForAutoApproval(policy) {
		return c.transition(meta, ContractStatusPendingPlatformApproval, "manual platform approval required")
	}
	comment := "automatically approved: low-risk contract below approval threshold"
	if !c.PlatformApproval.Required {
		comment = "automatically approved: platform approval not required"
	}
	system := meta
	system.UserId = SystemUserId
	at := meta.Now
	c.PlatformApproval.Status = ApprovalStatusApproved
	c.PlatformApproval.ReviewedBy = SystemUserId
	c.PlatformApproval.ReviewedAt = &at
	c.PlatformApproval.Comments = comment
	c.PlatformApproval.Automatic = true
	c.record(system, AuditActionApproved, comment)
	return c.transition(system, ContractStatusPlatformApproved, comment)
}

// RequestVerification moves a draft into identity verification.
func (c *Contract) RequestVerification(meta ActionMeta) error {
	if c.Status != ContractStatusDraft {
		return invalidTransition(c.Status, "request verification", "contract is not a draft")
	}
	withEmail := 0
	for _, p := range c.Parties {
		if p.Email != "" {
			withEmail++
		}
	}
	if withEmail < 2 {
		return invalidTransition(c.Status, "request verification", "%d of %d parties have an email, at least 2 required", withEmail, len(c.Parties))
	}
	return c.transition(meta, ContractStatusPendingVerification, "identity verification requested")
}

// RequestSignatures announces that verified parties may sign.
func (c *Contract) RequestSignatures(meta ActionMeta) error {
	if c.Status != ContractStatusVerificationComplete {
		return invalidTransition(c.Status, "request signatures", "verification is not complete")
	}
	return c.transition(meta, ContractStatusPendingSignatures, "signatures requested")
}

// holdsFunds is true while escrowed money has neither been released nor refunded.
func (c *Contract) holdsFunds() bool {
	switch c.Escrow.Status {
	case EscrowStatusSecured, EscrowStatusPendingRelease, EscrowStatusDisputed:
		return true
	}
	return false
}

// Cancel halts the contract. Secured funds must be refunded instead.
func (c *Contract) Cancel(meta ActionMeta, reason string) error {
	if c.Status.IsTerminal() {
		return invalidTransition(c.Status, "cancel", "contract is already %s", c.Status)
	}
	if c.holdsFunds() {
		return invalidTransition(c.Status, "cancel", "escrow holds funds, refund required")
	}
	return c.transition(meta, ContractStatusCancelled, reasonOr(reason, "cancelled by operator"))
}

// OpenDispute halts all automatic transitions until an operator resolves it.
func (c *Contract) OpenDispute(meta ActionMeta, reason string) error {
	if c.Status.IsTerminal() || c.Status == ContractStatusDisputed {
		return invalidTransition(c.Status, "open dispute", "contract is already %s", c.Status)
	}
	if c.Escrow.Status == EscrowStatusSecured {
		c.Escrow.Status = EscrowStatusDisputed
	}
	return c.transition(meta, ContractStatusDisputed, reasonOr(reason, "dispute opened"))
}

// Approve records a manual platform approval. A contract disputed through a
// rejection can be approved again.
func (c *Contract) Approve(meta ActionMeta, comments string, policy AdvancePolicy) error {
	switch c.Status {
	case ContractStatusPendingPlatformApproval:
	case ContractStatusDisputed:
		if c.PlatformApproval.Status != ApprovalStatusRejected {
			return invalidTransition(c.Status, "approve", "dispute was not raised by a platform rejection")
		}
		if c.Escrow.Status == EscrowStatusDisputed {
			c.Escrow.Status = EscrowStatusSecured
		}
	default:
		return invalidTransition(c.Status, "approve", "contract is not awaiting platform approval")
	}
	at := meta.Now
	c.PlatformApproval.Status = ApprovalStatusApproved
	c.PlatformApproval.ReviewedBy = meta.UserId
	c.PlatformApproval.ReviewedAt = &at
	c.PlatformApproval.Comments = comments
	c.PlatformApproval.Automatic = false
	c.record(meta, AuditActionApproved, reasonOr(comments, "approved by platform"))
	if err := c.transition(meta, ContractStatusPlatformApproved, "platform approval granted"); err != nil {
		return err
	}
	return c.Advance(meta, policy)
}

// Reject records a platform rejection and drives the contract to disputed (default) or cancelled.
func (c *Contract) Reject(meta ActionMeta, comments string, outcome RejectionOutcome) error {
	if c.Status != ContractStatusPendingPlatformApproval {
		return invalidTransition(c.Status, "reject", "contract is not awaiting platform approval")
	}
	if outcome == "" {
		outcome = RejectionOutcomeDispute
	}
	if outcome != RejectionOutcomeDispute && outcome != RejectionOutcomeCancel {
		return newValidationError("outcome", "oneof", "outcome must be dispute or cancel")
	}
	if outcome == RejectionOutcomeCancel && c.holdsFunds() {
		return invalidTransition(c.Status, "reject", "escrow holds funds, refund required before cancelling")
	}
	at := meta.Now
	c.PlatformApproval.Status = ApprovalStatusRejected
	c.PlatformApproval.ReviewedBy = meta.UserId
	c.PlatformApproval.ReviewedAt = &at
	c.PlatformApproval.Comments = comments
	c.PlatformApproval.Automatic = false
	c.record(meta, AuditActionRejected, reasonOr(comments, "rejected by platform"))
	if outcome == RejectionOutcomeCancel {
		return c.transition(meta, ContractStatusCancelled, "platform rejected the contract")
	}
	if c.Escrow.Status == EscrowStatusSecured {
		c.Escrow.Status = EscrowStatusDisputed
	}
	return c.transition(meta, ContractStatusDisputed, "platform rejected the contract")
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

func describeProgress(done, total int) string {
	return fmt.Sprintf("%d of %d", done, total)
}
