package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mmdatafocus/heartavtal_backend/utils"
	"github.com/shopspring/decimal"
)

type NewParty struct {
	Name  string    `json:"name" validate:"max=255"`
	Email string    `json:"email" validate:"required,email,max=255"`
	Phone string    `json:"phone" validate:"omitempty,max=32"`
	Role  PartyRole `json:"role" validate:"omitempty,oneof=buyer seller witness guarantor"`
}

type NewContract struct {
	Title                    string           `json:"title" validate:"required,min=3,max=255"`
	Description              string           `json:"description" validate:"required,min=10"`
	Type                     ContractType     `json:"type" validate:"required,oneof=business_purchase business_sale asset_transfer partnership nda investment service_agreement licensing"`
	Amount                   *decimal.Decimal `json:"amount"`
	Currency                 string           `json:"currency" validate:"omitempty,len=3,uppercase"`
	DueDate                  *time.Time       `json:"due_date"`
	RequiresPlatformApproval *bool            `json:"requires_platform_approval"`
	Initiator                NewParty         `json:"initiator"`
	Counterparties           []NewParty       `json:"counterparties" validate:"required,min=1,dive"`
	ReleaseConditions        []string         `json:"release_conditions" validate:"omitempty,dive,required"`
	Metadata                 ContractMetadata `json:"metadata"`
}

// CreateOptions carries the injected policy values and the creating actor.
type CreateOptions struct {
	InitiatorId             string
	RequirePlatformApproval bool
	DefaultCurrency         string
	PhoneRegion             string
	ReminderLead            time.Duration
}

var validate = validator.New()

// ValidateNewContract checks the input; every failure is reported before any state exists.
func ValidateNewContract(input NewContract, opts CreateOptions, now time.Time) error {
	if err := validate.Struct(input); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			return &ValidationError{Message: "invalid contract input", Fields: utils.ProcessValidationErrors(err)}
		}
		return err
	}
	if input.Amount != nil && input.Amount.IsNegative() {
		return newValidationError("Amount", "gte", "amount must not be negative")
	}
	if input.DueDate != nil && !input.DueDate.After(now) {
		return newValidationError("DueDate", "future", "due date must be in the future")
	}

	if strings.TrimSpace(input.Initiator.Name) == "" {
		return newValidationError("Initiator.Name", "required", "initiator name is required")
	}

	parties := append([]NewParty{input.Initiator}, input.Counterparties...)
	seen := make(map[string]bool, len(parties))
	hasSeller := false
	for i, p := range parties {
		email := strings.ToLower(strings.TrimSpace(p.Email))
		if seen[email] {
			return newValidationError(fmt.Sprintf("Parties[%d].Email", i), "unique", "each party needs a distinct email")
		}
		seen[email] = true
		if p.Phone != "" {
			if err := utils.ValidatePhoneNumber(p.Phone, opts.PhoneRegion); err != nil {
				return newValidationError(fmt.Sprintf("Parties[%d].Phone", i), "phone", err.Error())
			}
		}
		if roleOf(p, i) == PartyRoleSeller {
			hasSeller = true
		}
	}
	if input.Amount != nil && input.Amount.IsPositive() && !hasSeller {
		return newValidationError("Counterparties", "seller", "a contract with an amount needs a seller to pay out to")
	}
	return nil
}

// initiator defaults to buyer, counterparties to seller
func roleOf(p NewParty, position int) PartyRole {
	if p.Role != "" {
		return p.Role
	}
	if position == 0 {
		return PartyRoleBuyer
	}
	return PartyRoleSeller
}

// NewContractFromInput validates input and builds a draft at version 1 with
// one audit entry. The draft is not persisted.
func NewContractFromInput(input NewContract, opts CreateOptions, meta ActionMeta) (*Contract, error) {
	if err := ValidateNewContract(input, opts, meta.Now); err != nil {
		return nil, err
	}
	currency := strings.ToUpper(input.Currency)
	if currency == "" {
		currency = opts.DefaultCurrency
	}
	required := opts.RequirePlatformApproval
	if input.RequiresPlatformApproval != nil {
		required = *input.RequiresPlatformApproval
	}
	releaseConditions := input.ReleaseConditions
	if releaseConditions == nil {
		releaseConditions = []string{}
	}

	c := &Contract{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(input.Title),
		Description: strings.TrimSpace(input.Description),
		Type:        input.Type,
		Status:      ContractStatusDraft,
		Currency:    currency,
		InitiatorId: opts.InitiatorId,
		Escrow: Escrow{
			Status:            EscrowStatusNone,
			Currency:          currency,
			ReleaseConditions: releaseConditions,
			ReleaseApprovals:  map[PartyRole]bool{},
		},
		PlatformApproval: Approval{
			Required: required,
			Status:   ApprovalStatusPending,
		},
		AuditTrail: []AuditEntry{},
		Documents:  []ContractDocument{},
		Metadata:   input.Metadata,
		CreatedAt:  meta.Now,
		UpdatedAt:  meta.Now,
	}
	if input.Amount != nil {
		amount := *input.Amount
		c.Amount = &amount
		c.Escrow.Amount = amount
	}
	if input.DueDate != nil {
		due := input.DueDate.UTC()
		c.DueDate = &due
	}

	for i, p := range append([]NewParty{input.Initiator}, input.Counterparties...) {
		party := Party{
			ID:         uuid.NewString(),
			ContractId: c.ID,
			Position:   i,
			Name:       strings.TrimSpace(p.Name),
			Email:      strings.ToLower(strings.TrimSpace(p.Email)),
			Phone:      p.Phone,
			Role:       roleOf(p, i),
			Verification: PartyVerification{
				KycStatus:         KycStatusPending,
				VerificationLevel: VerificationLevelBasic,
			},
		}
		if i == 0 {
			party.UserId = opts.InitiatorId
		}
		c.Parties = append(c.Parties, party)
	}

	c.record(meta, AuditActionCreated, fmt.Sprintf("%s contract created with %d parties", c.Type, len(c.Parties)))
	c.enqueue(NotificationRecord{
		Kind:       NotificationKindContract,
		EventType:  AuditActionCreated,
		Status:     c.Status,
		Recipients: c.Recipients(),
		Message:    fmt.Sprintf("You have been invited to the contract %q", c.Title),
	}, meta.Now)
	if c.DueDate != nil {
		at := reminderAt(*c.DueDate, opts.ReminderLead, meta.Now)
		c.enqueue(NotificationRecord{
			Kind:       NotificationKindReminder,
			EventType:  "due_date_reminder",
			Status:     c.Status,
			Recipients: c.Recipients(),
			RemindAt:   &at,
			Message:    fmt.Sprintf("Contract %q is due %s", c.Title, c.DueDate.Format("2006-01-02")),
		}, meta.Now)
	}
	return c, nil
}

// CheckDeletable allows removing a draft nobody has signed.
func (c *Contract) CheckDeletable() error {
	if c.Status != ContractStatusDraft {
		return invalidTransition(c.Status, "delete", "only drafts can be deleted")
	}
	if c.AnySigned() {
		return invalidTransition(c.Status, "delete", "contract has signatures")
	}
	return nil
}

func reminderAt(due time.Time, lead time.Duration, now time.Time) time.Time {
	at := due.Add(-lead)
	if at.Before(now) {
		return now
	}
	return at
}
