package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Notifier delivers contract events. Calls are fire-and-forget from the
// workflow's point of view: they run from the outbox after the write commits.
type Notifier interface {
	SendContractNotification(ctx context.Context, contractId, eventType string, recipients []string) error
	SendStatusUpdate(ctx context.Context, contractId, newStatus string) error
	ScheduleReminder(ctx context.Context, contractId string, when time.Time, message string) error
}

type IdentityDocumentType string

const (
	IdentityDocumentPassport       IdentityDocumentType = "passport"
	IdentityDocumentNationalId     IdentityDocumentType = "national_id"
	IdentityDocumentDrivingLicence IdentityDocumentType = "driving_licence"
	IdentityDocumentBankId         IdentityDocumentType = "bankid"
)

type IdentityDocument struct {
	Type      IdentityDocumentType `json:"type" validate:"required,oneof=passport national_id driving_licence bankid"`
	Number    string               `json:"number" validate:"required,max=64"`
	Country   string               `json:"country" validate:"omitempty,len=2"`
	ExpiresAt *time.Time           `json:"expires_at,omitempty"`
}

// IdentityEvidence is the identity-check request for one party.
type IdentityEvidence struct {
	PersonalNumber string             `json:"personal_number,omitempty" validate:"omitempty,max=32"`
	Documents      []IdentityDocument `json:"documents" validate:"required,min=1,dive"`
}

// BankAccountEvidence is the optional bank-account check request.
type BankAccountEvidence struct {
	Iban          string `json:"iban" validate:"required,min=15,max=34,alphanum"`
	Bic           string `json:"bic" validate:"omitempty,min=8,max=11,alphanum"`
	AccountHolder string `json:"account_holder" validate:"required,max=255"`
}

type IdentityCheckStatus string

const (
	IdentityCheckVerified IdentityCheckStatus = "verified"
	IdentityCheckFailed   IdentityCheckStatus = "failed"
	// the provider wants a manual review; the party stays unverified
	IdentityCheckPending IdentityCheckStatus = "pending"
)

type IdentityCheckResult struct {
	Status IdentityCheckStatus `json:"status"`
	Reason string              `json:"reason,omitempty"`
}

// IdentityVerifier is the KYC provider.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, partyId string, evidence IdentityEvidence) (IdentityCheckResult, error)
	VerifyBankAccount(ctx context.Context, partyId string, account BankAccountEvidence) (bool, error)
	SendVerificationCode(ctx context.Context, email, phone string) (string, error)
	VerifyCode(ctx context.Context, code, reference string) (bool, error)
}

// EscrowBackend is the system holding funds on the platform's behalf.
type EscrowBackend interface {
	CreateAccount(ctx context.Context, contractId string, amount decimal.Decimal, currency string) (string, error)
	Secure(ctx context.Context, accountId, paymentMethod string) error
	Release(ctx context.Context, accountId, recipientPartyId string) (string, error)
	Refund(ctx context.Context, accountId, reason string) (string, error)
	GetStatus(ctx context.Context, accountId string) (string, error)
}
