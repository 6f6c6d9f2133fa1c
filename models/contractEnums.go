package models

// ContractStatus is the single authoritative lifecycle position of a contract.
type ContractStatus string

const (
	ContractStatusDraft                   ContractStatus = "draft"
	ContractStatusPendingVerification     ContractStatus = "pending_verification"
	ContractStatusVerificationComplete    ContractStatus = "verification_complete"
	ContractStatusPendingSignatures       ContractStatus = "pending_signatures"
	ContractStatusPartiallySigned         ContractStatus = "partially_signed"
	ContractStatusFullySigned             ContractStatus = "fully_signed"
	ContractStatusEscrowSecured           ContractStatus = "escrow_secured"
	ContractStatusPendingPlatformApproval ContractStatus = "pending_platform_approval"
	ContractStatusPlatformApproved        ContractStatus = "platform_approved"
	ContractStatusFundsReleased           ContractStatus = "funds_released"
	ContractStatusCompleted               ContractStatus = "completed"
	ContractStatusCancelled               ContractStatus = "cancelled"
	ContractStatusDisputed                ContractStatus = "disputed"
)

// forward path order; escape states are not ranked
var contractStatusRank = map[ContractStatus]int{
	ContractStatusDraft:                   0,
	ContractStatusPendingVerification:     1,
	ContractStatusVerificationComplete:    2,
	ContractStatusPendingSignatures:       3,
	ContractStatusPartiallySigned:         4,
	ContractStatusFullySigned:             5,
	ContractStatusEscrowSecured:           6,
	ContractStatusPendingPlatformApproval: 7,
	ContractStatusPlatformApproved:        8,
	ContractStatusFundsReleased:           9,
	ContractStatusCompleted:               10,
}

func (s ContractStatus) IsValid() bool {
	_, ranked := contractStatusRank[s]
	return ranked || s.IsEscape()
}

// Rank returns the position on the forward path, or -1 for escape states.
func (s ContractStatus) Rank() int {
	if r, ok := contractStatusRank[s]; ok {
		return r
	}
	return -1
}

func (s ContractStatus) IsEscape() bool {
	return s == ContractStatusCancelled || s == ContractStatusDisputed
}

func (s ContractStatus) IsTerminal() bool {
	return s == ContractStatusCompleted || s == ContractStatusCancelled
}

type ContractType string

const (
	ContractTypeBusinessPurchase ContractType = "business_purchase"
	ContractTypeBusinessSale     ContractType = "business_sale"
	ContractTypeAssetTransfer    ContractType = "asset_transfer"
	ContractTypePartnership      ContractType = "partnership"
	ContractTypeNda              ContractType = "nda"
	ContractTypeInvestment       ContractType = "investment"
	ContractTypeServiceAgreement ContractType = "service_agreement"
	ContractTypeLicensing        ContractType = "licensing"
)

type PartyRole string

const (
	PartyRoleBuyer     PartyRole = "buyer"
	PartyRoleSeller    PartyRole = "seller"
	PartyRoleWitness   PartyRole = "witness"
	PartyRoleGuarantor PartyRole = "guarantor"
	// release approval slot only, never a party role
	PartyRolePlatform  PartyRole = "platform"
)

type KycStatus string

const (
	KycStatusPending    KycStatus = "pending"
	KycStatusInProgress KycStatus = "in_progress"
	KycStatusVerified   KycStatus = "verified"
	KycStatusFailed     KycStatus = "failed"
	KycStatusExpired    KycStatus = "expired"
)

type VerificationLevel string

const (
	VerificationLevelBasic    VerificationLevel = "basic"
	VerificationLevelEnhanced VerificationLevel = "enhanced"
	VerificationLevelPremium  VerificationLevel = "premium"
)

type EscrowStatus string

const (
	EscrowStatusNone           EscrowStatus = "none"
	EscrowStatusInitiating     EscrowStatus = "initiating"
	EscrowStatusSecured        EscrowStatus = "secured"
	EscrowStatusPendingRelease EscrowStatus = "pending_release"
	EscrowStatusReleased       EscrowStatus = "released"
	EscrowStatusRefunded       EscrowStatus = "refunded"
	EscrowStatusDisputed       EscrowStatus = "disputed"
)

type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusReviewing ApprovalStatus = "reviewing"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusEscalated ApprovalStatus = "escalated"
)

// RejectionOutcome decides where a rejected contract goes.
type RejectionOutcome string

const (
	RejectionOutcomeDispute RejectionOutcome = "dispute"
	RejectionOutcomeCancel  RejectionOutcome = "cancel"
)

type SignatureMethod string

const (
	SignatureMethodBankId     SignatureMethod = "bankid"
	SignatureMethodDrawn      SignatureMethod = "drawn"
	SignatureMethodTyped      SignatureMethod = "typed"
	SignatureMethodClickWrap  SignatureMethod = "click_wrap"
	SignatureMethodUnassigned SignatureMethod = ""
)

// Audit action tags.
const (
	AuditActionCreated             = "contract_created"
	AuditActionPartyClaimed        = "party_claimed"
	AuditActionDocumentAttached    = "document_attached"
	AuditActionStatusChanged       = "status_changed"
	AuditActionPartyVerified       = "party_verified"
	AuditActionVerificationFailed  = "party_verification_failed"
	AuditActionVerificationPending = "party_verification_pending"
	AuditActionCodeSent            = "verification_code_sent"
	AuditActionCodeConfirmed       = "verification_code_confirmed"
	AuditActionSigned              = "party_signed"
	AuditActionEscrowSecured       = "escrow_secured"
	AuditActionEscrowReleased      = "escrow_released"
	AuditActionEscrowRefunded      = "escrow_refunded"
	AuditActionApproved            = "platform_approved"
	AuditActionRejected            = "platform_rejected"
)

// SystemUserId is recorded for automatic actions.
const SystemUserId = "system"
