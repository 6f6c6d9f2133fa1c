package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Contract is the aggregate root of a Heart Avtal agreement.
// Parties, escrow, approval, audit trail and documents are owned by it and
// persisted together under one version.
type Contract struct {
	ID               string             `gorm:"primaryKey;size:36" json:"id"`
	Version          int64              `gorm:"not null" json:"version"`
	Title            string             `gorm:"size:255;not null" json:"title"`
	Description      string             `gorm:"type:text" json:"description"`
	Type             ContractType       `gorm:"size:40;not null" json:"type"`
	Status           ContractStatus     `gorm:"size:40;not null;index" json:"status"`
	Amount           *decimal.Decimal   `gorm:"type:decimal(20,4)" json:"amount,omitempty"`
	Currency         string             `gorm:"size:3" json:"currency"`
	InitiatorId      string             `gorm:"size:64;index" json:"initiator_id"`
	Parties          []Party            `gorm:"foreignKey:ContractId" json:"parties"`
	Escrow           Escrow             `gorm:"embedded;embeddedPrefix:escrow_" json:"escrow"`
	PlatformApproval Approval           `gorm:"embedded;embeddedPrefix:approval_" json:"platform_approval"`
	AuditTrail       []AuditEntry       `gorm:"foreignKey:ContractId" json:"audit_trail"`
	Documents        []ContractDocument `gorm:"foreignKey:ContractId" json:"documents"`
	Metadata         ContractMetadata   `gorm:"serializer:json;type:text" json:"metadata"`
	CreatedAt        time.Time          `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt        time.Time          `gorm:"autoUpdateTime:false" json:"updated_at"`
	DueDate          *time.Time         `json:"due_date,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`

	// notifications raised since the last write; the store persists them with the contract
	outbox []NotificationRecord
}

func (Contract) TableName() string { return "contracts" }

type ContractMetadata struct {
	Tags  []string `json:"tags,omitempty"`
	Notes string   `json:"notes,omitempty"`
}

type Party struct {
	ID           string            `gorm:"primaryKey;size:36" json:"id"`
	ContractId   string            `gorm:"size:36;index;not null" json:"contract_id"`
	Position     int               `gorm:"not null" json:"position"`
	UserId       string            `gorm:"size:64;index" json:"user_id,omitempty"`
	Name         string            `gorm:"size:255" json:"name"`
	Email        string            `gorm:"size:255;index" json:"email"`
	Phone        string            `gorm:"size:32" json:"phone,omitempty"`
	Role         PartyRole         `gorm:"size:20;not null" json:"role"`
	Signed       bool              `gorm:"not null" json:"signed"`
	Signature    *Signature        `gorm:"embedded;embeddedPrefix:signature_" json:"signature,omitempty"`
	Verification PartyVerification `gorm:"embedded;embeddedPrefix:verification_" json:"verification"`
}

func (Party) TableName() string { return "contract_parties" }

// Signature is immutable once recorded.
type Signature struct {
	SignedAt    time.Time       `json:"signed_at"`
	IpAddress   string          `gorm:"size:64" json:"ip_address"`
	UserAgent   string          `gorm:"size:512" json:"user_agent"`
	ContentHash string          `gorm:"size:80" json:"content_hash"`
	Method      SignatureMethod `gorm:"size:20" json:"method"`
}

type PartyVerification struct {
	IdVerified          bool              `json:"id_verified"`
	EmailVerified       bool              `json:"email_verified"`
	PhoneVerified       bool              `json:"phone_verified"`
	BankAccountVerified bool              `json:"bank_account_verified"`
	KycStatus           KycStatus         `gorm:"size:20" json:"kyc_status"`
	VerificationLevel   VerificationLevel `gorm:"size:20" json:"verification_level"`
	VerifiedAt          *time.Time        `json:"verified_at,omitempty"`
	FailureReason       string            `gorm:"size:255" json:"failure_reason,omitempty"`
	// set while the identity provider holds the party in manual review
	ReviewPending bool `json:"review_pending,omitempty"`
	// outstanding one-time code, cleared on confirmation
	CodeReference string `gorm:"size:64" json:"code_reference,omitempty"`
	CodePhone     string `gorm:"size:32" json:"code_phone,omitempty"`
}

type Escrow struct {
	Status            EscrowStatus       `gorm:"size:20" json:"status"`
	Amount            decimal.Decimal    `gorm:"type:decimal(20,4)" json:"amount"`
	Currency          string             `gorm:"size:3" json:"currency"`
	ReleaseConditions []string           `gorm:"serializer:json;type:text" json:"release_conditions"`
	ReleaseApprovals  map[PartyRole]bool `gorm:"serializer:json;type:text" json:"release_approvals"`
	Fees              EscrowFees         `gorm:"embedded;embeddedPrefix:fee_" json:"fees"`
	NetAmount         decimal.Decimal    `gorm:"type:decimal(20,4)" json:"net_amount"`
	AccountId         string             `gorm:"size:64" json:"account_id,omitempty"`
	PaymentMethod     string             `gorm:"size:40" json:"payment_method,omitempty"`
	TransactionId     string             `gorm:"size:64" json:"transaction_id,omitempty"`
	RefundId          string             `gorm:"size:64" json:"refund_id,omitempty"`
	RefundReason      string             `gorm:"type:text" json:"refund_reason,omitempty"`
	SecuredAt         *time.Time         `json:"secured_at,omitempty"`
	ReleasedAt        *time.Time         `json:"released_at,omitempty"`
	RefundedAt        *time.Time         `json:"refunded_at,omitempty"`
}

type Approval struct {
	Required   bool           `json:"required"`
	Status     ApprovalStatus `gorm:"size:20" json:"status"`
	ReviewedBy string         `gorm:"size:64" json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time     `json:"reviewed_at,omitempty"`
	Comments   string         `gorm:"type:text" json:"comments,omitempty"`
	Automatic  bool           `json:"automatic"`
}

// AuditEntry rows are insert-only; Sequence orders them per contract.
type AuditEntry struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	ContractId string         `gorm:"size:36;not null;uniqueIndex:uniq_contract_audit_seq" json:"contract_id"`
	Sequence   int            `gorm:"not null;uniqueIndex:uniq_contract_audit_seq" json:"sequence"`
	Timestamp  time.Time      `gorm:"not null" json:"timestamp"`
	Action     string         `gorm:"size:64;not null" json:"action"`
	UserId     string         `gorm:"size:64" json:"user_id"`
	Details    string         `gorm:"type:text" json:"details"`
	IpAddress  string         `gorm:"size:64" json:"ip_address"`
	FromStatus ContractStatus `gorm:"size:40" json:"from_status,omitempty"`
	ToStatus   ContractStatus `gorm:"size:40" json:"to_status,omitempty"`
}

func (AuditEntry) TableName() string { return "contract_audit_entries" }

type ContractDocument struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	ContractId  string    `gorm:"size:36;index;not null" json:"contract_id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Url         string    `gorm:"size:1024;not null" json:"url"`
	ContentHash string    `gorm:"size:80;not null" json:"content_hash"`
	UploadedBy  string    `gorm:"size:64" json:"uploaded_by"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

func (ContractDocument) TableName() string { return "contract_documents" }

// ActionMeta carries who performed a mutation and when.
type ActionMeta struct {
	UserId    string
	IpAddress string
	UserAgent string
	Now       time.Time
}

func (c *Contract) HasAmount() bool {
	return c.Amount != nil && c.Amount.IsPositive()
}

func (c *Contract) FindParty(partyId string) (*Party, error) {
	for i := range c.Parties {
		if c.Parties[i].ID == partyId {
			return &c.Parties[i], nil
		}
	}
	return nil, ErrPartyNotFound
}

// FirstPartyWithRole returns nil when no party has the role.
func (c *Contract) FirstPartyWithRole(role PartyRole) *Party {
	for i := range c.Parties {
		if c.Parties[i].Role == role {
			return &c.Parties[i]
		}
	}
	return nil
}

func (c *Contract) UnverifiedCount() int {
	n := 0
	for _, p := range c.Parties {
		if p.Verification.KycStatus != KycStatusVerified {
			n++
		}
	}
	return n
}

func (c *Contract) SignedCount() int {
	n := 0
	for _, p := range c.Parties {
		if p.Signed {
			n++
		}
	}
	return n
}

func (c *Contract) AllSigned() bool {
	return len(c.Parties) > 0 && c.SignedCount() == len(c.Parties)
}

func (c *Contract) AnySigned() bool {
	return c.SignedCount() > 0
}

// Recipients returns every party email, in party order.
func (c *Contract) Recipients() []string {
	out := make([]string, 0, len(c.Parties))
	for _, p := range c.Parties {
		if p.Email != "" {
			out = append(out, p.Email)
		}
	}
	return out
}

// InvolvesUser reports whether the user initiated the contract or is bound to one of its parties.
func (c *Contract) InvolvesUser(userId, email string) bool {
	if userId != "" && c.InitiatorId == userId {
		return true
	}
	for _, p := range c.Parties {
		if userId != "" && p.UserId == userId {
			return true
		}
		if email != "" && p.Email == email {
			return true
		}
	}
	return false
}

// Clone returns a deep copy made through the JSON encoding the stores use.
func (c *Contract) Clone() (*Contract, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out Contract
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	out.normalize()
	return &out, nil
}

// normalize repairs fields that storage encodings cannot distinguish from zero values.
func (c *Contract) normalize() {
	for i := range c.Parties {
		if !c.Parties[i].Signed {
			c.Parties[i].Signature = nil
		}
	}
	if c.Escrow.ReleaseApprovals == nil {
		c.Escrow.ReleaseApprovals = map[PartyRole]bool{}
	}
	if c.Escrow.ReleaseConditions == nil {
		c.Escrow.ReleaseConditions = []string{}
	}
	if c.AuditTrail == nil {
		c.AuditTrail = []AuditEntry{}
	}
	if c.Documents == nil {
		c.Documents = []ContractDocument{}
	}
}

// TakeNotifications hands pending notifications to the caller and clears them.
func (c *Contract) TakeNotifications() []NotificationRecord {
	out := c.outbox
	c.outbox = nil
	return out
}

// PendingNotifications returns the notifications raised since the last write.
func (c *Contract) PendingNotifications() []NotificationRecord {
	return c.outbox
}
