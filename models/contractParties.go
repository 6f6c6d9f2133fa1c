package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// VerificationVerdict is the normalized answer of the identity collaborator.
type VerificationVerdict struct {
	Verified bool
	// the provider needs a manual review; the party stays unverified
	Pending bool
	Reason  string
}

// CheckVerifiable returns the party to verify. alreadyVerified is true when
// the call must be a no-op.
func (c *Contract) CheckVerifiable(partyId string) (party *Party, alreadyVerified bool, err error) {
	if c.Status != ContractStatusPendingVerification {
		return nil, false, invalidTransition(c.Status, "verify party", "contract is not awaiting verification")
	}
	p, err := c.FindParty(partyId)
	if err != nil {
		return nil, false, err
	}
	if p.Verification.KycStatus == KycStatusVerified {
		return p, true, nil
	}
	return p, false, nil
}

// ApplyVerification records the collaborator verdict on a party and advances
// to verification_complete once nobody is left unverified.
func (c *Contract) ApplyVerification(meta ActionMeta, partyId string, verdict VerificationVerdict, policy AdvancePolicy) error {
	p, noop, err := c.CheckVerifiable(partyId)
	if err != nil {
		return err
	}
	if noop {
		return nil
	}
	if verdict.Pending && !verdict.Verified {
		p.Verification.KycStatus = KycStatusInProgress
		p.Verification.ReviewPending = true
		c.record(meta, AuditActionVerificationPending, fmt.Sprintf("%s: %s", partyLabel(p), reasonOr(verdict.Reason, "identity check awaiting review")))
		return nil
	}
	p.Verification.ReviewPending = false
	if !verdict.Verified {
		p.Verification.KycStatus = KycStatusFailed
		p.Verification.FailureReason = reasonOr(verdict.Reason, "identity could not be verified")
		c.record(meta, AuditActionVerificationFailed, fmt.Sprintf("%s: %s", partyLabel(p), p.Verification.FailureReason))
		return nil
	}
	at := meta.Now
	p.Verification.IdVerified = true
	p.Verification.EmailVerified = true
	p.Verification.PhoneVerified = true
	p.Verification.BankAccountVerified = true
	p.Verification.KycStatus = KycStatusVerified
	p.Verification.FailureReason = ""
	p.Verification.VerifiedAt = &at
	if p.Verification.VerificationLevel != VerificationLevelPremium {
		p.Verification.VerificationLevel = VerificationLevelEnhanced
	}
	c.record(meta, AuditActionPartyVerified, fmt.Sprintf("%s verified (%s parties)", partyLabel(p), describeProgress(len(c.Parties)-c.UnverifiedCount(), len(c.Parties))))
	return c.Advance(meta, policy)
}

// AwaitingReview reports whether the identity provider owes a final verdict
// for the party, i.e. its last answer was a manual review.
func (c *Contract) AwaitingReview(partyId string) bool {
	p, err := c.FindParty(partyId)
	return err == nil && p.Verification.ReviewPending && p.Verification.KycStatus == KycStatusInProgress
}

// CheckCodeTarget returns the party a one-time code may be sent to.
func (c *Contract) CheckCodeTarget(partyId string) (*Party, error) {
	if c.Status != ContractStatusDraft && c.Status != ContractStatusPendingVerification {
		return nil, invalidTransition(c.Status, "send verification code", "contact details can only be confirmed before signing")
	}
	p, err := c.FindParty(partyId)
	if err != nil {
		return nil, err
	}
	if p.Verification.KycStatus == KycStatusVerified {
		return nil, invalidTransition(c.Status, "send verification code", "party %s is already verified", p.ID)
	}
	return p, nil
}

// PendingCodeReference returns the reference of the code the party is expected to confirm.
func (c *Contract) PendingCodeReference(partyId string) (string, error) {
	p, err := c.CheckCodeTarget(partyId)
	if err != nil {
		return "", err
	}
	if p.Verification.CodeReference == "" {
		return "", invalidTransition(c.Status, "confirm verification code", "no code outstanding for party %s", p.ID)
	}
	return p.Verification.CodeReference, nil
}

// RecordCodeSent stores the reference of an outstanding code.
func (c *Contract) RecordCodeSent(meta ActionMeta, partyId, reference, phone string) error {
	p, err := c.CheckCodeTarget(partyId)
	if err != nil {
		return err
	}
	p.Verification.CodeReference = reference
	p.Verification.CodePhone = phone
	channel := "email"
	if phone != "" {
		channel = "sms"
	}
	c.record(meta, AuditActionCodeSent, fmt.Sprintf("verification code sent to %s by %s", partyLabel(p), channel))
	return nil
}

// ConfirmCode marks the contact channel that received the code as verified.
func (c *Contract) ConfirmCode(meta ActionMeta, partyId string) error {
	if _, err := c.PendingCodeReference(partyId); err != nil {
		return err
	}
	p, _ := c.FindParty(partyId)
	p.Verification.EmailVerified = true
	if p.Verification.CodePhone != "" {
		p.Phone = p.Verification.CodePhone
		p.Verification.PhoneVerified = true
	}
	p.Verification.CodeReference = ""
	p.Verification.CodePhone = ""
	c.record(meta, AuditActionCodeConfirmed, fmt.Sprintf("contact details of %s confirmed", partyLabel(p)))
	return nil
}

// CheckSignable returns the party about to sign.
func (c *Contract) CheckSignable(partyId string) (*Party, error) {
	switch c.Status {
	case ContractStatusVerificationComplete, ContractStatusPendingSignatures, ContractStatusPartiallySigned:
	default:
		return nil, invalidTransition(c.Status, "sign", "contract is not awaiting signatures")
	}
	p, err := c.FindParty(partyId)
	if err != nil {
		return nil, err
	}
	if p.Signed {
		return nil, invalidTransition(c.Status, "sign", "party %s has already signed", p.ID)
	}
	if p.Verification.KycStatus != KycStatusVerified {
		return nil, invalidTransition(c.Status, "sign", "party %s is not verified", p.ID)
	}
	return p, nil
}

// RecordSignature attaches an immutable signature and moves to partially or fully signed.
func (c *Contract) RecordSignature(meta ActionMeta, partyId string, method SignatureMethod, contentHash string) error {
	p, err := c.CheckSignable(partyId)
	if err != nil {
		return err
	}
	terms, err := c.TermsHash()
	if err != nil {
		return err
	}
	if contentHash != "" && contentHash != terms {
		return newValidationError("content_hash", "eq", "signed content does not match the current contract terms")
	}
	p.Signed = true
	p.Signature = &Signature{
		SignedAt:    meta.Now,
		IpAddress:   meta.IpAddress,
		UserAgent:   meta.UserAgent,
		ContentHash: terms,
		Method:      method,
	}
	c.record(meta, AuditActionSigned, fmt.Sprintf("%s signed (%s)", partyLabel(p), describeProgress(c.SignedCount(), len(c.Parties))))
	if c.AllSigned() {
		if c.Status == ContractStatusVerificationComplete || c.Status == ContractStatusPendingSignatures {
			if err := c.transition(meta, ContractStatusPartiallySigned, "first signature recorded"); err != nil {
				return err
			}
		}
		return c.transition(meta, ContractStatusFullySigned, "all parties signed")
	}
	if c.Status != ContractStatusPartiallySigned {
		return c.transition(meta, ContractStatusPartiallySigned, "first signature recorded")
	}
	return nil
}

// ClaimParty binds an authenticated user to an unclaimed party slot.
func (c *Contract) ClaimParty(meta ActionMeta, partyId, userId, name string) error {
	if c.Status.IsTerminal() {
		return invalidTransition(c.Status, "claim party", "contract is %s", c.Status)
	}
	p, err := c.FindParty(partyId)
	if err != nil {
		return err
	}
	if p.Signed {
		return invalidTransition(c.Status, "claim party", "party %s has already signed", p.ID)
	}
	if p.UserId != "" && p.UserId != userId {
		return invalidTransition(c.Status, "claim party", "party %s is claimed by another user", p.ID)
	}
	if p.UserId == userId && (name == "" || name == p.Name) {
		return nil
	}
	if c.AnySigned() {
		return invalidTransition(c.Status, "claim party", "terms are frozen once a party has signed")
	}
	p.UserId = userId
	if name != "" {
		p.Name = name
	}
	c.record(meta, AuditActionPartyClaimed, fmt.Sprintf("%s claimed by user %s", partyLabel(p), userId))
	return nil
}

// AttachDocument adds a supporting document. Terms freeze at the first signature.
func (c *Contract) AttachDocument(meta ActionMeta, name, url, contentHash string) (*ContractDocument, error) {
	if c.Status.IsEscape() || c.Status.Rank() > ContractStatusPendingSignatures.Rank() || c.AnySigned() {
		return nil, invalidTransition(c.Status, "attach document", "contract terms are frozen once signing starts")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newValidationError("name", "required", "document name is required")
	}
	if url == "" {
		return nil, newValidationError("url", "required", "document url is required")
	}
	if contentHash == "" {
		return nil, newValidationError("content_hash", "required", "document content hash is required")
	}
	c.Documents = append(c.Documents, ContractDocument{
		ID:          uuid.NewString(),
		ContractId:  c.ID,
		Name:        name,
		Url:         url,
		ContentHash: contentHash,
		UploadedBy:  meta.UserId,
		UploadedAt:  meta.Now,
	})
	c.record(meta, AuditActionDocumentAttached, "document attached: "+name)
	return &c.Documents[len(c.Documents)-1], nil
}

type termsParty struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Role  PartyRole `json:"role"`
}

type termsDocument struct {
	Name        string `json:"name"`
	ContentHash string `json:"content_hash"`
}

// field order is fixed by the struct, which keeps the encoding canonical
type contractTerms struct {
	Title             string           `json:"title"`
	Description       string           `json:"description"`
	Type              ContractType     `json:"type"`
	Amount            *decimal.Decimal `json:"amount"`
	Currency          string           `json:"currency"`
	DueDate           *time.Time       `json:"due_date"`
	ReleaseConditions []string         `json:"release_conditions"`
	Parties           []termsParty     `json:"parties"`
	Documents         []termsDocument  `json:"documents"`
}

// TermsHash fingerprints what a signer agrees to.
func (c *Contract) TermsHash() (string, error) {
	t := contractTerms{
		Title:             c.Title,
		Description:       c.Description,
		Type:              c.Type,
		Currency:          c.Currency,
		ReleaseConditions: c.Escrow.ReleaseConditions,
		Parties:           make([]termsParty, 0, len(c.Parties)),
		Documents:         make([]termsDocument, 0, len(c.Documents)),
	}
	if c.Amount != nil {
		a := c.Amount.Round(4)
		t.Amount = &a
	}
	if c.DueDate != nil {
		d := c.DueDate.UTC()
		t.DueDate = &d
	}
	for _, p := range c.Parties {
		t.Parties = append(t.Parties, termsParty{Name: p.Name, Email: strings.ToLower(p.Email), Role: p.Role})
	}
	for _, d := range c.Documents {
		t.Documents = append(t.Documents, termsDocument{Name: d.Name, ContentHash: d.ContentHash})
	}
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func partyLabel(p *Party) string {
	if p.Name != "" {
		return fmt.Sprintf("%s (%s)", p.Name, p.Role)
	}
	return fmt.Sprintf("%s (%s)", p.Email, p.Role)
}
