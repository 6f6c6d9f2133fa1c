package workflow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// KycClient talks to the identity provider's REST API.
type KycClient struct {
	api *apiClient
}

// NewKycClient is configured from KYC_API_BASE_URL and KYC_API_KEY.
func NewKycClient() (*KycClient, error) {
	api, err := newAPIClient("kyc", "KYC")
	if err != nil {
		return nil, err
	}
	return &KycClient{api: api}, nil
}

type kycIdentityRequest struct {
	PartyId  string           `json:"party_id"`
	Evidence IdentityEvidence `json:"evidence"`
}

type kycIdentityResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (c *KycClient) VerifyIdentity(ctx context.Context, partyId string, evidence IdentityEvidence) (IdentityCheckResult, error) {
	var resp kycIdentityResponse
	if err := c.api.do(ctx, http.MethodPost, "/v1/identity-checks", kycIdentityRequest{PartyId: partyId, Evidence: evidence}, &resp); err != nil {
		return IdentityCheckResult{}, err
	}
	switch IdentityCheckStatus(resp.Status) {
	case IdentityCheckVerified, IdentityCheckFailed, IdentityCheckPending:
		return IdentityCheckResult{Status: IdentityCheckStatus(resp.Status), Reason: resp.Reason}, nil
	case "approved":
		return IdentityCheckResult{Status: IdentityCheckVerified}, nil
	case "rejected", "declined":
		return IdentityCheckResult{Status: IdentityCheckFailed, Reason: resp.Reason}, nil
	case "review", "manual_review":
		return IdentityCheckResult{Status: IdentityCheckPending, Reason: resp.Reason}, nil
	}
	return IdentityCheckResult{}, fmt.Errorf("kyc: unexpected identity check status %q", resp.Status)
}

type kycBankAccountRequest struct {
	PartyId string              `json:"party_id"`
	Account BankAccountEvidence `json:"account"`
}

type kycBankAccountResponse struct {
	Verified bool `json:"verified"`
}

func (c *KycClient) VerifyBankAccount(ctx context.Context, partyId string, account BankAccountEvidence) (bool, error) {
	var resp kycBankAccountResponse
	if err := c.api.do(ctx, http.MethodPost, "/v1/bank-account-checks", kycBankAccountRequest{PartyId: partyId, Account: account}, &resp); err != nil {
		return false, err
	}
	return resp.Verified, nil
}

type kycCodeRequest struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type kycCodeResponse struct {
	Reference string `json:"reference"`
}

// SendVerificationCode asks the provider to deliver a code. The provider keeps the code.
func (c *KycClient) SendVerificationCode(ctx context.Context, email, phone string) (string, error) {
	var resp kycCodeResponse
	if err := c.api.do(ctx, http.MethodPost, "/v1/verification-codes", kycCodeRequest{Email: email, Phone: phone}, &resp); err != nil {
		return "", err
	}
	if resp.Reference == "" {
		return "", fmt.Errorf("kyc: verification code response has no reference")
	}
	return resp.Reference, nil
}

type kycCodeCheckRequest struct {
	Code string `json:"code"`
}

type kycCodeCheckResponse struct {
	Valid bool `json:"valid"`
}

func (c *KycClient) VerifyCode(ctx context.Context, code, reference string) (bool, error) {
	var resp kycCodeCheckResponse
	err := c.api.do(ctx, http.MethodPost, "/v1/verification-codes/"+url.PathEscape(reference)+"/check", kycCodeCheckRequest{Code: code}, &resp)
	if isNotFound(err) {
		// expired or unknown reference
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}
