package workflow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// EscrowClient talks to the escrow provider holding funds for the platform.
type EscrowClient struct {
	api *apiClient
}

// NewEscrowClient is configured from ESCROW_API_BASE_URL and ESCROW_API_KEY.
func NewEscrowClient() (*EscrowClient, error) {
	api, err := newAPIClient("escrow", "ESCROW")
	if err != nil {
		return nil, err
	}
	return &EscrowClient{api: api}, nil
}

type escrowAccountRequest struct {
	ExternalReference string          `json:"external_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
}

type escrowAccountResponse struct {
	AccountId string `json:"account_id"`
	Status    string `json:"status"`
}

func (c *EscrowClient) CreateAccount(ctx context.Context, contractId string, amount decimal.Decimal, currency string) (string, error) {
	var resp escrowAccountResponse
	req := escrowAccountRequest{ExternalReference: contractId, Amount: amount, Currency: currency}
	if err := c.api.do(ctx, http.MethodPost, "/v1/accounts", req, &resp); err != nil {
		return "", err
	}
	if resp.AccountId == "" {
		return "", fmt.Errorf("escrow: create account response has no account id")
	}
	return resp.AccountId, nil
}

type escrowSecureRequest struct {
	PaymentMethod string `json:"payment_method"`
}

func (c *EscrowClient) Secure(ctx context.Context, accountId, paymentMethod string) error {
	var resp escrowAccountResponse
	if err := c.api.do(ctx, http.MethodPost, accountPath(accountId, "secure"), escrowSecureRequest{PaymentMethod: paymentMethod}, &resp); err != nil {
		return err
	}
	if resp.Status != "" && resp.Status != "secured" {
		return fmt.Errorf("escrow: account %s is %s after secure", accountId, resp.Status)
	}
	return nil
}

type escrowReleaseRequest struct {
	RecipientPartyId string `json:"recipient_party_id"`
}

type escrowTransactionResponse struct {
	TransactionId string `json:"transaction_id"`
}

func (c *EscrowClient) Release(ctx context.Context, accountId, recipientPartyId string) (string, error) {
	var resp escrowTransactionResponse
	if err := c.api.do(ctx, http.MethodPost, accountPath(accountId, "release"), escrowReleaseRequest{RecipientPartyId: recipientPartyId}, &resp); err != nil {
		return "", err
	}
	return resp.TransactionId, nil
}

type escrowRefundRequest struct {
	Reason string `json:"reason"`
}

func (c *EscrowClient) Refund(ctx context.Context, accountId, reason string) (string, error) {
	var resp escrowTransactionResponse
	if err := c.api.do(ctx, http.MethodPost, accountPath(accountId, "refund"), escrowRefundRequest{Reason: reason}, &resp); err != nil {
		return "", err
	}
	return resp.TransactionId, nil
}

func (c *EscrowClient) GetStatus(ctx context.Context, accountId string) (string, error) {
	var resp escrowAccountResponse
	if err := c.api.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(accountId), nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func accountPath(accountId, action string) string {
	return "/v1/accounts/" + url.PathEscape(accountId) + "/" + action
}
