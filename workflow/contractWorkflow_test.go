package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/heartavtal_backend/config"
	"github.com/mmdatafocus/heartavtal_backend/models"
	"github.com/mmdatafocus/heartavtal_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type fakeIdentity struct {
	mu       sync.Mutex
	result   IdentityCheckResult
	err      error
	bankOK   bool
	calls    int
	sent     map[string]string
	nextCode string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		result:   IdentityCheckResult{Status: IdentityCheckVerified},
		bankOK:   true,
		sent:     map[string]string{},
		nextCode: "123456",
	}
}

func (f *fakeIdentity) VerifyIdentity(ctx context.Context, partyId string, evidence IdentityEvidence) (IdentityCheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeIdentity) VerifyBankAccount(ctx context.Context, partyId string, account BankAccountEvidence) (bool, error) {
	return f.bankOK, nil
}

func (f *fakeIdentity) SendVerificationCode(ctx context.Context, email, phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := "ref-" + email
	f.sent[ref] = f.nextCode
	return ref, nil
}

func (f *fakeIdentity) VerifyCode(ctx context.Context, code, reference string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[reference] == code, nil
}

type fakeEscrow struct {
	mu          sync.Mutex
	createErr   error
	secureErr   error
	secureDelay time.Duration
	created     int
	released    []string
	refunded    []string
}

func (f *fakeEscrow) CreateAccount(ctx context.Context, contractId string, amount decimal.Decimal, currency string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	return "acct-" + contractId, nil
}

func (f *fakeEscrow) Secure(ctx context.Context, accountId, paymentMethod string) error {
	if f.secureDelay > 0 {
		select {
		case <-time.After(f.secureDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.secureErr
}

func (f *fakeEscrow) Release(ctx context.Context, accountId, recipientPartyId string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, recipientPartyId)
	return "tx-1", nil
}

func (f *fakeEscrow) Refund(ctx context.Context, accountId, reason string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, accountId)
	return "refund-1", nil
}

func (f *fakeEscrow) GetStatus(ctx context.Context, accountId string) (string, error) {
	return "secured", nil
}

type testEnv struct {
	w        *ContractWorkflow
	store    *models.MemoryContractStore
	identity *fakeIdentity
	escrow   *fakeEscrow
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	store := models.NewMemoryContractStore()
	identity := newFakeIdentity()
	escrow := &fakeEscrow{}
	w := NewContractWorkflow(store, NewLocalLocker(), identity, escrow, config.DefaultContractPolicy(), logger)
	return &testEnv{w: w, store: store, identity: identity, escrow: escrow}
}

func amountOf(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func newInput(amount *decimal.Decimal) models.NewContract {
	return models.NewContract{
		Title:       "Sale of Café Lindqvist AB",
		Description: "Transfer of all shares in Café Lindqvist AB to the buyer.",
		Type:        models.ContractTypeBusinessPurchase,
		Amount:      amount,
		Currency:    "SEK",
		Initiator:   models.NewParty{Name: "Anna Berg", Email: "anna@example.se"},
		Counterparties: []models.NewParty{
			{Name: "Erik Lindqvist", Email: "erik@example.se"},
		},
	}
}

var evidence = VerificationRequest{
	Identity: IdentityEvidence{Documents: []IdentityDocument{{Type: IdentityDocumentPassport, Number: "AB1234567", Country: "SE"}}},
}

func ref(c *models.Contract) ContractRef {
	return ContractRef{ContractId: c.ID}
}

// verifiedContract creates a two-party contract and verifies both parties.
func verifiedContract(t *testing.T, env *testEnv, amount *decimal.Decimal) *models.Contract {
	t.Helper()
	ctx := context.Background()
	c, err := env.w.CreateContract(ctx, newInput(amount))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c, err = env.w.RequestVerification(ctx, ref(c)); err != nil {
		t.Fatalf("request verification: %v", err)
	}
	for _, p := range c.Parties {
		if c, err = env.w.VerifyParty(ctx, ref(c), p.ID, evidence); err != nil {
			t.Fatalf("verify %s: %v", p.Email, err)
		}
	}
	if c.Status != models.ContractStatusVerificationComplete {
		t.Fatalf("expected verification_complete, got %s", c.Status)
	}
	return c
}

func signAll(t *testing.T, env *testEnv, c *models.Contract) *models.Contract {
	t.Helper()
	var err error
	for _, p := range c.Parties {
		if c, err = env.w.SignContract(context.Background(), ref(c), p.ID, SignatureInput{Method: models.SignatureMethodClickWrap}); err != nil {
			t.Fatalf("sign %s: %v", p.Email, err)
		}
	}
	return c
}

func assertVersionMatchesAudit(t *testing.T, c *models.Contract) {
	t.Helper()
	if int(c.Version) != len(c.AuditTrail) {
		t.Fatalf("version %d != %d audit entries", c.Version, len(c.AuditTrail))
	}
	for i, e := range c.AuditTrail {
		if e.Sequence != i+1 {
			t.Fatalf("audit entry %d has sequence %d", i, e.Sequence)
		}
	}
}

func countTransitionsTo(c *models.Contract, status models.ContractStatus) int {
	n := 0
	for _, e := range c.AuditTrail {
		if e.Action == models.AuditActionStatusChanged && e.ToStatus == status {
			n++
		}
	}
	return n
}

func TestScenarioA_ManualApprovalThenRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := verifiedContract(t, env, amountOf(2500000))

	c = signAll(t, env, c)
	if c.Status != models.ContractStatusPendingPlatformApproval {
		t.Fatalf("expected pending_platform_approval after escrow, got %s", c.Status)
	}
	if c.Escrow.Status != models.EscrowStatusSecured {
		t.Fatalf("expected escrow secured, got %s", c.Escrow.Status)
	}
	if countTransitionsTo(c, models.ContractStatusFullySigned) != 1 || countTransitionsTo(c, models.ContractStatusEscrowSecured) != 1 {
		t.Fatalf("expected fully_signed and escrow_secured once each")
	}

	c, err := env.w.ApproveContract(ctx, ref(c), "checked by compliance")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if c.Status != models.ContractStatusPlatformApproved {
		t.Fatalf("expected platform_approved, got %s", c.Status)
	}

	c, err = env.w.ReleaseEscrow(ctx, ref(c), models.ReleaseApprovals{Buyer: true, Seller: true, Platform: true})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if c.Status != models.ContractStatusCompleted {
		t.Fatalf("expected completed, got %s", c.Status)
	}
	if c.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	if !c.Escrow.NetAmount.Equal(decimal.NewFromInt(2375000)) {
		t.Fatalf("expected net 2375000, got %s", c.Escrow.NetAmount)
	}
	if !c.Escrow.Fees.Total().Add(c.Escrow.NetAmount).Equal(decimal.NewFromInt(2500000)) {
		t.Fatalf("fees + net must equal amount")
	}
	if len(env.escrow.released) != 1 || env.escrow.released[0] != c.FirstPartyWithRole(models.PartyRoleSeller).ID {
		t.Fatalf("expected one release to the seller, got %v", env.escrow.released)
	}
	assertVersionMatchesAudit(t, c)

	trail, err := env.w.AuditTrail(ctx, c.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if int64(len(trail)) != c.Version || trail[len(trail)-1].ToStatus != models.ContractStatusCompleted {
		t.Fatalf("stored audit trail does not end at completed: %+v", trail[len(trail)-1])
	}
}

func TestScenarioB_AutoApprovalBelowThreshold(t *testing.T) {
	env := newTestEnv(t)
	c := verifiedContract(t, env, amountOf(100000))

	c = signAll(t, env, c)
	if c.Status != models.ContractStatusPlatformApproved {
		t.Fatalf("expected platform_approved, got %s", c.Status)
	}
	if !c.PlatformApproval.Required {
		t.Fatalf("expected platform approval to be required")
	}
	if c.PlatformApproval.ReviewedBy != models.SystemUserId || !c.PlatformApproval.Automatic {
		t.Fatalf("expected automatic approval by system, got %+v", c.PlatformApproval)
	}
	if countTransitionsTo(c, models.ContractStatusPendingPlatformApproval) != 0 {
		t.Fatalf("auto-approved contract must skip pending_platform_approval")
	}
	assertVersionMatchesAudit(t, c)
}

func TestScenarioC_ZeroAmountCompletesWithoutEscrow(t *testing.T) {
	env := newTestEnv(t)
	c := verifiedContract(t, env, amountOf(0))

	c = signAll(t, env, c)
	if c.Status != models.ContractStatusCompleted {
		t.Fatalf("expected completed, got %s", c.Status)
	}
	if c.Escrow.Status != models.EscrowStatusNone {
		t.Fatalf("expected escrow none, got %s", c.Escrow.Status)
	}
	for _, e := range c.AuditTrail {
		if e.Action == models.AuditActionEscrowSecured || e.ToStatus == models.ContractStatusEscrowSecured {
			t.Fatalf("escrow must never be secured: %+v", e)
		}
	}
	if env.escrow.created != 0 {
		t.Fatalf("escrow backend must not be called, got %d accounts", env.escrow.created)
	}
	assertVersionMatchesAudit(t, c)
}

func TestScenarioD_ReleaseWithoutPlatformApproval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := signAll(t, env, verifiedContract(t, env, amountOf(100000)))
	before := c.Version

	_, err := env.w.ReleaseEscrow(ctx, ref(c), models.ReleaseApprovals{Buyer: true, Seller: true, Platform: false})
	var missing *models.MissingApprovalsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingApprovals, got %v", err)
	}
	if len(missing.Missing) != 1 || missing.Missing[0] != models.PartyRolePlatform {
		t.Fatalf("expected platform to be missing, got %v", missing.Missing)
	}

	stored, err := env.w.GetContract(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Escrow.Status != models.EscrowStatusSecured || stored.Version != before {
		t.Fatalf("expected untouched secured escrow, got %s at version %d", stored.Escrow.Status, stored.Version)
	}
	if len(env.escrow.released) != 0 {
		t.Fatalf("escrow backend must not release")
	}
}

func TestScenarioE_ConcurrentSignaturesTransitionOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := verifiedContract(t, env, amountOf(100000))

	results := make([]*models.Contract, len(c.Parties))
	errs := make([]error, len(c.Parties))
	var wg sync.WaitGroup
	for i, p := range c.Parties {
		wg.Add(1)
		go func(i int, partyId string) {
			defer wg.Done()
			results[i], errs[i] = env.w.SignContract(ctx, ref(c), partyId, SignatureInput{Method: models.SignatureMethodTyped})
		}(i, p.ID)
	}
	wg.Wait()

	observedAllSigned := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("sign %d: %v", i, errs[i])
		}
		if countTransitionsTo(results[i], models.ContractStatusFullySigned) == 1 && results[i].Status != models.ContractStatusPartiallySigned {
			observedAllSigned++
		}
	}
	if observedAllSigned != 1 {
		t.Fatalf("expected exactly one caller to complete signing, got %d", observedAllSigned)
	}

	final, err := env.w.GetContract(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := countTransitionsTo(final, models.ContractStatusFullySigned); got != 1 {
		t.Fatalf("expected one fully_signed transition, got %d", got)
	}
	if final.SignedCount() != 2 {
		t.Fatalf("expected both signatures, got %d", final.SignedCount())
	}
	assertVersionMatchesAudit(t, final)
}

func TestVerifyParty_RepeatIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, err := env.w.CreateContract(ctx, newInput(nil))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c, _ = env.w.RequestVerification(ctx, ref(c))
	partyId := c.Parties[0].ID

	first, err := env.w.VerifyParty(ctx, ref(c), partyId, evidence)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	second, err := env.w.VerifyParty(ctx, ref(c), partyId, evidence)
	if err != nil {
		t.Fatalf("re-verify: %v", err)
	}
	if second.Version != first.Version || len(second.AuditTrail) != len(first.AuditTrail) {
		t.Fatalf("re-verification must not change the contract")
	}
	if env.identity.calls != 1 {
		t.Fatalf("expected one identity check, got %d", env.identity.calls)
	}
	p, _ := second.FindParty(partyId)
	v := p.Verification
	if v.KycStatus != models.KycStatusVerified || !v.IdVerified || !v.EmailVerified || !v.PhoneVerified || !v.BankAccountVerified {
		t.Fatalf("unexpected verification %+v", v)
	}
	if v.VerificationLevel != models.VerificationLevelEnhanced || v.VerifiedAt == nil {
		t.Fatalf("expected enhanced level with verified_at, got %+v", v)
	}
	if second.Status != models.ContractStatusPendingVerification {
		t.Fatalf("one verified party must not complete verification, got %s", second.Status)
	}
}

func TestVerifyParty_FailedCheckKeepsPendingVerification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.w.CreateContract(ctx, newInput(nil))
	c, _ = env.w.RequestVerification(ctx, ref(c))
	env.identity.result = IdentityCheckResult{Status: IdentityCheckFailed, Reason: "document expired"}

	c, err := env.w.VerifyParty(ctx, ref(c), c.Parties[1].ID, evidence)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	p := c.Parties[1]
	if p.Verification.KycStatus != models.KycStatusFailed || p.Verification.FailureReason != "document expired" {
		t.Fatalf("expected failed kyc, got %+v", p.Verification)
	}
	if c.Status != models.ContractStatusPendingVerification {
		t.Fatalf("expected pending_verification, got %s", c.Status)
	}

	env.identity.result = IdentityCheckResult{Status: IdentityCheckVerified}
	c, err = env.w.VerifyParty(ctx, ref(c), p.ID, evidence)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if c.Parties[1].Verification.KycStatus != models.KycStatusVerified {
		t.Fatalf("expected retry to verify the party")
	}
}

func TestVerifyParty_FailedBankCheckFailsParty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.w.CreateContract(ctx, newInput(nil))
	c, _ = env.w.RequestVerification(ctx, ref(c))
	env.identity.bankOK = false

	req := evidence
	req.BankAccount = &BankAccountEvidence{Iban: "SE4550000000058398257466", AccountHolder: "Anna Berg"}
	c, err := env.w.VerifyParty(ctx, ref(c), c.Parties[0].ID, req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.Parties[0].Verification.KycStatus != models.KycStatusFailed {
		t.Fatalf("expected failed kyc, got %s", c.Parties[0].Verification.KycStatus)
	}
}

func TestVerifyParty_IdentityErrorIsCollaboratorFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.w.CreateContract(ctx, newInput(nil))
	c, _ = env.w.RequestVerification(ctx, ref(c))
	env.identity.err = errors.New("provider unavailable")

	_, err := env.w.VerifyParty(ctx, ref(c), c.Parties[0].ID, evidence)
	if models.ErrorKind(err) != "CollaboratorFailure" {
		t.Fatalf("expected CollaboratorFailure, got %v", err)
	}
	stored, _ := env.w.GetContract(ctx, c.ID)
	if stored.Version != c.Version || stored.Parties[0].Verification.KycStatus != models.KycStatusPending {
		t.Fatalf("failed collaborator call must not change the contract")
	}
}

func TestCompleteIdentityCheck_ResolvesManualReview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.w.CreateContract(ctx, newInput(nil))
	c, _ = env.w.RequestVerification(ctx, ref(c))
	env.identity.result = IdentityCheckResult{Status: IdentityCheckPending, Reason: "manual review"}

	c, err := env.w.VerifyParty(ctx, ref(c), c.Parties[0].ID, evidence)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.Parties[0].Verification.KycStatus != models.KycStatusInProgress {
		t.Fatalf("expected in_progress, got %s", c.Parties[0].Verification.KycStatus)
	}

	// a party that was never sent to review is left alone
	before := c.Version
	c, err = env.w.CompleteIdentityCheck(ctx, ref(c), c.Parties[1].ID, IdentityCheckResult{Status: IdentityCheckVerified})
	if err != nil {
		t.Fatalf("complete unrelated: %v", err)
	}
	if c.Version != before || c.Parties[1].Verification.KycStatus != models.KycStatusPending {
		t.Fatalf("result for a party without a review must be ignored")
	}

	c, err = env.w.CompleteIdentityCheck(ctx, ref(c), c.Parties[0].ID, IdentityCheckResult{Status: IdentityCheckVerified})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if c.Parties[0].Verification.KycStatus != models.KycStatusVerified {
		t.Fatalf("expected verified, got %s", c.Parties[0].Verification.KycStatus)
	}
	again, err := env.w.CompleteIdentityCheck(ctx, ref(c), c.Parties[0].ID, IdentityCheckResult{Status: IdentityCheckFailed})
	if err != nil || again.Version != c.Version {
		t.Fatalf("a late result must not undo a verification: %v", err)
	}
	assertVersionMatchesAudit(t, again)
}

func TestCompleteIdentityCheck_IgnoresPartyWithOnlyACode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.w.CreateContract(ctx, newInput(nil))
	c, _ = env.w.RequestVerification(ctx, ref(c))
	partyId := c.Parties[1].ID

	c, err := env.w.SendVerificationCode(ctx, ref(c), partyId, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := c.Parties[1].Verification.KycStatus; got != models.KycStatusPending {
		t.Fatalf("a code must not start an identity check, got %s", got)
	}

	before := c.Version
	c, err = env.w.CompleteIdentityCheck(ctx, ref(c), partyId, IdentityCheckResult{Status: IdentityCheckVerified})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if c.Version != before || c.Parties[1].Verification.KycStatus == models.KycStatusVerified {
		t.Fatalf("party verified without identity evidence: %+v", c.Parties[1].Verification)
	}
	if env.identity.calls != 0 || c.Status != models.ContractStatusPendingVerification {
		t.Fatalf("unexpected identity calls=%d status=%s", env.identity.calls, c.Status)
	}
	assertVersionMatchesAudit(t, c)
}

func TestInitiateEscrow_TimeoutLeavesContractFullySigned(t *testing.T) {
	env := newTestEnv(t)
	env.w.Policy.AutoInitiateEscrow = false
	env.w.Policy.CollaboratorTimeout = 20 * time.Millisecond
	env.escrow.secureDelay = time.Second
	ctx := context.Background()

	c := signAll(t, env, verifiedContract(t, env, amountOf(100000)))
	if c.Status != models.ContractStatusFullySigned {
		t.Fatalf("expected fully_signed, got %s", c.Status)
	}

	_, err := env.w.InitiateEscrow(ctx, ref(c), "")
	var cf *models.CollaboratorFailureError
	if !errors.As(err, &cf) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected collaborator timeout, got %v", err)
	}
	stored, _ := env.w.GetContract(ctx, c.ID)
	if stored.Status != models.ContractStatusFullySigned || stored.Escrow.Status != models.EscrowStatusNone || stored.Version != c.Version {
		t.Fatalf("timed out escrow must leave the contract untouched, got %s/%s v%d", stored.Status, stored.Escrow.Status, stored.Version)
	}
	if len(env.escrow.refunded) != 1 || env.escrow.refunded[0] != "acct-"+c.ID {
		t.Fatalf("expected the unsecured account to be refunded, got %v", env.escrow.refunded)
	}

	env.escrow.secureDelay = 0
	c, err = env.w.InitiateEscrow(ctx, ref(stored), "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if c.Escrow.Status != models.EscrowStatusSecured || env.escrow.created != 2 || len(env.escrow.refunded) != 1 {
		t.Fatalf("retry should secure a fresh account, got %s created=%d refunded=%v", c.Escrow.Status, env.escrow.created, env.escrow.refunded)
	}
}

func TestSignContract_AutoEscrowFailureKeepsSignatures(t *testing.T) {
	env := newTestEnv(t)
	env.escrow.createErr = errors.New("escrow down")
	c := signAll(t, env, verifiedContract(t, env, amountOf(100000)))

	if c.Status != models.ContractStatusFullySigned {
		t.Fatalf("expected fully_signed, got %s", c.Status)
	}
	if c.SignedCount() != 2 {
		t.Fatalf("signatures must be kept")
	}
}

func TestInitiateEscrow_WithoutAmount(t *testing.T) {
	env := newTestEnv(t)
	c := verifiedContract(t, env, nil)
	_, err := env.w.InitiateEscrow(context.Background(), ref(c), "")
	if !errors.Is(err, models.ErrNoAmountSpecified) {
		t.Fatalf("expected NoAmountSpecified, got %v", err)
	}
}

func TestRejectContract_DisputeThenRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := signAll(t, env, verifiedContract(t, env, amountOf(900000)))

	c, err := env.w.RejectContract(ctx, ref(c), "seller identity mismatch", "")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if c.Status != models.ContractStatusDisputed || c.Escrow.Status != models.EscrowStatusDisputed {
		t.Fatalf("expected disputed contract and escrow, got %s/%s", c.Status, c.Escrow.Status)
	}
	if c.PlatformApproval.Status != models.ApprovalStatusRejected {
		t.Fatalf("expected rejected approval, got %s", c.PlatformApproval.Status)
	}

	if _, err := env.w.CancelContract(ctx, ref(c), "give up"); models.ErrorKind(err) != "InvalidTransition" {
		t.Fatalf("cancel with funds held must fail, got %v", err)
	}

	c, err = env.w.RefundEscrow(ctx, ref(c), "rejected by platform")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if c.Status != models.ContractStatusCancelled || c.Escrow.Status != models.EscrowStatusRefunded {
		t.Fatalf("expected cancelled and refunded, got %s/%s", c.Status, c.Escrow.Status)
	}
	assertVersionMatchesAudit(t, c)
}

func TestRejectContract_ReapproveFromDispute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := signAll(t, env, verifiedContract(t, env, amountOf(900000)))
	c, _ = env.w.RejectContract(ctx, ref(c), "missing documents", models.RejectionOutcomeDispute)

	c, err := env.w.ApproveContract(ctx, ref(c), "documents received")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if c.Status != models.ContractStatusPlatformApproved || c.Escrow.Status != models.EscrowStatusSecured {
		t.Fatalf("expected approved with secured escrow, got %s/%s", c.Status, c.Escrow.Status)
	}
}

func TestRejectContract_CancelOutcomeWithFundsHeld(t *testing.T) {
	env := newTestEnv(t)
	c := signAll(t, env, verifiedContract(t, env, amountOf(900000)))
	_, err := env.w.RejectContract(context.Background(), ref(c), "", models.RejectionOutcomeCancel)
	if models.ErrorKind(err) != "InvalidTransition" {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
}

func TestExpectedVersionMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.w.CreateContract(ctx, newInput(nil))

	_, err := env.w.RequestVerification(ctx, ContractRef{ContractId: c.ID, ExpectedVersion: c.Version + 1})
	var cm *models.ConcurrentModificationError
	if !errors.As(err, &cm) || cm.Actual != c.Version {
		t.Fatalf("expected ConcurrentModification, got %v", err)
	}
	if _, err := env.w.RequestVerification(ctx, ContractRef{ContractId: c.ID, ExpectedVersion: c.Version}); err != nil {
		t.Fatalf("matching version: %v", err)
	}
}

func TestSignContract_RequiresCurrentTerms(t *testing.T) {
	env := newTestEnv(t)
	c := verifiedContract(t, env, nil)
	_, err := env.w.SignContract(context.Background(), ref(c), c.Parties[0].ID, SignatureInput{ContentHash: "sha256:0000"})
	if models.ErrorKind(err) != "ValidationError" {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	terms, _ := c.TermsHash()
	c, err = env.w.SignContract(context.Background(), ref(c), c.Parties[0].ID, SignatureInput{ContentHash: terms})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if c.Parties[0].Signature == nil || c.Parties[0].Signature.ContentHash != terms {
		t.Fatalf("expected signature over current terms")
	}
}

func TestSignContract_OtherUserIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	c := verifiedContract(t, env, nil)
	ctx := utils.SetUserIdInContext(context.Background(), "mallory")
	ctx = utils.SetUserEmailInContext(ctx, "mallory@example.se")

	_, err := env.w.SignContract(ctx, ref(c), c.Parties[1].ID, SignatureInput{})
	if !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	ctx = utils.SetUserIdInContext(context.Background(), "erik")
	ctx = utils.SetUserEmailInContext(ctx, "erik@example.se")
	if _, err := env.w.SignContract(ctx, ref(c), c.Parties[1].ID, SignatureInput{}); err != nil {
		t.Fatalf("invited party signing: %v", err)
	}
}

func TestVerificationCode_ConfirmsContactDetails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.w.CreateContract(ctx, newInput(nil))
	partyId := c.Parties[1].ID

	c, err := env.w.SendVerificationCode(ctx, ref(c), partyId, "070-123 45 67")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if c.Parties[1].Verification.CodeReference == "" || c.Parties[1].Verification.CodePhone != "+46701234567" {
		t.Fatalf("expected outstanding code for normalized phone, got %+v", c.Parties[1].Verification)
	}

	if _, err := env.w.ConfirmVerificationCode(ctx, ref(c), partyId, "000000"); models.ErrorKind(err) != "ValidationError" {
		t.Fatalf("expected ValidationError for wrong code, got %v", err)
	}
	c, err = env.w.ConfirmVerificationCode(ctx, ref(c), partyId, "123456")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	v := c.Parties[1].Verification
	if !v.EmailVerified || !v.PhoneVerified || c.Parties[1].Phone != "+46701234567" || v.CodeReference != "" {
		t.Fatalf("unexpected verification after confirm %+v", v)
	}
}

func TestDeleteDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.w.CreateContract(ctx, newInput(nil))
	other, _ := env.w.CreateContract(ctx, newInput(nil))
	other, _ = env.w.RequestVerification(ctx, ref(other))

	if err := env.w.DeleteDraft(ctx, ref(c)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.w.GetContract(ctx, c.ID); !errors.Is(err, models.ErrContractNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := env.w.DeleteDraft(ctx, ref(other)); models.ErrorKind(err) != "InvalidTransition" {
		t.Fatalf("expected InvalidTransition for non-draft, got %v", err)
	}
}

func TestTransitionsEnqueueStatusUpdates(t *testing.T) {
	env := newTestEnv(t)
	c := signAll(t, env, verifiedContract(t, env, amountOf(0)))

	transitions := 0
	for _, e := range c.AuditTrail {
		if e.Action == models.AuditActionStatusChanged {
			transitions++
		}
	}
	updates := 0
	for _, n := range env.store.Notifications() {
		if n.ContractId == c.ID && n.Kind == models.NotificationKindStatusUpdate {
			updates++
		}
	}
	if updates != transitions {
		t.Fatalf("expected one status update per transition, got %d for %d", updates, transitions)
	}
}
