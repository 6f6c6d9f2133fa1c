package models

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var testRates = FeeRates{
	PlatformFeeRate:          decimal.RequireFromString("0.03"),
	EscrowFeeRate:            decimal.RequireFromString("0.005"),
	PaymentProcessingFeeRate: decimal.RequireFromString("0.015"),
}

var testPolicy = AdvancePolicy{AutoApprovalThreshold: decimal.NewFromInt(500000)}

func testMeta() ActionMeta {
	return ActionMeta{UserId: "user-1", IpAddress: "10.0.0.1", UserAgent: "test", Now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func newTestContract(t *testing.T, amount *decimal.Decimal) *Contract {
	t.Helper()
	due := testMeta().Now.Add(30 * 24 * time.Hour)
	c, err := NewContractFromInput(NewContract{
		Title:       "Purchase of Bageri Norr",
		Description: "Asset purchase of the bakery including equipment.",
		Type:        ContractTypeAssetTransfer,
		Amount:      amount,
		DueDate:     &due,
		Initiator:   NewParty{Name: "Sara Holm", Email: "Sara@Example.se"},
		Counterparties: []NewParty{
			{Name: "Jonas Norr", Email: "jonas@example.se", Phone: "+46701234567"},
		},
		ReleaseConditions: []string{"keys handed over"},
	}, CreateOptions{
		InitiatorId:             "user-1",
		RequirePlatformApproval: true,
		DefaultCurrency:         "SEK",
		PhoneRegion:             "SE",
		ReminderLead:            48 * time.Hour,
	}, testMeta())
	if err != nil {
		t.Fatalf("new contract: %v", err)
	}
	return c
}

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func verifyAll(t *testing.T, c *Contract) {
	t.Helper()
	if err := c.RequestVerification(testMeta()); err != nil {
		t.Fatalf("request verification: %v", err)
	}
	for _, p := range c.Parties {
		if err := c.ApplyVerification(testMeta(), p.ID, VerificationVerdict{Verified: true}, testPolicy); err != nil {
			t.Fatalf("verify: %v", err)
		}
	}
}

func TestCalculateFees_SumsToAmount(t *testing.T) {
	amounts := []string{"2500000", "100000", "0.01", "0.07", "999.99", "1234567.891", "33.33"}
	for _, a := range amounts {
		amount := decimal.RequireFromString(a)
		fees, net, err := CalculateFees(amount, testRates, 2)
		if err != nil {
			t.Fatalf("%s: %v", a, err)
		}
		if !fees.Total().Add(net).Equal(amount) {
			t.Fatalf("%s: fees %s + net %s != amount", a, fees.Total(), net)
		}
		for _, f := range []decimal.Decimal{fees.PlatformFee, fees.EscrowFee, fees.PaymentProcessingFee} {
			if !f.Equal(f.Round(2)) {
				t.Fatalf("%s: fee %s is not rounded to the minor unit", a, f)
			}
		}
	}
}

func TestCalculateFees_ScenarioAmount(t *testing.T) {
	fees, net, err := CalculateFees(decimal.NewFromInt(2500000), testRates, 2)
	if err != nil {
		t.Fatalf("fees: %v", err)
	}
	if !fees.PlatformFee.Equal(decimal.NewFromInt(75000)) || !fees.EscrowFee.Equal(decimal.NewFromInt(12500)) || !fees.PaymentProcessingFee.Equal(decimal.NewFromInt(37500)) {
		t.Fatalf("unexpected fees %+v", fees)
	}
	if !net.Equal(decimal.NewFromInt(2375000)) {
		t.Fatalf("expected net 2375000, got %s", net)
	}
}

func TestCalculateFees_RejectsBadInput(t *testing.T) {
	if _, _, err := CalculateFees(decimal.Zero, testRates, 2); !errors.Is(err, ErrNoAmountSpecified) {
		t.Fatalf("expected NoAmountSpecified, got %v", err)
	}
	bad := testRates
	bad.EscrowFeeRate = decimal.NewFromInt(1)
	if _, _, err := CalculateFees(decimal.NewFromInt(10), bad, 2); ErrorKind(err) != "ValidationError" {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to ContractStatus
		want     bool
	}{
		{ContractStatusDraft, ContractStatusPendingVerification, true},
		{ContractStatusDraft, ContractStatusFullySigned, false},
		{ContractStatusPartiallySigned, ContractStatusFullySigned, true},
		{ContractStatusFullySigned, ContractStatusPartiallySigned, false},
		{ContractStatusFullySigned, ContractStatusPlatformApproved, true},
		{ContractStatusPendingPlatformApproval, ContractStatusDisputed, true},
		{ContractStatusDisputed, ContractStatusDisputed, false},
		{ContractStatusDisputed, ContractStatusPlatformApproved, true},
		{ContractStatusEscrowSecured, ContractStatusCancelled, true},
		{ContractStatusCompleted, ContractStatusCancelled, false},
		{ContractStatusCancelled, ContractStatusDisputed, false},
		{ContractStatusFundsReleased, ContractStatusCompleted, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestNewContract_StartsAsDraft(t *testing.T) {
	c := newTestContract(t, decimalPtr("250000"))
	if c.Status != ContractStatusDraft || c.Version != 1 || len(c.AuditTrail) != 1 {
		t.Fatalf("expected draft at version 1 with one entry, got %s v%d %d", c.Status, c.Version, len(c.AuditTrail))
	}
	if c.AuditTrail[0].Action != AuditActionCreated || c.AuditTrail[0].UserId != "user-1" {
		t.Fatalf("unexpected first entry %+v", c.AuditTrail[0])
	}
	if c.Parties[0].Role != PartyRoleBuyer || c.Parties[1].Role != PartyRoleSeller {
		t.Fatalf("expected buyer and seller, got %s and %s", c.Parties[0].Role, c.Parties[1].Role)
	}
	if c.Parties[0].Email != "sara@example.se" || c.Parties[0].UserId != "user-1" {
		t.Fatalf("expected normalized initiator party, got %+v", c.Parties[0])
	}
	if c.Escrow.Status != EscrowStatusNone || !c.PlatformApproval.Required || c.Currency != "SEK" {
		t.Fatalf("unexpected escrow/approval defaults")
	}
	kinds := map[NotificationKind]int{}
	for _, n := range c.PendingNotifications() {
		kinds[n.Kind]++
	}
	if kinds[NotificationKindContract] != 1 || kinds[NotificationKindReminder] != 1 {
		t.Fatalf("expected invitation and reminder, got %v", kinds)
	}
}

func TestNewContract_Validation(t *testing.T) {
	base := func() NewContract {
		return NewContract{
			Title:          "Service deal",
			Description:    "Monthly bookkeeping services for one year.",
			Type:           ContractTypeServiceAgreement,
			Initiator:      NewParty{Name: "Lena", Email: "lena@example.se"},
			Counterparties: []NewParty{{Email: "byra@example.se"}},
		}
	}
	opts := CreateOptions{DefaultCurrency: "SEK", PhoneRegion: "SE"}
	past := testMeta().Now.Add(-time.Hour)

	cases := map[string]func(*NewContract){
		"negative amount":  func(n *NewContract) { n.Amount = decimalPtr("-1") },
		"past due date":    func(n *NewContract) { n.DueDate = &past },
		"short text":       func(n *NewContract) { n.Description = "too short" },
		"unknown type":     func(n *NewContract) { n.Type = "crowdfunding" },
		"no counterparty":  func(n *NewContract) { n.Counterparties = nil },
		"duplicate email":  func(n *NewContract) { n.Counterparties[0].Email = "LENA@example.se" },
		"bad email":        func(n *NewContract) { n.Counterparties[0].Email = "not-an-email" },
		"bad phone":        func(n *NewContract) { n.Counterparties[0].Phone = "12" },
		"initiator name":   func(n *NewContract) { n.Initiator.Name = " " },
		"lowercase curr.":  func(n *NewContract) { n.Currency = "sek" },
		"amount no seller": func(n *NewContract) { n.Amount = decimalPtr("10"); n.Counterparties[0].Role = PartyRoleWitness },
	}
	for name, mutate := range cases {
		input := base()
		mutate(&input)
		if _, err := NewContractFromInput(input, opts, testMeta()); ErrorKind(err) != "ValidationError" {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
	if _, err := NewContractFromInput(base(), opts, testMeta()); err != nil {
		t.Fatalf("valid input: %v", err)
	}
}

func TestRequestVerification_NeedsTwoEmails(t *testing.T) {
	c := newTestContract(t, nil)
	c.Parties[1].Email = ""
	err := c.RequestVerification(testMeta())
	var it *InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	if c.Status != ContractStatusDraft || c.Version != 1 {
		t.Fatalf("failed guard must not mutate")
	}
}

func TestApplyVerification_PendingVerdict(t *testing.T) {
	c := newTestContract(t, nil)
	_ = c.RequestVerification(testMeta())
	if err := c.ApplyVerification(testMeta(), c.Parties[0].ID, VerificationVerdict{Pending: true}, testPolicy); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if c.Parties[0].Verification.KycStatus != KycStatusInProgress || c.Status != ContractStatusPendingVerification {
		t.Fatalf("expected in_progress party, got %s", c.Parties[0].Verification.KycStatus)
	}
	if !c.AwaitingReview(c.Parties[0].ID) || c.AwaitingReview(c.Parties[1].ID) {
		t.Fatalf("only the party in manual review awaits a verdict")
	}
	if err := c.ApplyVerification(testMeta(), c.Parties[0].ID, VerificationVerdict{Reason: "document expired"}, testPolicy); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if c.AwaitingReview(c.Parties[0].ID) || c.Parties[0].Verification.KycStatus != KycStatusFailed {
		t.Fatalf("a final verdict must end the review, got %+v", c.Parties[0].Verification)
	}
}

func TestRecordCodeSent_DoesNotStartIdentityCheck(t *testing.T) {
	c := newTestContract(t, nil)
	_ = c.RequestVerification(testMeta())
	if err := c.RecordCodeSent(testMeta(), c.Parties[1].ID, "ref-1", ""); err != nil {
		t.Fatalf("record code: %v", err)
	}
	v := c.Parties[1].Verification
	if v.KycStatus != KycStatusPending || v.CodeReference != "ref-1" || c.AwaitingReview(c.Parties[1].ID) {
		t.Fatalf("unexpected verification after code sent: %+v", v)
	}
}

func TestSigning_FreezesTermsAndRequiresVerification(t *testing.T) {
	c := newTestContract(t, nil)
	_ = c.RequestVerification(testMeta())
	if _, err := c.CheckSignable(c.Parties[0].ID); ErrorKind(err) != "InvalidTransition" {
		t.Fatalf("signing before verification must fail, got %v", err)
	}
	if err := c.ApplyVerification(testMeta(), c.Parties[0].ID, VerificationVerdict{Verified: true}, testPolicy); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := c.ApplyVerification(testMeta(), c.Parties[1].ID, VerificationVerdict{Verified: true}, testPolicy); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := c.AttachDocument(testMeta(), "Inventory list", "gs://bucket/inv.pdf", "sha256:abc"); err != nil {
		t.Fatalf("attach before signing: %v", err)
	}
	if err := c.RecordSignature(testMeta(), c.Parties[0].ID, SignatureMethodBankId, ""); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if c.Status != ContractStatusPartiallySigned {
		t.Fatalf("expected partially_signed, got %s", c.Status)
	}
	if _, err := c.AttachDocument(testMeta(), "Late addendum", "gs://bucket/late.pdf", "sha256:def"); ErrorKind(err) != "InvalidTransition" {
		t.Fatalf("attach after signing must fail, got %v", err)
	}
	if err := c.RecordSignature(testMeta(), c.Parties[0].ID, SignatureMethodBankId, ""); ErrorKind(err) != "InvalidTransition" {
		t.Fatalf("double signature must fail, got %v", err)
	}
}

func TestClaimParty_RefusedOnceAnyPartySigned(t *testing.T) {
	c := newTestContract(t, nil)
	verifyAll(t, c)
	buyer, seller := c.Parties[0].ID, c.Parties[1].ID

	if err := c.ClaimParty(testMeta(), seller, "user-2", "Jonas Norr AB"); err != nil {
		t.Fatalf("claim before signing: %v", err)
	}
	if c.Parties[1].Name != "Jonas Norr AB" || c.Parties[1].UserId != "user-2" {
		t.Fatalf("claim not applied: %+v", c.Parties[1])
	}

	if err := c.RecordSignature(testMeta(), buyer, SignatureMethodBankId, ""); err != nil {
		t.Fatalf("sign: %v", err)
	}
	signedHash := c.Parties[0].Signature.ContentHash
	version := c.Version

	err := c.ClaimParty(testMeta(), seller, "user-2", "Somebody Else AB")
	if ErrorKind(err) != "InvalidTransition" {
		t.Fatalf("rename after a signature must fail, got %v", err)
	}
	if c.Parties[1].Name != "Jonas Norr AB" || c.Version != version {
		t.Fatalf("refused claim mutated the contract: name=%q version=%d", c.Parties[1].Name, c.Version)
	}
	if hash, _ := c.TermsHash(); hash != signedHash {
		t.Fatalf("terms changed after signing: %s != %s", hash, signedHash)
	}
	// repeating an existing claim stays a no-op
	if err := c.ClaimParty(testMeta(), seller, "user-2", ""); err != nil {
		t.Fatalf("idempotent claim: %v", err)
	}
}

func TestAdvance_NoAmountRunsToCompletion(t *testing.T) {
	c := newTestContract(t, nil)
	verifyAll(t, c)
	for _, p := range c.Parties {
		if err := c.RecordSignature(testMeta(), p.ID, SignatureMethodTyped, ""); err != nil {
			t.Fatalf("sign: %v", err)
		}
	}
	if err := c.Advance(testMeta(), testPolicy); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if c.Status != ContractStatusCompleted || c.CompletedAt == nil {
		t.Fatalf("expected completed, got %s", c.Status)
	}
	if c.PlatformApproval.ReviewedBy != SystemUserId {
		t.Fatalf("expected system approval, got %q", c.PlatformApproval.ReviewedBy)
	}
	if int(c.Version) != len(c.AuditTrail) {
		t.Fatalf("version %d != %d entries", c.Version, len(c.AuditTrail))
	}
}

func TestCancel_RequiresRefundWhileFundsHeld(t *testing.T) {
	c := newTestContract(t, decimalPtr("800000"))
	c.Status = ContractStatusPendingPlatformApproval
	c.Escrow.Status = EscrowStatusSecured
	if err := c.Cancel(testMeta(), "changed mind"); ErrorKind(err) != "InvalidTransition" {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	if err := c.MarkEscrowRefunded(testMeta(), "refund-9", ""); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if c.Status != ContractStatusCancelled || c.Escrow.Status != EscrowStatusRefunded {
		t.Fatalf("expected cancelled and refunded, got %s/%s", c.Status, c.Escrow.Status)
	}
	if err := c.Cancel(testMeta(), ""); ErrorKind(err) != "InvalidTransition" {
		t.Fatalf("cancelled contract must stay terminal, got %v", err)
	}
}

func TestCheckReleasable_WitnessApprovalRequired(t *testing.T) {
	c := newTestContract(t, decimalPtr("1000"))
	c.Parties = append(c.Parties, Party{ID: "w", Role: PartyRoleWitness, Email: "w@example.se"})
	c.Status = ContractStatusPlatformApproved
	c.Escrow.Status = EscrowStatusSecured

	_, err := c.CheckReleasable(ReleaseApprovals{Buyer: true, Seller: true, Platform: true})
	var missing *MissingApprovalsError
	if !errors.As(err, &missing) || len(missing.Missing) != 1 || missing.Missing[0] != PartyRoleWitness {
		t.Fatalf("expected missing witness, got %v", err)
	}
	yes := true
	if _, err := c.CheckReleasable(ReleaseApprovals{Buyer: true, Seller: true, Platform: true, Witness: &yes}); err != nil {
		t.Fatalf("all approvals: %v", err)
	}
}

func TestTermsHash_ChangesWithTerms(t *testing.T) {
	c := newTestContract(t, decimalPtr("1000"))
	h1, _ := c.TermsHash()
	clone, err := c.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	h2, _ := clone.TermsHash()
	if h1 != h2 {
		t.Fatalf("hash must be deterministic")
	}
	c.Title = "Another title"
	h3, _ := c.TermsHash()
	if h1 == h3 {
		t.Fatalf("hash must change with the title")
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryContractStore()
	c := newTestContract(t, decimalPtr("120000.50"))
	verifyAll(t, c)
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	loaded, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want, _ := json.Marshal(c)
	got, _ := json.Marshal(loaded)
	if string(want) != string(got) {
		t.Fatalf("round trip changed the contract:\nwant %s\ngot  %s", want, got)
	}
}

func TestMemoryStore_VersionCheck(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryContractStore()
	c := newTestContract(t, nil)
	_ = store.Create(ctx, c)

	a, _ := store.Get(ctx, c.ID)
	b, _ := store.Get(ctx, c.ID)
	_ = a.RequestVerification(testMeta())
	if err := store.Save(ctx, a, 1); err != nil {
		t.Fatalf("first save: %v", err)
	}
	_ = b.Cancel(testMeta(), "")
	err := store.Save(ctx, b, 1)
	var cm *ConcurrentModificationError
	if !errors.As(err, &cm) || cm.Actual != 2 {
		t.Fatalf("expected ConcurrentModification at version 2, got %v", err)
	}
	stored, _ := store.Get(ctx, c.ID)
	if stored.Status != ContractStatusPendingVerification {
		t.Fatalf("lost update: %s", stored.Status)
	}
}

func TestMemoryStore_AuditIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryContractStore()
	c := newTestContract(t, nil)
	_ = store.Create(ctx, c)

	edited, _ := store.Get(ctx, c.ID)
	edited.AuditTrail[0].Action = "rewritten"
	if err := store.Save(ctx, edited, 1); err == nil {
		t.Fatalf("expected rewrite to be rejected")
	}
	dropped, _ := store.Get(ctx, c.ID)
	dropped.AuditTrail = nil
	if err := store.Save(ctx, dropped, 1); err == nil {
		t.Fatalf("expected truncation to be rejected")
	}
}

func TestMemoryStore_ListByUserNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryContractStore()
	older := newTestContract(t, nil)
	newer := newTestContract(t, nil)
	newer.CreatedAt = older.CreatedAt.Add(time.Minute)
	_ = store.Create(ctx, older)
	_ = store.Create(ctx, newer)

	list, err := store.ListByUser(ctx, "", "jonas@example.se")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != newer.ID {
		t.Fatalf("expected newest first, got %d contracts", len(list))
	}
	if list, _ := store.ListByUser(ctx, "someone-else", "nobody@example.se"); len(list) != 0 {
		t.Fatalf("expected no contracts for a stranger")
	}
}

func TestMemoryStore_NotificationOutbox(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryContractStore()
	c := newTestContract(t, nil)
	_ = store.Create(ctx, c)

	claimed, err := store.ClaimNotifications(ctx, "d1", 10, time.Minute, 3)
	if err != nil || len(claimed) != 2 {
		t.Fatalf("expected 2 claimed records, got %d (%v)", len(claimed), err)
	}
	if again, _ := store.ClaimNotifications(ctx, "d2", 10, time.Minute, 3); len(again) != 0 {
		t.Fatalf("claimed records must not be handed out twice")
	}
	if claimed[0].CorrelationId == "" {
		t.Fatalf("expected a correlation id")
	}
	_ = store.MarkNotificationSent(ctx, claimed[0].ID, time.Now())
	_ = store.MarkNotificationFailed(ctx, claimed[1].ID, errors.New("boom"), nil)
	for _, n := range store.Notifications() {
		switch n.ID {
		case claimed[0].ID:
			if n.PublishStatus != OutboxPublishStatusSent {
				t.Fatalf("expected SENT, got %s", n.PublishStatus)
			}
		case claimed[1].ID:
			if n.PublishStatus != OutboxPublishStatusDead {
				t.Fatalf("expected DEAD, got %s", n.PublishStatus)
			}
		}
	}

	if _, err := store.ReplayNotification(ctx, claimed[0].ID); !errors.Is(err, ErrNotificationNotReplayable) {
		t.Fatalf("sent records must not be replayed, got %v", err)
	}
	if _, err := store.ReplayNotification(ctx, "missing"); ErrorKind(err) != "NotFound" {
		t.Fatalf("expected NotFound, got %v", err)
	}
	status, err := store.ReplayNotification(ctx, claimed[1].ID)
	if err != nil || status.PublishStatus != OutboxPublishStatusPending || status.PublishAttempts != 0 {
		t.Fatalf("expected a pending record after replay, got %+v (%v)", status, err)
	}
	statuses, _ := store.NotificationStatuses(ctx, c.ID)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if again, _ := store.ClaimNotifications(ctx, "d3", 10, time.Minute, 3); len(again) != 1 || again[0].ID != claimed[1].ID {
		t.Fatalf("replayed record should be claimable again, got %v", again)
	}
}
