package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/heartavtal_backend/config"
	"github.com/mmdatafocus/heartavtal_backend/models"
	"github.com/mmdatafocus/heartavtal_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DocumentChecker confirms that an attached document's url points at a stored object.
type DocumentChecker interface {
	ObjectExists(ctx context.Context, url string) (bool, error)
}

// ContractRef addresses a contract. A non-zero ExpectedVersion makes the call
// fail with ConcurrentModification when the contract has moved on.
type ContractRef struct {
	ContractId      string
	ExpectedVersion int64
}

// ContractWorkflow runs every lifecycle operation. Each mutation holds the
// contract's lock, works on a fresh copy, and commits through a version-checked
// save; a failed guard or collaborator call leaves the stored contract untouched.
type ContractWorkflow struct {
	Store     models.ContractStore
	Locker    ContractLocker
	Identity  IdentityVerifier
	Escrow    EscrowBackend
	Documents DocumentChecker
	Policy    config.ContractPolicy
	Logger    *logrus.Logger
	Now       func() time.Time

	tracer   trace.Tracer
	validate *validator.Validate
}

func NewContractWorkflow(store models.ContractStore, locker ContractLocker, identity IdentityVerifier, escrow EscrowBackend, policy config.ContractPolicy, logger *logrus.Logger) *ContractWorkflow {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &ContractWorkflow{
		Store:    store,
		Locker:   locker,
		Identity: identity,
		Escrow:   escrow,
		Policy:   policy,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
		tracer:   otel.Tracer("heart-avtal"),
		validate: validator.New(),
	}
}

type SignatureInput struct {
	Method      models.SignatureMethod `json:"method" validate:"omitempty,oneof=bankid drawn typed click_wrap"`
	ContentHash string                 `json:"content_hash" validate:"omitempty,startswith=sha256:"`
}

type VerificationRequest struct {
	Identity    IdentityEvidence     `json:"identity"`
	BankAccount *BankAccountEvidence `json:"bank_account,omitempty"`
}

type DocumentInput struct {
	Name        string `json:"name" validate:"required,max=255"`
	Url         string `json:"url" validate:"required,url,max=1024"`
	ContentHash string `json:"content_hash" validate:"required,max=80"`
}

func (w *ContractWorkflow) advancePolicy() models.AdvancePolicy {
	return models.AdvancePolicy{AutoApprovalThreshold: w.Policy.AutoApprovalThreshold}
}

func (w *ContractWorkflow) feeRates() models.FeeRates {
	return models.FeeRates{
		PlatformFeeRate:          w.Policy.PlatformFeeRate,
		EscrowFeeRate:            w.Policy.EscrowFeeRate,
		PaymentProcessingFeeRate: w.Policy.PaymentProcessingFeeRate,
	}
}

func (w *ContractWorkflow) actionMeta(ctx context.Context) models.ActionMeta {
	userId, _ := utils.GetUserIdFromContext(ctx)
	ip, _ := utils.GetIpAddressFromContext(ctx)
	ua, _ := utils.GetUserAgentFromContext(ctx)
	return models.ActionMeta{UserId: userId, IpAddress: ip, UserAgent: ua, Now: w.Now()}
}

func (w *ContractWorkflow) validationError(err error) error {
	var ves validator.ValidationErrors
	if errors.As(err, &ves) {
		return &models.ValidationError{Message: "invalid input", Fields: utils.ProcessValidationErrors(err)}
	}
	return err
}

func (w *ContractWorkflow) startSpan(ctx context.Context, op, contractId string) (context.Context, trace.Span) {
	return w.tracer.Start(ctx, "ContractWorkflow."+op, trace.WithAttributes(attribute.String("contract.id", contractId)))
}

// finish records the outcome on the span. Domain errors are the caller's
// problem; anything else is logged.
func (w *ContractWorkflow) finish(span trace.Span, op string, contractId string, c *models.Contract, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch models.ErrorKind(err) {
		case "CollaboratorFailure", "":
			config.LogError(w.Logger, "ContractWorkflow", op, "contract operation failed", contractId, err)
		default:
			w.Logger.WithFields(logrus.Fields{
				"field":       "ContractWorkflow",
				"op":          op,
				"contract_id": contractId,
				"kind":        models.ErrorKind(err),
			}).Debug(err.Error())
		}
		return
	}
	if c != nil {
		span.SetAttributes(
			attribute.String("contract.status", string(c.Status)),
			attribute.Int64("contract.version", c.Version),
		)
	}
}

// mutate runs fn against a fresh copy of the contract under its lock and
// saves the copy when fn changed it.
func (w *ContractWorkflow) mutate(ctx context.Context, op string, ref ContractRef, fn func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error) (c *models.Contract, err error) {
	ctx, span := w.startSpan(ctx, op, ref.ContractId)
	defer func() {
		w.finish(span, op, ref.ContractId, c, err)
		span.End()
	}()

	unlock, err := w.Locker.Lock(ctx, ref.ContractId)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err = w.Store.Get(ctx, ref.ContractId)
	if err != nil {
		return nil, err
	}
	if ref.ExpectedVersion != 0 && c.Version != ref.ExpectedVersion {
		return nil, &models.ConcurrentModificationError{ContractId: c.ID, Expected: ref.ExpectedVersion, Actual: c.Version}
	}
	loaded := c.Version
	if err := fn(ctx, c, w.actionMeta(ctx)); err != nil {
		return nil, err
	}
	if c.Version == loaded {
		return c, nil
	}
	if err := w.Store.Save(ctx, c, loaded); err != nil {
		return nil, err
	}
	return c, nil
}

// call bounds a collaborator call by the policy timeout and wraps any failure.
func (w *ContractWorkflow) call(ctx context.Context, collaborator, operation string, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, w.Policy.CollaboratorTimeout)
	defer cancel()
	if err := fn(cctx); err != nil {
		return models.NewCollaboratorFailure(collaborator, operation, err)
	}
	return nil
}

// authorizeParty allows admins, the bound user, or the invited email to act for a party.
// Calls without an authenticated user are internal and pass.
func authorizeParty(ctx context.Context, p *models.Party) error {
	userId, _ := utils.GetUserIdFromContext(ctx)
	if userId == "" {
		return nil
	}
	if admin, _ := utils.GetIsAdminFromContext(ctx); admin {
		return nil
	}
	if p.UserId != "" {
		if p.UserId == userId {
			return nil
		}
		return models.ErrForbidden
	}
	if email, _ := utils.GetUserEmailFromContext(ctx); email != "" && email == p.Email {
		return nil
	}
	return models.ErrForbidden
}

func (w *ContractWorkflow) CreateContract(ctx context.Context, input models.NewContract) (c *models.Contract, err error) {
	ctx, span := w.startSpan(ctx, "CreateContract", "")
	defer func() {
		id := ""
		if c != nil {
			id = c.ID
		}
		w.finish(span, "CreateContract", id, c, err)
		span.End()
	}()

	meta := w.actionMeta(ctx)
	c, err = models.NewContractFromInput(input, models.CreateOptions{
		InitiatorId:             meta.UserId,
		RequirePlatformApproval: w.Policy.RequirePlatformApproval,
		DefaultCurrency:         w.Policy.DefaultCurrency,
		PhoneRegion:             w.Policy.PhoneRegion,
		ReminderLead:            w.Policy.ReminderLead,
	}, meta)
	if err != nil {
		return nil, err
	}
	if err := w.Store.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (w *ContractWorkflow) GetContract(ctx context.Context, contractId string) (*models.Contract, error) {
	return w.Store.Get(ctx, contractId)
}

// ListContracts returns contracts the user initiated or is a party to, newest first.
func (w *ContractWorkflow) ListContracts(ctx context.Context, userId, email string) ([]*models.Contract, error) {
	return w.Store.ListByUser(ctx, userId, email)
}

// AuditTrail returns the contract's entries in append order.
func (w *ContractWorkflow) AuditTrail(ctx context.Context, contractId string) ([]models.AuditEntry, error) {
	c, err := w.Store.Get(ctx, contractId)
	if err != nil {
		return nil, err
	}
	return c.AuditTrail, nil
}

func (w *ContractWorkflow) DeleteDraft(ctx context.Context, ref ContractRef) (err error) {
	ctx, span := w.startSpan(ctx, "DeleteDraft", ref.ContractId)
	defer func() {
		w.finish(span, "DeleteDraft", ref.ContractId, nil, err)
		span.End()
	}()

	unlock, err := w.Locker.Lock(ctx, ref.ContractId)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := w.Store.Get(ctx, ref.ContractId)
	if err != nil {
		return err
	}
	if ref.ExpectedVersion != 0 && c.Version != ref.ExpectedVersion {
		return &models.ConcurrentModificationError{ContractId: c.ID, Expected: ref.ExpectedVersion, Actual: c.Version}
	}
	if err := c.CheckDeletable(); err != nil {
		return err
	}
	return w.Store.Delete(ctx, c.ID, c.Version)
}

func (w *ContractWorkflow) RequestVerification(ctx context.Context, ref ContractRef) (*models.Contract, error) {
	return w.mutate(ctx, "RequestVerification", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		return c.RequestVerification(meta)
	})
}

// VerifyParty runs the identity check (and the bank-account check when given)
// and records the verdict. Verifying an already verified party changes nothing.
func (w *ContractWorkflow) VerifyParty(ctx context.Context, ref ContractRef, partyId string, req VerificationRequest) (*models.Contract, error) {
	return w.mutate(ctx, "VerifyParty", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		_, alreadyVerified, err := c.CheckVerifiable(partyId)
		if err != nil || alreadyVerified {
			return err
		}
		if err := w.validate.Struct(req.Identity); err != nil {
			return w.validationError(err)
		}
		if req.BankAccount != nil {
			if err := w.validate.Struct(req.BankAccount); err != nil {
				return w.validationError(err)
			}
		}

		var result IdentityCheckResult
		if err := w.call(ctx, "identity", "verifyIdentity", func(ctx context.Context) error {
			var err error
			result, err = w.Identity.VerifyIdentity(ctx, partyId, req.Identity)
			return err
		}); err != nil {
			return err
		}

		verdict := models.VerificationVerdict{
			Verified: result.Status == IdentityCheckVerified,
			Pending:  result.Status == IdentityCheckPending,
			Reason:   result.Reason,
		}
		if verdict.Verified && req.BankAccount != nil {
			var matched bool
			if err := w.call(ctx, "identity", "verifyBankAccount", func(ctx context.Context) error {
				var err error
				matched, err = w.Identity.VerifyBankAccount(ctx, partyId, *req.BankAccount)
				return err
			}); err != nil {
				return err
			}
			if !matched {
				verdict = models.VerificationVerdict{Reason: "bank account could not be verified"}
			}
		}
		return c.ApplyVerification(meta, partyId, verdict, w.advancePolicy())
	})
}

// CompleteIdentityCheck applies a verdict the identity provider reached after
// a manual review. Only parties held in manual review are affected; a
// repeated or still-pending result is ignored.
func (w *ContractWorkflow) CompleteIdentityCheck(ctx context.Context, ref ContractRef, partyId string, result IdentityCheckResult) (*models.Contract, error) {
	return w.mutate(ctx, "CompleteIdentityCheck", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		p, alreadyVerified, err := c.CheckVerifiable(partyId)
		if err != nil || alreadyVerified {
			return err
		}
		if result.Status == IdentityCheckPending || !c.AwaitingReview(p.ID) {
			return nil
		}
		verdict := models.VerificationVerdict{
			Verified: result.Status == IdentityCheckVerified,
			Reason:   result.Reason,
		}
		return c.ApplyVerification(meta, partyId, verdict, w.advancePolicy())
	})
}

// SendVerificationCode sends a one-time code to the party's email, or to
// phone by SMS when one is given.
func (w *ContractWorkflow) SendVerificationCode(ctx context.Context, ref ContractRef, partyId, phone string) (*models.Contract, error) {
	if phone != "" {
		normalized, err := utils.NormalizePhoneNumber(phone, w.Policy.PhoneRegion)
		if err != nil {
			return nil, &models.ValidationError{Message: err.Error(), Fields: map[string]string{"phone": "phone"}}
		}
		phone = normalized
	}
	return w.mutate(ctx, "SendVerificationCode", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		p, err := c.CheckCodeTarget(partyId)
		if err != nil {
			return err
		}
		var reference string
		if err := w.call(ctx, "identity", "sendVerificationCode", func(ctx context.Context) error {
			var err error
			reference, err = w.Identity.SendVerificationCode(ctx, p.Email, phone)
			return err
		}); err != nil {
			return err
		}
		return c.RecordCodeSent(meta, partyId, reference, phone)
	})
}

func (w *ContractWorkflow) ConfirmVerificationCode(ctx context.Context, ref ContractRef, partyId, code string) (*models.Contract, error) {
	if code == "" {
		return nil, &models.ValidationError{Message: "code is required", Fields: map[string]string{"code": "required"}}
	}
	return w.mutate(ctx, "ConfirmVerificationCode", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		reference, err := c.PendingCodeReference(partyId)
		if err != nil {
			return err
		}
		var ok bool
		if err := w.call(ctx, "identity", "verifyCode", func(ctx context.Context) error {
			var err error
			ok, err = w.Identity.VerifyCode(ctx, code, reference)
			return err
		}); err != nil {
			return err
		}
		if !ok {
			return &models.ValidationError{Message: "verification code is invalid or expired", Fields: map[string]string{"code": "mismatch"}}
		}
		return c.ConfirmCode(meta, partyId)
	})
}

// ClaimParty binds the calling user to an invited party slot.
func (w *ContractWorkflow) ClaimParty(ctx context.Context, ref ContractRef, partyId, name string) (*models.Contract, error) {
	userId, _ := utils.GetUserIdFromContext(ctx)
	if userId == "" {
		return nil, models.ErrForbidden
	}
	return w.mutate(ctx, "ClaimParty", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		p, err := c.FindParty(partyId)
		if err != nil {
			return err
		}
		if admin, _ := utils.GetIsAdminFromContext(ctx); !admin && p.UserId == "" {
			if email, _ := utils.GetUserEmailFromContext(ctx); email != p.Email {
				return models.ErrForbidden
			}
		}
		return c.ClaimParty(meta, partyId, userId, name)
	})
}

func (w *ContractWorkflow) AttachDocument(ctx context.Context, ref ContractRef, doc DocumentInput) (*models.Contract, error) {
	if err := w.validate.Struct(doc); err != nil {
		return nil, w.validationError(err)
	}
	return w.mutate(ctx, "AttachDocument", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		if w.Documents != nil {
			var exists bool
			if err := w.call(ctx, "storage", "objectExists", func(ctx context.Context) error {
				var err error
				exists, err = w.Documents.ObjectExists(ctx, doc.Url)
				return err
			}); err != nil {
				return err
			}
			if !exists {
				return &models.ValidationError{Message: "document object not found", Fields: map[string]string{"url": "exists"}}
			}
		}
		_, err := c.AttachDocument(meta, doc.Name, doc.Url, doc.ContentHash)
		return err
	})
}

func (w *ContractWorkflow) RequestSignatures(ctx context.Context, ref ContractRef) (*models.Contract, error) {
	return w.mutate(ctx, "RequestSignatures", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		return c.RequestSignatures(meta)
	})
}

// SignContract records a party's signature. When the last signature makes the
// contract fully signed and it carries an amount, escrow is initiated in a
// separate step; a failure there is logged and leaves the contract fully signed.
func (w *ContractWorkflow) SignContract(ctx context.Context, ref ContractRef, partyId string, sig SignatureInput) (*models.Contract, error) {
	if err := w.validate.Struct(sig); err != nil {
		return nil, w.validationError(err)
	}
	c, err := w.mutate(ctx, "SignContract", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		p, err := c.CheckSignable(partyId)
		if err != nil {
			return err
		}
		if err := authorizeParty(ctx, p); err != nil {
			return err
		}
		if err := c.RecordSignature(meta, partyId, sig.Method, sig.ContentHash); err != nil {
			return err
		}
		return c.Advance(meta, w.advancePolicy())
	})
	if err != nil {
		return nil, err
	}
	if c.Status != models.ContractStatusFullySigned || !c.HasAmount() || !w.Policy.AutoInitiateEscrow {
		return c, nil
	}
	escrowed, err := w.InitiateEscrow(ctx, ContractRef{ContractId: c.ID}, "")
	if err != nil {
		w.Logger.WithFields(logrus.Fields{
			"field":       "ContractWorkflow",
			"contract_id": c.ID,
			"kind":        models.ErrorKind(err),
		}).Warn("automatic escrow initiation failed; contract stays fully signed: " + err.Error())
		return c, nil
	}
	return escrowed, nil
}

// InitiateEscrow opens and funds the escrow account, then runs the approval step.
func (w *ContractWorkflow) InitiateEscrow(ctx context.Context, ref ContractRef, paymentMethod string) (*models.Contract, error) {
	if paymentMethod == "" {
		paymentMethod = w.Policy.DefaultPaymentMethod
	}
	return w.mutate(ctx, "InitiateEscrow", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		amount, err := c.CheckEscrowInitiable()
		if err != nil {
			return err
		}
		fees, net, err := models.CalculateFees(amount, w.feeRates(), w.Policy.CurrencyMinorUnits)
		if err != nil {
			return err
		}
		var accountId string
		if err := w.call(ctx, "escrow", "createAccount", func(ctx context.Context) error {
			var err error
			accountId, err = w.Escrow.CreateAccount(ctx, c.ID, amount, c.Currency)
			return err
		}); err != nil {
			return err
		}
		if err := w.call(ctx, "escrow", "secure", func(ctx context.Context) error {
			return w.Escrow.Secure(ctx, accountId, paymentMethod)
		}); err != nil {
			w.closeUnsecuredAccount(ctx, c.ID, accountId)
			return err
		}
		return c.MarkEscrowSecured(meta, models.EscrowAccount{AccountId: accountId, PaymentMethod: paymentMethod}, fees, net, w.advancePolicy())
	})
}

// closeUnsecuredAccount refunds an account that was opened but never secured,
// so a retry of InitiateEscrow does not leave it behind. It runs even when
// ctx has already timed out.
func (w *ContractWorkflow) closeUnsecuredAccount(ctx context.Context, contractId, accountId string) {
	fields := logrus.Fields{
		"field":       "ContractWorkflow",
		"contract_id": contractId,
		"account_id":  accountId,
	}
	err := w.call(context.WithoutCancel(ctx), "escrow", "refund", func(ctx context.Context) error {
		_, err := w.Escrow.Refund(ctx, accountId, "escrow could not be secured")
		return err
	})
	if err != nil {
		w.Logger.WithFields(fields).Error("unsecured escrow account could not be closed: " + err.Error())
		return
	}
	w.Logger.WithFields(fields).Warn("escrow account created but not secured; account closed")
}

func (w *ContractWorkflow) ApproveContract(ctx context.Context, ref ContractRef, comments string) (*models.Contract, error) {
	return w.mutate(ctx, "ApproveContract", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		return c.Approve(meta, comments, w.advancePolicy())
	})
}

func (w *ContractWorkflow) RejectContract(ctx context.Context, ref ContractRef, comments string, outcome models.RejectionOutcome) (*models.Contract, error) {
	return w.mutate(ctx, "RejectContract", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		return c.Reject(meta, comments, outcome)
	})
}

// ReleaseEscrow pays the net amount out to the seller once every required approval is present.
func (w *ContractWorkflow) ReleaseEscrow(ctx context.Context, ref ContractRef, approvals models.ReleaseApprovals) (*models.Contract, error) {
	return w.mutate(ctx, "ReleaseEscrow", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		seller, err := c.CheckReleasable(approvals)
		if err != nil {
			return err
		}
		var transactionId string
		if err := w.call(ctx, "escrow", "release", func(ctx context.Context) error {
			var err error
			transactionId, err = w.Escrow.Release(ctx, c.Escrow.AccountId, seller.ID)
			return err
		}); err != nil {
			return err
		}
		return c.MarkEscrowReleased(meta, approvals, transactionId, w.advancePolicy())
	})
}

// RefundEscrow returns secured funds and cancels the contract.
func (w *ContractWorkflow) RefundEscrow(ctx context.Context, ref ContractRef, reason string) (*models.Contract, error) {
	return w.mutate(ctx, "RefundEscrow", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		if err := c.CheckRefundable(); err != nil {
			return err
		}
		var refundId string
		if err := w.call(ctx, "escrow", "refund", func(ctx context.Context) error {
			var err error
			refundId, err = w.Escrow.Refund(ctx, c.Escrow.AccountId, reason)
			return err
		}); err != nil {
			return err
		}
		return c.MarkEscrowRefunded(meta, refundId, reason)
	})
}

func (w *ContractWorkflow) CancelContract(ctx context.Context, ref ContractRef, reason string) (*models.Contract, error) {
	return w.mutate(ctx, "CancelContract", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		return c.Cancel(meta, reason)
	})
}

func (w *ContractWorkflow) OpenDispute(ctx context.Context, ref ContractRef, reason string) (*models.Contract, error) {
	return w.mutate(ctx, "OpenDispute", ref, func(ctx context.Context, c *models.Contract, meta models.ActionMeta) error {
		return c.OpenDispute(meta, reason)
	})
}

// EscrowAccountStatus asks the escrow backend for the live state of the contract's account.
func (w *ContractWorkflow) EscrowAccountStatus(ctx context.Context, contractId string) (string, error) {
	c, err := w.Store.Get(ctx, contractId)
	if err != nil {
		return "", err
	}
	if c.Escrow.AccountId == "" {
		return "", &models.InvalidTransitionError{Status: c.Status, Action: "query escrow", Condition: "contract has no escrow account"}
	}
	var status string
	err = w.call(ctx, "escrow", "getStatus", func(ctx context.Context) error {
		var err error
		status, err = w.Escrow.GetStatus(ctx, c.Escrow.AccountId)
		return err
	})
	return status, err
}
