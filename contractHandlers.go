package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/heartavtal_backend/models"
	"github.com/mmdatafocus/heartavtal_backend/models/reports"
	"github.com/mmdatafocus/heartavtal_backend/utils"
	"github.com/mmdatafocus/heartavtal_backend/workflow"
	"github.com/sirupsen/logrus"
)

// contractAPI exposes the contract workflow over REST.
type contractAPI struct {
	workflow      *workflow.ContractWorkflow
	notifications models.NotificationAdmin
	logger        *logrus.Logger
}

type versioned struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type reasonRequest struct {
	versioned
	Reason string `json:"reason"`
}

type verifyPartyRequest struct {
	versioned
	workflow.VerificationRequest
}

type sendCodeRequest struct {
	versioned
	Phone string `json:"phone"`
}

type confirmCodeRequest struct {
	versioned
	Code string `json:"code"`
}

type claimPartyRequest struct {
	versioned
	Name string `json:"name"`
}

type attachDocumentRequest struct {
	versioned
	workflow.DocumentInput
}

type signRequest struct {
	versioned
	workflow.SignatureInput
}

type initiateEscrowRequest struct {
	versioned
	PaymentMethod string `json:"payment_method"`
}

type reviewRequest struct {
	versioned
	Comments string                  `json:"comments"`
	Outcome  models.RejectionOutcome `json:"outcome"`
}

type releaseRequest struct {
	versioned
	Approvals models.ReleaseApprovals `json:"approvals"`
}

func (a *contractAPI) register(r gin.IRouter) {
	g := r.Group("/api/v1/contracts")
	g.POST("", a.createContract)
	g.GET("", a.listContracts)
	g.GET("/:id", a.getContract)
	g.DELETE("/:id", a.deleteDraft)
	g.GET("/:id/audit-trail", a.auditTrail)
	g.GET("/:id/audit-trail/export", a.exportAuditTrail)
	g.POST("/:id/verification", a.requestVerification)
	g.POST("/:id/parties/:partyId/verify", a.verifyParty)
	g.POST("/:id/parties/:partyId/verification-code", a.sendVerificationCode)
	g.POST("/:id/parties/:partyId/verification-code/confirm", a.confirmVerificationCode)
	g.POST("/:id/parties/:partyId/claim", a.claimParty)
	g.POST("/:id/parties/:partyId/sign", a.signContract)
	g.POST("/:id/documents", a.attachDocument)
	g.POST("/:id/signature-requests", a.requestSignatures)
	g.POST("/:id/escrow", a.initiateEscrow)
	g.GET("/:id/escrow", a.escrowStatus)
	g.POST("/:id/escrow/release", a.adminOnly(a.releaseEscrow))
	g.POST("/:id/escrow/refund", a.adminOnly(a.refundEscrow))
	g.POST("/:id/approve", a.adminOnly(a.approveContract))
	g.POST("/:id/reject", a.adminOnly(a.rejectContract))
	g.POST("/:id/cancel", a.cancelContract)
	g.POST("/:id/disputes", a.openDispute)

	ops := r.Group("/internal/ops")
	ops.GET("/contracts/:id/notifications", a.adminOnly(a.notificationStatuses))
	ops.POST("/notifications/:id/replay", a.adminOnly(a.replayNotification))
}

func statusForError(err error) int {
	switch models.ErrorKind(err) {
	case "InvalidTransition", "ConcurrentModification":
		return http.StatusConflict
	case "ValidationError", "NoAmountSpecified", "MissingApprovals":
		return http.StatusUnprocessableEntity
	case "CollaboratorFailure":
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case "NotFound":
		return http.StatusNotFound
	case "Forbidden":
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func (a *contractAPI) writeError(c *gin.Context, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": err.Error(), "kind": models.ErrorKind(err)}
	var ve *models.ValidationError
	if errors.As(err, &ve) && len(ve.Fields) > 0 {
		body["fields"] = ve.Fields
	}
	var ma *models.MissingApprovalsError
	if errors.As(err, &ma) {
		body["missing"] = ma.Missing
	}
	c.JSON(status, body)
}

func (a *contractAPI) respond(c *gin.Context, contract *models.Contract, err error) {
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func requireUser(c *gin.Context) (string, bool) {
	userId, ok := utils.GetUserIdFromContext(c.Request.Context())
	if !ok || userId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userId, true
}

func (a *contractAPI) adminOnly(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUser(c); !ok {
			return
		}
		if admin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !admin {
			a.writeError(c, models.ErrForbidden)
			return
		}
		next(c)
	}
}

// bind decodes the JSON body into req; an empty body is allowed.
func bind(c *gin.Context, req any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

func contractRef(c *gin.Context, v versioned) workflow.ContractRef {
	return workflow.ContractRef{ContractId: c.Param("id"), ExpectedVersion: v.ExpectedVersion}
}

// participant loads the contract and checks the caller takes part in it.
func (a *contractAPI) participant(c *gin.Context) (*models.Contract, bool) {
	userId, ok := requireUser(c)
	if !ok {
		return nil, false
	}
	ctx := c.Request.Context()
	contract, err := a.workflow.GetContract(ctx, c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return nil, false
	}
	if admin, _ := utils.GetIsAdminFromContext(ctx); admin || contract.InitiatorId == userId {
		return contract, true
	}
	email, _ := utils.GetUserEmailFromContext(ctx)
	for _, p := range contract.Parties {
		if p.UserId == userId || (email != "" && p.Email == email) {
			return contract, true
		}
	}
	a.writeError(c, models.ErrForbidden)
	return nil, false
}

func (a *contractAPI) createContract(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	var input models.NewContract
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	contract, err := a.workflow.CreateContract(c.Request.Context(), input)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contract)
}

func (a *contractAPI) listContracts(c *gin.Context) {
	userId, ok := requireUser(c)
	if !ok {
		return
	}
	email, _ := utils.GetUserEmailFromContext(c.Request.Context())
	contracts, err := a.workflow.ListContracts(c.Request.Context(), userId, email)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contracts)
}

func (a *contractAPI) getContract(c *gin.Context) {
	contract, ok := a.participant(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (a *contractAPI) deleteDraft(c *gin.Context) {
	if _, ok := a.participant(c); !ok {
		return
	}
	var v versioned
	if raw := c.Query("expected_version"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expected_version must be a number"})
			return
		}
		v.ExpectedVersion = n
	}
	if err := a.workflow.DeleteDraft(c.Request.Context(), contractRef(c, v)); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *contractAPI) auditTrail(c *gin.Context) {
	contract, ok := a.participant(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, contract.AuditTrail)
}

func (a *contractAPI) exportAuditTrail(c *gin.Context) {
	contract, ok := a.participant(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename="+reports.AuditTrailFilename(contract))
	if err := reports.WriteAuditTrailWorkbook(c.Writer, contract); err != nil {
		_ = c.Error(err)
		c.Status(http.StatusInternalServerError)
	}
}

func (a *contractAPI) requestVerification(c *gin.Context) {
	var req versioned
	if _, ok := a.participant(c); !ok || !bind(c, &req) {
		return
	}
	contract, err := a.workflow.RequestVerification(c.Request.Context(), contractRef(c, req))
	a.respond(c, contract, err)
}

func (a *contractAPI) verifyParty(c *gin.Context) {
	var req verifyPartyRequest
	if _, ok := a.participant(c); !ok || !bind(c, &req) {
		return
	}
	contract, err := a.workflow.VerifyParty(c.Request.Context(), contractRef(c, req.versioned), c.Param("partyId"), req.VerificationRequest)
	a.respond(c, contract, err)
}

func (a *contractAPI) sendVerificationCode(c *gin.Context) {
	var req sendCodeRequest
	if _, ok := a.participant(c); !ok || !bind(c, &req) {
		return
	}
	contract, err := a.workflow.SendVerificationCode(c.Request.Context(), contractRef(c, req.versioned), c.Param("partyId"), req.Phone)
	a.respond(c, contract, err)
}

func (a *contractAPI) confirmVerificationCode(c *gin.Context) {
	var req confirmCodeRequest
	if _, ok := a.participant(c); !ok || !bind(c, &req) {
		return
	}
	contract, err := a.workflow.ConfirmVerificationCode(c.Request.Context(), contractRef(c, req.versioned), c.Param("partyId"), req.Code)
	a.respond(c, contract, err)
}

func (a *contractAPI) claimParty(c *gin.Context) {
	var req claimPartyRequest
	if _, ok := requireUser(c); !ok || !bind(c, &req) {
		return
	}
	contract, err := a.workflow.ClaimParty(c.Request.Context(), contractRef(c, req.versioned), c.Param("partyId"), req.Name)
	a.respond(c, contract, err)
}

func (a *contractAPI) signContract(c *gin.Context) {
	var req signRequest
	if _, ok := requireUser(c); !ok || !bind(c, &req) {
		return
	}
	contract, err := a.workflow.SignContract(c.Request.Context(), contractRef(c, req.versioned), c.Param("partyId"), req.SignatureInput)
	a.respond(c, contract, err)
}

func (a *contractAPI) attachDocument(c *gin.Context) {
	var req attachDocumentRequest
	if _, ok := a.participant(c); !ok || !bind(c, &req) {
		return
	}
	contract, err := a.workflow.AttachDocument(c.Request.Context(), contractRef(c, req.versioned), req.DocumentInput)
	a.respond(c, contract, err)
}

func (a *contractAPI) requestSignatures(c *gin.Context) {
	var req versioned
	if _, ok := a.participant(c); !ok || !bind(c, &req) {
		return
	}
	contract, err := a.workflow.RequestSignatures(c.Request.Context(), contractRef(c, req))
	a.respond(c, contract, err)
}

func (a *contractAPI) initiateEscrow(c *gin.Context) {
	var req initiateEscrowRequest
	if _, ok := a.participant(c); !ok || !bind(c, &req) {
		return
	}
	contract, err := a.workflow.InitiateEscrow(c.Request.Context(), contractRef(c, req.versioned), req.PaymentMethod)
	a.respond(c, contract, err)
}

func (a *contractAPI) escrowStatus(c *gin.Context) {
	contract, ok := a.participant(c)
	if !ok {
		return
	}
	live, err := a.workflow.EscrowAccountStatus(c.Request.Context(), contract.ID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contract_id":    contract.ID,
		"escrow_status":  contract.Escrow.Status,
		"account_id":     contract.Escrow.AccountId,
		"account_status": live,
	})
}

func (a *contractAPI) releaseEscrow(c *gin.Context) {
	var req releaseRequest
	if !bind(c, &req) {
		return
	}
	contract, err := a.workflow.ReleaseEscrow(c.Request.Context(), contractRef(c, req.versioned), req.Approvals)
	a.respond(c, contract, err)
}

func (a *contractAPI) refundEscrow(c *gin.Context) {
	var req reasonRequest
	if !bind(c, &req) {
		return
	}
	contract, err := a.workflow.RefundEscrow(c.Request.Context(), contractRef(c, req.versioned), req.Reason)
	a.respond(c, contract, err)
}

func (a *contractAPI) approveContract(c *gin.Context) {
	var req reviewRequest
	if !bind(c, &req) {
		return
	}
	contract, err := a.workflow.ApproveContract(c.Request.Context(), contractRef(c, req.versioned), req.Comments)
	a.respond(c, contract, err)
}

func (a *contractAPI) rejectContract(c *gin.Context) {
	var req reviewRequest
	if !bind(c, &req) {
		return
	}
	contract, err := a.workflow.RejectContract(c.Request.Context(), contractRef(c, req.versioned), req.Comments, req.Outcome)
	a.respond(c, contract, err)
}

func (a *contractAPI) cancelContract(c *gin.Context) {
	var req reasonRequest
	if _, ok := a.participant(c); !ok || !bind(c, &req) {
		return
	}
	contract, err := a.workflow.CancelContract(c.Request.Context(), contractRef(c, req.versioned), req.Reason)
	a.respond(c, contract, err)
}

func (a *contractAPI) openDispute(c *gin.Context) {
	var req reasonRequest
	if _, ok := a.participant(c); !ok || !bind(c, &req) {
		return
	}
	contract, err := a.workflow.OpenDispute(c.Request.Context(), contractRef(c, req.versioned), req.Reason)
	a.respond(c, contract, err)
}

func (a *contractAPI) notificationStatuses(c *gin.Context) {
	if a.notifications == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notification outbox unavailable"})
		return
	}
	statuses, err := a.notifications.NotificationStatuses(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statuses)
}

func (a *contractAPI) replayNotification(c *gin.Context) {
	if a.notifications == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notification outbox unavailable"})
		return
	}
	status, err := a.notifications.ReplayNotification(c.Request.Context(), c.Param("id"))
	if errors.Is(err, models.ErrNotificationNotReplayable) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.logger.WithFields(logrus.Fields{
		"field":     "replayNotification",
		"record_id": status.RecordId,
	}).Info("notification queued for replay")
	c.JSON(http.StatusOK, status)
}
