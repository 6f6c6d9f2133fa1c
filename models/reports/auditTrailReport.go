package reports

import (
	"fmt"
	"io"
	"time"

	"github.com/mmdatafocus/heartavtal_backend/models"
	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Summary"
	partiesSheet = "Parties"
	auditSheet   = "Audit Trail"
)

func AuditTrailFilename(c *models.Contract) string {
	return fmt.Sprintf("contract-%s-v%d-audit.xlsx", c.ID, c.Version)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func setRow(f *excelize.File, sheet string, rowNo int, values ...interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNo)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

// BuildAuditTrailWorkbook lays out a contract's summary, parties and full
// audit trail on three sheets.
func BuildAuditTrailWorkbook(c *models.Contract) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	for _, name := range []string{partiesSheet, auditSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	amount := ""
	if c.Amount != nil {
		amount = c.Amount.StringFixed(2)
	}
	summary := [][]interface{}{
		{"Contract", c.ID},
		{"Title", c.Title},
		{"Type", string(c.Type)},
		{"Status", string(c.Status)},
		{"Version", c.Version},
		{"Amount", amount},
		{"Currency", c.Currency},
		{"Escrow status", string(c.Escrow.Status)},
		{"Platform fee", c.Escrow.Fees.PlatformFee.StringFixed(2)},
		{"Escrow fee", c.Escrow.Fees.EscrowFee.StringFixed(2)},
		{"Payment processing fee", c.Escrow.Fees.PaymentProcessingFee.StringFixed(2)},
		{"Net amount", c.Escrow.NetAmount.StringFixed(2)},
		{"Approval", string(c.PlatformApproval.Status)},
		{"Created", formatTime(&c.CreatedAt)},
		{"Completed", formatTime(c.CompletedAt)},
	}
	for i, row := range summary {
		if err := setRow(f, summarySheet, i+1, row...); err != nil {
			return nil, err
		}
	}
	if err := f.SetCellStyle(summarySheet, "A1", fmt.Sprintf("A%d", len(summary)), bold); err != nil {
		return nil, err
	}

	if err := setRow(f, partiesSheet, 1, "Name", "Email", "Role", "KYC", "Level", "Signed", "Signed at", "Method"); err != nil {
		return nil, err
	}
	for i, p := range c.Parties {
		signedAt, method := "", ""
		if p.Signature != nil {
			signedAt = formatTime(&p.Signature.SignedAt)
			method = string(p.Signature.Method)
		}
		if err := setRow(f, partiesSheet, i+2, p.Name, p.Email, string(p.Role), string(p.Verification.KycStatus),
			string(p.Verification.VerificationLevel), p.Signed, signedAt, method); err != nil {
			return nil, err
		}
	}
	if err := f.SetCellStyle(partiesSheet, "A1", "H1", bold); err != nil {
		return nil, err
	}

	if err := setRow(f, auditSheet, 1, "Sequence", "Timestamp", "Action", "From", "To", "User", "IP address", "Details"); err != nil {
		return nil, err
	}
	for i, e := range c.AuditTrail {
		if err := setRow(f, auditSheet, i+2, e.Sequence, formatTime(&e.Timestamp), e.Action,
			string(e.FromStatus), string(e.ToStatus), e.UserId, e.IpAddress, e.Details); err != nil {
			return nil, err
		}
	}
	if err := f.SetCellStyle(auditSheet, "A1", "H1", bold); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(auditSheet, "H", "H", 80); err != nil {
		return nil, err
	}
	return f, nil
}

func WriteAuditTrailWorkbook(w io.Writer, c *models.Contract) error {
	f, err := BuildAuditTrailWorkbook(c)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}
