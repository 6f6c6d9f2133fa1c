package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDefaultContractPolicy_IsValid(t *testing.T) {
	p := DefaultContractPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if !p.AutoApprovalThreshold.Equal(decimal.NewFromInt(500000)) {
		t.Fatalf("expected threshold 500000, got %s", p.AutoApprovalThreshold)
	}
}

func TestParseContractPolicyYAML_OverridesOnlyGivenKeys(t *testing.T) {
	data := []byte(`
fees:
  platform_rate: "0.025"
approval:
  auto_threshold: "250000"
  required: false
currency:
  default: nok
collaborator_timeout: 3s
`)
	p, err := ParseContractPolicyYAML(data, DefaultContractPolicy())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !p.PlatformFeeRate.Equal(decimal.RequireFromString("0.025")) {
		t.Fatalf("platform rate not applied: %s", p.PlatformFeeRate)
	}
	if !p.EscrowFeeRate.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("escrow rate must keep its default: %s", p.EscrowFeeRate)
	}
	if !p.AutoApprovalThreshold.Equal(decimal.NewFromInt(250000)) || p.RequirePlatformApproval {
		t.Fatalf("approval settings not applied")
	}
	if p.DefaultCurrency != "NOK" || p.CollaboratorTimeout != 3*time.Second {
		t.Fatalf("unexpected currency %s / timeout %s", p.DefaultCurrency, p.CollaboratorTimeout)
	}
}

func TestParseContractPolicyYAML_BadValue(t *testing.T) {
	if _, err := ParseContractPolicyYAML([]byte("fees:\n  escrow_rate: lots\n"), DefaultContractPolicy()); err == nil {
		t.Fatalf("expected an error for a non-numeric rate")
	}
}

func TestLoadContractPolicy_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("approval:\n  auto_threshold: \"100\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONTRACT_POLICY_FILE", path)
	t.Setenv("HEART_AVTAL_AUTO_APPROVAL_THRESHOLD", "200")
	t.Setenv("HEART_AVTAL_AUTO_INITIATE_ESCROW", "false")

	p, err := LoadContractPolicy()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !p.AutoApprovalThreshold.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("env must win over file, got %s", p.AutoApprovalThreshold)
	}
	if p.AutoInitiateEscrow {
		t.Fatalf("expected auto escrow disabled")
	}
}

func TestContractPolicy_ValidateRejectsExcessiveFees(t *testing.T) {
	p := DefaultContractPolicy()
	p.PlatformFeeRate = decimal.RequireFromString("0.6")
	p.EscrowFeeRate = decimal.RequireFromString("0.5")
	if err := p.Validate(); err == nil {
		t.Fatalf("expected fee sum error")
	}
}
