package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ContractPolicy holds every tunable the contract workflow depends on. It is
// built once at startup and passed in; domain code never reads the environment.
type ContractPolicy struct {
	PlatformFeeRate          decimal.Decimal
	EscrowFeeRate            decimal.Decimal
	PaymentProcessingFeeRate decimal.Decimal
	// contracts below this amount are approved automatically
	AutoApprovalThreshold   decimal.Decimal
	RequirePlatformApproval bool
	AutoInitiateEscrow      bool
	DefaultCurrency         string
	CurrencyMinorUnits      int32
	DefaultPaymentMethod    string
	PhoneRegion             string
	CollaboratorTimeout     time.Duration
	VerificationCodeTTL     time.Duration
	ReminderLead            time.Duration
}

func DefaultContractPolicy() ContractPolicy {
	return ContractPolicy{
		PlatformFeeRate:          decimal.RequireFromString("0.03"),
		EscrowFeeRate:            decimal.RequireFromString("0.005"),
		PaymentProcessingFeeRate: decimal.RequireFromString("0.015"),
		AutoApprovalThreshold:    decimal.NewFromInt(500000),
		RequirePlatformApproval:  true,
		AutoInitiateEscrow:       true,
		DefaultCurrency:          "SEK",
		CurrencyMinorUnits:       2,
		DefaultPaymentMethod:     "bank_transfer",
		PhoneRegion:              "SE",
		CollaboratorTimeout:      10 * time.Second,
		VerificationCodeTTL:      10 * time.Minute,
		ReminderLead:             48 * time.Hour,
	}
}

// policyFile mirrors the YAML layout; absent keys keep the current value.
type policyFile struct {
	Fees struct {
		Platform          *string `yaml:"platform_rate"`
		Escrow            *string `yaml:"escrow_rate"`
		PaymentProcessing *string `yaml:"payment_processing_rate"`
	} `yaml:"fees"`
	Approval struct {
		Required      *bool   `yaml:"required"`
		AutoThreshold *string `yaml:"auto_threshold"`
	} `yaml:"approval"`
	Escrow struct {
		AutoInitiate         *bool   `yaml:"auto_initiate"`
		DefaultPaymentMethod *string `yaml:"default_payment_method"`
	} `yaml:"escrow"`
	Currency struct {
		Default    *string `yaml:"default"`
		MinorUnits *int32  `yaml:"minor_units"`
	} `yaml:"currency"`
	PhoneRegion         *string `yaml:"phone_region"`
	CollaboratorTimeout *string `yaml:"collaborator_timeout"`
	VerificationCodeTTL *string `yaml:"verification_code_ttl"`
	ReminderLead        *string `yaml:"reminder_lead"`
}

// LoadContractPolicy applies, in order: defaults, the YAML file named by
// CONTRACT_POLICY_FILE, then HEART_AVTAL_* environment overrides.
func LoadContractPolicy() (ContractPolicy, error) {
	policy := DefaultContractPolicy()
	if path := strings.TrimSpace(os.Getenv("CONTRACT_POLICY_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return policy, fmt.Errorf("read contract policy: %w", err)
		}
		if policy, err = ParseContractPolicyYAML(data, policy); err != nil {
			return policy, err
		}
	}
	if err := applyPolicyEnv(&policy); err != nil {
		return policy, err
	}
	return policy, policy.Validate()
}

func ParseContractPolicyYAML(data []byte, base ContractPolicy) (ContractPolicy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return base, fmt.Errorf("parse contract policy: %w", err)
	}
	p := base
	var err error
	setDecimal := func(dst *decimal.Decimal, src *string, name string) {
		if src == nil || err != nil {
			return
		}
		var d decimal.Decimal
		if d, err = decimal.NewFromString(strings.TrimSpace(*src)); err != nil {
			err = fmt.Errorf("contract policy %s: %w", name, err)
			return
		}
		*dst = d
	}
	setDuration := func(dst *time.Duration, src *string, name string) {
		if src == nil || err != nil {
			return
		}
		var d time.Duration
		if d, err = time.ParseDuration(strings.TrimSpace(*src)); err != nil {
			err = fmt.Errorf("contract policy %s: %w", name, err)
			return
		}
		*dst = d
	}
	setDecimal(&p.PlatformFeeRate, f.Fees.Platform, "fees.platform_rate")
	setDecimal(&p.EscrowFeeRate, f.Fees.Escrow, "fees.escrow_rate")
	setDecimal(&p.PaymentProcessingFeeRate, f.Fees.PaymentProcessing, "fees.payment_processing_rate")
	setDecimal(&p.AutoApprovalThreshold, f.Approval.AutoThreshold, "approval.auto_threshold")
	setDuration(&p.CollaboratorTimeout, f.CollaboratorTimeout, "collaborator_timeout")
	setDuration(&p.VerificationCodeTTL, f.VerificationCodeTTL, "verification_code_ttl")
	setDuration(&p.ReminderLead, f.ReminderLead, "reminder_lead")
	if err != nil {
		return base, err
	}
	if f.Approval.Required != nil {
		p.RequirePlatformApproval = *f.Approval.Required
	}
	if f.Escrow.AutoInitiate != nil {
		p.AutoInitiateEscrow = *f.Escrow.AutoInitiate
	}
	if f.Escrow.DefaultPaymentMethod != nil {
		p.DefaultPaymentMethod = *f.Escrow.DefaultPaymentMethod
	}
	if f.Currency.Default != nil {
		p.DefaultCurrency = strings.ToUpper(*f.Currency.Default)
	}
	if f.Currency.MinorUnits != nil {
		p.CurrencyMinorUnits = *f.Currency.MinorUnits
	}
	if f.PhoneRegion != nil {
		p.PhoneRegion = *f.PhoneRegion
	}
	return p, nil
}

func applyPolicyEnv(p *ContractPolicy) error {
	for key, dst := range map[string]*decimal.Decimal{
		"HEART_AVTAL_PLATFORM_FEE_RATE":           &p.PlatformFeeRate,
		"HEART_AVTAL_ESCROW_FEE_RATE":             &p.EscrowFeeRate,
		"HEART_AVTAL_PAYMENT_PROCESSING_FEE_RATE": &p.PaymentProcessingFeeRate,
		"HEART_AVTAL_AUTO_APPROVAL_THRESHOLD":     &p.AutoApprovalThreshold,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	for key, dst := range map[string]*time.Duration{
		"HEART_AVTAL_COLLABORATOR_TIMEOUT":  &p.CollaboratorTimeout,
		"HEART_AVTAL_VERIFICATION_CODE_TTL": &p.VerificationCodeTTL,
		"HEART_AVTAL_REMINDER_LEAD":         &p.ReminderLead,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	for key, dst := range map[string]*bool{
		"HEART_AVTAL_REQUIRE_PLATFORM_APPROVAL": &p.RequirePlatformApproval,
		"HEART_AVTAL_AUTO_INITIATE_ESCROW":      &p.AutoInitiateEscrow,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("HEART_AVTAL_DEFAULT_CURRENCY")); v != "" {
		p.DefaultCurrency = strings.ToUpper(v)
	}
	if v := strings.TrimSpace(os.Getenv("HEART_AVTAL_DEFAULT_PAYMENT_METHOD")); v != "" {
		p.DefaultPaymentMethod = v
	}
	return nil
}

func (p ContractPolicy) Validate() error {
	one := decimal.NewFromInt(1)
	for name, rate := range map[string]decimal.Decimal{
		"platform fee rate":           p.PlatformFeeRate,
		"escrow fee rate":             p.EscrowFeeRate,
		"payment processing fee rate": p.PaymentProcessingFeeRate,
	} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
			return fmt.Errorf("contract policy: %s %s outside [0, 1)", name, rate)
		}
	}
	if p.PlatformFeeRate.Add(p.EscrowFeeRate).Add(p.PaymentProcessingFeeRate).GreaterThanOrEqual(one) {
		return fmt.Errorf("contract policy: fee rates add up to 100%% or more")
	}
	if p.AutoApprovalThreshold.IsNegative() {
		return fmt.Errorf("contract policy: negative auto-approval threshold")
	}
	if len(p.DefaultCurrency) != 3 {
		return fmt.Errorf("contract policy: currency %q is not an ISO 4217 code", p.DefaultCurrency)
	}
	if p.CurrencyMinorUnits < 0 || p.CurrencyMinorUnits > 4 {
		return fmt.Errorf("contract policy: minor units %d out of range", p.CurrencyMinorUnits)
	}
	if p.CollaboratorTimeout <= 0 {
		return fmt.Errorf("contract policy: collaborator timeout must be positive")
	}
	return nil
}
