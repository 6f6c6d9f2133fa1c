package workflow

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/heartavtal_backend/config"
	"github.com/mmdatafocus/heartavtal_backend/utils"
	"github.com/redis/go-redis/v9"
)

// maxCodeAttempts is how many wrong guesses burn a code.
const maxCodeAttempts = 5

var errCodeNotFound = errors.New("verification code not found")

type storedCode struct {
	Hash      string    `json:"hash"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
}

// CodeStore keeps hashed one-time codes by reference until they expire.
type CodeStore interface {
	Put(ctx context.Context, reference string, code storedCode, ttl time.Duration) error
	Get(ctx context.Context, reference string) (storedCode, error)
	Delete(ctx context.Context, reference string) error
}

type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]storedCode
}

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: map[string]storedCode{}}
}

func (s *MemoryCodeStore) Put(_ context.Context, reference string, code storedCode, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[reference] = code
	return nil
}

func (s *MemoryCodeStore) Get(_ context.Context, reference string) (storedCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[reference]
	if !ok {
		return storedCode{}, errCodeNotFound
	}
	return code, nil
}

func (s *MemoryCodeStore) Delete(_ context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, reference)
	return nil
}

// RedisCodeStore shares codes between instances; redis expires them.
type RedisCodeStore struct {
	Client *redis.Client
}

func codeKey(reference string) string {
	return "VerificationCode:" + reference
}

func (s *RedisCodeStore) Put(ctx context.Context, reference string, code storedCode, ttl time.Duration) error {
	b, err := json.Marshal(code)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, codeKey(reference), b, ttl).Err()
}

func (s *RedisCodeStore) Get(ctx context.Context, reference string) (storedCode, error) {
	b, err := s.Client.Get(ctx, codeKey(reference)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storedCode{}, errCodeNotFound
	}
	if err != nil {
		return storedCode{}, err
	}
	var code storedCode
	if err := json.Unmarshal(b, &code); err != nil {
		return storedCode{}, err
	}
	return code, nil
}

func (s *RedisCodeStore) Delete(ctx context.Context, reference string) error {
	return s.Client.Del(ctx, codeKey(reference)).Err()
}

// CodeDelivery hands a freshly generated code to whatever sends it.
type CodeDelivery func(ctx context.Context, msg config.VerificationCodeMessage) error

// CodeService issues six digit codes, stores only their bcrypt hash and
// checks guesses against it.
type CodeService struct {
	Store   CodeStore
	Deliver CodeDelivery
	TTL     time.Duration
	Now     func() time.Time
}

func NewCodeService(store CodeStore, ttl time.Duration) *CodeService {
	return &CodeService{
		Store:   store,
		Deliver: config.PublishVerificationCode,
		TTL:     ttl,
		Now:     time.Now,
	}
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func (s *CodeService) Send(ctx context.Context, email, phone string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	hash, err := utils.HashSecret(code)
	if err != nil {
		return "", err
	}
	reference := uuid.NewString()
	expiresAt := s.Now().Add(s.TTL)
	if err := s.Store.Put(ctx, reference, storedCode{Hash: string(hash), ExpiresAt: expiresAt}, s.TTL); err != nil {
		return "", err
	}
	msg := config.VerificationCodeMessage{Reference: reference, Email: email, Phone: phone, Code: code, ExpiresAt: expiresAt}
	if err := s.Deliver(ctx, msg); err != nil {
		_ = s.Store.Delete(ctx, reference)
		return "", err
	}
	return reference, nil
}

// Check reports whether code matches. Expired, unknown and exhausted codes
// are a plain mismatch; a matching code is consumed.
func (s *CodeService) Check(ctx context.Context, code, reference string) (bool, error) {
	stored, err := s.Store.Get(ctx, reference)
	if errors.Is(err, errCodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !s.Now().Before(stored.ExpiresAt) || stored.Attempts >= maxCodeAttempts {
		_ = s.Store.Delete(ctx, reference)
		return false, nil
	}
	if utils.CompareSecret(stored.Hash, code) != nil {
		stored.Attempts++
		ttl := stored.ExpiresAt.Sub(s.Now())
		if err := s.Store.Put(ctx, reference, stored, ttl); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, s.Store.Delete(ctx, reference)
}

// IdentityVerification combines the KYC provider for identity and bank
// checks with the platform's own one-time codes.
type IdentityVerification struct {
	Kyc   IdentityVerifier
	Codes *CodeService
}

func (v *IdentityVerification) VerifyIdentity(ctx context.Context, partyId string, evidence IdentityEvidence) (IdentityCheckResult, error) {
	return v.Kyc.VerifyIdentity(ctx, partyId, evidence)
}

func (v *IdentityVerification) VerifyBankAccount(ctx context.Context, partyId string, account BankAccountEvidence) (bool, error) {
	return v.Kyc.VerifyBankAccount(ctx, partyId, account)
}

func (v *IdentityVerification) SendVerificationCode(ctx context.Context, email, phone string) (string, error) {
	if v.Codes == nil {
		return v.Kyc.SendVerificationCode(ctx, email, phone)
	}
	return v.Codes.Send(ctx, email, phone)
}

func (v *IdentityVerification) VerifyCode(ctx context.Context, code, reference string) (bool, error) {
	if v.Codes == nil {
		return v.Kyc.VerifyCode(ctx, code, reference)
	}
	return v.Codes.Check(ctx, code, reference)
}
