package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ContractStore persists whole aggregates. Save writes c only when the stored
// version equals expectedVersion, together with the notifications c raised.
type ContractStore interface {
	Create(ctx context.Context, c *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	Save(ctx context.Context, c *Contract, expectedVersion int64) error
	ListByUser(ctx context.Context, userId, email string) ([]*Contract, error)
	Delete(ctx context.Context, id string, expectedVersion int64) error
}

var errAuditRewrite = errors.New("audit trail is append-only")

// checkAuditAppend rejects a save that edits or drops existing audit entries.
func checkAuditAppend(stored, next []AuditEntry) error {
	if len(next) < len(stored) {
		return errAuditRewrite
	}
	for i := range stored {
		if stored[i].ID != next[i].ID || stored[i].Sequence != next[i].Sequence || stored[i].Action != next[i].Action {
			return errAuditRewrite
		}
	}
	return nil
}

// MemoryContractStore keeps each contract as its JSON encoding, so every read
// is a fresh copy. It also serves as the notification outbox.
type MemoryContractStore struct {
	mu        sync.RWMutex
	contracts map[string][]byte
	outbox    []NotificationRecord
}

func NewMemoryContractStore() *MemoryContractStore {
	return &MemoryContractStore{contracts: map[string][]byte{}}
}

func (s *MemoryContractStore) Create(ctx context.Context, c *Contract) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contracts[c.ID]; exists {
		return &ConcurrentModificationError{ContractId: c.ID, Expected: 0}
	}
	s.contracts[c.ID] = b
	s.appendOutbox(ctx, c.TakeNotifications())
	return nil
}

func (s *MemoryContractStore) Get(ctx context.Context, id string) (*Contract, error) {
	s.mu.RLock()
	b, ok := s.contracts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrContractNotFound
	}
	return decodeContract(b)
}

func (s *MemoryContractStore) Save(ctx context.Context, c *Contract, expectedVersion int64) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.contracts[c.ID]
	if !ok {
		return ErrContractNotFound
	}
	stored, err := decodeContract(current)
	if err != nil {
		return err
	}
	if stored.Version != expectedVersion {
		return &ConcurrentModificationError{ContractId: c.ID, Expected: expectedVersion, Actual: stored.Version}
	}
	if err := checkAuditAppend(stored.AuditTrail, c.AuditTrail); err != nil {
		return fmt.Errorf("save contract %s: %w", c.ID, err)
	}
	s.contracts[c.ID] = b
	s.appendOutbox(ctx, c.TakeNotifications())
	return nil
}

func (s *MemoryContractStore) ListByUser(ctx context.Context, userId, email string) ([]*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Contract{}
	for _, b := range s.contracts {
		c, err := decodeContract(b)
		if err != nil {
			return nil, err
		}
		if c.InvolvesUser(userId, email) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryContractStore) Delete(ctx context.Context, id string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.contracts[id]
	if !ok {
		return ErrContractNotFound
	}
	stored, err := decodeContract(current)
	if err != nil {
		return err
	}
	if stored.Version != expectedVersion {
		return &ConcurrentModificationError{ContractId: id, Expected: expectedVersion, Actual: stored.Version}
	}
	delete(s.contracts, id)
	return nil
}

func (s *MemoryContractStore) appendOutbox(ctx context.Context, records []NotificationRecord) {
	stampCorrelation(ctx, records)
	s.outbox = append(s.outbox, records...)
}

// Notifications returns a copy of every outbox record, oldest first.
func (s *MemoryContractStore) Notifications() []NotificationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NotificationRecord, len(s.outbox))
	copy(out, s.outbox)
	return out
}

func (s *MemoryContractStore) ClaimNotifications(ctx context.Context, dispatcherId string, limit int, lockTimeout time.Duration, maxAttempts int) ([]NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	staleBefore := now.Add(-lockTimeout)
	claimed := []NotificationRecord{}
	for i := range s.outbox {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		rec := &s.outbox[i]
		ready := (rec.PublishStatus == OutboxPublishStatusPending || rec.PublishStatus == OutboxPublishStatusFailed) &&
			(rec.NextAttemptAt == nil || !rec.NextAttemptAt.After(now))
		stale := rec.PublishStatus == OutboxPublishStatusProcessing && rec.LockedAt != nil && !rec.LockedAt.After(staleBefore)
		if !ready && !stale {
			continue
		}
		if maxAttempts > 0 && rec.PublishAttempts >= maxAttempts {
			msg := fmt.Sprintf("max publish attempts exceeded (%d)", maxAttempts)
			rec.PublishStatus = OutboxPublishStatusDead
			rec.LastPublishError = &msg
			rec.NextAttemptAt, rec.LockedAt, rec.LockedBy = nil, nil, nil
			continue
		}
		by := dispatcherId
		rec.PublishStatus = OutboxPublishStatusProcessing
		rec.LockedAt = &now
		rec.LockedBy = &by
		rec.PublishAttempts++
		rec.LastPublishError = nil
		rec.NextAttemptAt = nil
		claimed = append(claimed, *rec)
	}
	return claimed, nil
}

func (s *MemoryContractStore) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	return s.updateNotification(id, func(rec *NotificationRecord) {
		rec.PublishStatus = OutboxPublishStatusSent
		rec.PublishedAt = &at
		rec.LockedAt, rec.LockedBy, rec.NextAttemptAt = nil, nil, nil
	})
}

func (s *MemoryContractStore) MarkNotificationFailed(ctx context.Context, id string, cause error, nextAttemptAt *time.Time) error {
	msg := cause.Error()
	return s.updateNotification(id, func(rec *NotificationRecord) {
		rec.PublishStatus = OutboxPublishStatusFailed
		if nextAttemptAt == nil {
			rec.PublishStatus = OutboxPublishStatusDead
		}
		rec.LastPublishError = &msg
		rec.NextAttemptAt = nextAttemptAt
		rec.LockedAt, rec.LockedBy = nil, nil
	})
}

func (s *MemoryContractStore) updateNotification(id string, fn func(*NotificationRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
}

func decodeContract(b []byte) (*Contract, error) {
	var c Contract
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.normalize()
	return &c, nil
}
