package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrNotificationNotReplayable = errors.New("notification is not FAILED or DEAD")

// NotificationAdmin is the ops view of the outbox: inspect a contract's
// notifications and put a FAILED or DEAD one back in the queue.
type NotificationAdmin interface {
	NotificationStatuses(ctx context.Context, contractId string) ([]NotificationStatus, error)
	ReplayNotification(ctx context.Context, id string) (*NotificationStatus, error)
}

func (s *GormContractStore) NotificationStatuses(ctx context.Context, contractId string) ([]NotificationStatus, error) {
	var recs []NotificationRecord
	if err := s.DB.WithContext(ctx).
		Where("contract_id = ?", contractId).
		Order("created_at ASC, id ASC").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]NotificationStatus, len(recs))
	for i, rec := range recs {
		out[i] = toNotificationStatus(rec)
	}
	return out, nil
}

func (s *GormContractStore) ReplayNotification(ctx context.Context, id string) (*NotificationStatus, error) {
	now := time.Now().UTC()
	db := s.DB.WithContext(ctx)

	res := db.Model(&NotificationRecord{}).
		Where("id = ? AND publish_status IN ?", id, []string{OutboxPublishStatusFailed, OutboxPublishStatusDead}).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusPending,
			"publish_attempts":   0,
			"next_attempt_at":    &now,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}

	var rec NotificationRecord
	if err := db.Where("id = ?", id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotificationNotReplayable
	}
	status := toNotificationStatus(rec)
	return &status, nil
}

func (s *MemoryContractStore) NotificationStatuses(ctx context.Context, contractId string) ([]NotificationStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []NotificationStatus{}
	for _, rec := range s.outbox {
		if rec.ContractId == contractId {
			out = append(out, toNotificationStatus(rec))
		}
	}
	return out, nil
}

func (s *MemoryContractStore) ReplayNotification(ctx context.Context, id string) (*NotificationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		rec := &s.outbox[i]
		if rec.ID != id {
			continue
		}
		if rec.PublishStatus != OutboxPublishStatusFailed && rec.PublishStatus != OutboxPublishStatusDead {
			return nil, ErrNotificationNotReplayable
		}
		now := time.Now().UTC()
		rec.PublishStatus = OutboxPublishStatusPending
		rec.PublishAttempts = 0
		rec.NextAttemptAt = &now
		rec.LockedAt, rec.LockedBy, rec.LastPublishError = nil, nil, nil
		status := toNotificationStatus(*rec)
		return &status, nil
	}
	return nil, ErrNotificationNotFound
}
