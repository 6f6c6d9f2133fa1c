package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/heartavtal_backend/config"
	"github.com/mmdatafocus/heartavtal_backend/utils"
)

type NotificationKind string

const (
	// one per status transition
	NotificationKindStatusUpdate NotificationKind = "status_update"
	// addressed to party emails outside a transition
	NotificationKindContract NotificationKind = "contract_notification"
	NotificationKindReminder NotificationKind = "reminder"
)

// NotificationRecord is the transactional outbox row for the notification collaborator.
// It is written in the same transaction as the contract and published after commit
// by the outbox dispatcher.
type NotificationRecord struct {
	ID            string           `gorm:"primaryKey;size:36" json:"id"`
	ContractId    string           `gorm:"size:36;not null;index" json:"contract_id"`
	Kind          NotificationKind `gorm:"size:30;not null" json:"kind"`
	EventType     string           `gorm:"size:64;not null" json:"event_type"`
	Status        ContractStatus   `gorm:"size:40" json:"status,omitempty"`
	Recipients    []string         `gorm:"serializer:json;type:text" json:"recipients,omitempty"`
	RemindAt      *time.Time       `json:"remind_at,omitempty"`
	Message       string           `gorm:"type:text" json:"message,omitempty"`
	CorrelationId string           `gorm:"size:64;index" json:"correlation_id"`
	// publish metadata, owned by the dispatcher
	PublishStatus    string     `gorm:"size:20;index:idx_notification_dispatch,priority:1;not null;default:'PENDING'" json:"publish_status"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index:idx_notification_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	PublishedAt      *time.Time `json:"published_at"`
	CreatedAt        time.Time  `gorm:"index" json:"created_at"`
}

func (NotificationRecord) TableName() string { return "contract_notification_records" }

// NotificationOutbox is the dispatcher's view of stored notification records.
type NotificationOutbox interface {
	ClaimNotifications(ctx context.Context, dispatcherId string, limit int, lockTimeout time.Duration, maxAttempts int) ([]NotificationRecord, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id string, err error, nextAttemptAt *time.Time) error
}

func ConvertToNotificationMessage(record NotificationRecord) config.NotificationMessage {
	return config.NotificationMessage{
		ID:            record.ID,
		ContractId:    record.ContractId,
		Kind:          string(record.Kind),
		EventType:     record.EventType,
		Status:        string(record.Status),
		Recipients:    record.Recipients,
		RemindAt:      record.RemindAt,
		Message:       record.Message,
		CorrelationId: record.CorrelationId,
	}
}

func (c *Contract) enqueue(rec NotificationRecord, now time.Time) {
	rec.ID = uuid.NewString()
	rec.ContractId = c.ID
	rec.PublishStatus = OutboxPublishStatusPending
	rec.CreatedAt = now
	c.outbox = append(c.outbox, rec)
}

// stampCorrelation fills the request correlation id on records about to be persisted.
func stampCorrelation(ctx context.Context, records []NotificationRecord) {
	cid := ""
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok {
			cid = v
		}
	}
	if cid == "" {
		cid = uuid.NewString()
	}
	for i := range records {
		if records[i].CorrelationId == "" {
			records[i].CorrelationId = cid
		}
	}
}
