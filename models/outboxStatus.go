package models

import "time"

// NotificationStatus is the ops-facing view of one outbox record.
type NotificationStatus struct {
	RecordId         string           `json:"record_id"`
	ContractId       string           `json:"contract_id"`
	Kind             NotificationKind `json:"kind"`
	EventType        string           `json:"event_type"`
	PublishStatus    string           `json:"publish_status"`
	PublishAttempts  int              `json:"publish_attempts"`
	NextAttemptAt    *time.Time       `json:"next_attempt_at"`
	LastPublishError *string          `json:"last_publish_error"`
	CreatedAt        time.Time        `json:"created_at"`
	PublishedAt      *time.Time       `json:"published_at"`
}

func toNotificationStatus(rec NotificationRecord) NotificationStatus {
	return NotificationStatus{
		RecordId:         rec.ID,
		ContractId:       rec.ContractId,
		Kind:             rec.Kind,
		EventType:        rec.EventType,
		PublishStatus:    rec.PublishStatus,
		PublishAttempts:  rec.PublishAttempts,
		NextAttemptAt:    rec.NextAttemptAt,
		LastPublishError: rec.LastPublishError,
		CreatedAt:        rec.CreatedAt,
		PublishedAt:      rec.PublishedAt,
	}
}
