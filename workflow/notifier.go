package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/heartavtal_backend/config"
	"github.com/mmdatafocus/heartavtal_backend/models"
	"github.com/mmdatafocus/heartavtal_backend/utils"
)

// PubSubNotifier publishes every notification to the notification topic,
// where the delivery service picks it up.
type PubSubNotifier struct {
	Publish func(ctx context.Context, msg config.NotificationMessage) (string, error)
}

func NewPubSubNotifier() *PubSubNotifier {
	return &PubSubNotifier{Publish: config.PublishNotificationWithResult}
}

func (n *PubSubNotifier) message(ctx context.Context, contractId string, kind models.NotificationKind, eventType string) config.NotificationMessage {
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	return config.NotificationMessage{
		ID:            uuid.NewString(),
		ContractId:    contractId,
		Kind:          string(kind),
		EventType:     eventType,
		CorrelationId: correlationId,
	}
}

func (n *PubSubNotifier) SendContractNotification(ctx context.Context, contractId, eventType string, recipients []string) error {
	msg := n.message(ctx, contractId, models.NotificationKindContract, eventType)
	msg.Recipients = recipients
	_, err := n.Publish(ctx, msg)
	return err
}

func (n *PubSubNotifier) SendStatusUpdate(ctx context.Context, contractId, newStatus string) error {
	msg := n.message(ctx, contractId, models.NotificationKindStatusUpdate, models.AuditActionStatusChanged)
	msg.Status = newStatus
	_, err := n.Publish(ctx, msg)
	return err
}

func (n *PubSubNotifier) ScheduleReminder(ctx context.Context, contractId string, when time.Time, message string) error {
	msg := n.message(ctx, contractId, models.NotificationKindReminder, "due_date_reminder")
	at := when.UTC()
	msg.RemindAt = &at
	msg.Message = message
	_, err := n.Publish(ctx, msg)
	return err
}
