package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/heartavtal_backend/models"
	"github.com/mmdatafocus/heartavtal_backend/utils"
	"github.com/sirupsen/logrus"
)

// OutboxDispatcher delivers committed notification records to the Notifier.
// A notifier failure only delays the record; contract state is already final.
type OutboxDispatcher struct {
	Outbox       models.NotificationOutbox
	Notifier     Notifier
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	Now            func() time.Time
}

func NewOutboxDispatcher(outbox models.NotificationOutbox, notifier Notifier, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		Outbox:         outbox,
		Notifier:       notifier,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and delivers it. It returns how many records were delivered.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d.Outbox == nil || d.Notifier == nil {
		return 0
	}
	claimed, err := d.Outbox.ClaimNotifications(ctx, d.DispatcherID, d.BatchSize, d.LockTimeout, d.MaxAttempts)
	if err != nil {
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field": "OutboxDispatcher",
			}).Error("claim notifications: " + err.Error())
		}
		return 0
	}

	sent := 0
	for _, rec := range claimed {
		if err := d.deliver(ctx, rec); err != nil {
			d.markFailed(ctx, rec, err)
			continue
		}
		if err := d.Outbox.MarkNotificationSent(ctx, rec.ID, d.Now()); err != nil && d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":     "OutboxDispatcher",
				"record_id": rec.ID,
			}).Error("mark notification sent: " + err.Error())
		}
		sent++
	}
	return sent
}

func (d *OutboxDispatcher) deliver(ctx context.Context, rec models.NotificationRecord) error {
	ctx = utils.SetCorrelationIdInContext(ctx, rec.CorrelationId)
	switch rec.Kind {
	case models.NotificationKindStatusUpdate:
		if err := d.Notifier.SendStatusUpdate(ctx, rec.ContractId, string(rec.Status)); err != nil {
			return err
		}
		if len(rec.Recipients) == 0 {
			return nil
		}
		return d.Notifier.SendContractNotification(ctx, rec.ContractId, rec.EventType, rec.Recipients)
	case models.NotificationKindContract:
		return d.Notifier.SendContractNotification(ctx, rec.ContractId, rec.EventType, rec.Recipients)
	case models.NotificationKindReminder:
		if rec.RemindAt == nil {
			return fmt.Errorf("reminder %s has no time", rec.ID)
		}
		return d.Notifier.ScheduleReminder(ctx, rec.ContractId, *rec.RemindAt, rec.Message)
	}
	return fmt.Errorf("unknown notification kind %q", rec.Kind)
}

// backoff doubles from InitialBackoff per attempt, capped at ten minutes.
func (d *OutboxDispatcher) backoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			backoff = time.Minute * 10
			break
		}
	}
	return backoff
}

func (d *OutboxDispatcher) markFailed(ctx context.Context, rec models.NotificationRecord, cause error) {
	attempt := rec.PublishAttempts

	// terminal after MaxAttempts
	if d.MaxAttempts > 0 && attempt >= d.MaxAttempts {
		_ = d.Outbox.MarkNotificationFailed(ctx, rec.ID, cause, nil)
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":       "OutboxDispatcher",
				"contract_id": rec.ContractId,
				"record_id":   rec.ID,
				"attempt":     attempt,
			}).Error("notification moved to DEAD after max attempts: " + fmt.Sprintf("%v", cause))
		}
		return
	}

	next := d.Now().Add(d.backoff(attempt))
	_ = d.Outbox.MarkNotificationFailed(ctx, rec.ID, cause, &next)
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "OutboxDispatcher",
			"contract_id":     rec.ContractId,
			"record_id":       rec.ID,
			"attempt":         attempt,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("notification delivery failed: " + fmt.Sprintf("%v", cause))
	}
}
