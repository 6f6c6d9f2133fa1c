package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/heartavtal_backend/models"
	"github.com/mmdatafocus/heartavtal_backend/utils"
	"github.com/sirupsen/logrus"
)

type recordingNotifier struct {
	mu            sync.Mutex
	statusUpdates []string
	notifications []string
	reminders     []time.Time
	correlation   []string
	fail          error
}

func (n *recordingNotifier) SendContractNotification(ctx context.Context, contractId, eventType string, recipients []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.notifications = append(n.notifications, eventType)
	return nil
}

func (n *recordingNotifier) SendStatusUpdate(ctx context.Context, contractId, newStatus string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	n.correlation = append(n.correlation, cid)
	n.statusUpdates = append(n.statusUpdates, newStatus)
	return nil
}

func (n *recordingNotifier) ScheduleReminder(ctx context.Context, contractId string, when time.Time, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.reminders = append(n.reminders, when)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestOutboxDispatcher_DeliversByKind(t *testing.T) {
	env := newTestEnv(t)
	ctx := utils.SetCorrelationIdInContext(context.Background(), "corr-1")
	due := time.Now().Add(72 * time.Hour)
	input := newInput(nil)
	input.DueDate = &due
	c, err := env.w.CreateContract(ctx, input)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.w.RequestVerification(ctx, ref(c)); err != nil {
		t.Fatalf("request verification: %v", err)
	}

	notifier := &recordingNotifier{}
	d := NewOutboxDispatcher(env.store, notifier, quietLogger())
	if sent := d.DispatchOnce(context.Background()); sent != 3 {
		t.Fatalf("expected 3 deliveries, got %d", sent)
	}
	if len(notifier.statusUpdates) != 1 || notifier.statusUpdates[0] != string(models.ContractStatusPendingVerification) {
		t.Fatalf("unexpected status updates %v", notifier.statusUpdates)
	}
	if notifier.correlation[0] != "corr-1" {
		t.Fatalf("expected correlation id to travel with the record, got %q", notifier.correlation[0])
	}
	// invitation plus the recipients of the status update
	if len(notifier.notifications) != 2 {
		t.Fatalf("unexpected notifications %v", notifier.notifications)
	}
	if len(notifier.reminders) != 1 || !notifier.reminders[0].Equal(due.UTC().Add(-48*time.Hour)) {
		t.Fatalf("unexpected reminders %v", notifier.reminders)
	}
	if sent := d.DispatchOnce(context.Background()); sent != 0 {
		t.Fatalf("delivered records must not be sent again, got %d", sent)
	}
}

func TestOutboxDispatcher_FailureBacksOffThenDies(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.w.CreateContract(context.Background(), newInput(nil)); err != nil {
		t.Fatalf("create: %v", err)
	}
	notifier := &recordingNotifier{fail: errors.New("smtp down")}
	d := NewOutboxDispatcher(env.store, notifier, quietLogger())
	d.MaxAttempts = 2
	d.InitialBackoff = 0

	for i := 0; i < 3; i++ {
		if sent := d.DispatchOnce(context.Background()); sent != 0 {
			t.Fatalf("nothing should be delivered, got %d", sent)
		}
	}
	recs := env.store.Notifications()
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	if recs[0].PublishStatus != models.OutboxPublishStatusDead || recs[0].PublishAttempts != 2 {
		t.Fatalf("expected DEAD after 2 attempts, got %s/%d", recs[0].PublishStatus, recs[0].PublishAttempts)
	}
}

func TestOutboxDispatcher_Backoff(t *testing.T) {
	d := NewOutboxDispatcher(nil, nil, nil)
	if got := d.backoff(1); got != 5*time.Second {
		t.Fatalf("attempt 1: %s", got)
	}
	if got := d.backoff(3); got != 20*time.Second {
		t.Fatalf("attempt 3: %s", got)
	}
	if got := d.backoff(30); got != 10*time.Minute {
		t.Fatalf("expected cap, got %s", got)
	}
}
