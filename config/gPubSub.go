package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// NotificationMessage is the payload published for every outbox record.
// Kind is status_update, contract_notification or reminder.
type NotificationMessage struct {
	ID            string     `json:"id"`
	ContractId    string     `json:"contract_id"`
	Kind          string     `json:"kind"`
	EventType     string     `json:"event_type"`
	Status        string     `json:"status,omitempty"`
	Recipients    []string   `json:"recipients,omitempty"`
	RemindAt      *time.Time `json:"remind_at,omitempty"`
	Message       string     `json:"message,omitempty"`
	CorrelationId string     `json:"correlation_id"`
}

// VerificationCodeMessage asks the delivery service to send a one-time code.
type VerificationCodeMessage struct {
	Reference string    `json:"reference"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IdentityResultMessage is pushed by the identity provider's subscription
// when a manual review finishes.
type IdentityResultMessage struct {
	ContractId    string `json:"contract_id"`
	PartyId       string `json:"party_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	CorrelationId string `json:"correlation_id,omitempty"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func init() {
	// Load env from .env
	godotenv.Load()
}

// GetClient returns a Pub/Sub client, initializing with retries if needed.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	return getPubSubClient(ctx)
}

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++
		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				// Another goroutine won the race; close ours.
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()

			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c2, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}

		sleep := retryDelay(attempt)
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

func publishJSON(ctx context.Context, topicEnv string, obj interface{}, attrs map[string]string) (string, error) {
	topicName := os.Getenv(topicEnv)
	if topicName == "" {
		return "", fmt.Errorf("%s is required", topicEnv)
	}
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	result := client.Topic(topicName).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	return result.Get(ctx)
}

// PublishNotificationWithResult publishes to PUBSUB_NOTIFICATION_TOPIC and
// returns the server-assigned message ID.
func PublishNotificationWithResult(ctx context.Context, msg NotificationMessage) (string, error) {
	return publishJSON(ctx, "PUBSUB_NOTIFICATION_TOPIC", msg, map[string]string{
		"kind":        msg.Kind,
		"event_type":  msg.EventType,
		"contract_id": msg.ContractId,
	})
}

// PublishVerificationCode hands a code to the delivery service on PUBSUB_VERIFICATION_TOPIC.
func PublishVerificationCode(ctx context.Context, msg VerificationCodeMessage) error {
	channel := "email"
	if msg.Phone != "" {
		channel = "sms"
	}
	_, err := publishJSON(ctx, "PUBSUB_VERIFICATION_TOPIC", msg, map[string]string{
		"channel": channel,
	})
	return err
}
