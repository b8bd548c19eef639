// Package notify publishes watcher lifecycle events to an external broker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fnwatcher/internal/common/cache"
	"fnwatcher/internal/common/mq"
	"fnwatcher/internal/watcher/run"
	pkgerrors "fnwatcher/pkg/errors"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventStartupSuccess EventType = "StartupSuccess"
	EventStartupError   EventType = "StartupError"
	EventRunDone        EventType = "RunDone"
)

// Event is the payload published for every notification.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Close() error
}

// Driver names accepted in configuration.
const (
	DriverNone  = "none"
	DriverRedis = "redis"
	DriverKafka = "kafka"
)

// Config selects and configures the notifier.
type Config struct {
	Driver  string        `yaml:"driver"`
	Channel string        `yaml:"channel"`
	Timeout time.Duration `yaml:"timeout"`
}

func encode(ev Event) ([]byte, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return data, nil
}

// RedisNotifier publishes events on a Redis pub/sub channel.
type RedisNotifier struct {
	client  cache.PubSubOps
	channel string
}

func NewRedisNotifier(client cache.PubSubOps, channel string) (*RedisNotifier, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("redis channel is required")
	}
	return &RedisNotifier{client: client, channel: channel}, nil
}

func (n *RedisNotifier) Notify(ctx context.Context, ev Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if _, err := n.client.Publish(ctx, n.channel, data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

func (n *RedisNotifier) Close() error { return nil }

// KafkaNotifier writes events to a Kafka topic keyed by run id.
type KafkaNotifier struct {
	producer mq.Producer
	topic    string
}

func NewKafkaNotifier(producer mq.Producer, topic string) (*KafkaNotifier, error) {
	if producer == nil {
		return nil, fmt.Errorf("kafka producer is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	return &KafkaNotifier{producer: producer, topic: topic}, nil
}

func (n *KafkaNotifier) Notify(ctx context.Context, ev Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	msg := mq.NewMessage(ev.RunID, data)
	msg.SetHeader("event", string(ev.Type))
	if err := n.producer.Publish(ctx, n.topic, msg); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
func (Nop) Close() error                        { return nil }

// StartupSuccess reports that the watcher is serving.
func StartupSuccess(ctx context.Context, n Notifier) error {
	return n.Notify(ctx, Event{Type: EventStartupSuccess})
}

// StartupError reports that the watcher failed to start.
func StartupError(ctx context.Context, n Notifier, cause error) error {
	return n.Notify(ctx, Event{Type: EventStartupError, Error: pkgerrors.Describe(cause)})
}

// Hook forwards run completions to a Notifier.
type Hook struct {
	notifier Notifier
	timeout  time.Duration
}

func NewHook(n Notifier, timeout time.Duration) *Hook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Hook{notifier: n, timeout: timeout}
}

func (h *Hook) Name() string { return "notifier" }

func (h *Hook) OnRunDone(ctx context.Context, c run.Completion) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	ev := Event{
		Type:      EventRunDone,
		RunID:     c.RunID,
		Status:    string(c.Status),
		Timestamp: c.EndTime,
	}
	if c.Err != nil {
		ev.Error = pkgerrors.Describe(c.Err)
	}
	return h.notifier.Notify(ctx, ev)
}
