package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fnwatcher/internal/common/cache"
	"fnwatcher/internal/common/mq"
	"fnwatcher/internal/watcher/run"
	pkgerrors "fnwatcher/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisNotifierPublishesRunDone(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	rc, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("NewRedisCacheWithClient failed: %v", err)
	}

	ctx := context.Background()
	sub := client.Subscribe(ctx, "watcher")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	n, err := NewRedisNotifier(rc, "watcher")
	if err != nil {
		t.Fatalf("NewRedisNotifier failed: %v", err)
	}
	hook := NewHook(n, time.Second)
	end := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	if err := hook.OnRunDone(ctx, run.Completion{
		RunID:   "run-7",
		Status:  run.StatusError,
		Err:     pkgerrors.NonZeroReturnCodeError(1),
		EndTime: end,
	}); err != nil {
		t.Fatalf("OnRunDone failed: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if ev.Type != EventRunDone || ev.RunID != "run-7" || ev.Status != "error" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Error != "NonZeroReturnCode - Process returned non zero: 1" || !ev.Timestamp.Equal(end) {
		t.Fatalf("unexpected event %+v", ev)
	}
}

type fakeProducer struct {
	topic    string
	messages []*mq.Message
	err      error
	closed   bool
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.messages = append(p.messages, message)
	return nil
}

func (p *fakeProducer) Close() error {
	p.closed = true
	return nil
}

func TestKafkaNotifierStartupEvents(t *testing.T) {
	p := &fakeProducer{}
	n, err := NewKafkaNotifier(p, "watcher.events")
	if err != nil {
		t.Fatalf("NewKafkaNotifier failed: %v", err)
	}
	ctx := context.Background()
	if err := StartupSuccess(ctx, n); err != nil {
		t.Fatalf("StartupSuccess failed: %v", err)
	}
	if err := StartupError(ctx, n, pkgerrors.InvalidHandlerError("Handler doesn't exist.")); err != nil {
		t.Fatalf("StartupError failed: %v", err)
	}
	if p.topic != "watcher.events" || len(p.messages) != 2 {
		t.Fatalf("unexpected publish state topic=%s n=%d", p.topic, len(p.messages))
	}
	if v, _ := p.messages[0].GetHeader("event"); v != string(EventStartupSuccess) {
		t.Fatalf("unexpected header %q", v)
	}
	var ev Event
	if err := json.Unmarshal(p.messages[1].Body, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventStartupError || ev.Error != "InvalidHandler - Handler doesn't exist." {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := n.Close(); err != nil || !p.closed {
		t.Fatalf("Close did not reach producer")
	}
}

func TestKafkaNotifierPropagatesErrors(t *testing.T) {
	p := &fakeProducer{err: errors.New("broker down")}
	n, _ := NewKafkaNotifier(p, "t")
	if err := n.Notify(context.Background(), Event{Type: EventRunDone, RunID: "x"}); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestConstructorsValidate(t *testing.T) {
	if _, err := NewRedisNotifier(nil, "c"); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := NewKafkaNotifier(&fakeProducer{}, ""); err == nil {
		t.Fatalf("expected error for empty topic")
	}
	if err := (Nop{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("Nop should never fail")
	}
}
