package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kite/internal/domain"
)

func TestChannelBusPublishSubscribe(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	received := make(chan *domain.Message, 1)
	_, err := b.Subscribe(ctx, domain.TopicTransactionCompleted, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	payload := []byte(`{"id":"tx-001"}`)
	if err := b.Publish(ctx, domain.TopicTransactionCompleted, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Payload) != string(payload) {
			t.Errorf("expected payload %s, got %s", payload, msg.Payload)
		}
		if msg.Topic != domain.TopicTransactionCompleted {
			t.Errorf("expected topic %s, got %s", domain.TopicTransactionCompleted, msg.Topic)
		}
		if msg.ID == "" {
			t.Error("expected message ID to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestChannelBusTopicIsolation(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	var alertCount atomic.Int64
	_, err := b.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alertCount.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Publish(ctx, domain.TopicNotification, []byte("x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if alertCount.Load() != 0 {
		t.Error("subscriber received a message from another topic")
	}
}

func TestChannelBusMultipleSubscribers(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	var count atomic.Int64
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe(ctx, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	if err := b.Publish(ctx, "test.topic", []byte("x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for count.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if count.Load() != 3 {
		t.Errorf("expected 3 deliveries, got %d", count.Load())
	}
}

func TestChannelBusUnsubscribe(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	var count atomic.Int64
	sub, err := b.Subscribe(ctx, "test.topic", func(ctx context.Context, msg *domain.Message) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if sub.Topic() != "test.topic" {
		t.Errorf("expected topic test.topic, got %s", sub.Topic())
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	b.Publish(ctx, "test.topic", []byte("x"))
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 0 {
		t.Error("unsubscribed handler still received a message")
	}
}

func TestChannelBusClosed(t *testing.T) {
	b := NewChannelBus(10)
	ctx := context.Background()

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := b.Publish(ctx, "test.topic", []byte("x")); err == nil {
		t.Error("expected error publishing to closed bus")
	}
	if _, err := b.Subscribe(ctx, "test.topic", func(context.Context, *domain.Message) error { return nil }); err == nil {
		t.Error("expected error subscribing to closed bus")
	}
	if err := b.Ping(ctx); err == nil {
		t.Error("expected ping to fail on closed bus")
	}

	// Second close is a no-op
	if err := b.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestFactory(t *testing.T) {
	t.Run("Channel", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 10})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer b.Close()

		if _, ok := b.(*ChannelBus); !ok {
			t.Errorf("expected *ChannelBus, got %T", b)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"})
		if err == nil {
			t.Error("expected error for unsupported bus type")
		}
	})
}
