package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type funcHandler func(ctx context.Context, body []byte) error

func (f funcHandler) Handle(ctx context.Context, body []byte) error { return f(ctx, body) }

func TestConsumerAcksHandledMessages(t *testing.T) {
	ack := &fakeAcknowledger{}

	var mu sync.Mutex
	var seen []string
	handler := funcHandler(func(_ context.Context, body []byte) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(body))
		if string(body) == "bad" {
			return ErrMalformedRequest
		}
		return nil
	})

	consumer := NewConsumer(nil, "", 3, handler, zap.NewNop())

	msgs := make(chan amqp.Delivery, 3)
	for i, body := range []string{"a", "bad", "c"} {
		msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(i + 1), Body: []byte(body)}
	}
	close(msgs)

	consumer.consume(context.Background(), msgs)

	if len(seen) != 3 {
		t.Fatalf("expected every message to be handled, got %q", seen)
	}
	if len(ack.acked) != 3 || len(ack.nacked) != 0 {
		t.Fatalf("expected all messages acked, got acked=%v nacked=%v", ack.acked, ack.nacked)
	}
}

func TestConsumerRequeuesInterruptedMessages(t *testing.T) {
	ack := &fakeAcknowledger{}
	ctx, cancel := context.WithCancel(context.Background())

	handler := funcHandler(func(ctx context.Context, _ []byte) error {
		cancel()
		return ctx.Err()
	})

	consumer := NewConsumer(nil, "", 1, handler, zap.NewNop())

	msgs := make(chan amqp.Delivery, 1)
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: []byte("{}")}

	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.consume(ctx, msgs)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}

	if len(ack.nacked) != 1 || !ack.requeue[0] || len(ack.acked) != 0 {
		t.Fatalf("expected message to be requeued, got acked=%v nacked=%v", ack.acked, ack.nacked)
	}
}

type fakeChannel struct {
	mu        sync.Mutex
	exchange  string
	key       string
	published []amqp.Publishing
	err       error
	closed    bool
}

func (c *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.exchange, c.key = exchange, key
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestPublisherRoutesByRequest(t *testing.T) {
	ch := &fakeChannel{}
	publisher := &AMQPPublisher{ch: ch, exchange: DefaultExchange}

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := publisher.Publish(context.Background(), Update{RequestID: "42", Status: StatusCompleted, Timestamp: ts}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if ch.exchange != DefaultExchange || ch.key != "run.42" {
		t.Fatalf("unexpected route %s/%s", ch.exchange, ch.key)
	}

	msg := ch.published[0]
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent || !msg.Timestamp.Equal(ts) {
		t.Fatalf("unexpected publishing %+v", msg)
	}

	var decoded Update
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Status != StatusCompleted || decoded.RequestID != "42" {
		t.Fatalf("unexpected body %+v", decoded)
	}

	if err := publisher.Close(); err != nil || !ch.closed {
		t.Fatalf("expected channel to be closed, got %v", err)
	}
}

func TestPublisherErrors(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	publisher := &AMQPPublisher{ch: ch, exchange: DefaultExchange}

	if err := publisher.Publish(context.Background(), Update{RequestID: "1"}); !errors.Is(err, ch.err) {
		t.Fatalf("expected publish error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := publisher.Publish(ctx, Update{RequestID: "1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}

	if RoutingKey("") != "run.unknown" {
		t.Fatalf("unexpected routing key for empty id")
	}
}
