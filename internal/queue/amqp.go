package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	DefaultQueue       = "cv-matcher.requests"
	DefaultExchange    = "cv-matcher.updates"
	DefaultConcurrency = 2
)

type MessageHandler interface {
	Handle(ctx context.Context, body []byte) error
}

// Consumer feeds request messages to a pool of workers. Messages are
// acknowledged once handled; a message interrupted by shutdown is requeued.
type Consumer struct {
	conn        *amqp.Connection
	queue       string
	concurrency int
	handler     MessageHandler
	logger      *zap.Logger
}

func NewConsumer(conn *amqp.Connection, queue string, concurrency int, handler MessageHandler, log *zap.Logger) *Consumer {
	if queue == "" {
		queue = DefaultQueue
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Consumer{
		conn:        conn,
		queue:       queue,
		concurrency: concurrency,
		handler:     handler,
		logger:      log,
	}
}

// Run consumes until ctx is done or the connection closes.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(
		c.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}

	if err := ch.Qos(c.concurrency, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	msgs, err := ch.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.Info("consuming requests", zap.String("queue", c.queue), zap.Int("workers", c.concurrency))

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.consume(ctx, msgs)
	}()

	select {
	case <-ctx.Done():
		<-done
		return nil
	case amqpErr := <-closed:
		<-done
		if amqpErr != nil {
			return fmt.Errorf("connection closed: %w", amqpErr)
		}
		return errors.New("connection closed")
	}
}

// consume runs the worker pool until msgs is closed or ctx is done.
func (c *Consumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.work(ctx, id, msgs)
		}(i + 1)
	}
	wg.Wait()
}

func (c *Consumer) work(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	log := c.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			err := c.handler.Handle(ctx, msg.Body)
			if err != nil && ctx.Err() != nil {
				log.Warn("request interrupted by shutdown, requeueing", zap.Error(err))
				if nerr := msg.Nack(false, true); nerr != nil {
					log.Error("failed to requeue message", zap.Error(nerr))
				}
				return
			}

			if err != nil {
				log.Debug("request finished with error", zap.Error(err))
			}
			if aerr := msg.Ack(false); aerr != nil {
				log.Error("failed to acknowledge message", zap.Error(aerr))
			}
		}
	}
}

type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher sends updates to a topic exchange under "run.<request id>".
type AMQPPublisher struct {
	mu       sync.Mutex
	ch       amqpChannel
	exchange string
}

func NewAMQPPublisher(conn *amqp.Connection, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, update Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	key := RoutingKey(update.RequestID)

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.Publish(p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    update.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}

	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}

// RoutingKey returns the routing key of updates for a request.
func RoutingKey(requestID string) string {
	if requestID == "" {
		return "run.unknown"
	}
	return "run." + requestID
}
