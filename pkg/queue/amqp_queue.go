package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"recordkeeper/pkg/domain"
)

// AMQPDispatcher publishes notifications to a durable RabbitMQ queue and
// consumes them on a separate channel. Deliveries are always acked.
type AMQPDispatcher struct {
	conn     *amqp.Connection
	queue    string
	prefetch int

	pubMu sync.Mutex
	pub   *amqp.Channel

	mu     sync.Mutex
	sub    *amqp.Channel
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type AMQPDispatcherConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

func (c AMQPDispatcherConfig) withDefaults() (AMQPDispatcherConfig, error) {
	c.URL = strings.TrimSpace(c.URL)
	if c.URL == "" {
		return c, errors.New("amqp url required")
	}
	c.Queue = strings.TrimSpace(c.Queue)
	if c.Queue == "" {
		c.Queue = "records.notifications"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	return c, nil
}

func NewAMQPDispatcher(cfg AMQPDispatcherConfig) (*AMQPDispatcher, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := pub.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	return &AMQPDispatcher{conn: conn, queue: cfg.Queue, prefetch: cfg.Prefetch, pub: pub}, nil
}

type amqpMessage struct {
	ID          string    `json:"id"`
	Recipient   string    `json:"recipient"`
	Message     string    `json:"message"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func encodeAMQPMessage(n domain.Notification) ([]byte, error) {
	return json.Marshal(amqpMessage{
		ID:          n.ID,
		Recipient:   n.Recipient,
		Message:     n.Message,
		SubmittedAt: n.SubmittedAt,
	})
}

func decodeAMQPMessage(body []byte) (domain.Notification, error) {
	var msg amqpMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if msg.ID == "" || strings.TrimSpace(msg.Recipient) == "" {
		return domain.Notification{}, errors.New("decode notification: id and recipient required")
	}
	return domain.Notification{
		ID:          msg.ID,
		Recipient:   msg.Recipient,
		Message:     msg.Message,
		Status:      domain.NotificationQueued,
		SubmittedAt: msg.SubmittedAt,
	}, nil
}

// Submit publishes a persistent message and returns once the broker accepts it.
func (q *AMQPDispatcher) Submit(ctx context.Context, recipient, message string) (domain.Notification, error) {
	n, err := newNotification(recipient, message)
	if err != nil {
		return domain.Notification{}, err
	}
	body, err := encodeAMQPMessage(n)
	if err != nil {
		return domain.Notification{}, err
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if q.pub == nil || q.pub.IsClosed() {
		return domain.Notification{}, ErrDispatcherClosed
	}
	err = q.pub.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Timestamp:    n.SubmittedAt,
		Body:         body,
	})
	if err != nil {
		return domain.Notification{}, fmt.Errorf("publish notification: %w", err)
	}
	return n, nil
}

// Start opens a consumer channel and handles deliveries in one goroutine.
func (q *AMQPDispatcher) Start(ctx context.Context, deliverer Deliverer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}
	sub, err := q.conn.Channel()
	if err != nil {
		slog.Error("open amqp consumer channel", "err", err)
		return
	}
	if err := sub.Qos(q.prefetch, 0, false); err != nil {
		_ = sub.Close()
		slog.Error("set amqp prefetch", "err", err)
		return
	}
	deliveries, err := sub.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		_ = sub.Close()
		slog.Error("consume amqp queue", "queue", q.queue, "err", err)
		return
	}
	q.sub = sub
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if n, err := decodeAMQPMessage(d.Body); err == nil {
					_ = deliver(ctx, deliverer, n)
				}
				_ = d.Ack(false)
			}
		}
	}()
}

// Close stops the consumer and closes the connection.
func (q *AMQPDispatcher) Close() error {
	q.mu.Lock()
	cancel, sub := q.cancel, q.sub
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	if sub != nil {
		_ = sub.Close()
	}
	q.pubMu.Lock()
	if q.pub != nil {
		_ = q.pub.Close()
		q.pub = nil
	}
	q.pubMu.Unlock()
	if q.conn.IsClosed() {
		return nil
	}
	return q.conn.Close()
}
