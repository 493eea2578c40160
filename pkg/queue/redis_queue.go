package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"recordkeeper/internal/util"
	"recordkeeper/pkg/domain"
)

// RedisDispatcher queues notifications on a Redis stream consumed by a
// consumer group. Each notification has a status hash that expires after
// statusTTL. Failed deliveries are acked and marked failed, never requeued.
type RedisDispatcher struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	concurrency  int
	statusTTL    time.Duration
	block        time.Duration
	claimIdle    time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
	wg           sync.WaitGroup
	cancel       context.CancelFunc
	mu           sync.Mutex
}

type RedisDispatcherConfig struct {
	Addr        string
	Password    string
	Stream      string
	Group       string
	Consumer    string
	Concurrency int
	StatusTTL   time.Duration
	Block       time.Duration
	ClaimIdle   time.Duration
	MaxLen      int64
	ReadCount   int64
	ClaimCount  int64
}

func NewRedisDispatcher(cfg RedisDispatcherConfig) (*RedisDispatcher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "records:notifications"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "mailer"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	statusTTL := cfg.StatusTTL
	if statusTTL <= 0 {
		statusTTL = 24 * time.Hour
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = time.Minute
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisDispatcher{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		concurrency:  concurrency,
		statusTTL:    statusTTL,
		block:        block,
		claimIdle:    claimIdle,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Submit writes the status hash and appends the notification to the stream.
func (q *RedisDispatcher) Submit(ctx context.Context, recipient, message string) (domain.Notification, error) {
	n, err := newNotification(recipient, message)
	if err != nil {
		return domain.Notification{}, err
	}
	q.ensureGroup(ctx)
	if err := q.writeStatus(ctx, n, ""); err != nil {
		return domain.Notification{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"notification_id": n.ID,
			"recipient":       n.Recipient,
			"message":         n.Message,
		},
	}).Err(); err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

// GetNotification returns the last recorded status of a notification.
func (q *RedisDispatcher) GetNotification(ctx context.Context, id string) (domain.Notification, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Notification{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.statusKey(id)).Result()
	if err != nil {
		return domain.Notification{}, false, err
	}
	if len(data) == 0 {
		return domain.Notification{}, false, nil
	}
	return decodeNotification(id, data), true, nil
}

// Start runs concurrency consumers until ctx ends or Close is called.
func (q *RedisDispatcher) Start(ctx context.Context, deliverer Deliverer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.ensureGroup(ctx)
	for i := 0; i < q.concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.consumeLoop(ctx, consumer, deliverer)
		}()
	}
}

// Close stops the consumers and releases the client.
func (q *RedisDispatcher) Close() error {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	return q.client.Close()
}

func (q *RedisDispatcher) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Debug("create notification group", "stream", q.stream, "err", err)
		}
	})
}

func (q *RedisDispatcher) consumeLoop(ctx context.Context, consumer string, deliverer Deliverer) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// messages left pending by a consumer that died mid-delivery
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, deliverer)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, deliverer)
			}
		}
	}
}

func (q *RedisDispatcher) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisDispatcher) handleMessage(ctx context.Context, msg redis.XMessage, deliverer Deliverer) {
	id, _ := msg.Values["notification_id"].(string)
	recipient, _ := msg.Values["recipient"].(string)
	message, _ := msg.Values["message"].(string)
	if id == "" || recipient == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	n, _, err := q.GetNotification(ctx, id)
	if err != nil || n.ID == "" {
		n = domain.Notification{ID: id, SubmittedAt: time.Now().UTC()}
	}
	n.Recipient = recipient
	n.Message = message
	n.Status = domain.NotificationDelivering
	_ = q.writeStatus(ctx, n, "")

	if err := deliver(ctx, deliverer, n); err != nil {
		n.Status = domain.NotificationFailed
		_ = q.writeStatus(ctx, n, err.Error())
	} else {
		n.Status = domain.NotificationDelivered
		_ = q.writeStatus(ctx, n, "")
	}
	q.ackAndDel(ctx, msg.ID)
}

func (q *RedisDispatcher) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisDispatcher) writeStatus(ctx context.Context, n domain.Notification, errMsg string) error {
	key := q.statusKey(n.ID)
	payload := map[string]any{
		"id":          n.ID,
		"recipient":   n.Recipient,
		"message":     n.Message,
		"status":      string(n.Status),
		"error":       errMsg,
		"submittedAt": n.SubmittedAt.Format(time.RFC3339Nano),
		"updatedAt":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.statusTTL).Err()
	return nil
}

func (q *RedisDispatcher) statusKey(id string) string {
	return fmt.Sprintf("notification:%s:%s", q.stream, id)
}

func decodeNotification(id string, data map[string]string) domain.Notification {
	n := domain.Notification{ID: id}
	n.Recipient = data["recipient"]
	n.Message = data["message"]
	if v := data["status"]; v != "" {
		n.Status = domain.NotificationStatus(v)
	}
	if v := data["submittedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			n.SubmittedAt = t
		}
	}
	return n
}
