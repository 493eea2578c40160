package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"recordkeeper/pkg/domain"
)

var (
	ErrQueueFull        = errors.New("notification queue full")
	ErrDispatcherClosed = errors.New("notification dispatcher closed")
	ErrRecipientMissing = errors.New("recipient required")
)

// Dispatcher accepts notifications and delivers them in the background.
// Submit returns as soon as the notification is queued. Delivery failures
// are not retried and are not reported back to the submitter.
type Dispatcher interface {
	Submit(ctx context.Context, recipient, message string) (domain.Notification, error)
	Start(ctx context.Context, deliverer Deliverer)
	Close() error
}

// Deliverer performs the side effect for one notification.
type Deliverer interface {
	Deliver(ctx context.Context, n domain.Notification) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, n domain.Notification) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, n domain.Notification) error {
	return f(ctx, n)
}

// SimulatedMailer pretends to send a confirmation email: it waits Delay,
// then records the delivery as a log line.
type SimulatedMailer struct {
	Delay  time.Duration
	Logger *slog.Logger
}

// Deliver blocks for the configured delay unless ctx ends first.
func (m SimulatedMailer) Deliver(ctx context.Context, n domain.Notification) error {
	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("confirmation email sent", "notification_id", n.ID, "recipient", n.Recipient, "message", n.Message)
	return nil
}

func newNotification(recipient, message string) (domain.Notification, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return domain.Notification{}, ErrRecipientMissing
	}
	return domain.Notification{
		ID:          uuid.NewString(),
		Recipient:   recipient,
		Message:     message,
		Status:      domain.NotificationQueued,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// deliver runs one delivery and swallows its outcome apart from a debug log.
func deliver(ctx context.Context, deliverer Deliverer, n domain.Notification) error {
	err := deliverer.Deliver(ctx, n)
	if err != nil {
		slog.Debug("notification delivery failed", "notification_id", n.ID, "err", err)
	}
	return err
}
