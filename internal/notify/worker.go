package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"ivalet/internal/models"
	"ivalet/internal/store"
)

// Consumer is this worker's name in the consumer_offsets table.
const Consumer = "notifications"

// Store is the slice of persistence the dispatcher needs.
type Store interface {
	ListOutboxEvents(ctx context.Context, cursor store.Cursor, limit int) ([]store.OutboxEvent, error)
	GetOffset(ctx context.Context, consumer string) (store.Cursor, error)
	UpdateOffset(ctx context.Context, consumer string, cursor store.Cursor) error
	InsertNotification(ctx context.Context, ticketID, channel, recipient string) (store.Notification, error)
	MarkNotificationSent(ctx context.Context, notificationID string) error
	MarkNotificationFailed(ctx context.Context, notificationID, reason string) error
	InsertDLQ(ctx context.Context, notificationID, ticketID, reason string) error
	MarkTicketNotified(ctx context.Context, ticketID string, sent bool, reason string) error
}

type Worker struct {
	store        Store
	pusher       Pusher
	batchSize    int
	maxAttempts  int
	deepLinkBase string
}

type Config struct {
	BatchSize    int
	MaxAttempts  int
	DeepLinkBase string
}

func New(st Store, pusher Pusher, cfg Config) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Worker{
		store:        st,
		pusher:       pusher,
		batchSize:    batch,
		maxAttempts:  maxAttempts,
		deepLinkBase: cfg.DeepLinkBase,
	}
}

// Run drains one batch of outbox events. Delivery failures are recorded and
// logged but never abort the batch; the ticket lifecycle owes nothing to the
// push provider.
func (w *Worker) Run(ctx context.Context) error {
	cursor, err := w.store.GetOffset(ctx, Consumer)
	if err != nil {
		return err
	}

	events, err := w.store.ListOutboxEvents(ctx, cursor, w.batchSize)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := w.processEvent(ctx, event); err != nil {
			log.Printf("notify process event %s: %v", event.EventID, err)
		}
		cursor = store.Cursor{LastEventTime: event.CreatedAt, LastEventID: event.EventID}
	}

	if !cursor.IsZero() {
		if err := w.store.UpdateOffset(ctx, Consumer, cursor); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) processEvent(ctx context.Context, event store.OutboxEvent) error {
	if event.Type != store.EventTicketAssigned && event.Type != store.EventTicketCompleted {
		return nil
	}

	var ticket models.Ticket
	if err := json.Unmarshal(event.Payload, &ticket); err != nil {
		return err
	}
	if ticket.ClientToken == "" {
		return nil
	}

	title, body := composeMessage(event.Type, ticket)
	deepLink := ""
	if w.deepLinkBase != "" {
		deepLink = fmt.Sprintf("%s/ticket/%s", w.deepLinkBase, ticket.TicketID)
	}

	notification, err := w.store.InsertNotification(ctx, ticket.TicketID, "push", ticket.ClientToken)
	if err != nil {
		return err
	}

	if pubErr := w.pusher.Publish(ctx, ticket.ClientToken, title, body, deepLink); pubErr != nil {
		log.Printf("notify publish ticket %s: %v", ticket.TicketID, pubErr)
		if err := w.store.MarkNotificationFailed(ctx, notification.NotificationID, pubErr.Error()); err != nil {
			return err
		}
		if err := w.store.MarkTicketNotified(ctx, ticket.TicketID, false, pubErr.Error()); err != nil {
			return err
		}
		if notification.Attempts+1 >= w.maxAttempts {
			if err := w.store.InsertDLQ(ctx, notification.NotificationID, ticket.TicketID, "max attempts reached"); err != nil {
				return err
			}
		}
		return nil
	}

	if err := w.store.MarkNotificationSent(ctx, notification.NotificationID); err != nil {
		return err
	}
	return w.store.MarkTicketNotified(ctx, ticket.TicketID, true, "")
}

func composeMessage(eventType string, ticket models.Ticket) (string, string) {
	switch eventType {
	case store.EventTicketAssigned:
		eta := 0
		if ticket.ETAMinutes != nil {
			eta = *ticket.ETAMinutes
		}
		return "سيارتك في الطريق!", fmt.Sprintf("سيارتك رقم %d ستصل خلال %d دقائق", ticket.TicketNumber, eta)
	case store.EventTicketCompleted:
		return "سيارتك جاهزة!", fmt.Sprintf("وصل السائق مع سيارتك رقم %d", ticket.TicketNumber)
	default:
		return "", ""
	}
}

// Start runs the worker on a fixed cadence until the context is cancelled.
func Start(ctx context.Context, interval time.Duration, w *Worker) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Run(ctx); err != nil {
				log.Printf("notify worker error: %v", err)
			}
		}
	}
}
