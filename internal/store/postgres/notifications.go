package postgres

import (
	"context"
	"time"

	"ivalet/internal/store"

	"github.com/google/uuid"
)

func (s *Store) InsertNotification(ctx context.Context, ticketID, channel, recipient string) (store.Notification, error) {
	notification := store.Notification{
		NotificationID: uuid.NewString(),
		TicketID:       ticketID,
		Channel:        channel,
		Recipient:      recipient,
		Status:         "pending",
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (notification_id, ticket_id, channel, recipient, status, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, '', $6)
	`, notification.NotificationID, notification.TicketID, notification.Channel, notification.Recipient,
		notification.Status, notification.CreatedAt)
	if err != nil {
		return store.Notification{}, err
	}
	return notification, nil
}

func (s *Store) MarkNotificationSent(ctx context.Context, notificationID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'sent', attempts = attempts + 1, last_error = '', updated_at = $2
		WHERE notification_id = $1
	`, notificationID, time.Now().UTC())
	return err
}

func (s *Store) MarkNotificationFailed(ctx context.Context, notificationID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'failed', attempts = attempts + 1, last_error = $2, updated_at = $3
		WHERE notification_id = $1
	`, notificationID, reason, time.Now().UTC())
	return err
}

// InsertDLQ parks a notification that exhausted its delivery attempts so an
// operator can replay it later.
func (s *Store) InsertDLQ(ctx context.Context, notificationID, ticketID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_dlq (notification_id, ticket_id, reason, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (notification_id) DO NOTHING
	`, notificationID, ticketID, reason, time.Now().UTC())
	return err
}

// MarkTicketNotified records the delivery outcome on the ticket itself so
// clients see it in the projection without joining the notifications table.
func (s *Store) MarkTicketNotified(ctx context.Context, ticketID string, sent bool, reason string) error {
	now := time.Now().UTC()
	if sent {
		_, err := s.pool.Exec(ctx, `
			UPDATE tickets
			SET notification_sent = TRUE, notification_failed = FALSE, notification_error = '',
			    notification_sent_at = $2, updated_at = $2
			WHERE ticket_id = $1
		`, ticketID, now)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE tickets
		SET notification_failed = TRUE, notification_error = $2, updated_at = $3
		WHERE ticket_id = $1
	`, ticketID, reason, now)
	return err
}
