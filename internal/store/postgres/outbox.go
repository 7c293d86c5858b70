package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ivalet/internal/models"
	"ivalet/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket) error {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, event_type, ticket_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), eventType, ticket.TicketID, payload, time.Now().UTC())
	return err
}

// RecordVoiceMessage appends a voice.message event for the ticket so the
// realtime board re-evaluates unread flags without waiting for a lifecycle
// change. The message itself lives in Redis; the event only carries the
// ticket.
func (s *Store) RecordVoiceMessage(ctx context.Context, ticketID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ticket, err := getTicketTx(ctx, tx, ticketID)
	if err != nil {
		return err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventVoiceMessage, ticket); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListOutboxEvents returns events strictly after the cursor position, oldest
// first. The (created_at, event_id) pair gives a total order so consumers
// never skip or replay events across restarts.
func (s *Store) ListOutboxEvents(ctx context.Context, cursor store.Cursor, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, event_type, ticket_id, payload, created_at
		FROM outbox_events
		WHERE created_at > $1 OR (created_at = $1 AND event_id > $2)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, cursor.LastEventTime, cursor.LastEventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.TicketID, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetOffset(ctx context.Context, consumer string) (store.Cursor, error) {
	var cursor store.Cursor
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id FROM consumer_offsets WHERE consumer = $1
	`, consumer)
	if err := row.Scan(&cursor.LastEventTime, &cursor.LastEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Cursor{}, nil
		}
		return store.Cursor{}, err
	}
	return cursor, nil
}

func (s *Store) UpdateOffset(ctx context.Context, consumer string, cursor store.Cursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO consumer_offsets (consumer, last_event_time, last_event_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (consumer)
		DO UPDATE SET last_event_time = $2, last_event_id = $3, updated_at = $4
	`, consumer, cursor.LastEventTime, cursor.LastEventID, time.Now().UTC())
	return err
}

// CleanupOutbox removes events every registered consumer has moved past.
func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events WHERE created_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
