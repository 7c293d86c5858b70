package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"ivalet/internal/models"
	"ivalet/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketColumns = `ticket_id, ticket_number, plate_number, car_model, status, slot_number, client_token, request_id,
	created_at, updated_at, requested_at, assigned_at, completed_at, cancelled_at, assigned_worker, eta_minutes,
	notification_sent, notification_failed, notification_error, notification_sent_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	seq, err := nextTicketNumber(ctx, tx)
	if err != nil {
		return models.Ticket{}, false, err
	}

	ticketID := uuid.NewString()
	clientToken := uuid.NewString()
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// Best effort: a full lot leaves slot_number unset, the ticket is
	// still valid.
	slotNumber, claimed, err := claimFirstFreeSlot(ctx, tx, ticketID, createdAt)
	if err != nil {
		return models.Ticket{}, false, err
	}
	var slotValue interface{}
	if claimed {
		slotValue = slotNumber
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, ticket_number, plate_number, car_model, status, slot_number, client_token,
			request_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING `+ticketColumns,
		ticketID, seq, input.PlateNumber, input.CarModel, models.StatusRunning, slotValue, clientToken,
		input.RequestID, createdAt)

	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A concurrent create with the same request_id committed
			// between the lookup and the insert. Drop this
			// transaction's slot claim and hand back the winner.
			_ = tx.Rollback(ctx)
			existing, found, err = findTicketByRequestID(ctx, s.pool, input.RequestID)
			if err != nil {
				return models.Ticket{}, false, err
			}
			if !found {
				return models.Ticket{}, false, fmt.Errorf("ticket for request %s missing after insert conflict", input.RequestID)
			}
			return existing, false, nil
		}
		return models.Ticket{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventTicketCreated, ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

// ListTickets returns the full fleet, newest first. The fleet view replaces
// its local state wholesale with each result set.
func (s *Store) ListTickets(ctx context.Context) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		ORDER BY created_at DESC, ticket_number DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) Transition(ctx context.Context, input store.TransitionInput) (models.Ticket, bool, error) {
	if !store.KnownStatus(input.Target) {
		return models.Ticket{}, false, store.ErrUnknownStatus
	}
	if input.Target == models.StatusAssigned && (input.Worker == "" || input.ETAMinutes <= 0) {
		return models.Ticket{}, false, store.ErrMissingAssignment
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existingID, found, ferr := findActionRequest(ctx, tx, input.Target, input.RequestID)
		if ferr != nil {
			err = ferr
			return models.Ticket{}, false, err
		}
		if found {
			ticket, gerr := getTicketTx(ctx, tx, existingID)
			if gerr != nil {
				err = gerr
				return models.Ticket{}, false, err
			}
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return ticket, false, nil
		}
	}

	var current string
	row := tx.QueryRow(ctx, `
		SELECT status FROM tickets WHERE ticket_id = $1 FOR UPDATE
	`, input.TicketID)
	if err = row.Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return models.Ticket{}, false, err
	}

	if input.ExpectedStatus != "" && input.ExpectedStatus != current {
		err = store.ErrInvalidTransition
		return models.Ticket{}, false, err
	}
	if !store.ValidTransition(input.Target, current) {
		err = store.ErrInvalidTransition
		return models.Ticket{}, false, err
	}

	query := `UPDATE tickets SET status = $1, updated_at = $2`
	args := []interface{}{input.Target, occurredAt}
	switch input.Target {
	case models.StatusRequested:
		query += `, requested_at = COALESCE(requested_at, $3)`
		args = append(args, occurredAt)
	case models.StatusAssigned:
		query += `, assigned_at = COALESCE(assigned_at, $3), assigned_worker = $4, eta_minutes = $5`
		args = append(args, occurredAt, input.Worker, input.ETAMinutes)
	case models.StatusCompleted:
		query += `, completed_at = COALESCE(completed_at, $3)`
		args = append(args, occurredAt)
	case models.StatusCancelled:
		query += `, cancelled_at = COALESCE(cancelled_at, $3)`
		args = append(args, occurredAt)
	}
	query += fmt.Sprintf(` WHERE ticket_id = $%d AND status = $%d RETURNING `, len(args)+1, len(args)+2)
	query += ticketColumns
	args = append(args, input.TicketID, current)

	ticket, err := scanTicket(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrInvalidTransition
		}
		return models.Ticket{}, false, err
	}

	if input.RequestID != "" {
		if err = insertActionRequest(ctx, tx, input.Target, input.RequestID, ticket.TicketID); err != nil {
			return models.Ticket{}, false, err
		}
	}
	if err = insertOutboxEvent(ctx, tx, store.EventTypeForTarget(input.Target), ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}

	// The status change is committed; slot release is a best-effort
	// follow-up whose failure must not surface to the caller.
	if input.Target == models.StatusCompleted {
		released, rerr := s.ReleaseSlot(ctx, ticket.TicketID)
		if rerr != nil {
			log.Printf("release slot for ticket %s: %v", ticket.TicketID, rerr)
		} else if released {
			ticket.SlotNumber = nil
		}
	}

	return ticket, true, nil
}

// SweepExpired force-expires tickets stuck in the initial status past the
// cutoff age. The status flip for all matches is committed as one batch.
// Slots are not released here; release stays exclusive to completion.
func (s *Store) SweepExpired(ctx context.Context, cutoffAge time.Duration, batchSize int) (int, error) {
	if cutoffAge <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	cutoff := now.Add(-cutoffAge)
	rows, err := tx.Query(ctx, `
		SELECT ticket_id
		FROM tickets
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`, models.StatusRunning, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		if err = tx.Commit(ctx); err != nil {
			return 0, err
		}
		return 0, nil
	}

	if _, err = tx.Exec(ctx, `
		UPDATE tickets
		SET status = $1, updated_at = $2
		WHERE ticket_id = ANY($3)
	`, models.StatusExpired, now, ids); err != nil {
		return 0, err
	}

	for _, id := range ids {
		ticket, gerr := getTicketTx(ctx, tx, id)
		if gerr != nil {
			err = gerr
			return 0, err
		}
		if err = insertOutboxEvent(ctx, tx, store.EventTicketExpired, ticket); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// rowQuerier lets lookups run against either a transaction or the pool.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findTicketByRequestID(ctx context.Context, q rowQuerier, requestID string) (models.Ticket, bool, error) {
	row := q.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE request_id = $1
	`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func getTicketTx(ctx context.Context, tx pgx.Tx, ticketID string) (models.Ticket, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

// nextTicketNumber hands out the human-facing sequence from a single counter
// row, atomically. Replaces the read-max-then-increment that would duplicate
// numbers under concurrent creation.
func nextTicketNumber(ctx context.Context, tx pgx.Tx) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (name, next_number)
		VALUES ('tickets', 1)
		ON CONFLICT (name)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (string, bool, error) {
	var ticketID string
	row := tx.QueryRow(ctx, `
		SELECT ticket_id FROM action_requests WHERE action = $1 AND request_id = $2
	`, action, requestID)
	if err := row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return ticketID, true, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, ticketID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO action_requests (action, request_id, ticket_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (action, request_id) DO NOTHING
	`, action, requestID, ticketID, time.Now().UTC())
	return err
}

type ticketRow interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row ticketRow) (models.Ticket, error) {
	var ticket models.Ticket
	var slotNull sql.NullInt64
	var requestedNull, assignedNull, completedNull, cancelledNull, notifiedNull sql.NullTime
	var workerNull sql.NullString
	var etaNull sql.NullInt64
	var notifErrNull sql.NullString

	err := row.Scan(
		&ticket.TicketID, &ticket.TicketNumber, &ticket.PlateNumber, &ticket.CarModel, &ticket.Status,
		&slotNull, &ticket.ClientToken, &ticket.RequestID, &ticket.CreatedAt, &ticket.UpdatedAt,
		&requestedNull, &assignedNull, &completedNull, &cancelledNull,
		&workerNull, &etaNull,
		&ticket.NotificationSent, &ticket.NotificationFailed, &notifErrNull, &notifiedNull,
	)
	if err != nil {
		return models.Ticket{}, err
	}

	if slotNull.Valid {
		v := int(slotNull.Int64)
		ticket.SlotNumber = &v
	}
	ticket.RequestedAt = nullTimePtr(requestedNull)
	ticket.AssignedAt = nullTimePtr(assignedNull)
	ticket.CompletedAt = nullTimePtr(completedNull)
	ticket.CancelledAt = nullTimePtr(cancelledNull)
	if workerNull.Valid {
		ticket.AssignedWorker = &workerNull.String
	}
	if etaNull.Valid {
		v := int(etaNull.Int64)
		ticket.ETAMinutes = &v
	}
	if notifErrNull.Valid {
		ticket.NotificationError = notifErrNull.String
	}
	ticket.NotificationSentAt = nullTimePtr(notifiedNull)
	return ticket, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
