package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ivalet/internal/models"
	"ivalet/internal/store"

	"github.com/jackc/pgx/v5"
)

// claimFirstFreeSlot locks and occupies the lowest-numbered free slot in one
// statement. SKIP LOCKED means two concurrent creates never fight over the
// same row; each either gets a distinct slot or none.
func claimFirstFreeSlot(ctx context.Context, tx pgx.Tx, ticketID string, now time.Time) (int, bool, error) {
	var slotNumber int
	row := tx.QueryRow(ctx, `
		WITH free_slot AS (
			SELECT slot_number
			FROM parking_slots
			WHERE occupied = FALSE AND retired = FALSE
			ORDER BY slot_number ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE parking_slots
		SET occupied = TRUE, current_ticket = $1, updated_at = $2
		FROM free_slot
		WHERE parking_slots.slot_number = free_slot.slot_number
		RETURNING parking_slots.slot_number
	`, ticketID, now)
	if err := row.Scan(&slotNumber); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return slotNumber, true, nil
}

// ReleaseSlot frees the slot held by a ticket. Returns false without error
// when there is nothing to release, so repeated calls are harmless.
func (s *Store) ReleaseSlot(ctx context.Context, ticketID string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var slotNull sql.NullInt64
	row := tx.QueryRow(ctx, `
		SELECT slot_number FROM tickets WHERE ticket_id = $1 FOR UPDATE
	`, ticketID)
	if err = row.Scan(&slotNull); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = nil
			_ = tx.Rollback(ctx)
			return false, nil
		}
		return false, err
	}
	if !slotNull.Valid {
		if err = tx.Commit(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE parking_slots
		SET occupied = FALSE, current_ticket = '', updated_at = $2
		WHERE slot_number = $1 AND current_ticket = $3
	`, slotNull.Int64, now, ticketID)
	if err != nil {
		return false, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE tickets SET slot_number = NULL, updated_at = $2 WHERE ticket_id = $1
	`, ticketID, now); err != nil {
		return false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ProvisionCapacity reconciles the slot inventory to n slots. Growing the lot
// inserts new free slots; shrinking retires free slots above n while occupied
// ones keep serving their current ticket until released.
func (s *Store) ProvisionCapacity(ctx context.Context, n int) error {
	if n <= 0 {
		return store.ErrInvalidCapacity
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	for slot := 1; slot <= n; slot++ {
		if _, err = tx.Exec(ctx, `
			INSERT INTO parking_slots (slot_number, occupied, current_ticket, retired, updated_at)
			VALUES ($1, FALSE, '', FALSE, $2)
			ON CONFLICT (slot_number)
			DO UPDATE SET retired = FALSE, updated_at = $2
		`, slot, now); err != nil {
			return err
		}
	}

	if _, err = tx.Exec(ctx, `
		UPDATE parking_slots
		SET retired = TRUE, updated_at = $2
		WHERE slot_number > $1 AND occupied = FALSE AND retired = FALSE
	`, n, now); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) GetSlot(ctx context.Context, slotNumber int) (models.ParkingSlot, error) {
	var slot models.ParkingSlot
	row := s.pool.QueryRow(ctx, `
		SELECT slot_number, occupied, current_ticket, retired, updated_at
		FROM parking_slots
		WHERE slot_number = $1
	`, slotNumber)
	if err := row.Scan(&slot.SlotNumber, &slot.Occupied, &slot.CurrentTicket, &slot.Retired, &slot.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ParkingSlot{}, store.ErrSlotNotFound
		}
		return models.ParkingSlot{}, err
	}
	return slot, nil
}

func (s *Store) ListSlots(ctx context.Context) ([]models.ParkingSlot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT slot_number, occupied, current_ticket, retired, updated_at
		FROM parking_slots
		WHERE retired = FALSE
		ORDER BY slot_number ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []models.ParkingSlot
	for rows.Next() {
		var slot models.ParkingSlot
		if err := rows.Scan(&slot.SlotNumber, &slot.Occupied, &slot.CurrentTicket, &slot.Retired, &slot.UpdatedAt); err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return slots, nil
}
