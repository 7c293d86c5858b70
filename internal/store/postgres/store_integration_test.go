package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"ivalet/internal/models"
	"ivalet/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestConcurrentCreateSlotExclusivity(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	const creators = 8
	const capacity = 3
	if err := st.ProvisionCapacity(ctx, capacity); err != nil {
		t.Fatalf("provision capacity: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan models.Ticket, creators)
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
				RequestID:   uuid.NewString(),
				PlateNumber: "XYZ-100",
				CarModel:    "Sedan",
			})
			if err != nil {
				t.Errorf("create ticket: %v", err)
				return
			}
			results <- ticket
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int]string{}
	var withSlot, withoutSlot int
	for ticket := range results {
		if ticket.SlotNumber == nil {
			withoutSlot++
			continue
		}
		withSlot++
		if prev, dup := seen[*ticket.SlotNumber]; dup {
			t.Fatalf("slot %d assigned to both %s and %s", *ticket.SlotNumber, prev, ticket.TicketID)
		}
		seen[*ticket.SlotNumber] = ticket.TicketID
	}
	if withSlot != capacity {
		t.Fatalf("expected %d tickets with slots, got %d", capacity, withSlot)
	}
	if withoutSlot != creators-capacity {
		t.Fatalf("expected %d tickets without slots, got %d", creators-capacity, withoutSlot)
	}
}

func TestTicketLifecycle(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	if err := st.ProvisionCapacity(ctx, 2); err != nil {
		t.Fatalf("provision capacity: %v", err)
	}

	ticket := createTicket(t, ctx, st)
	if ticket.Status != models.StatusRunning {
		t.Fatalf("expected running, got %s", ticket.Status)
	}
	if ticket.SlotNumber == nil || *ticket.SlotNumber != 1 {
		t.Fatalf("expected slot 1, got %v", ticket.SlotNumber)
	}
	if ticket.TicketNumber != 1 {
		t.Fatalf("expected ticket number 1, got %d", ticket.TicketNumber)
	}

	ticket = transition(t, ctx, st, store.TransitionInput{
		RequestID: uuid.NewString(),
		TicketID:  ticket.TicketID,
		Target:    models.StatusRequested,
	})
	if ticket.RequestedAt == nil {
		t.Fatalf("expected requested_at to be set")
	}

	worker := "driver-7"
	ticket = transition(t, ctx, st, store.TransitionInput{
		RequestID:  uuid.NewString(),
		TicketID:   ticket.TicketID,
		Target:     models.StatusAssigned,
		Worker:     worker,
		ETAMinutes: 5,
	})
	if ticket.AssignedWorker == nil || *ticket.AssignedWorker != worker {
		t.Fatalf("expected assigned worker %q, got %v", worker, ticket.AssignedWorker)
	}

	ticket = transition(t, ctx, st, store.TransitionInput{
		RequestID: uuid.NewString(),
		TicketID:  ticket.TicketID,
		Target:    models.StatusCompleted,
	})
	if ticket.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	if ticket.SlotNumber != nil {
		t.Fatalf("expected slot released after completion, got %v", *ticket.SlotNumber)
	}

	slots, err := st.ListSlots(ctx)
	if err != nil {
		t.Fatalf("list slots: %v", err)
	}
	for _, slot := range slots {
		if slot.Occupied {
			t.Fatalf("expected all slots free, slot %d occupied", slot.SlotNumber)
		}
	}

	var eventCount int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE ticket_id = $1`, ticket.TicketID)
	if err := row.Scan(&eventCount); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if eventCount != 4 {
		t.Fatalf("expected 4 outbox events, got %d", eventCount)
	}
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ticket := createTicket(t, ctx, st)

	_, _, err := st.Transition(ctx, store.TransitionInput{
		RequestID: uuid.NewString(),
		TicketID:  ticket.TicketID,
		Target:    models.StatusCompleted,
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	_, _, err = st.Transition(ctx, store.TransitionInput{
		RequestID: uuid.NewString(),
		TicketID:  ticket.TicketID,
		Target:    "teleported",
	})
	if !errors.Is(err, store.ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}

	_, _, err = st.Transition(ctx, store.TransitionInput{
		RequestID: uuid.NewString(),
		TicketID:  ticket.TicketID,
		Target:    models.StatusAssigned,
		Worker:    "driver-1",
	})
	if !errors.Is(err, store.ErrMissingAssignment) {
		t.Fatalf("expected ErrMissingAssignment, got %v", err)
	}

	_, _, err = st.Transition(ctx, store.TransitionInput{
		RequestID:      uuid.NewString(),
		TicketID:       ticket.TicketID,
		Target:         models.StatusRequested,
		ExpectedStatus: models.StatusAssigned,
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on stale expected status, got %v", err)
	}

	_, _, err = st.Transition(ctx, store.TransitionInput{
		RequestID: uuid.NewString(),
		TicketID:  uuid.NewString(),
		Target:    models.StatusRequested,
	})
	if !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestTransitionIdempotency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ticket := createTicket(t, ctx, st)

	requestID := uuid.NewString()
	first, applied, err := st.Transition(ctx, store.TransitionInput{
		RequestID: requestID,
		TicketID:  ticket.TicketID,
		Target:    models.StatusRequested,
	})
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if !applied {
		t.Fatalf("expected first transition to apply")
	}

	second, applied, err := st.Transition(ctx, store.TransitionInput{
		RequestID: requestID,
		TicketID:  ticket.TicketID,
		Target:    models.StatusRequested,
	})
	if err != nil {
		t.Fatalf("replayed transition: %v", err)
	}
	if applied {
		t.Fatalf("expected replay to be a no-op")
	}
	if first.TicketID != second.TicketID {
		t.Fatalf("expected same ticket on replay")
	}
}

func TestCreateTicketIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	requestID := uuid.NewString()
	first, created, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID:   requestID,
		PlateNumber: "ABC-123",
		CarModel:    "Coupe",
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if !created {
		t.Fatalf("expected first create to insert")
	}

	second, created, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID:   requestID,
		PlateNumber: "ABC-123",
		CarModel:    "Coupe",
	})
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate create to be a no-op")
	}
	if first.TicketID != second.TicketID {
		t.Fatalf("expected same ticket ID for duplicate request")
	}

	var count int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE event_type = 'ticket.created'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 ticket.created event, got %d", count)
	}
}

func TestReleaseSlotIdempotent(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	if err := st.ProvisionCapacity(ctx, 1); err != nil {
		t.Fatalf("provision capacity: %v", err)
	}
	ticket := createTicket(t, ctx, st)

	released, err := st.ReleaseSlot(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("release slot: %v", err)
	}
	if !released {
		t.Fatalf("expected first release to free the slot")
	}

	released, err = st.ReleaseSlot(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if released {
		t.Fatalf("expected second release to be a no-op")
	}

	released, err = st.ReleaseSlot(ctx, uuid.NewString())
	if err != nil {
		t.Fatalf("release for unknown ticket: %v", err)
	}
	if released {
		t.Fatalf("expected release for unknown ticket to be a no-op")
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	if err := st.ProvisionCapacity(ctx, 2); err != nil {
		t.Fatalf("provision capacity: %v", err)
	}
	stale := createTicket(t, ctx, st)
	fresh := createTicket(t, ctx, st)

	if _, err := pool.Exec(ctx, `
		UPDATE tickets SET created_at = $2 WHERE ticket_id = $1
	`, stale.TicketID, time.Now().UTC().Add(-10*time.Minute)); err != nil {
		t.Fatalf("backdate ticket: %v", err)
	}

	expired, err := st.SweepExpired(ctx, 5*time.Minute, 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired ticket, got %d", expired)
	}

	got, err := st.GetTicket(ctx, stale.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.Status != models.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	if got.SlotNumber == nil {
		t.Fatalf("expected expiry to keep its slot")
	}

	got, err = st.GetTicket(ctx, fresh.TicketID)
	if err != nil {
		t.Fatalf("get fresh ticket: %v", err)
	}
	if got.Status != models.StatusRunning {
		t.Fatalf("expected fresh ticket untouched, got %s", got.Status)
	}

	expired, err = st.SweepExpired(ctx, 5*time.Minute, 100)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if expired != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %d", expired)
	}
}

func TestProvisionCapacityShrink(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	if err := st.ProvisionCapacity(ctx, 5); err != nil {
		t.Fatalf("provision capacity: %v", err)
	}

	tickets := make([]models.Ticket, 0, 4)
	for i := 0; i < 4; i++ {
		tickets = append(tickets, createTicket(t, ctx, st))
	}

	// Slots 1-4 occupied; shrinking to 2 may only retire slot 5.
	if err := st.ProvisionCapacity(ctx, 2); err != nil {
		t.Fatalf("shrink capacity: %v", err)
	}
	slots, err := st.ListSlots(ctx)
	if err != nil {
		t.Fatalf("list slots: %v", err)
	}
	if len(slots) != 4 {
		t.Fatalf("expected 4 active slots after shrink, got %d", len(slots))
	}

	// Releasing slot 3 retires it instead of returning it to the pool.
	if _, err := st.ReleaseSlot(ctx, tickets[2].TicketID); err != nil {
		t.Fatalf("release slot: %v", err)
	}
	if err := st.ProvisionCapacity(ctx, 2); err != nil {
		t.Fatalf("reconcile capacity: %v", err)
	}
	slots, err = st.ListSlots(ctx)
	if err != nil {
		t.Fatalf("list slots: %v", err)
	}
	if len(slots) != 3 {
		t.Fatalf("expected 3 active slots, got %d", len(slots))
	}

	if err := st.ProvisionCapacity(ctx, 0); !errors.Is(err, store.ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
}

func TestOutboxCursorOrdering(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	first := createTicket(t, ctx, st)
	second := createTicket(t, ctx, st)

	events, err := st.ListOutboxEvents(ctx, store.Cursor{}, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].TicketID != first.TicketID || events[1].TicketID != second.TicketID {
		t.Fatalf("expected events in creation order")
	}

	cursor := store.Cursor{LastEventTime: events[0].CreatedAt, LastEventID: events[0].EventID}
	rest, err := st.ListOutboxEvents(ctx, cursor, 10)
	if err != nil {
		t.Fatalf("list outbox from cursor: %v", err)
	}
	if len(rest) != 1 || rest[0].EventID != events[1].EventID {
		t.Fatalf("expected exactly the second event past the cursor")
	}

	consumer := "realtime"
	if err := st.UpdateOffset(ctx, consumer, cursor); err != nil {
		t.Fatalf("update offset: %v", err)
	}
	got, err := st.GetOffset(ctx, consumer)
	if err != nil {
		t.Fatalf("get offset: %v", err)
	}
	if got.LastEventID != cursor.LastEventID {
		t.Fatalf("expected persisted cursor, got %+v", got)
	}
}

func TestConcurrentCreateSameRequestID(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	if err := st.ProvisionCapacity(ctx, 5); err != nil {
		t.Fatalf("provision capacity: %v", err)
	}

	const creators = 6
	requestID := uuid.NewString()

	var wg sync.WaitGroup
	type result struct {
		ticket  models.Ticket
		created bool
	}
	results := make(chan result, creators)
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, created, err := st.CreateTicket(ctx, store.CreateTicketInput{
				RequestID:   requestID,
				PlateNumber: "DUP-001",
				CarModel:    "Sedan",
			})
			if err != nil {
				t.Errorf("create ticket: %v", err)
				return
			}
			results <- result{ticket: ticket, created: created}
		}()
	}
	wg.Wait()
	close(results)

	var inserts int
	ids := map[string]struct{}{}
	for r := range results {
		if r.created {
			inserts++
		}
		ids[r.ticket.TicketID] = struct{}{}
	}
	if inserts != 1 {
		t.Fatalf("expected exactly one insert, got %d", inserts)
	}
	if len(ids) != 1 {
		t.Fatalf("expected every caller to see the same ticket, got %d distinct", len(ids))
	}

	var tickets, occupied int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM tickets`).Scan(&tickets); err != nil {
		t.Fatalf("count tickets: %v", err)
	}
	if tickets != 1 {
		t.Fatalf("expected 1 ticket row, got %d", tickets)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM parking_slots WHERE occupied`).Scan(&occupied); err != nil {
		t.Fatalf("count occupied slots: %v", err)
	}
	if occupied != 1 {
		t.Fatalf("expected losers to release their slot claims, got %d occupied", occupied)
	}
}

func TestRecordVoiceMessage(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ticket := createTicket(t, ctx, st)
	if err := st.RecordVoiceMessage(ctx, ticket.TicketID); err != nil {
		t.Fatalf("record voice message: %v", err)
	}

	events, err := st.ListOutboxEvents(ctx, store.Cursor{}, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	var found bool
	for _, event := range events {
		if event.Type == store.EventVoiceMessage && event.TicketID == ticket.TicketID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a voice.message event for %s", ticket.TicketID)
	}

	err = st.RecordVoiceMessage(ctx, uuid.NewString())
	if !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound for unknown ticket, got %v", err)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func transition(t *testing.T, ctx context.Context, st *Store, input store.TransitionInput) models.Ticket {
	t.Helper()
	ticket, _, err := st.Transition(ctx, input)
	if err != nil {
		t.Fatalf("transition to %s: %v", input.Target, err)
	}
	return ticket
}

func createTicket(t *testing.T, ctx context.Context, st *Store) models.Ticket {
	t.Helper()
	ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID:   uuid.NewString(),
		PlateNumber: "ABC-123",
		CarModel:    "Sedan",
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return ticket
}
