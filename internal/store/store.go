package store

import (
	"context"
	"encoding/json"
	"time"

	"ivalet/internal/models"
)

type CreateTicketInput struct {
	RequestID   string
	PlateNumber string
	CarModel    string
	CreatedAt   time.Time
}

// TransitionInput carries one requested status change. ExpectedStatus is an
// optional guard for callers that already loaded the ticket; when set, the
// transition fails with ErrInvalidTransition if the stored status differs.
// Worker and ETAMinutes are required for transitions into "assigned".
type TransitionInput struct {
	RequestID      string
	TicketID       string
	Target         string
	ExpectedStatus string
	Worker         string
	ETAMinutes     int
	OccurredAt     time.Time
}

type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListTickets(ctx context.Context) ([]models.Ticket, error)
	Transition(ctx context.Context, input TransitionInput) (models.Ticket, bool, error)
	ReleaseSlot(ctx context.Context, ticketID string) (bool, error)
	ProvisionCapacity(ctx context.Context, capacity int) error
	GetSlot(ctx context.Context, slotNumber int) (models.ParkingSlot, error)
	ListSlots(ctx context.Context) ([]models.ParkingSlot, error)
	RecordVoiceMessage(ctx context.Context, ticketID string) error
}

// OutboxEvent is one committed ticket change, appended in the same
// transaction as the write it describes and consumed in commit order by the
// realtime and notification pollers.
type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	TicketID  string          `json:"ticket_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Cursor is a per-consumer outbox position. The (time, id) pair breaks ties
// between events committed in the same microsecond.
type Cursor struct {
	LastEventTime time.Time
	LastEventID   string
}

func (c Cursor) IsZero() bool {
	return c.LastEventTime.IsZero() && c.LastEventID == ""
}

// Outbox event types emitted by the store.
const (
	EventTicketCreated   = "ticket.created"
	EventTicketRequested = "ticket.requested"
	EventTicketAssigned  = "ticket.assigned"
	EventTicketCompleted = "ticket.completed"
	EventTicketCancelled = "ticket.cancelled"
	EventTicketExpired   = "ticket.expired"
	EventVoiceMessage    = "voice.message"
)

// EventTypeForTarget maps a transition target to its outbox event type.
func EventTypeForTarget(target string) string {
	switch target {
	case models.StatusRequested:
		return EventTicketRequested
	case models.StatusAssigned:
		return EventTicketAssigned
	case models.StatusCompleted:
		return EventTicketCompleted
	case models.StatusCancelled:
		return EventTicketCancelled
	case models.StatusExpired:
		return EventTicketExpired
	default:
		return ""
	}
}

// Notification is one push delivery attempt recorded for audit.
type Notification struct {
	NotificationID string
	TicketID       string
	Channel        string
	Recipient      string
	Status         string
	Attempts       int
	LastError      string
	CreatedAt      time.Time
}
