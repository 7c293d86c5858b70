package models

import "time"

type Ticket struct {
	TicketID     string     `json:"ticket_id"`
	TicketNumber int64      `json:"ticket_number"`
	PlateNumber  string     `json:"plate_number"`
	CarModel     string     `json:"car_model"`
	Status       string     `json:"status"`
	SlotNumber   *int       `json:"slot_number,omitempty"`
	ClientToken  string     `json:"client_token,omitempty"`
	RequestID    string     `json:"request_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	RequestedAt  *time.Time `json:"requested_at,omitempty"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`

	AssignedWorker *string `json:"assigned_worker,omitempty"`
	ETAMinutes     *int    `json:"eta_minutes,omitempty"`

	NotificationSent   bool       `json:"notification_sent,omitempty"`
	NotificationFailed bool       `json:"notification_failed,omitempty"`
	NotificationError  string     `json:"notification_error,omitempty"`
	NotificationSentAt *time.Time `json:"notification_sent_at,omitempty"`
}

const (
	StatusRunning   = "running"
	StatusRequested = "requested"
	StatusAssigned  = "assigned"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Terminal reports whether no further transition is defined out of status.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}
