package store

import "errors"

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrUnknownStatus     = errors.New("unknown ticket status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingAssignment = errors.New("assigned transition requires worker and eta")
	ErrSlotNotFound      = errors.New("parking slot not found")
	ErrInvalidCapacity   = errors.New("capacity must be positive")
)
