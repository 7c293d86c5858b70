package models

import "time"

// ParkingSlot tracks one physical bay. CurrentTicket is empty iff the slot
// is not occupied. Retired slots are kept on record after a capacity shrink
// but are never handed out again.
type ParkingSlot struct {
	SlotNumber    int       `json:"slot_number"`
	Occupied      bool      `json:"occupied"`
	CurrentTicket string    `json:"current_ticket"`
	Retired       bool      `json:"retired,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}
