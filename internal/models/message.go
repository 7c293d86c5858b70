package models

// VoiceMessage is one short audio note attached to a ticket. StoragePath
// points at the binary payload in the blob store; the record never embeds
// audio bytes. Timestamp is milliseconds since epoch as observed by the
// sender, used for ordering and recency windows.
type VoiceMessage struct {
	ID          string `json:"id"`
	TicketID    string `json:"ticket_id"`
	Sender      string `json:"sender"`
	StoragePath string `json:"storage_path"`
	Timestamp   int64  `json:"timestamp"`
}

const (
	SenderClient = "client"
	SenderAdmin  = "admin"
)
