package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"ivalet/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Channel stores each ticket's voice exchange as an ordered Redis list and
// fans out new messages over pub/sub. Only metadata travels here; the audio
// itself lives in blob storage under StoragePath.
type Channel struct {
	client *redis.Client
}

func NewChannel(client *redis.Client) *Channel {
	return &Channel{client: client}
}

func listKey(ticketID string) string {
	return "voice:" + ticketID
}

func (c *Channel) Send(ctx context.Context, ticketID, sender, storagePath string) (models.VoiceMessage, error) {
	if sender != models.SenderClient && sender != models.SenderAdmin {
		return models.VoiceMessage{}, fmt.Errorf("invalid sender %q", sender)
	}

	message := models.VoiceMessage{
		ID:          uuid.NewString(),
		TicketID:    ticketID,
		Sender:      sender,
		StoragePath: storagePath,
		Timestamp:   time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return models.VoiceMessage{}, err
	}

	key := listKey(ticketID)
	if err := c.client.RPush(ctx, key, payload).Err(); err != nil {
		return models.VoiceMessage{}, err
	}
	if err := c.client.Publish(ctx, key, payload).Err(); err != nil {
		// Subscribers catch up from the list on their next read.
		log.Printf("voice publish ticket %s: %v", ticketID, err)
	}
	return message, nil
}

// List returns the ticket's messages newest first.
func (c *Channel) List(ctx context.Context, ticketID string) ([]models.VoiceMessage, error) {
	raw, err := c.client.LRange(ctx, listKey(ticketID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]models.VoiceMessage, 0, len(raw))
	for _, item := range raw {
		var message models.VoiceMessage
		if err := json.Unmarshal([]byte(item), &message); err != nil {
			log.Printf("voice decode ticket %s: %v", ticketID, err)
			continue
		}
		messages = append(messages, message)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp > messages[j].Timestamp
	})
	return messages, nil
}

// Subscribe streams messages for a ticket as they arrive. The returned stop
// function tears the subscription down.
func (c *Channel) Subscribe(ctx context.Context, ticketID string) (<-chan models.VoiceMessage, func(), error) {
	pubsub := c.client.Subscribe(ctx, listKey(ticketID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan models.VoiceMessage)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var message models.VoiceMessage
			if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
				log.Printf("voice decode ticket %s: %v", ticketID, err)
				continue
			}
			select {
			case out <- message:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() {
		_ = pubsub.Close()
	}
	return out, stop, nil
}

// CountSince counts messages stamped at or after cutoff. Feeds the fleet
// board's unread indicator.
func CountSince(messages []models.VoiceMessage, cutoff time.Time) int {
	count := 0
	for _, message := range messages {
		if !time.UnixMilli(message.Timestamp).Before(cutoff) {
			count++
		}
	}
	return count
}

// Purge drops the message history once its ticket reaches a terminal status.
func (c *Channel) Purge(ctx context.Context, ticketID string) error {
	return c.client.Del(ctx, listKey(ticketID)).Err()
}
