// Package notify fans ledger change notifications out to in-process subscribers, a
// bounded history for polling clients, and webhook peers.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TypeScoreSubmitted is the message type carrying a ledger.Event.
const TypeScoreSubmitted = "score_submitted"

// Message is the envelope posted to peers.
type Message struct {
	ID       uuid.UUID       `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
	SentAt   time.Time       `json:"sentAt"`
}

// NewMessage wraps payload in an envelope from sender.
func NewMessage(sender, messageType string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return Message{
		ID:       uuid.New(),
		Type:     messageType,
		Payload:  raw,
		SenderID: sender,
		SentAt:   time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error { return json.Unmarshal(m.Payload, v) }
