package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// MessageState is the lifecycle state of a message on the client.
type MessageState int

const (
	// StateConfirmed messages carry a server id and timestamp.
	StateConfirmed MessageState = iota
	// StatePending messages are local-only and await acknowledgment.
	StatePending
	// StateFailed messages were never acknowledged; they stay visible.
	StateFailed
)

func (s MessageState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Message is a single chat message.
type Message struct {
	ID          int64
	RoomID      string
	SenderID    string
	Content     Content
	CreatedAt   time.Time
	LocalID     string
	ClientToken string
	State       MessageState
}

type messageJSON struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalJSON encodes content in its token form.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content.String(),
		CreatedAt: m.CreatedAt,
	})
}

// UnmarshalJSON decodes content once, at ingestion.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message{
		ID:        raw.ID,
		RoomID:    raw.RoomID,
		SenderID:  raw.SenderID,
		Content:   ParseContent(raw.Content),
		CreatedAt: raw.CreatedAt,
		State:     StateConfirmed,
	}
	return nil
}

// Key identifies a message within its room: the server id once confirmed,
// the local id before that.
func (m *Message) Key() string {
	if m.State == StateConfirmed {
		return "id:" + strconv.FormatInt(m.ID, 10)
	}
	return "local:" + m.LocalID
}

// CompareMessages orders messages by (CreatedAt, ID), falling back to LocalID
// so that pending entries with equal timestamps keep a deterministic order.
func CompareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	if a.ID != b.ID {
		if a.ID < b.ID {
			return -1
		}
		return 1
	}
	return strings.Compare(a.LocalID, b.LocalID)
}
