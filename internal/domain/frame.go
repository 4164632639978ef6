package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame types on the live channel. Message frames leave Type empty.
const (
	FrameError = "error"
	FramePing  = "ping"
	FramePong  = "pong"
)

// ErrMalformedFrame is returned when an inbound frame cannot be decoded or
// lacks a required field.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the JSON object exchanged on the live channel.
// Client to server frames carry only RoomID, Content and ClientToken.
type Frame struct {
	Type        string     `json:"type,omitempty"`
	ID          int64      `json:"id,omitempty"`
	RoomID      string     `json:"room_id,omitempty"`
	SenderID    string     `json:"sender_id,omitempty"`
	Content     string     `json:"content,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	ClientToken string     `json:"client_token,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// FrameFromMessage builds the server to client frame for a confirmed message.
func FrameFromMessage(m Message, clientToken string) Frame {
	createdAt := m.CreatedAt
	return Frame{
		ID:          m.ID,
		RoomID:      m.RoomID,
		SenderID:    m.SenderID,
		Content:     m.Content.String(),
		CreatedAt:   &createdAt,
		ClientToken: clientToken,
	}
}

// DecodeFrame parses a server to client frame. Message frames must carry
// room_id, sender_id, content, created_at and id.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case "":
	case FrameError, FramePong, FramePing:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	switch {
	case f.ID <= 0:
		return Frame{}, fmt.Errorf("%w: missing id", ErrMalformedFrame)
	case f.RoomID == "":
		return Frame{}, fmt.Errorf("%w: missing room_id", ErrMalformedFrame)
	case f.SenderID == "":
		return Frame{}, fmt.Errorf("%w: missing sender_id", ErrMalformedFrame)
	case f.Content == "":
		return Frame{}, fmt.Errorf("%w: missing content", ErrMalformedFrame)
	case f.CreatedAt == nil || f.CreatedAt.IsZero():
		return Frame{}, fmt.Errorf("%w: missing created_at", ErrMalformedFrame)
	}
	return f, nil
}

// IsMessage reports whether the frame carries a confirmed message.
func (f Frame) IsMessage() bool {
	return f.Type == "" && f.ID > 0
}

// Message converts a message frame into a confirmed Message.
func (f Frame) Message() Message {
	m := Message{
		ID:          f.ID,
		RoomID:      f.RoomID,
		SenderID:    f.SenderID,
		Content:     ParseContent(f.Content),
		ClientToken: f.ClientToken,
		State:       StateConfirmed,
	}
	if f.CreatedAt != nil {
		m.CreatedAt = *f.CreatedAt
	}
	return m
}
