package domain

import (
	"slices"
	"strings"
	"time"
)

// Room is a 1:1 conversation between two identities.
type Room struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	Participants []Identity `json:"participants"`
	Messages     []Message  `json:"messages"`
	CreatedAt    time.Time  `json:"created_at"`
}

// PairKey returns the order-independent key for a pair of participant ids.
// Resolving (a, b) and (b, a) yields the same key.
func PairKey(a, b string) string {
	ids := []string{a, b}
	slices.Sort(ids)
	return strings.Join(ids, ":")
}

// HasParticipant reports whether userID is one of the room's participants.
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Counterpart returns the participant that is not userID.
func (r *Room) Counterpart(userID string) (Identity, bool) {
	for _, p := range r.Participants {
		if p.ID != userID {
			return p, true
		}
	}
	return Identity{}, false
}

// LastActivity returns the time of the newest message, or the creation time
// for rooms without messages.
func (r *Room) LastActivity() time.Time {
	last := r.CreatedAt
	for _, m := range r.Messages {
		if m.CreatedAt.After(last) {
			last = m.CreatedAt
		}
	}
	return last
}

// SortRoomsByActivity orders rooms by most recent activity, newest first.
// Ties are broken by room id so the order is stable across calls.
func SortRoomsByActivity(rooms []Room) {
	slices.SortStableFunc(rooms, func(a, b Room) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
