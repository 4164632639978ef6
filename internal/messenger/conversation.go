package messenger

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
)

// RoomSummary is the list view of a room.
type RoomSummary struct {
	Room         domain.Room
	Counterpart  domain.Identity
	LastActivity time.Time
	LastMessage  *domain.Message
	Unread       int
}

type roomState struct {
	room     domain.Room
	messages []domain.Message
	unread   int
}

// ConversationStore holds the per-room message sequences seen by one
// identity. Sequences stay ordered by (CreatedAt, ID); confirmed messages
// appear once per server id and replace the pending entries they confirm.
type ConversationStore struct {
	mu       sync.Mutex
	self     string
	rooms    map[string]*roomState
	active   string
	failures map[string]error
	changes  chan struct{}
}

// NewConversationStore creates an empty store for the identity self.
func NewConversationStore(self string) *ConversationStore {
	return &ConversationStore{
		self:     self,
		rooms:    make(map[string]*roomState),
		failures: make(map[string]error),
		changes:  make(chan struct{}, 1),
	}
}

// Self returns the id of the identity the store belongs to.
func (s *ConversationStore) Self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *ConversationStore) setSelf(id string) {
	s.mu.Lock()
	s.self = id
	s.mu.Unlock()
}

// Changes signals after every mutation. Signals coalesce: a reader that
// falls behind sees one notification for many changes.
func (s *ConversationStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *ConversationStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Seed merges the confirmed history of room into its sequence. Pending and
// failed local entries survive unless the history confirms them. Seeding the
// same history twice changes nothing.
func (s *ConversationStore) Seed(room domain.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := room.Messages
	room.Messages = nil

	rs, ok := s.rooms[room.ID]
	if !ok {
		rs = &roomState{}
		s.rooms[room.ID] = rs
	}
	rs.room = room

	for _, msg := range history {
		msg.RoomID = room.ID
		msg.State = domain.StateConfirmed
		msg.LocalID = ""
		if indexByID(rs.messages, msg.ID) >= 0 {
			continue
		}
		s.reconcileLocked(rs, msg)
		rs.messages = insertSorted(rs.messages, msg)
	}
	s.notify()
}

// AppendConfirmed records a server-confirmed message. It reports whether the
// message was new to the store. A message for an unknown room creates a bare
// entry for it.
func (s *ConversationStore) AppendConfirmed(msg domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.State = domain.StateConfirmed
	msg.LocalID = ""

	rs, ok := s.rooms[msg.RoomID]
	if !ok {
		rs = &roomState{room: domain.Room{ID: msg.RoomID, CreatedAt: msg.CreatedAt}}
		s.rooms[msg.RoomID] = rs
	}

	if i := indexByID(rs.messages, msg.ID); i >= 0 {
		// Already present from history or replay; drop a local copy still
		// carrying the same token.
		if msg.ClientToken != "" {
			if j := indexByToken(rs.messages, msg.ClientToken); j >= 0 {
				delete(s.failures, rs.messages[j].LocalID)
				rs.messages = slices.Delete(rs.messages, j, j+1)
				s.notify()
			}
		}
		return false
	}

	reconciled := s.reconcileLocked(rs, msg)
	rs.messages = insertSorted(rs.messages, msg)
	if !reconciled && msg.RoomID != s.active && msg.SenderID != s.self {
		rs.unread++
	}
	s.notify()
	return true
}

// reconcileLocked removes the local entry that msg confirms: the entry with
// the same client token, or without a token the oldest unconfirmed entry with
// the same sender and content. Failed entries qualify because a send that
// timed out may still have been stored.
func (s *ConversationStore) reconcileLocked(rs *roomState, msg domain.Message) bool {
	i := -1
	if msg.ClientToken != "" {
		i = indexByToken(rs.messages, msg.ClientToken)
	}
	if i < 0 {
		content := msg.Content.String()
		i = slices.IndexFunc(rs.messages, func(m domain.Message) bool {
			return m.State != domain.StateConfirmed && m.SenderID == msg.SenderID && m.Content.String() == content
		})
	}
	if i < 0 {
		return false
	}
	delete(s.failures, rs.messages[i].LocalID)
	rs.messages = slices.Delete(rs.messages, i, i+1)
	return true
}

// AppendPending inserts a local message awaiting acknowledgment.
func (s *ConversationStore) AppendPending(msg domain.Message) error {
	if msg.LocalID == "" {
		return errValidationf("pending message requires a local id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[msg.RoomID]
	if !ok {
		return errNotFoundf("room %s", msg.RoomID)
	}
	msg.State = domain.StatePending
	msg.ID = 0
	rs.messages = insertSorted(rs.messages, msg)
	s.notify()
	return nil
}

// MarkFailed marks the pending entry localID as failed. The entry stays
// visible. It reports whether a pending entry was found.
func (s *ConversationStore) MarkFailed(localID string, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rs := range s.rooms {
		for i := range rs.messages {
			m := &rs.messages[i]
			if m.State == domain.StatePending && m.LocalID == localID {
				m.State = domain.StateFailed
				s.failures[localID] = err
				s.notify()
				return true
			}
		}
	}
	return false
}

// Failure returns the error recorded for a failed local entry.
func (s *ConversationStore) Failure(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[localID]
}

// SelectRoom makes roomID the active room and clears its unread count.
func (s *ConversationStore) SelectRoom(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return errNotFoundf("room %s", roomID)
	}
	s.active = roomID
	rs.unread = 0
	s.notify()
	return nil
}

// Active returns the selected room id, or "" if none.
func (s *ConversationStore) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// HasRoom reports whether the store knows roomID with its participants.
func (s *ConversationStore) HasRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[roomID]
	return ok && len(rs.room.Participants) > 0
}

// Room returns the room metadata without messages.
func (s *ConversationStore) Room(roomID string) (domain.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return domain.Room{}, false
	}
	return rs.room, true
}

// Messages returns a copy of the room's sequence in display order.
func (s *ConversationStore) Messages(roomID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return slices.Clone(rs.messages)
}

// Unread returns the unread count of roomID.
func (s *ConversationStore) Unread(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.rooms[roomID]; ok {
		return rs.unread
	}
	return 0
}

// Rooms returns summaries ordered by most recent activity.
func (s *ConversationStore) Rooms() []RoomSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RoomSummary, 0, len(s.rooms))
	for _, rs := range s.rooms {
		sum := RoomSummary{
			Room:         rs.room,
			LastActivity: rs.room.CreatedAt,
			Unread:       rs.unread,
		}
		if cp, ok := rs.room.Counterpart(s.self); ok {
			sum.Counterpart = cp
		}
		if n := len(rs.messages); n > 0 {
			last := rs.messages[n-1]
			sum.LastMessage = &last
			if last.CreatedAt.After(sum.LastActivity) {
				sum.LastActivity = last.CreatedAt
			}
		}
		out = append(out, sum)
	}
	slices.SortFunc(out, func(a, b RoomSummary) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return strings.Compare(a.Room.ID, b.Room.ID)
	})
	return out
}

// LastConfirmedID returns the highest confirmed message id across rooms.
func (s *ConversationStore) LastConfirmedID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last int64
	for _, rs := range s.rooms {
		for _, m := range rs.messages {
			if m.State == domain.StateConfirmed && m.ID > last {
				last = m.ID
			}
		}
	}
	return last
}

func indexByID(msgs []domain.Message, id int64) int {
	return slices.IndexFunc(msgs, func(m domain.Message) bool {
		return m.State == domain.StateConfirmed && m.ID == id
	})
}

func indexByToken(msgs []domain.Message, token string) int {
	return slices.IndexFunc(msgs, func(m domain.Message) bool {
		return m.State != domain.StateConfirmed && m.ClientToken == token
	})
}

// insertSorted places msg after every entry that does not sort after it.
func insertSorted(msgs []domain.Message, msg domain.Message) []domain.Message {
	i := len(msgs)
	for i > 0 && domain.CompareMessages(msgs[i-1], msg) > 0 {
		i--
	}
	return slices.Insert(msgs, i, msg)
}
