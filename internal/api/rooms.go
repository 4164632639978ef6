package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
	"github.com/arjunmenon888/riskwatch-app/internal/store"
	"github.com/go-chi/chi/v5"
)

// searchLimit caps identity search results.
const searchLimit = 10

// CreateRoomRequest is the body of POST /rooms.
type CreateRoomRequest struct {
	// Counterpart is an email address or a user id.
	Counterpart string `json:"counterpart" validate:"required,max=320"`
}

// RoomHandler serves the room directory.
type RoomHandler struct {
	*Handler
}

// NewRoomHandler creates a new room handler.
func NewRoomHandler(base *Handler) *RoomHandler {
	return &RoomHandler{Handler: base}
}

// RegisterRoutes registers room and identity search routes.
func (h *RoomHandler) RegisterRoutes(r chi.Router) {
	r.Get("/rooms", h.ListRooms)
	r.Post("/rooms", h.CreateRoom)
	r.Get("/users/search", h.SearchUsers)
}

// ListRooms returns the caller's rooms with history, most recent activity first.
func (h *RoomHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	rooms, err := h.repo.ListRooms(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, "failed to list rooms", err)
		return
	}
	JSON(w, http.StatusOK, rooms)
}

// CreateRoom resolves the room between the caller and the counterpart,
// creating it on first contact.
func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req CreateRoomRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	counterpart, err := h.lookupCounterpart(r, strings.TrimSpace(req.Counterpart))
	if err != nil {
		h.fail(w, r, "failed to resolve counterpart", err)
		return
	}
	if counterpart.ID == user.ID {
		Error(w, http.StatusBadRequest, "cannot start a chat with yourself")
		return
	}

	room, created, err := h.repo.FindOrCreateRoom(r.Context(), user, *counterpart)
	if err != nil {
		h.fail(w, r, "failed to create room", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.Info("Room created", "room_id", room.ID, "user_id", user.ID, "counterpart_id", counterpart.ID)
	}
	JSON(w, status, room)
}

func (h *RoomHandler) lookupCounterpart(r *http.Request, ref string) (*domain.Identity, error) {
	if ref == "" {
		return nil, fmt.Errorf("counterpart is required: %w", domain.ErrValidation)
	}

	var (
		found *domain.Identity
		err   error
	)
	if strings.Contains(ref, "@") {
		found, _, err = h.repo.GetUserByEmail(r.Context(), ref)
	} else {
		found, err = h.repo.GetUser(r.Context(), ref)
	}
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("user %q: %w", ref, domain.ErrNotFound)
	}
	return found, nil
}

// SearchUsers returns identities whose email or name contains the query.
func (h *RoomHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	users, err := h.repo.SearchUsers(r.Context(), store.SearchQuery{
		Text:          r.URL.Query().Get("query"),
		ExcludeID:     user.ID,
		IncludeAdmins: user.IsAdmin(),
		Limit:         searchLimit,
	})
	if err != nil {
		h.fail(w, r, "failed to search users", err)
		return
	}
	JSON(w, http.StatusOK, users)
}
