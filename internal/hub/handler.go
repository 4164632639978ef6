package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/arjunmenon888/riskwatch-app/internal/config"
	"github.com/arjunmenon888/riskwatch-app/internal/domain"
	"github.com/arjunmenon888/riskwatch-app/internal/identity"
	"github.com/arjunmenon888/riskwatch-app/internal/store"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const (
	// readLimit bounds a single inbound frame.
	readLimit = 64 << 10
	// replayPage is the number of messages fetched per replay query.
	replayPage = 500
)

// Handler upgrades authenticated requests to the live channel and routes
// messages between the two participants of a room.
type Handler struct {
	repo     store.Repository
	verifier identity.TokenVerifier
	registry *Registry
	cfg      config.HubConfig
	origins  []string
	log      *slog.Logger

	roomsMu sync.RWMutex
	rooms   map[string]*domain.Room // membership only, messages dropped
}

// NewHandler creates a live channel handler. allowedOrigins are browser
// origins permitted to open the socket; "*" allows any.
func NewHandler(repo store.Repository, verifier identity.TokenVerifier, registry *Registry, cfg config.HubConfig, allowedOrigins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Handler{
		repo:     repo,
		verifier: verifier,
		registry: registry,
		cfg:      cfg,
		origins:  originPatterns(allowedOrigins),
		log:      logger.With("component", "hub"),
		rooms:    make(map[string]*domain.Room),
	}
}

// RegisterRoutes registers the live channel route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{token}", h.ServeHTTP)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		token = identity.TokenFromRequest(r)
	}

	user, err := identity.Authenticate(r.Context(), h.verifier, h.repo, token)
	if err != nil {
		h.log.Warn("Live channel auth rejected", "error", err, "ip", identity.IPFromRequest(r))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var since int64
	v := r.URL.Query().Get("since")
	resume := v != ""
	if resume {
		since, err = strconv.ParseInt(v, 10, 64)
		if err != nil || since < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.log.Error("Failed to accept WebSocket", "error", err, "user_id", user.ID)
		return
	}
	ws.SetReadLimit(readLimit)

	client := NewClient(user.ID, ws, h.cfg.SendQueueSize, h.log)
	h.registry.Register(client)
	defer h.registry.Unregister(client)
	defer client.Close(websocket.StatusNormalClosure, "session ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		client.writeLoop(ctx, h.cfg.WriteTimeout)
	}()

	h.log.Info("Live session started", "user_id", user.ID, "since", since)

	if resume {
		if err := h.replay(ctx, client, user.ID, since); err != nil {
			h.log.Error("Replay failed", "error", err, "user_id", user.ID)
			return
		}
	}

	h.readLoop(ctx, client, user)
	h.log.Info("Live session ended", "user_id", user.ID)
}

// replay queues every message after since in the user's rooms, oldest first.
// The user's own messages carry their client token again so a send whose
// acknowledgment was lost still settles. Frames published while replaying
// may arrive interleaved; clients dedup by id.
func (h *Handler) replay(ctx context.Context, c *Client, userID string, since int64) error {
	for {
		msgs, err := h.repo.MessagesSince(ctx, userID, since, replayPage)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			token := ""
			if m.SenderID == userID {
				token = m.ClientToken
			}
			data, err := json.Marshal(domain.FrameFromMessage(m, token))
			if err != nil {
				return err
			}
			if !c.EnqueueWait(ctx, data) {
				return errors.New("client closed during replay")
			}
			since = m.ID
		}
		if len(msgs) < replayPage {
			return nil
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, c *Client, user domain.Identity) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.log.Debug("WebSocket closed", "user_id", user.ID)
			} else {
				h.log.Warn("WebSocket read error", "error", err, "user_id", user.ID)
			}
			return
		}

		var in domain.Frame
		if err := json.Unmarshal(data, &in); err != nil {
			h.enqueue(c, errorFrame("", "malformed frame"))
			continue
		}

		switch in.Type {
		case domain.FramePing:
			h.enqueue(c, domain.Frame{Type: domain.FramePong})
		case domain.FramePong:
		case "":
			h.handleMessage(ctx, c, user, in)
		default:
			h.enqueue(c, errorFrame(in.ClientToken, "unsupported frame type"))
		}
	}
}

// handleMessage persists a client frame and fans it out to both participants.
// Only the sender's copy carries the client token.
func (h *Handler) handleMessage(ctx context.Context, c *Client, user domain.Identity, in domain.Frame) {
	if in.RoomID == "" {
		h.enqueue(c, errorFrame(in.ClientToken, "room_id is required"))
		return
	}
	content := domain.ParseContent(in.Content)
	if content.IsBlank() {
		h.enqueue(c, errorFrame(in.ClientToken, "content is required"))
		return
	}

	room, err := h.room(ctx, in.RoomID)
	if err != nil {
		h.log.Error("Failed to load room", "error", err, "room_id", in.RoomID, "user_id", user.ID)
		h.enqueue(c, errorFrame(in.ClientToken, "failed to load room"))
		return
	}
	if room == nil || !room.HasParticipant(user.ID) {
		h.enqueue(c, errorFrame(in.ClientToken, "room not found"))
		return
	}

	msg, err := h.repo.AppendMessage(ctx, in.RoomID, user.ID, content, in.ClientToken)
	if err != nil {
		h.log.Error("Failed to store message", "error", err, "room_id", in.RoomID, "user_id", user.ID)
		h.enqueue(c, errorFrame(in.ClientToken, "failed to store message"))
		return
	}

	for _, p := range room.Participants {
		token := ""
		if p.ID == user.ID {
			token = in.ClientToken
		}
		data, err := json.Marshal(domain.FrameFromMessage(*msg, token))
		if err != nil {
			h.log.Error("Failed to encode frame", "error", err, "room_id", in.RoomID)
			return
		}
		h.registry.Send(p.ID, data)
	}
}

// room returns a room's membership. Membership never changes, so results
// are cached; unknown rooms return nil without error.
func (h *Handler) room(ctx context.Context, roomID string) (*domain.Room, error) {
	h.roomsMu.RLock()
	room, ok := h.rooms[roomID]
	h.roomsMu.RUnlock()
	if ok {
		return room, nil
	}

	room, err := h.repo.GetRoom(ctx, roomID)
	if err != nil || room == nil {
		return nil, err
	}
	room.Messages = nil

	h.roomsMu.Lock()
	h.rooms[roomID] = room
	h.roomsMu.Unlock()
	return room, nil
}

func (h *Handler) enqueue(c *Client, f domain.Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error("Failed to encode frame", "error", err, "user_id", c.userID)
		return false
	}
	return c.Enqueue(data)
}

func errorFrame(clientToken, msg string) domain.Frame {
	return domain.Frame{Type: domain.FrameError, ClientToken: clientToken, Error: msg}
}

// originPatterns converts configured origins into host patterns for Accept.
func originPatterns(origins []string) []string {
	var patterns []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
