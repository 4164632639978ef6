package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
)

// Session ties one logged-in identity to its live connection, conversation
// store and composer. Open it after login and Close it on logout.
type Session struct {
	client   *Client
	conn     *ConnectionManager
	store    *ConversationStore
	composer *Composer
	logger   *slog.Logger

	mu     sync.Mutex
	self   domain.Identity
	cancel context.CancelFunc
	runErr error
	wg     sync.WaitGroup
}

// NewSession creates a session for cfg.Token. Nothing is fetched or dialed
// until Open.
func NewSession(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	store := NewConversationStore("")
	conn := NewConnectionManager(cfg)
	return &Session{
		client:   client,
		conn:     conn,
		store:    store,
		composer: NewComposer(conn, client, store, cfg.Logger),
		logger:   cfg.Logger.With("component", "session"),
	}, nil
}

// Open loads the identity and every room, then starts the live connection
// and routes inbound messages into the store.
func (s *Session) Open(ctx context.Context) error {
	if s.client.token == "" {
		return fmt.Errorf("%w: no credential", ErrUnauthorized)
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("session already open")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	me, err := s.client.Me(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("load identity: %w", err)
	}
	s.mu.Lock()
	s.self = me
	s.mu.Unlock()
	s.store.setSelf(me.ID)

	rooms, err := s.client.ListRooms(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("load rooms: %w", err)
	}
	for _, room := range rooms {
		s.store.Seed(room)
	}
	s.conn.ResumeFrom(s.store.LastConfirmedID())
	s.logger.Info("Session opened", "user_id", me.ID, "rooms", len(rooms))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.conn.Run(runCtx); err != nil {
			s.logger.Error("Connection stopped", "user_id", me.ID, "error", err)
			s.mu.Lock()
			s.runErr = err
			s.mu.Unlock()
		}
	}()
	go func() {
		defer s.wg.Done()
		s.pump(runCtx)
	}()
	return nil
}

func (s *Session) pump(ctx context.Context) {
	for frame := range s.conn.Events(ctx) {
		if !frame.IsMessage() {
			continue
		}
		msg := frame.Message()
		known := s.store.HasRoom(msg.RoomID)
		s.store.AppendConfirmed(msg)
		if !known {
			if err := s.refreshRoom(ctx, msg.RoomID); err != nil {
				s.logger.Warn("Room refresh failed", "room_id", msg.RoomID, "error", err)
			}
		}
	}
}

// refreshRoom seeds a room first seen through an inbound message.
func (s *Session) refreshRoom(ctx context.Context, roomID string) error {
	rooms, err := s.client.ListRooms(ctx)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if room.ID == roomID {
			s.store.Seed(room)
			return nil
		}
	}
	return errNotFoundf("room %s", roomID)
}

// Close stops the connection and the event pump. Unresolved deliveries fail
// with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	err := s.conn.Close()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return err
}

// Err returns the error that stopped the connection loop, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.runErr, ErrClosed) {
		return nil
	}
	return s.runErr
}

// StartChat resolves the room shared with counterpart, seeds it and selects it.
func (s *Session) StartChat(ctx context.Context, counterpart string) (domain.Room, error) {
	room, err := s.client.ResolveOrCreateRoom(ctx, counterpart)
	if err != nil {
		return domain.Room{}, err
	}
	s.store.Seed(room)
	if err := s.store.SelectRoom(room.ID); err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

// Search returns identities matching query.
func (s *Session) Search(ctx context.Context, query string) ([]domain.Identity, error) {
	return s.client.SearchIdentities(ctx, query)
}

// SendText sends text to roomID.
func (s *Session) SendText(ctx context.Context, roomID, text string) (domain.Message, *Delivery, error) {
	return s.composer.SendText(ctx, roomID, text)
}

// SendAttachments uploads and sends files to roomID in order.
func (s *Session) SendAttachments(ctx context.Context, roomID string, files []File) []AttachmentResult {
	return s.composer.SendAttachments(ctx, roomID, files)
}

// Fetch downloads an attachment.
func (s *Session) Fetch(ctx context.Context, attachmentID string) (Payload, error) {
	return s.client.Fetch(ctx, attachmentID)
}

// Self returns the logged-in identity once Open has succeeded.
func (s *Session) Self() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Store returns the session's conversation store.
func (s *Session) Store() *ConversationStore { return s.store }

// Connection returns the session's live connection.
func (s *Session) Connection() *ConnectionManager { return s.conn }

// Composer returns the session's message composer.
func (s *Session) Composer() *Composer { return s.composer }

// Client returns the REST client used for the directory and attachments.
func (s *Session) Client() *Client { return s.client }
