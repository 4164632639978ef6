package messenger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arjunmenon888/riskwatch-app/internal/api"
	"github.com/arjunmenon888/riskwatch-app/internal/config"
	"github.com/arjunmenon888/riskwatch-app/internal/domain"
	"github.com/arjunmenon888/riskwatch-app/internal/hub"
	"github.com/arjunmenon888/riskwatch-app/internal/identity"
	"github.com/arjunmenon888/riskwatch-app/internal/messenger"
	"github.com/arjunmenon888/riskwatch-app/internal/shared"
	"github.com/arjunmenon888/riskwatch-app/internal/store"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// elfHeader sniffs as application/x-elf, which the server refuses.
var elfHeader = append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1}, bytes.Repeat([]byte{0}, 64)...)

type server struct {
	srv      *httptest.Server
	registry *hub.Registry
}

func newServer(t *testing.T) *server {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "dm.db"), shared.DefaultRetryPolicy)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cfg := &config.Config{
		Attachments: config.AttachmentConfig{
			MaxUploadBytes: 1 << 20,
			DeniedTypes:    []string{"application/x-elf"},
		},
	}
	tokens := identity.NewJWTIssuer([]byte("test-secret"), time.Hour)
	base := api.NewHandler(repo, tokens, cfg, nil)
	registry := hub.NewRegistry(nil)

	r := chi.NewRouter()
	api.NewAuthHandler(base).RegisterPublicRoutes(r)
	hub.NewHandler(repo, tokens, registry, config.HubConfig{SendQueueSize: 64}, []string{"*"}, nil).RegisterRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(tokens, repo))
		api.NewAuthHandler(base).RegisterRoutes(r)
		api.NewRoomHandler(base).RegisterRoutes(r)
		api.NewAttachmentHandler(base).RegisterRoutes(r)
	})

	s := &server{srv: httptest.NewServer(r), registry: registry}
	t.Cleanup(func() {
		registry.CloseAll()
		s.srv.Close()
	})
	return s
}

// login registers a user and opens a session for it.
func (s *server) login(t *testing.T, name, email string) *messenger.Session {
	t.Helper()
	return s.loginWith(t, name, email, nil)
}

// loginWith is login with a hook to adjust the session config.
func (s *server) loginWith(t *testing.T, name, email string, tune func(*messenger.Config)) *messenger.Session {
	t.Helper()
	ctx := context.Background()
	anon, err := messenger.NewClient(messenger.Config{BaseURL: s.srv.URL})
	require.NoError(t, err)
	_, err = anon.Register(ctx, name, email, "password123")
	require.NoError(t, err)
	res, err := anon.Login(ctx, email, "password123")
	require.NoError(t, err)

	cfg := messenger.Config{
		BaseURL:      s.srv.URL,
		Token:        res.Token,
		SendTimeout:  5 * time.Second,
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 200 * time.Millisecond,
	}
	if tune != nil {
		tune(&cfg)
	}
	sess, err := messenger.NewSession(cfg)
	require.NoError(t, err)
	require.NoError(t, sess.Open(ctx))
	t.Cleanup(func() { _ = sess.Close() })

	require.Eventually(t, func() bool { return sess.Connection().State() == messenger.Connected },
		5*time.Second, 10*time.Millisecond)
	return sess
}

// lossyRelay forwards the live channel to the server. It swallows the first
// acknowledgment of a send, cuts that connection and refuses new ones until
// outage has passed.
type lossyRelay struct {
	srv   *httptest.Server
	mu    sync.Mutex
	cutAt time.Time
}

func newLossyRelay(t *testing.T, upstream string, outage time.Duration) *lossyRelay {
	t.Helper()
	l := &lossyRelay{}
	l.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.down(outage) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		up, resp, err := websocket.Dial(ctx, upstream+r.URL.RequestURI(), nil)
		if err != nil {
			status := http.StatusBadGateway
			if resp != nil {
				status = resp.StatusCode
			}
			http.Error(w, "upstream failed", status)
			return
		}
		defer up.CloseNow()
		down, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer down.CloseNow()

		go func() {
			defer cancel()
			for {
				typ, data, err := down.Read(ctx)
				if err != nil || up.Write(ctx, typ, data) != nil {
					return
				}
			}
		}()
		for {
			typ, data, err := up.Read(ctx)
			if err != nil {
				return
			}
			var f domain.Frame
			if json.Unmarshal(data, &f) == nil && f.IsMessage() && f.ClientToken != "" && l.cut() {
				return
			}
			if down.Write(ctx, typ, data) != nil {
				return
			}
		}
	}))
	t.Cleanup(l.srv.Close)
	return l
}

// cut records the first cut and reports whether this call made it.
func (l *lossyRelay) cut() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.cutAt.IsZero() {
		return false
	}
	l.cutAt = time.Now()
	return true
}

func (l *lossyRelay) down(outage time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.cutAt.IsZero() && time.Since(l.cutAt) < outage
}

func texts(msgs []domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Content.IsAttachment() {
			out = append(out, m.Content.Name)
			continue
		}
		out = append(out, m.Content.Text)
	}
	return out
}

func confirmedCount(msgs []domain.Message) int {
	n := 0
	for _, m := range msgs {
		if m.State == domain.StateConfirmed {
			n++
		}
	}
	return n
}

func waitDelivered(t *testing.T, d *messenger.Delivery) domain.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := d.Wait(ctx)
	require.NoError(t, err)
	return msg
}

func TestSession_SendIsReconciledOnce(t *testing.T) {
	s := newServer(t)
	alice := s.login(t, "Alice", "alice@example.com")
	bob := s.login(t, "Bob", "bob@example.com")
	ctx := context.Background()

	room, err := alice.StartChat(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, room.ID, alice.Store().Active())

	pendingMsg, d, err := alice.SendText(ctx, room.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, pendingMsg.State)
	acked := waitDelivered(t, d)

	require.Eventually(t, func() bool {
		msgs := alice.Store().Messages(room.ID)
		return len(msgs) == 1 && msgs[0].State == domain.StateConfirmed
	}, 5*time.Second, 10*time.Millisecond)
	msgs := alice.Store().Messages(room.ID)
	assert.Equal(t, acked.ID, msgs[0].ID)
	assert.Equal(t, alice.Self().ID, msgs[0].SenderID)
	assert.Equal(t, "hello", msgs[0].Content.Text)

	// Bob learns about the room from the inbound message and counts it unread.
	require.Eventually(t, func() bool {
		return len(bob.Store().Messages(room.ID)) == 1 && bob.Store().HasRoom(room.ID)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, bob.Store().Unread(room.ID))
	rooms := bob.Store().Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, alice.Self().ID, rooms[0].Counterpart.ID)

	// A short pause lets any duplicate frame surface before the final check.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, alice.Store().Messages(room.ID), 1)
}

func TestSession_ConversationOrder(t *testing.T) {
	s := newServer(t)
	alice := s.login(t, "Alice", "alice@example.com")
	bob := s.login(t, "Bob", "bob@example.com")
	ctx := context.Background()

	room, err := alice.StartChat(ctx, "bob@example.com")
	require.NoError(t, err)
	_, err = bob.StartChat(ctx, alice.Self().Email)
	require.NoError(t, err)

	want := []string{"1", "2", "3", "4", "5", "6"}
	for i, text := range want {
		sender := alice
		if i%2 == 1 {
			sender = bob
		}
		_, d, err := sender.SendText(ctx, room.ID, text)
		require.NoError(t, err)
		waitDelivered(t, d)
	}

	for _, sess := range []*messenger.Session{alice, bob} {
		require.Eventually(t, func() bool {
			return confirmedCount(sess.Store().Messages(room.ID)) == len(want)
		}, 5*time.Second, 10*time.Millisecond)
		msgs := sess.Store().Messages(room.ID)
		assert.Equal(t, want, texts(msgs))
		for i := 1; i < len(msgs); i++ {
			assert.LessOrEqual(t, domain.CompareMessages(msgs[i-1], msgs[i]), 0)
		}
	}
}

func TestSession_AttachmentsSkipFailedUpload(t *testing.T) {
	s := newServer(t)
	alice := s.login(t, "Alice", "alice@example.com")
	bob := s.login(t, "Bob", "bob@example.com")
	ctx := context.Background()

	room, err := alice.StartChat(ctx, "bob@example.com")
	require.NoError(t, err)

	results := alice.SendAttachments(ctx, room.ID, []messenger.File{
		{Name: "report.pdf", Data: []byte("%PDF-1.4 report")},
		{Name: "tool.bin", Data: elfHeader},
		{Name: "notes.txt", Data: []byte("plain notes")},
	})
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, messenger.ErrUpload)
	require.NoError(t, results[2].Err)
	waitDelivered(t, results[0].Delivery)
	waitDelivered(t, results[2].Delivery)

	for _, sess := range []*messenger.Session{alice, bob} {
		require.Eventually(t, func() bool {
			return confirmedCount(sess.Store().Messages(room.ID)) == 2
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"report.pdf", "notes.txt"}, texts(sess.Store().Messages(room.ID)))
	}

	att := bob.Store().Messages(room.ID)[1].Content
	payload, err := bob.Fetch(ctx, att.AttachmentID)
	require.NoError(t, err)
	assert.Equal(t, []byte("plain notes"), payload.Data)
	assert.Equal(t, "notes.txt", payload.Name)
}

func TestSession_ReconnectDoesNotDuplicate(t *testing.T) {
	s := newServer(t)
	alice := s.login(t, "Alice", "alice@example.com")
	bob := s.login(t, "Bob", "bob@example.com")
	ctx := context.Background()

	room, err := alice.StartChat(ctx, "bob@example.com")
	require.NoError(t, err)

	_, d, err := alice.SendText(ctx, room.ID, "before")
	require.NoError(t, err)
	waitDelivered(t, d)
	require.Eventually(t, func() bool { return len(bob.Store().Messages(room.ID)) == 1 },
		5*time.Second, 10*time.Millisecond)

	s.registry.CloseAll()

	require.Eventually(t, func() bool {
		return s.registry.Count() == 2 &&
			alice.Connection().State() == messenger.Connected &&
			bob.Connection().State() == messenger.Connected
	}, 5*time.Second, 10*time.Millisecond)

	_, d, err = bob.SendText(ctx, room.ID, "after")
	require.NoError(t, err)
	waitDelivered(t, d)

	for _, sess := range []*messenger.Session{alice, bob} {
		require.Eventually(t, func() bool {
			return confirmedCount(sess.Store().Messages(room.ID)) == 2
		}, 5*time.Second, 10*time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	for _, sess := range []*messenger.Session{alice, bob} {
		msgs := sess.Store().Messages(room.ID)
		assert.Equal(t, []string{"before", "after"}, texts(msgs))
	}
}

func TestSession_LostAckSettlesOnReplay(t *testing.T) {
	tests := []struct {
		name        string
		outage      time.Duration
		sendTimeout time.Duration
		wantErr     error
	}{
		{"reconnect before timeout", 0, 5 * time.Second, nil},
		{"reconnect after timeout", 600 * time.Millisecond, 200 * time.Millisecond, messenger.ErrSendTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t)
			s.login(t, "Bob", "bob@example.com")
			relay := newLossyRelay(t, s.srv.URL, tt.outage)
			alice := s.loginWith(t, "Alice", "alice@example.com", func(cfg *messenger.Config) {
				cfg.WSURL = relay.srv.URL
				cfg.SendTimeout = tt.sendTimeout
			})
			ctx := context.Background()

			room, err := alice.StartChat(ctx, "bob@example.com")
			require.NoError(t, err)
			_, d, err := alice.SendText(ctx, room.ID, "hello")
			require.NoError(t, err)

			waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			acked, err := d.Wait(waitCtx)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "hello", acked.Content.Text)
			}

			require.Eventually(t, func() bool {
				msgs := alice.Store().Messages(room.ID)
				return len(msgs) == 1 && msgs[0].State == domain.StateConfirmed
			}, 5*time.Second, 10*time.Millisecond)
			if tt.wantErr == nil {
				assert.Equal(t, acked.ID, alice.Store().Messages(room.ID)[0].ID)
			}
			time.Sleep(100 * time.Millisecond)
			assert.Len(t, alice.Store().Messages(room.ID), 1)
		})
	}
}

func TestSession_OpenWithoutToken(t *testing.T) {
	s := newServer(t)
	sess, err := messenger.NewSession(messenger.Config{BaseURL: s.srv.URL})
	require.NoError(t, err)

	assert.ErrorIs(t, sess.Open(context.Background()), messenger.ErrUnauthorized)
	assert.Equal(t, messenger.Disconnected, sess.Connection().State())
	require.NoError(t, sess.Close())
}

func TestClient_Directory(t *testing.T) {
	s := newServer(t)
	alice := s.login(t, "Alice", "alice@example.com")
	s.login(t, "Bob", "bob@example.com")
	ctx := context.Background()
	client := alice.Client()

	_, err := client.ResolveOrCreateRoom(ctx, "alice@example.com")
	assert.ErrorIs(t, err, messenger.ErrValidation)

	_, err = client.ResolveOrCreateRoom(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, messenger.ErrNotFound)

	_, err = client.ResolveOrCreateRoom(ctx, "  ")
	assert.ErrorIs(t, err, messenger.ErrValidation)

	first, err := client.ResolveOrCreateRoom(ctx, "bob@example.com")
	require.NoError(t, err)
	again, err := client.ResolveOrCreateRoom(ctx, "BOB@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	users, err := client.SearchIdentities(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "bob@example.com", users[0].Email)

	_, err = client.WithToken("garbage").ListRooms(ctx)
	assert.ErrorIs(t, err, messenger.ErrUnauthorized)
	assert.True(t, messenger.IsStatus(err, http.StatusUnauthorized))
}

func TestClient_SearchBlankMakesNoRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := messenger.NewClient(messenger.Config{BaseURL: srv.URL, Token: "t"})
	require.NoError(t, err)

	for _, q := range []string{"", "   "} {
		users, err := client.SearchIdentities(context.Background(), q)
		require.NoError(t, err)
		assert.NotNil(t, users)
		assert.Empty(t, users)
	}
	assert.Zero(t, hits.Load())
}

func TestClient_UploadFailureMatchesErrUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		api.Error(w, http.StatusRequestEntityTooLarge, "file too large")
	}))
	defer srv.Close()

	client, err := messenger.NewClient(messenger.Config{BaseURL: srv.URL, Token: "t"})
	require.NoError(t, err)

	_, err = client.Upload(context.Background(), "R1", messenger.File{Name: "big.bin", Data: []byte("x")})
	assert.ErrorIs(t, err, messenger.ErrUpload)
	assert.True(t, messenger.IsStatus(err, http.StatusRequestEntityTooLarge))
	assert.Contains(t, err.Error(), "file too large")
}
