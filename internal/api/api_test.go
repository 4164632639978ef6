package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arjunmenon888/riskwatch-app/internal/config"
	"github.com/arjunmenon888/riskwatch-app/internal/domain"
	"github.com/arjunmenon888/riskwatch-app/internal/identity"
	"github.com/arjunmenon888/riskwatch-app/internal/shared"
	"github.com/arjunmenon888/riskwatch-app/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv    *httptest.Server
	repo   store.Repository
	tokens *identity.JWTIssuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"), shared.DefaultRetryPolicy)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cfg := &config.Config{
		Attachments: config.AttachmentConfig{
			MaxUploadBytes: 1024,
			DeniedTypes:    []string{"application/x-elf"},
		},
	}
	tokens := identity.NewJWTIssuer([]byte("test-secret"), time.Hour)
	base := NewHandler(repo, tokens, cfg, nil)

	r := chi.NewRouter()
	NewHealthHandler(repo).RegisterHealth(r)
	NewAuthHandler(base).RegisterPublicRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(tokens, repo))
		NewAuthHandler(base).RegisterRoutes(r)
		NewRoomHandler(base).RegisterRoutes(r)
		NewAttachmentHandler(base).RegisterRoutes(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, repo: repo, tokens: tokens}
}

// register creates a user through the API and returns a token for it.
func (e *testEnv) register(t *testing.T, name, email string) (domain.Identity, string) {
	t.Helper()
	body := `{"name":"` + name + `","email":"` + email + `","password":"password123"}`
	resp, err := http.Post(e.srv.URL+"/auth/register", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(e.srv.URL+"/auth/login", "application/json",
		strings.NewReader(`{"email":"`+email+`","password":"password123"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var login LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	assert.Equal(t, "bearer", login.TokenType)
	return login.User, login.AccessToken
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) createRoom(t *testing.T, token, counterpart string) (*http.Response, domain.Room) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/rooms", token,
		strings.NewReader(`{"counterpart":"`+counterpart+`"}`), "application/json")
	var room domain.Room
	if resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&room))
	}
	return resp, room
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	alice, token := env.register(t, "Alice", "alice@example.com")

	resp := env.do(t, http.MethodGet, "/me", token, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me domain.Identity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, alice.ID, me.ID)
	assert.Equal(t, domain.RoleUser, me.Role)

	resp = env.do(t, http.MethodGet, "/me", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/auth/register", "",
		strings.NewReader(`{"name":"A","email":"alice@example.com","password":"password123"}`), "application/json")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/auth/register", "",
		strings.NewReader(`{"name":"A","email":"not-an-email","password":"password123"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/auth/login", "",
		strings.NewReader(`{"email":"alice@example.com","password":"wrong-password"}`), "application/json")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestCreateRoom(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.register(t, "Alice", "alice@example.com")
	bob, bobToken := env.register(t, "Bob", "bob@example.com")

	resp, first := env.createRoom(t, aliceToken, "bob@example.com")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, first.Participants, 2)

	resp, again := env.createRoom(t, bobToken, alice.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first.ID, again.ID)

	resp, _ = env.createRoom(t, aliceToken, "nobody@example.com")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.createRoom(t, aliceToken, alice.Email)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.createRoom(t, aliceToken, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err := env.repo.AppendMessage(context.Background(), first.ID, bob.ID, domain.TextContent("hey"), "")
	require.NoError(t, err)

	resp = env.do(t, http.MethodGet, "/rooms", aliceToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rooms []domain.Room
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	require.Len(t, rooms, 1)
	require.Len(t, rooms[0].Messages, 1)
	assert.Equal(t, "hey", rooms[0].Messages[0].Content.Text)
	assert.Equal(t, bob.ID, rooms[0].Messages[0].SenderID)
}

func TestSearchUsers(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.register(t, "Alice", "alice@example.com")
	env.register(t, "Bob", "bob@example.com")

	resp := env.do(t, http.MethodGet, "/users/search?query=BOB", aliceToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var users []domain.Identity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	require.Len(t, users, 1)
	assert.Equal(t, "bob@example.com", users[0].Email)

	resp = env.do(t, http.MethodGet, "/users/search?query=", aliceToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	assert.Empty(t, users)
}

func multipartBody(t *testing.T, roomID, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("room_id", roomID))
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadAndFetch(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.register(t, "Alice", "alice@example.com")
	_, bobToken := env.register(t, "Bob", "bob@example.com")
	_, eveToken := env.register(t, "Eve", "eve@example.com")
	_, room := env.createRoom(t, aliceToken, "bob@example.com")

	body, ct := multipartBody(t, room.ID, "notes.txt", []byte("hello attachment"))
	resp := env.do(t, http.MethodPost, "/upload", aliceToken, body, ct)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var uploaded UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploaded))
	assert.Equal(t, "notes.txt", uploaded.Filename)
	require.NotEmpty(t, uploaded.ID)

	resp = env.do(t, http.MethodGet, "/file/"+uploaded.ID, bobToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello attachment", string(data))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "notes.txt")

	resp = env.do(t, http.MethodGet, "/file/"+uploaded.ID+"?token="+bobToken, "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/file/"+uploaded.ID, eveToken, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/file/"+uploaded.ID, "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/file/does-not-exist", aliceToken, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadRejections(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.register(t, "Alice", "alice@example.com")
	_, eveToken := env.register(t, "Eve", "eve@example.com")
	env.register(t, "Bob", "bob@example.com")
	_, room := env.createRoom(t, aliceToken, "bob@example.com")

	elf := append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1}, bytes.Repeat([]byte{0}, 64)...)

	tests := []struct {
		name       string
		token      string
		filename   string
		data       []byte
		wantStatus int
	}{
		{"not a participant", eveToken, "a.txt", []byte("x"), http.StatusForbidden},
		{"missing file", aliceToken, "", nil, http.StatusBadRequest},
		{"empty file", aliceToken, "a.txt", []byte{}, http.StatusBadRequest},
		{"too large", aliceToken, "big.txt", bytes.Repeat([]byte("a"), 2048), http.StatusRequestEntityTooLarge},
		{"denied type", aliceToken, "run", elf, http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, room.ID, tt.filename, tt.data)
			resp := env.do(t, http.MethodPost, "/upload", tt.token, body, ct)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}
