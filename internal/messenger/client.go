package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
)

// maxResponseBytes bounds REST response bodies read into memory.
const maxResponseBytes = 64 << 20

// Directory resolves rooms and identities.
type Directory interface {
	ListRooms(ctx context.Context) ([]domain.Room, error)
	ResolveOrCreateRoom(ctx context.Context, counterpart string) (domain.Room, error)
	SearchIdentities(ctx context.Context, query string) ([]domain.Identity, error)
}

// AttachmentStore uploads and fetches attachment payloads.
type AttachmentStore interface {
	Upload(ctx context.Context, roomID string, file File) (string, error)
	Fetch(ctx context.Context, attachmentID string) (Payload, error)
}

// File is an attachment to upload.
type File struct {
	Name string
	Data []byte
}

// Payload is a fetched attachment.
type Payload struct {
	Name        string
	ContentType string
	Data        []byte
}

// LoginResult is returned by Client.Login.
type LoginResult struct {
	Token string          `json:"access_token"`
	User  domain.Identity `json:"user"`
}

// Client talks to the REST API. It implements Directory and AttachmentStore.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a REST client from cfg.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("messenger: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("messenger: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}, nil
}

// WithToken returns a copy of the client authenticated with token.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, name, email, password string) (domain.Identity, error) {
	var user domain.Identity
	err := c.doJSON(ctx, http.MethodPost, "/auth/register", map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	}, &user)
	return user, err
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var result LoginResult
	err := c.doJSON(ctx, http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &result)
	return result, err
}

// Me returns the authenticated identity.
func (c *Client) Me(ctx context.Context) (domain.Identity, error) {
	var user domain.Identity
	err := c.doJSON(ctx, http.MethodGet, "/me", nil, &user)
	return user, err
}

// ListRooms returns the caller's rooms with history, most recent activity first.
func (c *Client) ListRooms(ctx context.Context) ([]domain.Room, error) {
	var rooms []domain.Room
	if err := c.doJSON(ctx, http.MethodGet, "/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// ResolveOrCreateRoom returns the room shared with counterpart (an email or
// user id), creating it if needed.
func (c *Client) ResolveOrCreateRoom(ctx context.Context, counterpart string) (domain.Room, error) {
	counterpart = strings.TrimSpace(counterpart)
	if counterpart == "" {
		return domain.Room{}, fmt.Errorf("counterpart is required: %w", ErrValidation)
	}
	var room domain.Room
	err := c.doJSON(ctx, http.MethodPost, "/rooms", map[string]string{"counterpart": counterpart}, &room)
	return room, err
}

// SearchIdentities returns identities matching query. A blank query returns
// an empty result without a network call.
func (c *Client) SearchIdentities(ctx context.Context, query string) ([]domain.Identity, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.Identity{}, nil
	}
	var users []domain.Identity
	if err := c.doJSON(ctx, http.MethodGet, "/users/search?"+url.Values{"query": {query}}.Encode(), nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Upload stores file in roomID and returns the attachment id. Failures match ErrUpload.
func (c *Client) Upload(ctx context.Context, roomID string, file File) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("room_id", roomID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	fw, err := mw.CreateFormFile("file", file.Name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if _, err := fw.Write(file.Data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}

	respBody, _, err := c.doRequestRaw(ctx, http.MethodPost, "/upload", mw.FormDataContentType(), &body)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrUpload, file.Name, err)
	}

	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &uploaded); err != nil || uploaded.ID == "" {
		return "", fmt.Errorf("%w: %s: malformed response", ErrUpload, file.Name)
	}
	return uploaded.ID, nil
}

// Fetch downloads an attachment.
func (c *Client) Fetch(ctx context.Context, attachmentID string) (Payload, error) {
	body, header, err := c.doRequestRaw(ctx, http.MethodGet, "/file/"+url.PathEscape(attachmentID), "", nil)
	if err != nil {
		return Payload{}, err
	}
	payload := Payload{ContentType: header.Get("Content-Type"), Data: body}
	if _, params, err := mime.ParseMediaType(header.Get("Content-Disposition")); err == nil {
		payload.Name = params["filename"]
	}
	return payload, nil
}

// FileURL returns a URL for an attachment that authenticates through the
// token query parameter.
func (c *Client) FileURL(attachmentID string) string {
	return c.baseURL + "/file/" + url.PathEscape(attachmentID) + "?" + url.Values{"token": {c.token}}.Encode()
}

// doJSON performs a JSON request and decodes a 2xx body into out.
func (c *Client) doJSON(ctx context.Context, method, path string, requestBody, out any) error {
	var bodyReader io.Reader
	contentType := ""
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("messenger: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	respBody, _, err := c.doRequestRaw(ctx, method, path, contentType, bodyReader)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("messenger: failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// doRequestRaw performs an HTTP request and returns the body on 2xx.
// On 4xx/5xx it returns an *APIError.
func (c *Client) doRequestRaw(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, http.Header, error) {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("messenger: failed to create request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, nil, fmt.Errorf("messenger: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("messenger: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, response.Header, nil
	}

	apiErr := &APIError{StatusCode: response.StatusCode}
	if jsonErr := json.Unmarshal(responseBody, apiErr); jsonErr != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(responseBody))
	}
	c.logger.Debug("Api request failed", "method", method, "path", path, "status", response.StatusCode)
	return nil, nil, apiErr
}

// IsStatus reports whether err is an *APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}
