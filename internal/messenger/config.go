// Package messenger is the client core of direct messaging: the live
// connection, the per-room conversation store and the message composer,
// tied together by a Session for one logged-in identity.
package messenger

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Defaults applied by Config for zero values.
const (
	DefaultSendTimeout  = 10 * time.Second
	DefaultReconnectMin = 500 * time.Millisecond
	DefaultReconnectMax = 30 * time.Second
	DefaultOutboxSize   = 32
	DefaultPingInterval = 25 * time.Second
)

// Config holds configuration for the client core.
type Config struct {
	// BaseURL is the REST API root (e.g., "http://localhost:8000").
	BaseURL string
	// WSURL is the live channel root. If empty it is derived from BaseURL.
	WSURL string
	// Token is the bearer credential. Without it the connection stays disconnected.
	Token string

	SendTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	OutboxSize   int
	PingInterval time.Duration

	// HTTPClient is used for REST calls and the websocket handshake.
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = DefaultReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = max(DefaultReconnectMax, c.ReconnectMin)
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.WSURL = strings.TrimRight(c.WSURL, "/")
	return c
}

// liveURL returns the websocket root, deriving it from BaseURL if needed.
func (c Config) liveURL() (string, error) {
	if c.WSURL != "" {
		return c.WSURL, nil
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("messenger: invalid BaseURL %q: %w", c.BaseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("messenger: unsupported BaseURL scheme %q", u.Scheme)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
