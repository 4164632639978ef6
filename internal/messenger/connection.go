package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
	"github.com/coder/websocket"
)

// ConnState is the state of the live connection.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type outgoing struct {
	token string
	data  []byte
}

// ConnectionManager owns the live channel for one session. It reconnects with
// exponential backoff, holds sends made while connecting in a bounded outbox,
// resolves deliveries from server acknowledgments and exposes inbound frames
// as a lazy sequence.
type ConnectionManager struct {
	cfg    Config
	logger *slog.Logger

	state   atomic.Int32
	stateCh chan ConnState

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	outbox  []outgoing
	pending map[string]*Delivery
	lastID  int64
	resume  bool // ask for replay from lastID, even when it is zero
	closed  bool
	cancel  context.CancelFunc

	events *frameQueue
}

// NewConnectionManager creates a manager. It does not connect until Run.
func NewConnectionManager(cfg Config) *ConnectionManager {
	cfg = cfg.withDefaults()
	return &ConnectionManager{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "connection"),
		stateCh: make(chan ConnState, 1),
		pending: make(map[string]*Delivery),
		events:  newFrameQueue(),
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	return ConnState(m.state.Load())
}

// StateChanges delivers the latest state after each transition. Intermediate
// states may be skipped if the reader falls behind.
func (m *ConnectionManager) StateChanges() <-chan ConnState {
	return m.stateCh
}

func (m *ConnectionManager) setState(s ConnState) {
	if ConnState(m.state.Swap(int32(s))) == s {
		return
	}
	m.logger.Debug("Connection state changed", "state", s.String())
	select {
	case <-m.stateCh:
	default:
	}
	select {
	case m.stateCh <- s:
	default:
	}
}

// ResumeFrom sets the highest confirmed message id already known, so the
// first connection replays only newer messages.
func (m *ConnectionManager) ResumeFrom(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resume = true
	if id > m.lastID {
		m.lastID = id
	}
}

// Run connects and keeps the connection alive until ctx is cancelled or Close
// is called. Without a token it returns immediately, leaving the state
// Disconnected. A rejected credential ends the loop with ErrUnauthorized.
func (m *ConnectionManager) Run(ctx context.Context) error {
	if m.cfg.Token == "" {
		m.logger.Info("No credential, staying disconnected")
		return nil
	}

	base, err := m.cfg.liveURL()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()
	defer m.setState(Disconnected)

	backoff := m.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		m.setState(Connecting)

		conn, err := m.dial(ctx, base)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrUnauthorized) {
				m.logger.Error("Credential rejected, giving up", "error", err)
				m.failAll(err)
				return err
			}
			m.logger.Warn("Connect failed, retrying", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, m.cfg.ReconnectMax)
			continue
		}

		backoff = m.cfg.ReconnectMin
		m.attach(ctx, conn)
		err = m.serve(ctx, conn)
		m.detach(conn)

		if ctx.Err() != nil {
			return nil
		}
		m.setState(Connecting)
		m.logger.Warn("Connection lost, reconnecting", "error", err, "backoff", backoff)
		if !sleepCtx(ctx, backoff) {
			return nil
		}
	}
}

func (m *ConnectionManager) dial(ctx context.Context, base string) (*websocket.Conn, error) {
	m.mu.Lock()
	since, resume := m.lastID, m.resume
	m.mu.Unlock()

	u := base + "/ws/" + url.PathEscape(m.cfg.Token)
	if resume {
		u += "?" + url.Values{"since": {strconv.FormatInt(since, 10)}}.Encode()
	}

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: m.cfg.HTTPClient})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// attach publishes conn and flushes the outbox in order before any new send
// can reach the wire.
func (m *ConnectionManager) attach(ctx context.Context, conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.resume = true
	queued := m.outbox
	m.outbox = nil
	m.writeMu.Lock()
	m.mu.Unlock()
	m.setState(Connected)
	m.logger.Info("Connected", "flushing", len(queued))

	defer m.writeMu.Unlock()
	for i, out := range queued {
		if err := m.writeLocked(ctx, conn, out.data); err != nil {
			m.logger.Warn("Outbox flush failed, requeueing", "error", err, "remaining", len(queued)-i)
			m.mu.Lock()
			m.outbox = append(queued[i:len(queued):len(queued)], m.outbox...)
			m.mu.Unlock()
			return
		}
	}
}

func (m *ConnectionManager) detach(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.CloseNow()
}

// serve reads frames until the connection fails and keeps it alive with pings.
func (m *ConnectionManager) serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go m.keepalive(ctx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		frame, err := domain.DecodeFrame(data)
		if err != nil {
			m.logger.Warn("Dropping malformed frame", "error", err)
			continue
		}

		switch frame.Type {
		case domain.FramePong:
		case domain.FramePing:
			m.writeFrame(ctx, conn, domain.Frame{Type: domain.FramePong})
		case domain.FrameError:
			m.logger.Warn("Server rejected frame", "client_token", frame.ClientToken, "error", frame.Error)
			if frame.ClientToken != "" {
				m.resolve(frame.ClientToken, domain.Message{}, fmt.Errorf("%w: %s", ErrRejected, frame.Error))
			}
			m.events.push(frame)
		default:
			m.mu.Lock()
			if frame.ID > m.lastID {
				m.lastID = frame.ID
			}
			m.mu.Unlock()
			if frame.ClientToken != "" {
				m.resolve(frame.ClientToken, frame.Message(), nil)
			}
			m.events.push(frame)
		}
	}
}

func (m *ConnectionManager) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.writeFrame(ctx, conn, domain.Frame{Type: domain.FramePing})
		}
	}
}

func (m *ConnectionManager) writeFrame(ctx context.Context, conn *websocket.Conn, f domain.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.writeLocked(ctx, conn, data); err != nil {
		m.logger.Debug("Control frame write failed", "type", f.Type, "error", err)
	}
}

func (m *ConnectionManager) writeLocked(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// Send hands a message to the live channel. The returned Delivery resolves
// when the server acknowledges the clientToken, rejects it, or the send
// timeout passes.
func (m *ConnectionManager) Send(ctx context.Context, roomID string, content domain.Content, clientToken string) *Delivery {
	d := newDelivery(clientToken)

	data, err := json.Marshal(domain.Frame{RoomID: roomID, Content: content.String(), ClientToken: clientToken})
	if err != nil {
		d.Outcome = Failed
		d.resolve(domain.Message{}, fmt.Errorf("%w: %v", ErrConnection, err))
		return d
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		d.Outcome = Failed
		d.resolve(domain.Message{}, ErrClosed)
		return d
	}
	if _, dup := m.pending[clientToken]; dup {
		m.mu.Unlock()
		d.Outcome = Failed
		d.resolve(domain.Message{}, fmt.Errorf("duplicate client token: %w", ErrValidation))
		return d
	}

	conn := m.conn
	if conn == nil {
		if len(m.outbox) >= m.cfg.OutboxSize {
			m.mu.Unlock()
			d.Outcome = Failed
			d.resolve(domain.Message{}, fmt.Errorf("%w: outbox full", ErrConnection))
			return d
		}
		m.outbox = append(m.outbox, outgoing{token: clientToken, data: data})
		d.Outcome = Queued
	} else {
		d.Outcome = Sent
	}
	d.timer = time.AfterFunc(m.cfg.SendTimeout, func() {
		m.resolve(clientToken, domain.Message{}, ErrSendTimeout)
	})
	m.pending[clientToken] = d
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		err := m.writeLocked(ctx, conn, data)
		m.writeMu.Unlock()
		if err != nil {
			d.Outcome = Failed
			m.resolve(clientToken, domain.Message{}, fmt.Errorf("%w: %v", ErrConnection, err))
		}
	}
	return d
}

// resolve completes the pending delivery for token, dropping it from the
// outbox if it was never written.
func (m *ConnectionManager) resolve(token string, msg domain.Message, err error) {
	m.mu.Lock()
	d, ok := m.pending[token]
	delete(m.pending, token)
	if err != nil {
		for i, out := range m.outbox {
			if out.token == token {
				m.outbox = append(m.outbox[:i], m.outbox[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if ok {
		d.resolve(msg, err)
	}
}

func (m *ConnectionManager) failAll(err error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]*Delivery)
	m.outbox = nil
	m.mu.Unlock()

	for _, d := range pending {
		d.resolve(domain.Message{}, err)
	}
}

// Events yields inbound frames in arrival order across reconnects. The
// sequence ends when ctx is cancelled or the manager is closed. Frames are
// buffered without bound and each is delivered to exactly one iterator.
func (m *ConnectionManager) Events(ctx context.Context) iter.Seq[domain.Frame] {
	return func(yield func(domain.Frame) bool) {
		for {
			frame, ok := m.events.pop(ctx)
			if !ok || !yield(frame) {
				return
			}
		}
	}
}

// Close stops the connection loop and fails every unresolved delivery.
// Safe to call more than once.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	m.failAll(ErrClosed)
	m.events.close()
	m.setState(Disconnected)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// frameQueue is an unbounded FIFO of frames with a blocking pop.
type frameQueue struct {
	mu     sync.Mutex
	items  []domain.Frame
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newFrameQueue() *frameQueue {
	return &frameQueue{notify: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *frameQueue) push(f domain.Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *frameQueue) pop(ctx context.Context) (domain.Frame, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return domain.Frame{}, false
		}
		if len(q.items) > 0 {
			f := q.items[0]
			q.items[0] = domain.Frame{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
			return domain.Frame{}, false
		case <-ctx.Done():
			return domain.Frame{}, false
		}
	}
}

func (q *frameQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
