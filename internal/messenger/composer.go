package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
	"github.com/google/uuid"
)

// Sender hands messages to the live channel. ConnectionManager implements it.
type Sender interface {
	Send(ctx context.Context, roomID string, content domain.Content, clientToken string) *Delivery
}

// AttachmentResult reports one file of a SendAttachments batch.
type AttachmentResult struct {
	Name     string
	Message  domain.Message
	Delivery *Delivery
	Err      error
}

// Composer turns user input into pending messages and sends them.
type Composer struct {
	sender  Sender
	uploads AttachmentStore
	store   *ConversationStore
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewComposer creates a composer writing pending entries to store.
func NewComposer(sender Sender, uploads AttachmentStore, store *ConversationStore, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		sender:  sender,
		uploads: uploads,
		store:   store,
		logger:  logger.With("component", "composer"),
		now:     time.Now,
	}
}

// SendText sends text to roomID. Whitespace-only text fails with
// ErrValidation before anything is sent. The returned message is the pending
// entry; the delivery resolves when the server confirms or rejects it.
func (c *Composer) SendText(ctx context.Context, roomID, text string) (domain.Message, *Delivery, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, nil, errValidationf("message is empty")
	}
	return c.send(ctx, roomID, domain.TextContent(text))
}

// SendAttachment uploads file and then sends a reference to it. An upload
// failure returns an error matching ErrUpload and creates no message.
func (c *Composer) SendAttachment(ctx context.Context, roomID string, file File) (domain.Message, *Delivery, error) {
	if strings.TrimSpace(file.Name) == "" {
		return domain.Message{}, nil, errValidationf("attachment name is empty")
	}
	if !c.store.HasRoom(roomID) {
		return domain.Message{}, nil, errNotFoundf("room %s", roomID)
	}

	id, err := c.uploads.Upload(ctx, roomID, file)
	if err != nil {
		c.logger.Warn("Attachment upload failed", "room_id", roomID, "file", file.Name, "error", err)
		if !errors.Is(err, ErrUpload) {
			err = fmt.Errorf("%w: %s: %w", ErrUpload, file.Name, err)
		}
		return domain.Message{}, nil, err
	}
	return c.send(ctx, roomID, domain.AttachmentContent(file.Name, id))
}

// SendAttachments sends files one after another in submission order. Every
// file is attempted; a failure does not stop the rest.
func (c *Composer) SendAttachments(ctx context.Context, roomID string, files []File) []AttachmentResult {
	results := make([]AttachmentResult, 0, len(files))
	for _, f := range files {
		msg, d, err := c.SendAttachment(ctx, roomID, f)
		results = append(results, AttachmentResult{Name: f.Name, Message: msg, Delivery: d, Err: err})
	}
	return results
}

func (c *Composer) send(ctx context.Context, roomID string, content domain.Content) (domain.Message, *Delivery, error) {
	msg := domain.Message{
		RoomID:      roomID,
		SenderID:    c.store.Self(),
		Content:     content,
		CreatedAt:   c.stamp(),
		LocalID:     "tmp-" + uuid.NewString(),
		ClientToken: uuid.NewString(),
		State:       domain.StatePending,
	}
	if err := c.store.AppendPending(msg); err != nil {
		return domain.Message{}, nil, err
	}

	d := c.sender.Send(ctx, roomID, content, msg.ClientToken)
	go c.await(msg, d)
	return msg, d, nil
}

// stamp returns a strictly increasing local time so pending entries keep
// submission order.
func (c *Composer) stamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

// await settles the pending entry once the delivery resolves. Delivery always
// resolves, by acknowledgment, rejection, timeout or close.
func (c *Composer) await(pending domain.Message, d *Delivery) {
	<-d.Done()
	confirmed, err := d.Wait(context.Background())
	if err != nil {
		c.logger.Warn("Message not delivered", "room_id", pending.RoomID, "client_token", pending.ClientToken, "error", err)
		c.store.MarkFailed(pending.LocalID, err)
		return
	}
	confirmed.ClientToken = pending.ClientToken
	c.store.AppendConfirmed(confirmed)
}
