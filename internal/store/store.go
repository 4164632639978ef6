// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
)

// Repository defines the interface for persisting identities, rooms,
// messages and attachments.
type Repository interface {
	// CreateUser inserts a new identity. Returns domain.ErrConflict if the email is taken.
	CreateUser(ctx context.Context, user *domain.Identity, passwordHash string) error

	// GetUser retrieves an identity by id. Returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.Identity, error)

	// GetUserByEmail retrieves an identity and its password hash by email.
	// Returns nil, "", nil if absent.
	GetUserByEmail(ctx context.Context, email string) (*domain.Identity, string, error)

	// SearchUsers matches query against email or name, excluding excludeID.
	SearchUsers(ctx context.Context, query SearchQuery) ([]domain.Identity, error)

	// FindOrCreateRoom returns the room for the unordered pair (a, b), creating it
	// if needed. The bool reports whether this call created it.
	FindOrCreateRoom(ctx context.Context, a, b domain.Identity) (*domain.Room, bool, error)

	// GetRoom retrieves a room with participants and history. Returns nil, nil if absent.
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)

	// ListRooms returns every room userID participates in, most recent activity first.
	ListRooms(ctx context.Context, userID string) ([]domain.Room, error)

	// IsParticipant reports whether userID belongs to roomID.
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)

	// AppendMessage persists a message and assigns its id and timestamp.
	// clientToken is the sender's idempotency token; it may be empty.
	AppendMessage(ctx context.Context, roomID, senderID string, content domain.Content, clientToken string) (*domain.Message, error)

	// MessagesSince returns messages with id > afterID in rooms userID participates in,
	// ascending by id.
	MessagesSince(ctx context.Context, userID string, afterID int64, limit int) ([]domain.Message, error)

	// SaveAttachment persists an uploaded file.
	SaveAttachment(ctx context.Context, attachment *domain.Attachment, data []byte) error

	// GetAttachment retrieves an attachment and its bytes. Returns nil, nil, nil if absent.
	GetAttachment(ctx context.Context, attachmentID string) (*domain.Attachment, []byte, error)

	// DeleteAttachmentsBefore removes attachments uploaded before cutoff.
	DeleteAttachmentsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// SearchQuery parameterizes Repository.SearchUsers.
type SearchQuery struct {
	Text          string
	ExcludeID     string
	IncludeAdmins bool
	Limit         int
}
