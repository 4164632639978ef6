package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
	"github.com/arjunmenon888/riskwatch-app/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	retry    shared.RetryPolicy
	appendMu sync.Mutex // serializes message appends so ids and timestamps advance together
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, retry shared.RetryPolicy) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: retry}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		has_photo INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT,
		pair_key TEXT NOT NULL UNIQUE,
		user_a TEXT NOT NULL REFERENCES users(id),
		user_b TEXT NOT NULL REFERENCES users(id),
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rooms_user_a ON rooms(user_a);
	CREATE INDEX IF NOT EXISTS idx_rooms_user_b ON rooms(user_b);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL REFERENCES rooms(id),
		sender_id TEXT NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		client_token TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, created_at, id);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES rooms(id),
		sender_id TEXT NOT NULL REFERENCES users(id),
		filename TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size INTEGER NOT NULL,
		data BLOB NOT NULL,
		uploaded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attachments_uploaded ON attachments(uploaded_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return s.addColumnIfMissing("messages", "client_token", "TEXT NOT NULL DEFAULT ''")
}

// addColumnIfMissing upgrades databases created before a column existed.
func (s *SQLiteStore) addColumnIfMissing(table, column, decl string) error {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	slog.Info("Migrated schema", "table", table, "column", column)
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateUser inserts a new identity.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.Identity, passwordHash string) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Email = domain.NormalizeEmail(user.Email)

	query := `
	INSERT INTO users (id, name, email, password_hash, role, has_photo, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	err := shared.RetryOnConflict(ctx, s.retry, "create user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.ID, user.Name, user.Email, passwordHash,
			user.Role, user.HasPhoto, user.CreatedAt.UnixMilli(),
		)
		return err
	})
	if shared.IsSQLiteUniqueError(err) {
		return fmt.Errorf("email %q: %w", user.Email, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, name, email, role, has_photo, created_at`

func scanUser(row interface{ Scan(...any) error }, extra ...any) (*domain.Identity, error) {
	var user domain.Identity
	var createdAt int64
	dest := append([]any{&user.ID, &user.Name, &user.Email, &user.Role, &user.HasPhoto, &createdAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &user, nil
}

// GetUser retrieves an identity by id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves an identity and its password hash by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*domain.Identity, string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+`, password_hash FROM users WHERE email = ?`,
		domain.NormalizeEmail(email))

	var hash string
	user, err := scanUser(row, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("scan user row: %w", err)
	}
	return user, hash, nil
}

// SearchUsers matches a case-insensitive substring of email or name.
func (s *SQLiteStore) SearchUsers(ctx context.Context, q SearchQuery) ([]domain.Identity, error) {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return []domain.Identity{}, nil
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}

	pattern := "%" + escapeLike(text) + "%"
	query := `SELECT ` + userColumns + ` FROM users
		WHERE id != ? AND (lower(email) LIKE ? ESCAPE '\' OR lower(name) LIKE ? ESCAPE '\')`
	args := []any{q.ExcludeID, pattern, pattern}
	if !q.IncludeAdmins {
		query += ` AND role != ?`
		args = append(args, domain.RoleAdmin)
	}
	query += ` ORDER BY email LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close search rows", "error", closeErr)
		}
	}()

	users := []domain.Identity{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		users = append(users, user.Public())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return users, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// FindOrCreateRoom resolves the room for the unordered pair (a, b). Concurrent
// callers for the same pair converge on one row through the pair_key constraint.
func (s *SQLiteStore) FindOrCreateRoom(ctx context.Context, a, b domain.Identity) (*domain.Room, bool, error) {
	if a.ID == b.ID {
		return nil, false, fmt.Errorf("room with self: %w", domain.ErrValidation)
	}
	pairKey := domain.PairKey(a.ID, b.ID)

	query := `
	INSERT INTO rooms (id, name, pair_key, user_a, user_b, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(pair_key) DO NOTHING`

	var created bool
	err := shared.RetryOnConflict(ctx, s.retry, "create room", func() error {
		result, err := s.db.ExecContext(ctx, query,
			uuid.NewString(), a.Name+" & "+b.Name, pairKey,
			a.ID, b.ID, time.Now().UTC().UnixMilli(),
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		created = rows == 1
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert room: %w", err)
	}

	var roomID string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM rooms WHERE pair_key = ?`, pairKey).Scan(&roomID); err != nil {
		return nil, false, fmt.Errorf("lookup room by pair: %w", err)
	}

	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	if room == nil {
		return nil, false, fmt.Errorf("room %s vanished: %w", roomID, domain.ErrNotFound)
	}
	return room, created, nil
}

const roomQuery = `
	SELECT r.id, COALESCE(r.name, ''), r.created_at,
	       ua.id, ua.name, ua.email, ua.role, ua.has_photo, ua.created_at,
	       ub.id, ub.name, ub.email, ub.role, ub.has_photo, ub.created_at
	FROM rooms r
	JOIN users ua ON ua.id = r.user_a
	JOIN users ub ON ub.id = r.user_b`

func scanRoom(row interface{ Scan(...any) error }) (*domain.Room, error) {
	var room domain.Room
	var a, b domain.Identity
	var roomCreated, aCreated, bCreated int64
	err := row.Scan(
		&room.ID, &room.Name, &roomCreated,
		&a.ID, &a.Name, &a.Email, &a.Role, &a.HasPhoto, &aCreated,
		&b.ID, &b.Name, &b.Email, &b.Role, &b.HasPhoto, &bCreated,
	)
	if err != nil {
		return nil, err
	}
	room.CreatedAt = time.UnixMilli(roomCreated).UTC()
	a.CreatedAt = time.UnixMilli(aCreated).UTC()
	b.CreatedAt = time.UnixMilli(bCreated).UTC()
	room.Participants = []domain.Identity{a.Public(), b.Public()}
	room.Messages = []domain.Message{}
	return &room, nil
}

// GetRoom retrieves a room with participants and history.
func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := scanRoom(s.db.QueryRowContext(ctx, roomQuery+` WHERE r.id = ?`, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan room row: %w", err)
	}

	msgs, err := s.queryMessages(ctx,
		`SELECT id, room_id, sender_id, content, client_token, created_at FROM messages
		 WHERE room_id = ? ORDER BY created_at, id`, roomID)
	if err != nil {
		return nil, err
	}
	room.Messages = msgs
	return room, nil
}

// ListRooms returns every room userID participates in, most recent activity first.
func (s *SQLiteStore) ListRooms(ctx context.Context, userID string) ([]domain.Room, error) {
	rows, err := s.db.QueryContext(ctx, roomQuery+` WHERE r.user_a = ? OR r.user_b = ?`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}

	rooms := []domain.Room{}
	index := make(map[string]int)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan room row: %w", err)
		}
		index[room.ID] = len(rooms)
		rooms = append(rooms, *room)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	if closeErr := rows.Close(); closeErr != nil {
		slog.Warn("Failed to close room rows", "error", closeErr)
	}

	msgs, err := s.queryMessages(ctx,
		`SELECT m.id, m.room_id, m.sender_id, m.content, m.client_token, m.created_at FROM messages m
		 JOIN rooms r ON r.id = m.room_id
		 WHERE r.user_a = ? OR r.user_b = ?
		 ORDER BY m.created_at, m.id`, userID, userID)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if i, ok := index[m.RoomID]; ok {
			rooms[i].Messages = append(rooms[i].Messages, m)
		}
	}

	domain.SortRoomsByActivity(rooms)
	return rooms, nil
}

// IsParticipant reports whether userID belongs to roomID.
func (s *SQLiteStore) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE id = ? AND (user_a = ? OR user_b = ?)`,
		roomID, userID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return n > 0, nil
}

// AppendMessage persists a message and assigns its id and timestamp. The
// sender's client token is kept so replays can echo it back.
func (s *SQLiteStore) AppendMessage(ctx context.Context, roomID, senderID string, content domain.Content, clientToken string) (*domain.Message, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	msg := &domain.Message{
		RoomID:    roomID,
		SenderID:  senderID,
		Content:     content,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		ClientToken: clientToken,
		State:       domain.StateConfirmed,
	}

	query := `INSERT INTO messages (room_id, sender_id, content, client_token, created_at) VALUES (?, ?, ?, ?, ?)`
	err := shared.RetryOnConflict(ctx, s.retry, "append message", func() error {
		result, err := s.db.ExecContext(ctx, query, roomID, senderID, content.String(), clientToken, msg.CreatedAt.UnixMilli())
		if err != nil {
			return err
		}
		msg.ID, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// MessagesSince returns messages newer than afterID across the user's rooms.
func (s *SQLiteStore) MessagesSince(ctx context.Context, userID string, afterID int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryMessages(ctx,
		`SELECT m.id, m.room_id, m.sender_id, m.content, m.client_token, m.created_at FROM messages m
		 JOIN rooms r ON r.id = m.room_id
		 WHERE (r.user_a = ? OR r.user_b = ?) AND m.id > ?
		 ORDER BY m.id LIMIT ?`, userID, userID, afterID, limit)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close message rows", "error", closeErr)
		}
	}()

	msgs := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var content string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &content, &m.ClientToken, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Content = domain.ParseContent(content)
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		m.State = domain.StateConfirmed
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// SaveAttachment persists an uploaded file.
func (s *SQLiteStore) SaveAttachment(ctx context.Context, a *domain.Attachment, data []byte) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.UploadedAt.IsZero() {
		a.UploadedAt = time.Now().UTC()
	}
	a.Size = int64(len(data))

	query := `
	INSERT INTO attachments (id, room_id, sender_id, filename, content_type, size, data, uploaded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	err := shared.RetryOnConflict(ctx, s.retry, "save attachment", func() error {
		_, err := s.db.ExecContext(ctx, query,
			a.ID, a.RoomID, a.SenderID, a.Filename, a.ContentType,
			a.Size, data, a.UploadedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// GetAttachment retrieves an attachment and its bytes.
func (s *SQLiteStore) GetAttachment(ctx context.Context, attachmentID string) (*domain.Attachment, []byte, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, sender_id, filename, content_type, size, data, uploaded_at
		FROM attachments WHERE id = ?`, attachmentID)

	var a domain.Attachment
	var data []byte
	var uploadedAt int64
	err := row.Scan(&a.ID, &a.RoomID, &a.SenderID, &a.Filename, &a.ContentType, &a.Size, &data, &uploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scan attachment row: %w", err)
	}
	a.UploadedAt = time.UnixMilli(uploadedAt).UTC()
	return &a, data, nil
}

// DeleteAttachmentsBefore removes attachments uploaded before cutoff.
func (s *SQLiteStore) DeleteAttachmentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, s.retry, "delete attachments", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE uploaded_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete old attachments: %w", err)
	}
	return deleted, nil
}
