package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
	"github.com/arjunmenon888/riskwatch-app/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), shared.DefaultRetryPolicy)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func createUser(t *testing.T, repo Repository, name, email, role string) domain.Identity {
	t.Helper()
	user := &domain.Identity{Name: name, Email: email, Role: role}
	require.NoError(t, repo.CreateUser(context.Background(), user, "hash-"+name))
	return *user
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	createUser(t, repo, "Alice", "alice@example.com", "")
	err := repo.CreateUser(ctx, &domain.Identity{Name: "Other", Email: " ALICE@example.com "}, "x")
	require.ErrorIs(t, err, domain.ErrConflict)

	user, hash, err := repo.GetUserByEmail(ctx, "Alice@Example.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, "hash-Alice", hash)
	assert.Equal(t, domain.RoleUser, user.Role)

	missing, err := repo.GetUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindOrCreateRoomConcurrent(t *testing.T) {
	repo := newTestStore(t)
	alice := createUser(t, repo, "Alice", "alice@example.com", "")
	bob := createUser(t, repo, "Bob", "bob@example.com", "")

	const callers = 8
	var wg sync.WaitGroup
	ids := make([]string, callers)
	created := make([]bool, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice, bob
			if i%2 == 1 {
				a, b = bob, alice
			}
			room, c, err := repo.FindOrCreateRoom(context.Background(), a, b)
			errs[i] = err
			if room != nil {
				ids[i] = room.ID
			}
			created[i] = c
		}(i)
	}
	wg.Wait()

	createdCount := 0
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
		if created[i] {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount)

	rooms, err := repo.ListRooms(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Len(t, rooms[0].Participants, 2)
}

func TestFindOrCreateRoomSelf(t *testing.T) {
	repo := newTestStore(t)
	alice := createUser(t, repo, "Alice", "alice@example.com", "")

	_, _, err := repo.FindOrCreateRoom(context.Background(), alice, alice)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestListRoomsOrderedByActivity(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	alice := createUser(t, repo, "Alice", "alice@example.com", "")
	bob := createUser(t, repo, "Bob", "bob@example.com", "")
	carol := createUser(t, repo, "Carol", "carol@example.com", "")

	withBob, _, err := repo.FindOrCreateRoom(ctx, alice, bob)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	withCarol, _, err := repo.FindOrCreateRoom(ctx, alice, carol)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = repo.AppendMessage(ctx, withBob.ID, bob.ID, domain.TextContent("hi"), "")
	require.NoError(t, err)

	rooms, err := repo.ListRooms(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, withBob.ID, rooms[0].ID)
	assert.Equal(t, withCarol.ID, rooms[1].ID)
	require.Len(t, rooms[0].Messages, 1)
	assert.Equal(t, "hi", rooms[0].Messages[0].Content.Text)
	assert.Empty(t, rooms[1].Messages)

	bobRooms, err := repo.ListRooms(ctx, bob.ID)
	require.NoError(t, err)
	assert.Len(t, bobRooms, 1)
}

func TestAppendMessageOrdering(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	alice := createUser(t, repo, "Alice", "alice@example.com", "")
	bob := createUser(t, repo, "Bob", "bob@example.com", "")
	room, _, err := repo.FindOrCreateRoom(ctx, alice, bob)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := alice.ID
			if i%2 == 1 {
				sender = bob.ID
			}
			_, err := repo.AppendMessage(ctx, room.ID, sender, domain.TextContent("m"), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := repo.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 10)
	for i := 1; i < len(got.Messages); i++ {
		assert.LessOrEqual(t, domain.CompareMessages(got.Messages[i-1], got.Messages[i]), 0)
		assert.Greater(t, got.Messages[i].ID, got.Messages[i-1].ID)
	}
}

func TestMessagesSince(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	alice := createUser(t, repo, "Alice", "alice@example.com", "")
	bob := createUser(t, repo, "Bob", "bob@example.com", "")
	carol := createUser(t, repo, "Carol", "carol@example.com", "")
	ab, _, err := repo.FindOrCreateRoom(ctx, alice, bob)
	require.NoError(t, err)
	bc, _, err := repo.FindOrCreateRoom(ctx, bob, carol)
	require.NoError(t, err)

	first, err := repo.AppendMessage(ctx, ab.ID, alice.ID, domain.TextContent("one"), "")
	require.NoError(t, err)
	_, err = repo.AppendMessage(ctx, bc.ID, bob.ID, domain.TextContent("not for alice"), "")
	require.NoError(t, err)
	third, err := repo.AppendMessage(ctx, ab.ID, bob.ID, domain.AttachmentContent("a.png", "att-1"), "tok-3")
	require.NoError(t, err)

	msgs, err := repo.MessagesSince(ctx, alice.ID, first.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, third.ID, msgs[0].ID)
	assert.True(t, msgs[0].Content.IsAttachment())
	assert.Equal(t, "att-1", msgs[0].Content.AttachmentID)
	assert.Equal(t, "tok-3", msgs[0].ClientToken)

	all, err := repo.MessagesSince(ctx, bob.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSearchUsers(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	alice := createUser(t, repo, "Alice", "alice@example.com", "")
	createUser(t, repo, "Alicia Admin", "root@example.com", domain.RoleAdmin)
	createUser(t, repo, "Bob", "bob@example.com", "")
	createUser(t, repo, "Under_Score", "under@example.com", "")

	tests := []struct {
		name  string
		query SearchQuery
		want  []string
	}{
		{"empty query", SearchQuery{Text: "  ", ExcludeID: alice.ID}, []string{}},
		{"hides admins", SearchQuery{Text: "ali", ExcludeID: "x"}, []string{"alice@example.com"}},
		{"admins visible to admins", SearchQuery{Text: "ali", ExcludeID: "x", IncludeAdmins: true},
			[]string{"alice@example.com", "root@example.com"}},
		{"excludes caller", SearchQuery{Text: "EXAMPLE", ExcludeID: alice.ID},
			[]string{"bob@example.com", "under@example.com"}},
		{"underscore is literal", SearchQuery{Text: "r_s", ExcludeID: alice.ID}, []string{"under@example.com"}},
		{"limit", SearchQuery{Text: "example", ExcludeID: alice.ID, Limit: 1}, []string{"bob@example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, err := repo.SearchUsers(ctx, tt.query)
			require.NoError(t, err)
			emails := []string{}
			for _, u := range users {
				emails = append(emails, u.Email)
				assert.Empty(t, u.Role)
			}
			assert.Equal(t, tt.want, emails)
		})
	}
}

func TestAttachments(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	alice := createUser(t, repo, "Alice", "alice@example.com", "")
	bob := createUser(t, repo, "Bob", "bob@example.com", "")
	room, _, err := repo.FindOrCreateRoom(ctx, alice, bob)
	require.NoError(t, err)

	ok, err := repo.IsParticipant(ctx, room.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.IsParticipant(ctx, room.ID, "stranger")
	require.NoError(t, err)
	assert.False(t, ok)

	old := &domain.Attachment{RoomID: room.ID, SenderID: alice.ID, Filename: "old.txt",
		ContentType: "text/plain", UploadedAt: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, repo.SaveAttachment(ctx, old, []byte("old")))
	fresh := &domain.Attachment{RoomID: room.ID, SenderID: bob.ID, Filename: "new.txt", ContentType: "text/plain"}
	require.NoError(t, repo.SaveAttachment(ctx, fresh, []byte("fresh bytes")))
	assert.NotEmpty(t, fresh.ID)
	assert.Equal(t, int64(11), fresh.Size)

	got, data, err := repo.GetAttachment(ctx, fresh.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new.txt", got.Filename)
	assert.Equal(t, []byte("fresh bytes"), data)

	deleted, err := repo.DeleteAttachmentsBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	gone, _, err := repo.GetAttachment(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestNewSQLiteAddsClientTokenColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err := NewSQLite(path, shared.DefaultRetryPolicy)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	alice := createUser(t, repo, "Alice", "alice@example.com", "")
	bob := createUser(t, repo, "Bob", "bob@example.com", "")
	room, _, err := repo.FindOrCreateRoom(ctx, alice, bob)
	require.NoError(t, err)
	_, err = repo.AppendMessage(ctx, room.ID, alice.ID, domain.TextContent("hi"), "tok")
	require.NoError(t, err)

	msgs, err := repo.MessagesSince(ctx, alice.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "tok", msgs[0].ClientToken)
}
