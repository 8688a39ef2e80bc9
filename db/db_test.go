package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatrelay/apperr"
	"chatrelay/models"

	"golang.org/x/crypto/bcrypt"
)

// setupTestDB opens a database in a temporary file
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	database, err := New(path)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	database.SetHashCost(bcrypt.MinCost)
	t.Cleanup(func() { database.Close() })
	return database
}

func mustCreate(t *testing.T, database *DB, sender, receiver, text string) *models.Message {
	t.Helper()
	m, err := database.CreateMessage(context.Background(), models.NewMessage{
		Sender:   sender,
		Receiver: receiver,
		Content:  models.TextContent(text),
	})
	if err != nil {
		t.Fatalf("Failed to create message: %v", err)
	}
	return m
}

func TestCreateThenFindConversation(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	m := mustCreate(t, database, "alice", "bob", "hi")
	if m.Status != models.StatusSent {
		t.Errorf("Expected status sent, got %q", m.Status)
	}
	if m.ID == "" {
		t.Error("Expected an id")
	}

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		msgs, err := database.FindConversation(ctx, pair[0], pair[1])
		if err != nil {
			t.Fatalf("FindConversation: %v", err)
		}
		if len(msgs) != 1 {
			t.Fatalf("Expected 1 message for %v, got %d", pair, len(msgs))
		}
		if msgs[0].Content.Value() != "hi" || msgs[0].Status != models.StatusSent {
			t.Errorf("Unexpected message %+v", msgs[0])
		}
		if len(msgs[0].Reactions) != 0 {
			t.Errorf("Expected no reactions, got %v", msgs[0].Reactions)
		}
	}

	empty, err := database.FindConversation(ctx, "carol", "dave")
	if err != nil {
		t.Fatalf("FindConversation: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", empty)
	}
}

func TestCreateValidation(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	tests := []models.NewMessage{
		{Sender: "", Receiver: "bob", Content: models.TextContent("x")},
		{Sender: "alice", Receiver: " ", Content: models.TextContent("x")},
		{Sender: "alice", Receiver: "bob", Content: models.TextContent("")},
	}
	for _, nm := range tests {
		if _, err := database.CreateMessage(ctx, nm); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("Expected validation error for %+v, got %v", nm, err)
		}
	}
}

func TestConversationOrderedByTimestamp(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// Insert out of order; the query must sort by timestamp.
	for i, offset := range []int{3, 1, 2} {
		_, err := database.CreateMessage(ctx, models.NewMessage{
			Sender:    []string{"alice", "bob"}[i%2],
			Receiver:  []string{"bob", "alice"}[i%2],
			Content:   models.TextContent(fmt.Sprintf("m%d", offset)),
			Timestamp: base.Add(time.Duration(offset) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}
	mustCreate(t, database, "alice", "carol", "elsewhere")

	msgs, err := database.FindConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("FindConversation: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].Content.Value() != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, msgs[i].Content.Value())
		}
	}
}

func TestToggleReactionInvolution(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	m := mustCreate(t, database, "alice", "bob", "hi")

	reactions, err := database.ToggleReaction(ctx, m.ID, "bob", "👍")
	if err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	if len(reactions) != 1 || reactions[0] != (models.Reaction{User: "bob", Reaction: "👍"}) {
		t.Fatalf("Expected [{bob 👍}], got %v", reactions)
	}

	reactions, err = database.ToggleReaction(ctx, m.ID, "bob", "👍")
	if err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	if len(reactions) != 0 {
		t.Fatalf("Expected no reactions after second toggle, got %v", reactions)
	}

	if _, err := database.ToggleReaction(ctx, "missing", "bob", "👍"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestConcurrentTogglesKeepAllReactions(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	m := mustCreate(t, database, "alice", "bob", "hi")

	symbols := []string{"👍", "❤️", "😂", "🎉", "😮", "😢", "🔥", "👀"}
	var wg sync.WaitGroup
	for i, s := range symbols {
		wg.Add(1)
		go func(user, symbol string) {
			defer wg.Done()
			if _, err := database.ToggleReaction(ctx, m.ID, user, symbol); err != nil {
				t.Errorf("ToggleReaction: %v", err)
			}
		}([]string{"alice", "bob"}[i%2], s)
	}
	wg.Wait()

	got, err := database.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if len(got.Reactions) != len(symbols) {
		t.Errorf("Expected %d reactions, got %d: %v", len(symbols), len(got.Reactions), got.Reactions)
	}
	if n := database.locks.size(); n != 0 {
		t.Errorf("Expected lock table to drain, %d left", n)
	}
}

func TestSetStatusIfForwardNeverRegresses(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	m := mustCreate(t, database, "alice", "bob", "hi")

	steps := []struct {
		status  models.Status
		changed bool
		want    models.Status
	}{
		{models.StatusDelivered, true, models.StatusDelivered},
		{models.StatusDelivered, false, models.StatusDelivered},
		{models.StatusRead, true, models.StatusRead},
		{models.StatusSent, false, models.StatusRead},
		{models.StatusDelivered, false, models.StatusRead},
	}
	for _, step := range steps {
		got, changed, err := database.SetStatusIfForward(ctx, m.ID, step.status)
		if err != nil {
			t.Fatalf("SetStatusIfForward(%s): %v", step.status, err)
		}
		if changed != step.changed || got.Status != step.want {
			t.Errorf("SetStatusIfForward(%s) = (%s, %v), want (%s, %v)", step.status, got.Status, changed, step.want, step.changed)
		}
	}

	if _, _, err := database.SetStatusIfForward(ctx, "missing", models.StatusRead); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, _, err := database.SetStatusIfForward(ctx, m.ID, models.Status("lost")); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestMarkSeenBulkIdempotent(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	mustCreate(t, database, "alice", "bob", "one")
	mustCreate(t, database, "alice", "bob", "two")
	reply := mustCreate(t, database, "bob", "alice", "reply")

	first, err := database.MarkSeenBulk(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("MarkSeenBulk: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(first))
	}
	for _, m := range first {
		if m.Status != models.StatusRead || !m.Seen() {
			t.Errorf("Expected read, got %s", m.Status)
		}
	}

	second, err := database.MarkSeenBulk(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("MarkSeenBulk: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("Expected same set, got %d vs %d", len(second), len(first))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Status != second[i].Status {
			t.Errorf("Second call differs at %d: %+v vs %+v", i, first[i], second[i])
		}
	}

	other, err := database.GetMessage(ctx, reply.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if other.Status != models.StatusSent {
		t.Errorf("Reverse direction must be untouched, got %s", other.Status)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	keep := mustCreate(t, database, "alice", "bob", "keep")
	drop := mustCreate(t, database, "alice", "bob", "drop")
	if _, err := database.ToggleReaction(ctx, drop.ID, "bob", "👍"); err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}

	removed, err := database.DeleteMessage(ctx, "does-not-exist")
	if err != nil || removed != nil {
		t.Fatalf("Expected (nil, nil) for unknown id, got (%v, %v)", removed, err)
	}

	removed, err = database.DeleteMessage(ctx, drop.ID)
	if err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if removed == nil || removed.ID != drop.ID || len(removed.Reactions) != 1 {
		t.Errorf("Expected removed message with its reaction, got %+v", removed)
	}

	removed, err = database.DeleteMessage(ctx, drop.ID)
	if err != nil || removed != nil {
		t.Errorf("Second delete should be a no-op, got (%v, %v)", removed, err)
	}

	msgs, err := database.FindConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("FindConversation: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != keep.ID {
		t.Errorf("Expected only the kept message, got %+v", msgs)
	}
}

func TestUpdateContent(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	m := mustCreate(t, database, "alice", "bob", "hi")
	if _, _, err := database.SetStatusIfForward(ctx, m.ID, models.StatusDelivered); err != nil {
		t.Fatalf("SetStatusIfForward: %v", err)
	}
	if _, err := database.ToggleReaction(ctx, m.ID, "bob", "🔥"); err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}

	updated, err := database.UpdateContent(ctx, m.ID, models.TextContent("hello"))
	if err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}
	if updated.Content.Value() != "hello" || updated.EditedAt == nil {
		t.Errorf("Expected edited content, got %+v", updated)
	}
	if updated.Status != models.StatusDelivered || len(updated.Reactions) != 1 {
		t.Errorf("Status and reactions must survive an edit, got %s %v", updated.Status, updated.Reactions)
	}

	if _, err := database.UpdateContent(ctx, "missing", models.TextContent("x")); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := database.UpdateContent(ctx, m.ID, models.TextContent(" ")); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestFileContentRoundTrip(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	m, err := database.CreateMessage(ctx, models.NewMessage{
		Sender:   "alice",
		Receiver: "bob",
		Content:  models.FileContent("/uploads/abc", "", "image/png"),
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	got, err := database.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Content.Kind != models.KindImage || got.Content.URL != "/uploads/abc" || got.Content.MimeType != "image/png" {
		t.Errorf("Unexpected content %+v", got.Content)
	}
}

func TestUsers(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if err := database.CreateUser(ctx, "alice", "secret"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := database.CreateUser(ctx, "alice", "other"); !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("Expected duplicate to fail with auth error, got %v", err)
	}
	if err := database.CreateUser(ctx, "", "x"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}

	u, err := database.VerifyCredentials(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("VerifyCredentials: %v", err)
	}
	if u.Username != "alice" || u.Password == "secret" {
		t.Errorf("Unexpected user %+v", u)
	}
	if _, err := database.VerifyCredentials(ctx, "alice", "wrong"); !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("Expected auth error for wrong password, got %v", err)
	}
	if _, err := database.VerifyCredentials(ctx, "nobody", "secret"); !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("Expected auth error for unknown user, got %v", err)
	}

	seen := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	if err := database.UpdateLastSeen(ctx, "alice", seen); err != nil {
		t.Fatalf("UpdateLastSeen: %v", err)
	}
	if _, err := database.SetProfilePic(ctx, "alice", "/uploads/pic"); err != nil {
		t.Fatalf("SetProfilePic: %v", err)
	}
	if _, err := database.SetProfilePic(ctx, "nobody", "/uploads/pic"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}

	if err := database.CreateUser(ctx, "bob", "pw2"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	users, err := database.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 || users[0].Username != "alice" || users[1].Username != "bob" {
		t.Fatalf("Unexpected users %+v", users)
	}
	if users[0].LastSeen == nil || !users[0].LastSeen.Equal(seen) {
		t.Errorf("Expected lastSeen %v, got %v", seen, users[0].LastSeen)
	}
	if users[0].ProfilePicURL != "/uploads/pic" {
		t.Errorf("Expected profile pic, got %q", users[0].ProfilePicURL)
	}
	if users[1].LastSeen != nil {
		t.Errorf("Expected no lastSeen for bob, got %v", users[1].LastSeen)
	}
}

func TestParticipantUsernames(t *testing.T) {
	database := setupTestDB(t)
	mustCreate(t, database, "alice", "bob", "x")
	mustCreate(t, database, "carol", "alice", "y")

	names, err := database.ParticipantUsernames(context.Background())
	if err != nil {
		t.Fatalf("ParticipantUsernames: %v", err)
	}
	want := []string{"alice", "bob", "carol"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, names)
	}
}

func TestMigrateLegacySeenColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	// Build a database the way the first release laid it out.
	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stmts := []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, username TEXT UNIQUE NOT NULL, password TEXT NOT NULL)`,
		`CREATE TABLE messages (id TEXT PRIMARY KEY, sender TEXT NOT NULL, receiver TEXT NOT NULL, content TEXT NOT NULL, timestamp INTEGER NOT NULL, seen INTEGER NOT NULL DEFAULT 0)`,
		`INSERT INTO messages (id, sender, receiver, content, timestamp, seen) VALUES ('old1', 'alice', 'bob', 'hi', 1, 1)`,
		`INSERT INTO messages (id, sender, receiver, content, timestamp, seen) VALUES ('old2', 'alice', 'bob', 'yo', 2, 0)`,
	}
	for _, s := range stmts {
		if _, err := raw.Exec(s); err != nil {
			t.Fatalf("legacy schema: %v", err)
		}
	}
	raw.Close()

	database, err := New(path)
	if err != nil {
		t.Fatalf("New on legacy db: %v", err)
	}
	defer database.Close()

	msgs, err := database.FindConversation(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("FindConversation: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Status != models.StatusRead || msgs[1].Status != models.StatusSent {
		t.Errorf("Expected [read sent], got [%s %s]", msgs[0].Status, msgs[1].Status)
	}
	if msgs[0].Content.Kind != models.KindText {
		t.Errorf("Expected migrated kind text, got %q", msgs[0].Content.Kind)
	}
}
