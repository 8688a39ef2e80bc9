package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"chatrelay/apperr"
	"chatrelay/models"

	"github.com/google/uuid"
)

const messageColumns = "id, sender, receiver, content, kind, file_type, timestamp, status, edited_at"

const conversationFilter = "(sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)"

// CreateMessage validates and stores a new message with status sent and no reactions.
func (db *DB) CreateMessage(ctx context.Context, nm models.NewMessage) (*models.Message, error) {
	sender := strings.TrimSpace(nm.Sender)
	receiver := strings.TrimSpace(nm.Receiver)
	switch {
	case sender == "":
		return nil, apperr.Validation("sender is required")
	case receiver == "":
		return nil, apperr.Validation("receiver is required")
	case nm.Content.Empty():
		return nil, apperr.Validation("content is required")
	}

	ts := nm.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	m := &models.Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Receiver:  receiver,
		Content:   nm.Content,
		Timestamp: ts.UTC(),
		Status:    models.StatusSent,
		Reactions: []models.Reaction{},
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (id, sender, receiver, content, kind, file_type, timestamp, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		m.ID, m.Sender, m.Receiver, m.Content.Value(), string(m.Content.Kind), m.Content.MimeType, toNanos(m.Timestamp), m.Status.Rank(),
	)
	if err != nil {
		return nil, apperr.Store("insert message", err)
	}
	return m, nil
}

// FindConversation returns every message between a and b in either direction,
// oldest first.
func (db *DB) FindConversation(ctx context.Context, a, b string) ([]models.Message, error) {
	args := []any{a, b, b, a}
	messages, err := queryMessages(ctx, db.conn,
		"SELECT "+messageColumns+" FROM messages WHERE "+conversationFilter+" ORDER BY timestamp ASC, rowid ASC",
		args...)
	if err != nil {
		return nil, err
	}
	if err := attachReactions(ctx, db.conn, messages,
		"SELECT r.message_id, r.user, r.reaction FROM reactions r JOIN messages m ON m.id = r.message_id "+
			"WHERE (m.sender = ? AND m.receiver = ?) OR (m.sender = ? AND m.receiver = ?) ORDER BY r.id ASC",
		args...); err != nil {
		return nil, err
	}
	return messages, nil
}

func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return getMessage(ctx, db.conn, id)
}

// UpdateContent replaces the content of a message. Status and reactions are untouched.
func (db *DB) UpdateContent(ctx context.Context, id string, content models.Content) (*models.Message, error) {
	if content.Empty() {
		return nil, apperr.Validation("content is required")
	}

	unlock := db.locks.Lock(id)
	defer unlock()

	var m *models.Message
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"UPDATE messages SET content = ?, kind = ?, file_type = ?, edited_at = ? WHERE id = ?",
			content.Value(), string(content.Kind), content.MimeType, toNanos(time.Now()), id,
		)
		if err != nil {
			return apperr.Store("update content", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return apperr.Store("update content", err)
		} else if n == 0 {
			return apperr.NotFound("message not found")
		}
		m, err = getMessage(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, apperr.Store("update content", err)
	}
	return m, nil
}

// DeleteMessage removes a message and its reactions. Deleting an unknown id is not an
// error: it returns (nil, nil). Otherwise the removed message is returned.
func (db *DB) DeleteMessage(ctx context.Context, id string) (*models.Message, error) {
	unlock := db.locks.Lock(id)
	defer unlock()

	var m *models.Message
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = getMessage(ctx, tx, id)
		if apperr.Is(err, apperr.KindNotFound) {
			m = nil
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM reactions WHERE message_id = ?", id); err != nil {
			return apperr.Store("delete reactions", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return apperr.Store("delete message", err)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Store("delete message", err)
	}
	return m, nil
}

// SetStatusIfForward moves the status of a message to status when that is strictly
// later than the current one. changed reports whether anything was written.
func (db *DB) SetStatusIfForward(ctx context.Context, id string, status models.Status) (m *models.Message, changed bool, err error) {
	if !status.Valid() {
		return nil, false, apperr.Validation("invalid status")
	}

	unlock := db.locks.Lock(id)
	defer unlock()

	err = db.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"UPDATE messages SET status = ? WHERE id = ? AND status < ?",
			status.Rank(), id, status.Rank(),
		)
		if err != nil {
			return apperr.Store("update status", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return apperr.Store("update status", err)
		}
		changed = n > 0
		m, err = getMessage(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, apperr.Store("update status", err)
	}
	return m, changed, nil
}

// ToggleReaction removes (user, symbol) from the message when present and adds it
// otherwise. It returns the full reaction set after the change.
func (db *DB) ToggleReaction(ctx context.Context, id, user, symbol string) ([]models.Reaction, error) {
	if user == "" || symbol == "" {
		return nil, apperr.Validation("user and reaction are required")
	}

	unlock := db.locks.Lock(id)
	defer unlock()

	var reactions []models.Reaction
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE id = ?", id).Scan(&exists)
		if err != nil {
			return apperr.Store("select message", err)
		}
		if exists == 0 {
			return apperr.NotFound("message not found")
		}

		result, err := tx.ExecContext(ctx,
			"DELETE FROM reactions WHERE message_id = ? AND user = ? AND reaction = ?",
			id, user, symbol,
		)
		if err != nil {
			return apperr.Store("delete reaction", err)
		}
		removed, err := result.RowsAffected()
		if err != nil {
			return apperr.Store("delete reaction", err)
		}
		if removed == 0 {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO reactions (message_id, user, reaction) VALUES (?, ?, ?)",
				id, user, symbol,
			); err != nil {
				return apperr.Store("insert reaction", err)
			}
		}

		reactions, err = reactionsFor(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, apperr.Store("toggle reaction", err)
	}
	return reactions, nil
}

// MarkSeenBulk marks every message from sender to receiver as read and returns all
// messages in that direction, oldest first. A repeated call changes nothing.
func (db *DB) MarkSeenBulk(ctx context.Context, sender, receiver string) ([]models.Message, error) {
	if sender == "" || receiver == "" {
		return nil, apperr.Validation("sender and receiver are required")
	}

	read := models.StatusRead.Rank()
	var messages []models.Message
	// A single forward-only UPDATE: concurrent per-message status writes can only
	// raise the same column, so no per-message lock is needed here.
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET status = ? WHERE sender = ? AND receiver = ? AND status < ?",
			read, sender, receiver, read,
		); err != nil {
			return apperr.Store("mark seen", err)
		}

		var err error
		messages, err = queryMessages(ctx, tx,
			"SELECT "+messageColumns+" FROM messages WHERE sender = ? AND receiver = ? ORDER BY timestamp ASC, rowid ASC",
			sender, receiver)
		if err != nil {
			return err
		}
		return attachReactions(ctx, tx, messages,
			"SELECT r.message_id, r.user, r.reaction FROM reactions r JOIN messages m ON m.id = r.message_id WHERE m.sender = ? AND m.receiver = ? ORDER BY r.id ASC",
			sender, receiver)
	})
	if err != nil {
		return nil, apperr.Store("mark seen", err)
	}
	return messages, nil
}

// ParticipantUsernames returns every distinct sender and receiver.
func (db *DB) ParticipantUsernames(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT sender FROM messages UNION SELECT receiver FROM messages ORDER BY 1")
	if err != nil {
		return nil, apperr.Store("list participants", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperr.Store("scan participant", err)
		}
		names = append(names, name)
	}
	return names, apperr.Store("list participants", rows.Err())
}

func getMessage(ctx context.Context, q queryer, id string) (*models.Message, error) {
	row := q.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("message not found")
	}
	if err != nil {
		return nil, apperr.Store("select message", err)
	}
	m.Reactions, err = reactionsFor(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func queryMessages(ctx context.Context, q queryer, query string, args ...any) ([]models.Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store("select messages", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Store("scan message", err)
		}
		m.Reactions = []models.Reaction{}
		messages = append(messages, *m)
	}
	return messages, apperr.Store("select messages", rows.Err())
}

// attachReactions runs a (message_id, user, reaction) query and distributes the rows
// over messages.
func attachReactions(ctx context.Context, q queryer, messages []models.Message, query string, args ...any) error {
	if len(messages) == 0 {
		return nil
	}
	index := make(map[string]int, len(messages))
	for i := range messages {
		index[messages[i].ID] = i
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return apperr.Store("select reactions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var r models.Reaction
		if err := rows.Scan(&id, &r.User, &r.Reaction); err != nil {
			return apperr.Store("scan reaction", err)
		}
		if i, ok := index[id]; ok {
			messages[i].Reactions = append(messages[i].Reactions, r)
		}
	}
	return apperr.Store("select reactions", rows.Err())
}

func reactionsFor(ctx context.Context, q queryer, id string) ([]models.Reaction, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT user, reaction FROM reactions WHERE message_id = ? ORDER BY id ASC", id)
	if err != nil {
		return nil, apperr.Store("select reactions", err)
	}
	defer rows.Close()

	reactions := []models.Reaction{}
	for rows.Next() {
		var r models.Reaction
		if err := rows.Scan(&r.User, &r.Reaction); err != nil {
			return nil, apperr.Store("scan reaction", err)
		}
		reactions = append(reactions, r)
	}
	return reactions, apperr.Store("select reactions", rows.Err())
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var value, kind, fileType string
	var ts int64
	var rank int
	var editedAt sql.NullInt64
	if err := row.Scan(&m.ID, &m.Sender, &m.Receiver, &value, &kind, &fileType, &ts, &rank, &editedAt); err != nil {
		return nil, err
	}
	content, err := models.ClassifyContent(value, models.ContentKind(kind), fileType)
	if err != nil {
		return nil, err
	}
	status, err := models.StatusFromRank(rank)
	if err != nil {
		return nil, err
	}
	m.Content = content
	m.Timestamp = fromNanos(ts)
	m.Status = status
	m.EditedAt = nullTime(editedAt)
	return &m, nil
}
