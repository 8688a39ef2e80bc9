package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"chatrelay/apperr"
	"chatrelay/models"

	"golang.org/x/crypto/bcrypt"
)

const userColumns = "username, password, profile_pic_url, last_seen, created_at"

// CreateUser stores a new user with a bcrypt hash of password.
func (db *DB) CreateUser(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return apperr.Validation("username and password required")
	}

	exists, err := db.UserExists(ctx, username)
	if err != nil {
		return err
	}
	if exists {
		return apperr.Auth("username already taken")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), db.hashCost)
	if err != nil {
		return apperr.Store("hash password", err)
	}

	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO users (username, password, created_at) VALUES (?, ?, ?)",
		username, string(hashed), toNanos(time.Now()),
	)
	if isConstraint(err) {
		return apperr.Auth("username already taken")
	}
	return apperr.Store("insert user", err)
}

// VerifyCredentials returns the user when password matches the stored hash.
func (db *DB) VerifyCredentials(ctx context.Context, username, password string) (*models.User, error) {
	if username == "" || password == "" {
		return nil, apperr.Validation("username and password required")
	}

	u, err := db.GetUser(ctx, username)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Auth("invalid credentials")
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		return nil, apperr.Auth("invalid credentials")
	}
	return u, nil
}

func (db *DB) GetUser(ctx context.Context, username string) (*models.User, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, apperr.Store("select user", err)
	}
	return u, nil
}

func (db *DB) UserExists(ctx context.Context, username string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, apperr.Store("count users", err)
	}
	return count > 0, nil
}

// ListUsers returns every registered user ordered by username.
func (db *DB) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY username ASC")
	if err != nil {
		return nil, apperr.Store("list users", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperr.Store("scan user", err)
		}
		users = append(users, *u)
	}
	return users, apperr.Store("list users", rows.Err())
}

// UpdateLastSeen records when the user's last connection closed.
func (db *DB) UpdateLastSeen(ctx context.Context, username string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_seen = ? WHERE username = ?",
		toNanos(t), username,
	)
	return apperr.Store("update last_seen", err)
}

func (db *DB) SetProfilePic(ctx context.Context, username, url string) (*models.User, error) {
	if strings.TrimSpace(url) == "" {
		return nil, apperr.Validation("url is required")
	}
	result, err := db.conn.ExecContext(ctx,
		"UPDATE users SET profile_pic_url = ? WHERE username = ?",
		url, username,
	)
	if err != nil {
		return nil, apperr.Store("update profile_pic_url", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, apperr.Store("update profile_pic_url", err)
	}
	if rowsAffected == 0 {
		return nil, apperr.NotFound("user not found")
	}
	return db.GetUser(ctx, username)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var lastSeen sql.NullInt64
	var createdAt int64
	if err := row.Scan(&u.Username, &u.Password, &u.ProfilePicURL, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	u.LastSeen = nullTime(lastSeen)
	u.CreatedAt = fromNanos(createdAt)
	return &u, nil
}
