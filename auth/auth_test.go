package auth

import (
	"context"
	"testing"
	"time"

	"chatrelay/apperr"
	"chatrelay/models"
)

type memStore struct {
	users map[string]string
}

func (m *memStore) CreateUser(ctx context.Context, username, password string) error {
	if _, ok := m.users[username]; ok {
		return apperr.Auth("username already taken")
	}
	m.users[username] = password
	return nil
}

func (m *memStore) VerifyCredentials(ctx context.Context, username, password string) (*models.User, error) {
	if p, ok := m.users[username]; !ok || p != password {
		return nil, apperr.Auth("invalid credentials")
	}
	return &models.User{Username: username}, nil
}

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokens("s3cret", time.Hour)
	token, err := tokens.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	user, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if user != "alice" {
		t.Errorf("Expected alice, got %q", user)
	}
}

func TestTokenRejected(t *testing.T) {
	tokens := NewTokens("s3cret", time.Hour)
	token, _ := tokens.Issue("alice")

	other := NewTokens("different", time.Hour)
	if _, err := other.Verify(token); !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("Expected auth error for wrong secret, got %v", err)
	}

	expired := NewTokens("s3cret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := expired.Verify(token); !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("Expected auth error for expired token, got %v", err)
	}

	if _, err := tokens.Verify(""); !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("Expected auth error for empty token, got %v", err)
	}
	if _, err := tokens.Verify("not.a.token"); !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("Expected auth error for garbage, got %v", err)
	}
}

func TestDisabledTokens(t *testing.T) {
	tokens := NewTokens("", 0)
	token, err := tokens.Issue("alice")
	if err != nil || token != "" {
		t.Errorf("Expected no token, got %q %v", token, err)
	}
}

func TestServiceLogin(t *testing.T) {
	svc := NewService(&memStore{users: map[string]string{}}, NewTokens("k", time.Hour))
	ctx := context.Background()

	if err := svc.Register(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Register(ctx, "alice", "pw"); !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("Expected duplicate to fail, got %v", err)
	}

	session, err := svc.Login(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.Username != "alice" || session.Token == "" {
		t.Errorf("Unexpected session %+v", session)
	}
	if user, err := svc.Tokens().Verify(session.Token); err != nil || user != "alice" {
		t.Errorf("Issued token should verify, got %q %v", user, err)
	}

	if _, err := svc.Login(ctx, "alice", "nope"); !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("Expected invalid credentials, got %v", err)
	}
}
