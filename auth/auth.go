// Package auth verifies credentials and issues the session tokens a client may
// present when it identifies on the event channel.
package auth

import (
	"context"
	"errors"
	"time"

	"chatrelay/apperr"
	"chatrelay/models"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialStore is the user table as seen by authentication. *db.DB implements it.
type CredentialStore interface {
	CreateUser(ctx context.Context, username, password string) error
	VerifyCredentials(ctx context.Context, username, password string) (*models.User, error)
}

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Tokens signs and checks HS256 session tokens. A zero secret disables issuing.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *Tokens) Enabled() bool { return t != nil && len(t.secret) > 0 }

// Issue returns a signed token for username, or "" when tokens are disabled.
func (t *Tokens) Issue(username string) (string, error) {
	if !t.Enabled() {
		return "", nil
	}
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	})
	return token.SignedString(t.secret)
}

// Verify checks the signature and expiry and returns the username it was issued to.
func (t *Tokens) Verify(tokenStr string) (string, error) {
	if !t.Enabled() {
		return "", apperr.Auth("tokens are not enabled")
	}
	if tokenStr == "" {
		return "", apperr.Auth("missing token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil || !token.Valid {
		return "", apperr.Auth("invalid token")
	}
	if claims.Username == "" {
		return "", apperr.Auth("invalid token")
	}
	return claims.Username, nil
}

// Session is the login response.
type Session struct {
	Username      string `json:"username"`
	ProfilePicURL string `json:"profilePicUrl,omitempty"`
	Token         string `json:"token,omitempty"`
}

type Service struct {
	store  CredentialStore
	tokens *Tokens
}

func NewService(store CredentialStore, tokens *Tokens) *Service {
	return &Service{store: store, tokens: tokens}
}

func (s *Service) Register(ctx context.Context, username, password string) error {
	return s.store.CreateUser(ctx, username, password)
}

func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	u, err := s.store.VerifyCredentials(ctx, username, password)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.Issue(u.Username)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindInternal, Msg: "sign token", Err: err}
	}
	return &Session{Username: u.Username, ProfilePicURL: u.ProfilePicURL, Token: token}, nil
}

// Tokens exposes the token verifier used by the event channel.
func (s *Service) Tokens() *Tokens { return s.tokens }
