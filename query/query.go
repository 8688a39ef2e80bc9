// Package query answers read-only requests: the user list and conversation history.
package query

import (
	"context"
	"strings"

	"chatrelay/apperr"
	"chatrelay/models"
)

type Store interface {
	ListUsers(ctx context.Context) ([]models.User, error)
	ParticipantUsernames(ctx context.Context) ([]string, error)
	FindConversation(ctx context.Context, a, b string) ([]models.Message, error)
}

// Presence reports who is online. *presence.Tracker implements it.
type Presence interface {
	IsOnline(username string) bool
}

type Service struct {
	store    Store
	presence Presence
	// deriveFromMessages lists message participants when nobody has registered,
	// for databases that predate the user table.
	deriveFromMessages bool
}

func New(store Store, presence Presence, deriveFromMessages bool) *Service {
	return &Service{store: store, presence: presence, deriveFromMessages: deriveFromMessages}
}

// ListUsers returns every known user ordered by username with the online flag set.
func (s *Service) ListUsers(ctx context.Context) ([]models.UserSummary, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.UserSummary, 0, len(users))
	for _, u := range users {
		summaries = append(summaries, models.UserSummary{
			Username:      u.Username,
			LastSeen:      u.LastSeen,
			ProfilePicURL: u.ProfilePicURL,
			Online:        s.online(u.Username),
		})
	}
	if len(summaries) > 0 || !s.deriveFromMessages {
		return summaries, nil
	}

	names, err := s.store.ParticipantUsernames(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		summaries = append(summaries, models.UserSummary{Username: name, Online: s.online(name)})
	}
	return summaries, nil
}

// GetConversation returns the messages between sender and receiver in both
// directions, oldest first.
func (s *Service) GetConversation(ctx context.Context, sender, receiver string) ([]models.Message, error) {
	sender = strings.TrimSpace(sender)
	receiver = strings.TrimSpace(receiver)
	if sender == "" || receiver == "" {
		return nil, apperr.Validation("sender and receiver are required")
	}
	return s.store.FindConversation(ctx, sender, receiver)
}

func (s *Service) online(username string) bool {
	return s.presence != nil && s.presence.IsOnline(username)
}
