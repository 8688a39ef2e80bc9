package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type User struct {
	Username      string     `json:"username"`
	Password      string     `json:"-"` // hashed
	ProfilePicURL string     `json:"profilePicUrl,omitempty"`
	LastSeen      *time.Time `json:"lastSeen,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// UserSummary is the public view returned by the user list.
type UserSummary struct {
	Username      string     `json:"username"`
	LastSeen      *time.Time `json:"lastSeen,omitempty"`
	ProfilePicURL string     `json:"profilePicUrl,omitempty"`
	Online        bool       `json:"online"`
}

type Reaction struct {
	User     string `json:"user"`
	Reaction string `json:"reaction"`
}

type Message struct {
	ID        string
	Sender    string
	Receiver  string
	Content   Content
	Timestamp time.Time
	Status    Status
	Reactions []Reaction
	EditedAt  *time.Time
}

// Seen is the legacy boolean view of the status.
func (m *Message) Seen() bool {
	return m.Status == StatusRead
}

// Involves reports whether username is one of the two parties.
func (m *Message) Involves(username string) bool {
	return m.Sender == username || m.Receiver == username
}

type messageJSON struct {
	ID        string      `json:"_id"`
	Sender    string      `json:"sender"`
	Receiver  string      `json:"receiver"`
	Content   string      `json:"content"`
	Kind      ContentKind `json:"kind"`
	FileType  string      `json:"fileType,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Status    Status      `json:"status"`
	Seen      bool        `json:"seen"`
	Reactions []Reaction  `json:"reactions"`
	EditedAt  *time.Time  `json:"editedAt,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	reactions := m.Reactions
	if reactions == nil {
		reactions = []Reaction{}
	}
	return json.Marshal(messageJSON{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content.Value(),
		Kind:      m.Content.Kind,
		FileType:  m.Content.MimeType,
		Timestamp: m.Timestamp,
		Status:    m.Status,
		Seen:      m.Status == StatusRead,
		Reactions: reactions,
		EditedAt:  m.EditedAt,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	content, err := ClassifyContent(raw.Content, raw.Kind, raw.FileType)
	if err != nil {
		return err
	}
	status := raw.Status
	if status == "" {
		status = StatusSent
		if raw.Seen {
			status = StatusRead
		}
	}
	*m = Message{
		ID:        raw.ID,
		Sender:    raw.Sender,
		Receiver:  raw.Receiver,
		Content:   content,
		Timestamp: raw.Timestamp,
		Status:    status,
		Reactions: raw.Reactions,
		EditedAt:  raw.EditedAt,
	}
	return nil
}

// NewMessage carries the caller-supplied fields of a message to create.
type NewMessage struct {
	Sender    string
	Receiver  string
	Content   Content
	Timestamp time.Time
}

func (s Status) String() string { return string(s) }

func (k ContentKind) String() string { return string(k) }

func (c Content) String() string {
	return fmt.Sprintf("%s:%s", c.Kind, c.Value())
}
