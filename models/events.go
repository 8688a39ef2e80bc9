package models

// Payloads carried by the event channel.

type ReactionRequest struct {
	MessageID string `json:"messageId"`
	User      string `json:"user"`
	Reaction  string `json:"reaction"`
}

type ReactionUpdate struct {
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

type TypingRequest struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	IsTyping bool   `json:"isTyping"`
}

type TypingNotice struct {
	Sender   string `json:"sender"`
	IsTyping bool   `json:"isTyping"`
}

type SeenRequest struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

type StatusRequest struct {
	MessageID string `json:"messageId"`
}

type StatusUpdate struct {
	MessageID string `json:"messageId"`
	Status    Status `json:"status"`
}

// EditRequest accepts both "_id" and "id" for the message id.
type EditRequest struct {
	ID      string `json:"_id"`
	AltID   string `json:"id"`
	Content string `json:"content"`
}

func (r EditRequest) MessageID() string {
	if r.ID != "" {
		return r.ID
	}
	return r.AltID
}

type Identify struct {
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

type ErrorNotice struct {
	Event string `json:"event,omitempty"`
	Error string `json:"error"`
}

// SendRequest is the inbound send_message payload.
type SendRequest struct {
	Sender   string      `json:"sender"`
	Receiver string      `json:"receiver"`
	Content  string      `json:"content"`
	Kind     ContentKind `json:"kind,omitempty"`
	FileType string      `json:"fileType,omitempty"`
	FileURL  string      `json:"fileUrl,omitempty"`
}

// NewMessage converts the request into store input. A fileUrl field (older clients)
// takes precedence over content as the file reference.
func (r SendRequest) NewMessage() (NewMessage, error) {
	value := r.Content
	kind := r.Kind
	if r.FileURL != "" {
		value = r.FileURL
		if kind == "" || kind == KindText {
			kind = KindFromMime(r.FileType)
		}
	}
	content, err := ClassifyContent(value, kind, r.FileType)
	if err != nil {
		return NewMessage{}, err
	}
	return NewMessage{Sender: r.Sender, Receiver: r.Receiver, Content: content}, nil
}
