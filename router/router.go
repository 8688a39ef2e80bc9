package router

import (
	"fmt"

	"chatrelay/apperr"
	"chatrelay/metrics"
	"chatrelay/models"
	"chatrelay/presence"
	"chatrelay/protocol"

	"go.uber.org/zap"
)

// Scope selects the connections an event is delivered to.
type Scope string

const (
	// ScopeBroadcast reaches every connection, identified or not.
	ScopeBroadcast Scope = "broadcast"
	// ScopeConversation reaches both parties of the message.
	ScopeConversation Scope = "conversation"
	// ScopeSender reaches the author of the message only.
	ScopeSender Scope = "sender"
	// ScopeRequester reaches the connection that asked.
	ScopeRequester Scope = "requester"
)

// Policy holds the configurable fan-out scopes.
type Policy struct {
	Edit     Scope `yaml:"edit"`
	Delete   Scope `yaml:"delete"`
	Reaction Scope `yaml:"reaction"`
	Status   Scope `yaml:"status"`
	Seen     Scope `yaml:"seen"`
}

func DefaultPolicy() Policy {
	return Policy{
		Edit:     ScopeConversation,
		Delete:   ScopeConversation,
		Reaction: ScopeConversation,
		Status:   ScopeConversation,
		Seen:     ScopeConversation,
	}
}

func (p Policy) Validate() error {
	checks := []struct {
		name    string
		scope   Scope
		allowed []Scope
	}{
		{"edit", p.Edit, []Scope{ScopeBroadcast, ScopeConversation}},
		{"delete", p.Delete, []Scope{ScopeBroadcast, ScopeConversation}},
		{"reaction", p.Reaction, []Scope{ScopeBroadcast, ScopeConversation}},
		{"status", p.Status, []Scope{ScopeBroadcast, ScopeConversation, ScopeSender}},
		{"seen", p.Seen, []Scope{ScopeRequester, ScopeConversation, ScopeBroadcast}},
	}
	for _, c := range checks {
		ok := false
		for _, a := range c.allowed {
			if c.scope == a {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("delivery scope %s: %q not one of %v", c.name, c.scope, c.allowed)
		}
	}
	return nil
}

// Directory resolves recipients. *presence.Tracker implements it.
type Directory interface {
	All() []presence.Conn
	ConnectionsFor(username string) []presence.Conn
}

// Router turns store outcomes into frames for the right connections. Delivery is
// best effort: a failing connection is logged and skipped. Every emit returns the
// number of connections the frame was queued to.
type Router struct {
	dir     Directory
	policy  Policy
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(dir Directory, policy Policy, log *zap.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{dir: dir, policy: policy, log: log, metrics: m}
}

func (r *Router) Policy() Policy { return r.policy }

// PresenceChanged sends the online set to every connection.
func (r *Router) PresenceChanged(online []string) int {
	return r.emit(protocol.EventOnlineUsers, online, r.dir.All())
}

// MessageSent delivers a new message to every connection of both parties.
func (r *Router) MessageSent(m *models.Message) int {
	return r.emit(protocol.EventReceiveMessage, m, r.users(m.Receiver, m.Sender))
}

func (r *Router) MessageEdited(m *models.Message) int {
	return r.emit(protocol.EventMessageUpdated, m, r.targets(r.policy.Edit, m.Sender, m.Receiver))
}

// MessageDeleted announces the id of a removed message.
func (r *Router) MessageDeleted(m *models.Message) int {
	return r.emit(protocol.EventMessageDeleted, m.ID, r.targets(r.policy.Delete, m.Sender, m.Receiver))
}

func (r *Router) ReactionToggled(m *models.Message, reactions []models.Reaction) int {
	if reactions == nil {
		reactions = []models.Reaction{}
	}
	update := models.ReactionUpdate{MessageID: m.ID, Reactions: reactions}
	return r.emit(protocol.EventReactionUpdated, update, r.targets(r.policy.Reaction, m.Sender, m.Receiver))
}

func (r *Router) StatusChanged(m *models.Message) int {
	update := models.StatusUpdate{MessageID: m.ID, Status: m.Status}
	var conns []presence.Conn
	if r.policy.Status == ScopeSender {
		conns = r.users(m.Sender)
	} else {
		conns = r.targets(r.policy.Status, m.Sender, m.Receiver)
	}
	return r.emit(protocol.EventMessageStatusUpdated, update, conns)
}

// Typing is relayed to the receiver's connections only.
func (r *Router) Typing(req models.TypingRequest) int {
	notice := models.TypingNotice{Sender: req.Sender, IsTyping: req.IsTyping}
	return r.emit(protocol.EventTyping, notice, r.users(req.Receiver))
}

// MessagesSeen delivers the sender->receiver subset after a bulk seen. requester is
// the connection that issued it.
func (r *Router) MessagesSeen(requester presence.Conn, sender, receiver string, messages []models.Message) int {
	if messages == nil {
		messages = []models.Message{}
	}
	var conns []presence.Conn
	if r.policy.Seen == ScopeRequester {
		if requester != nil {
			conns = []presence.Conn{requester}
		}
	} else {
		conns = r.targets(r.policy.Seen, sender, receiver)
	}
	return r.emit(protocol.EventMessagesSeen, messages, conns)
}

// Error reports a failed event back to the connection that sent it.
func (r *Router) Error(c presence.Conn, event string, err error) int {
	notice := models.ErrorNotice{Event: event, Error: apperr.Public(err)}
	return r.emit(protocol.EventError, notice, []presence.Conn{c})
}

func (r *Router) targets(scope Scope, sender, receiver string) []presence.Conn {
	if scope == ScopeBroadcast {
		return r.dir.All()
	}
	return r.users(sender, receiver)
}

// users collects the connections of each username once, even when a user messages
// themselves.
func (r *Router) users(usernames ...string) []presence.Conn {
	seen := make(map[string]bool)
	var out []presence.Conn
	for _, name := range usernames {
		for _, c := range r.dir.ConnectionsFor(name) {
			if seen[c.ID()] {
				continue
			}
			seen[c.ID()] = true
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) emit(event string, payload any, conns []presence.Conn) int {
	if len(conns) == 0 {
		return 0
	}
	env, err := protocol.New(event, payload)
	if err != nil {
		r.log.Error("encode_failed", zap.String("event", event), zap.Error(err))
		return 0
	}

	sent := 0
	for _, c := range conns {
		if err := c.Send(env); err != nil {
			r.log.Warn("send_failed", zap.String("event", event), zap.String("conn", c.ID()), zap.Error(err))
			r.metrics.SendFailed()
			continue
		}
		sent++
	}
	r.metrics.Emitted(event, sent)
	return sent
}
