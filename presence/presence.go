package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatrelay/protocol"

	"go.uber.org/zap"
)

// Conn is one live client connection.
type Conn interface {
	ID() string
	Send(env protocol.Envelope) error
}

// LastSeenRecorder persists the moment a user's last connection closed.
type LastSeenRecorder interface {
	UpdateLastSeen(ctx context.Context, username string, t time.Time) error
}

type Stats struct {
	Connections int
	Identified  int
	Users       []string
}

// Tracker maps usernames to their open connections. A username is online while it
// has at least one identified connection.
type Tracker struct {
	mu     sync.Mutex
	conns  map[string]Conn            // every attached connection by id
	owner  map[string]string          // connection id -> username
	byUser map[string]map[string]Conn // username -> connection id -> conn

	recorder LastSeenRecorder
	log      *zap.Logger
	now      func() time.Time
}

func NewTracker(recorder LastSeenRecorder, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		conns:    make(map[string]Conn),
		owner:    make(map[string]string),
		byUser:   make(map[string]map[string]Conn),
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
}

// Attach registers a connection that has not identified yet. It receives broadcasts
// but is not part of any user's set.
func (t *Tracker) Attach(c Conn) {
	t.mu.Lock()
	t.conns[c.ID()] = c
	t.mu.Unlock()
}

// Identify binds c to username and reports whether username just came online.
// Identifying the same connection again under the same name changes nothing; under
// another name the connection moves and the previous owner may go offline.
func (t *Tracker) Identify(c Conn, username string) (becameOnline bool) {
	var leftUser string
	t.mu.Lock()
	id := c.ID()
	t.conns[id] = c
	if prev, ok := t.owner[id]; ok {
		if prev == username {
			t.mu.Unlock()
			return false
		}
		if t.detach(id, prev) {
			leftUser = prev
		}
	}
	set, ok := t.byUser[username]
	if !ok {
		set = make(map[string]Conn)
		t.byUser[username] = set
	}
	becameOnline = len(set) == 0
	set[id] = c
	t.owner[id] = username
	t.mu.Unlock()

	if leftUser != "" {
		t.recordLastSeen(leftUser)
	}
	if becameOnline {
		t.log.Info("presence_online", zap.String("user", username), zap.String("conn", id))
	}
	return becameOnline
}

// Remove drops c from the tracker. It returns the owning username (empty for an
// unidentified connection) and whether that user has no connections left.
func (t *Tracker) Remove(c Conn) (username string, wentOffline bool) {
	id := c.ID()
	t.mu.Lock()
	delete(t.conns, id)
	username, ok := t.owner[id]
	if ok {
		wentOffline = t.detach(id, username)
	}
	t.mu.Unlock()

	if wentOffline {
		t.log.Info("presence_offline", zap.String("user", username), zap.String("conn", id))
		t.recordLastSeen(username)
	}
	return username, wentOffline
}

// detach must be called with mu held.
func (t *Tracker) detach(id, username string) (empty bool) {
	delete(t.owner, id)
	set := t.byUser[username]
	delete(set, id)
	if len(set) == 0 {
		delete(t.byUser, username)
		return true
	}
	return false
}

func (t *Tracker) recordLastSeen(username string) {
	if t.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.recorder.UpdateLastSeen(ctx, username, t.now()); err != nil {
		t.log.Warn("last_seen_failed", zap.String("user", username), zap.Error(err))
	}
}

// Username returns the identity bound to c, if any.
func (t *Tracker) Username(c Conn) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.owner[c.ID()]
	return u, ok
}

func (t *Tracker) IsOnline(username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byUser[username]) > 0
}

// OnlineUsernames returns a sorted snapshot of the online set.
func (t *Tracker) OnlineUsernames() []string {
	t.mu.Lock()
	names := make([]string, 0, len(t.byUser))
	for name := range t.byUser {
		names = append(names, name)
	}
	t.mu.Unlock()
	sort.Strings(names)
	return names
}

func (t *Tracker) ConnectionsFor(username string) []Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.byUser[username]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// All returns every attached connection, identified or not.
func (t *Tracker) All() []Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

func (t *Tracker) Stats() Stats {
	return Stats{
		Connections: t.connectionCount(),
		Identified:  t.identifiedCount(),
		Users:       t.OnlineUsernames(),
	}
}

func (t *Tracker) connectionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Tracker) identifiedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.owner)
}
