package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatrelay/protocol"
)

type fakeConn struct{ id string }

func (c *fakeConn) ID() string                       { return c.id }
func (c *fakeConn) Send(env protocol.Envelope) error { return nil }

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) UpdateLastSeen(ctx context.Context, username string, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, username)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestMultiDevicePresence(t *testing.T) {
	rec := &recorder{}
	tracker := NewTracker(rec, nil)
	phone := &fakeConn{id: "c1"}
	laptop := &fakeConn{id: "c2"}

	if !tracker.Identify(phone, "alice") {
		t.Error("First connection should bring alice online")
	}
	if tracker.Identify(laptop, "alice") {
		t.Error("Second connection must not report a new online transition")
	}

	user, offline := tracker.Remove(phone)
	if user != "alice" || offline {
		t.Errorf("Expected alice still online, got (%q, %v)", user, offline)
	}
	if !tracker.IsOnline("alice") {
		t.Error("alice should stay online while the laptop is connected")
	}
	if rec.count() != 0 {
		t.Error("last seen must not be recorded while a connection remains")
	}

	user, offline = tracker.Remove(laptop)
	if user != "alice" || !offline {
		t.Errorf("Expected alice offline, got (%q, %v)", user, offline)
	}
	if tracker.IsOnline("alice") {
		t.Error("alice should be offline")
	}
	if rec.count() != 1 {
		t.Errorf("Expected one last seen record, got %d", rec.count())
	}
}

func TestIdentifyIsIdempotent(t *testing.T) {
	tracker := NewTracker(nil, nil)
	c := &fakeConn{id: "c1"}

	tracker.Identify(c, "alice")
	if tracker.Identify(c, "alice") {
		t.Error("Re-identify of the same connection must be a no-op")
	}
	if got := len(tracker.ConnectionsFor("alice")); got != 1 {
		t.Errorf("Expected 1 connection, got %d", got)
	}
}

func TestIdentifyMovesConnection(t *testing.T) {
	rec := &recorder{}
	tracker := NewTracker(rec, nil)
	c := &fakeConn{id: "c1"}

	tracker.Identify(c, "alice")
	if !tracker.Identify(c, "bob") {
		t.Error("bob should come online")
	}
	if tracker.IsOnline("alice") {
		t.Error("alice has no connection left")
	}
	if rec.count() != 1 {
		t.Errorf("Expected last seen for alice, got %d records", rec.count())
	}
	if u, _ := tracker.Username(c); u != "bob" {
		t.Errorf("Expected owner bob, got %q", u)
	}
}

func TestRemoveUnidentified(t *testing.T) {
	tracker := NewTracker(nil, nil)
	c := &fakeConn{id: "anon"}
	tracker.Attach(c)

	if got := len(tracker.All()); got != 1 {
		t.Fatalf("Expected 1 attached connection, got %d", got)
	}
	user, offline := tracker.Remove(c)
	if user != "" || offline {
		t.Errorf("Expected no owner, got (%q, %v)", user, offline)
	}
	if _, offline := tracker.Remove(c); offline {
		t.Error("Second remove must not report offline")
	}
	if got := len(tracker.All()); got != 0 {
		t.Errorf("Expected no connections, got %d", got)
	}
}

func TestOnlineUsernamesSorted(t *testing.T) {
	tracker := NewTracker(nil, nil)
	for i, name := range []string{"carol", "alice", "bob"} {
		tracker.Identify(&fakeConn{id: fmt.Sprint(i)}, name)
	}
	tracker.Attach(&fakeConn{id: "anon"})

	got := tracker.OnlineUsernames()
	if fmt.Sprint(got) != "[alice bob carol]" {
		t.Errorf("Unexpected order %v", got)
	}

	stats := tracker.Stats()
	if stats.Connections != 4 || stats.Identified != 3 || len(stats.Users) != 3 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestConcurrentIdentifyRemove(t *testing.T) {
	rec := &recorder{}
	tracker := NewTracker(rec, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &fakeConn{id: fmt.Sprintf("c%d", i)}
			tracker.Identify(c, "alice")
			tracker.Remove(c)
		}(i)
	}
	wg.Wait()

	if tracker.IsOnline("alice") {
		t.Error("alice should be offline once every connection closed")
	}
	if len(tracker.All()) != 0 {
		t.Error("Expected no connections left")
	}
}
