package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestStatusOrder(t *testing.T) {
	tests := []struct {
		a, b  Status
		after bool
	}{
		{StatusDelivered, StatusSent, true},
		{StatusRead, StatusDelivered, true},
		{StatusRead, StatusSent, true},
		{StatusSent, StatusRead, false},
		{StatusSent, StatusSent, false},
		{Status("bogus"), StatusSent, false},
	}

	for _, tt := range tests {
		if got := tt.a.After(tt.b); got != tt.after {
			t.Errorf("%s.After(%s) = %v, want %v", tt.a, tt.b, got, tt.after)
		}
	}

	for rank := 0; rank < 3; rank++ {
		s, err := StatusFromRank(rank)
		if err != nil {
			t.Fatalf("StatusFromRank(%d): %v", rank, err)
		}
		if s.Rank() != rank {
			t.Errorf("round trip rank %d -> %s -> %d", rank, s, s.Rank())
		}
	}
	if _, err := StatusFromRank(7); err == nil {
		t.Error("Expected error for unknown rank")
	}
}

func TestClassifyContent(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		kind     ContentKind
		fileType string
		want     ContentKind
		wantErr  bool
	}{
		{"plain text", "hi", "", "", KindText, false},
		{"explicit text", "hi.png", KindText, "", KindText, false},
		{"image by mime", "/uploads/1", "", "image/png", KindImage, false},
		{"file by mime", "/uploads/2", "", "application/pdf", KindFile, false},
		{"explicit image", "/uploads/3", KindImage, "", KindImage, false},
		{"unknown kind", "x", ContentKind("video"), "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ClassifyContent(tt.value, tt.kind, tt.fileType)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got %+v", c)
				}
				return
			}
			if err != nil {
				t.Fatalf("ClassifyContent: %v", err)
			}
			if c.Kind != tt.want {
				t.Errorf("Expected kind %q, got %q", tt.want, c.Kind)
			}
			if c.Value() != tt.value {
				t.Errorf("Expected value %q, got %q", tt.value, c.Value())
			}
		})
	}
}

func TestTextNamedLikeAFileStaysText(t *testing.T) {
	req := SendRequest{Sender: "alice", Receiver: "bob", Content: "look at cat.jpg"}
	nm, err := req.NewMessage()
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if nm.Content.Kind != KindText {
		t.Errorf("Expected text, got %q", nm.Content.Kind)
	}
}

func TestSendRequestFileURL(t *testing.T) {
	req := SendRequest{Sender: "alice", Receiver: "bob", Content: "caption", FileURL: "/uploads/abc", FileType: "image/jpeg"}
	nm, err := req.NewMessage()
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if nm.Content.Kind != KindImage || nm.Content.URL != "/uploads/abc" {
		t.Errorf("Unexpected content %+v", nm.Content)
	}
}

func TestMessageJSONSeenView(t *testing.T) {
	m := Message{
		ID:        "m1",
		Sender:    "alice",
		Receiver:  "bob",
		Content:   TextContent("hi"),
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Status:    StatusRead,
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"_id":"m1"`, `"seen":true`, `"status":"read"`, `"reactions":[]`, `"kind":"text"`} {
		if !strings.Contains(s, want) {
			t.Errorf("Expected %s in %s", want, s)
		}
	}

	var legacy Message
	if err := json.Unmarshal([]byte(`{"_id":"m2","sender":"a","receiver":"b","content":"x","seen":true}`), &legacy); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if legacy.Status != StatusRead {
		t.Errorf("Expected legacy seen=true to map to read, got %q", legacy.Status)
	}
}
