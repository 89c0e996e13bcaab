package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseRoomType(t *testing.T) {
	cases := []struct {
		in      string
		want    RoomType
		wantErr bool
	}{
		{"user", RoomUser, false},
		{"project", RoomProject, false},
		{"task", RoomTask, false},
		{"team", RoomTeam, false},
		{"  TEAM  ", RoomTeam, false}, // case + trim
		{"", "", true},
		{"channel", "", true},
	}

	for _, tc := range cases {
		got, err := ParseRoomType(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseRoomType(%q) = %v; want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseRoomType(%q) = (%v, %v); want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestRoomKey(t *testing.T) {
	if got := (Room{Type: RoomProject, ID: "p42"}).Key(); got != "project:p42" {
		t.Fatalf("Key() = %q; want %q", got, "project:p42")
	}
	if got := UserRoom("u1").Key(); got != "user:u1" {
		t.Fatalf("UserRoom Key() = %q; want %q", got, "user:u1")
	}
}

func TestMissedEvent_RoundTripsPayload(t *testing.T) {
	orig := EventPayload{
		ID:         "ev-1",
		Type:       "task:updated",
		Data:       json.RawMessage(`{"task_id":"t1","title":"Buy milk"}`),
		FromUserID: "u9",
		Timestamp:  time.Date(2026, time.March, 2, 10, 30, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(orig)
	if err != nil {
		t.Fatal(err)
	}

	m := MissedEvent{ID: "m1", UserID: "u1", EventType: orig.Type, Payload: raw}
	got, err := m.Event()
	if err != nil {
		t.Fatalf("Event() error: %v", err)
	}
	if got.ID != orig.ID || got.Type != orig.Type || got.FromUserID != orig.FromUserID {
		t.Fatalf("Event() = %+v; want %+v", got, orig)
	}
	if !got.Timestamp.Equal(orig.Timestamp) {
		t.Fatalf("Timestamp = %v; want %v", got.Timestamp, orig.Timestamp)
	}
	if string(got.Data) != string(orig.Data) {
		t.Fatalf("Data = %s; want %s", got.Data, orig.Data)
	}
}

func TestMissedEvent_EventRejectsGarbage(t *testing.T) {
	m := MissedEvent{Payload: []byte("{not json")}
	if _, err := m.Event(); err == nil {
		t.Fatal("Event() on garbage payload: want error")
	}
}
