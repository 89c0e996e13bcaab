// Package domain defines the core entities of the realtime subsystem: rooms,
// event payloads, aggregated user presence, and the persisted missed-event
// queue. Runtime-only types (rooms, presence, payloads) are plain structs;
// MissedEvent and PublishReceipt are mapped with GORM.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// RoomType classifies the logical channel a room represents.
type RoomType string

// Supported room types. A room groups subscribers by their association with
// a domain entity.
const (
	RoomUser    RoomType = "user"
	RoomProject RoomType = "project"
	RoomTask    RoomType = "task"
	RoomTeam    RoomType = "team"
)

// ParseRoomType maps a wire string onto a RoomType, rejecting unknown values.
func ParseRoomType(s string) (RoomType, error) {
	switch rt := RoomType(strings.ToLower(strings.TrimSpace(s))); rt {
	case RoomUser, RoomProject, RoomTask, RoomTeam:
		return rt, nil
	default:
		return "", fmt.Errorf("unknown room type %q", s)
	}
}

// Room identifies a logical channel by type and entity id.
type Room struct {
	Type RoomType `json:"type"`
	ID   string   `json:"id"`
}

// UserRoom returns the per-user room every connection of userID joins on
// connect. Direct-to-user delivery targets this room.
func UserRoom(userID string) Room { return Room{Type: RoomUser, ID: userID} }

// Key returns the canonical "type:id" form used as map key and backplane
// subject token.
func (r Room) Key() string { return string(r.Type) + ":" + r.ID }

// EventPayload is the unit of broadcast. It is immutable once published:
// the broadcaster stamps ID and Timestamp exactly once and every delivery
// path (local, backplane, missed-event replay) carries the same values.
type EventPayload struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	FromUserID string          `json:"from_user_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PresenceStatus is a user's aggregated availability, derived from all of
// their connections rather than per connection.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// UserPresence is the single presence record kept per user. Metadata fields
// are merged on every activity report; LastActivity drives the two-stage
// Online -> Away -> Offline decay sweep.
type UserPresence struct {
	UserID          string         `json:"user_id"`
	Status          PresenceStatus `json:"status"`
	LastActivity    time.Time      `json:"last_activity"`
	CurrentPage     string         `json:"current_page,omitempty"`
	ActiveTaskID    string         `json:"active_task_id,omitempty"`
	ActiveProjectID string         `json:"active_project_id,omitempty"`
	CustomData      map[string]any `json:"custom_data,omitempty"`
}

// MissedEvent is an event captured for later delivery because its target
// user had zero active connections at publish time. Rows exist only between
// capture and either first successful replay or retention expiry.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - UserID: target user; indexed together with MissedAt for ordered replay.
//   - EventType: payload type, duplicated out of Payload for cheap filtering.
//   - Payload: the serialized EventPayload, replayed verbatim.
//   - MissedAt: capture time; replay preserves MissedAt ASC order.
type MissedEvent struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string         `json:"user_id"    gorm:"type:varchar(64);not null;index:idx_user_missed,priority:1"`
	EventType string         `json:"event_type" gorm:"type:varchar(64);not null"`
	Payload   []byte         `json:"payload"    gorm:"type:blob;not null"`
	MissedAt  time.Time      `json:"missed_at"  gorm:"index:idx_user_missed,priority:2"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for MissedEvent.
func (MissedEvent) TableName() string { return "missed_events" }

// Event decodes the stored payload back into an EventPayload.
func (m *MissedEvent) Event() (EventPayload, error) {
	var ev EventPayload
	err := json.Unmarshal(m.Payload, &ev)
	return ev, err
}
