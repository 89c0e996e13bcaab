// Package gateway terminates websocket connections for the realtime
// subsystem. This file defines the wire protocol: inbound frame envelopes
// sent by clients and the outbound frame constructors the gateway and its
// collaborators emit.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/tbourn/go-realtime-backend/internal/domain"
)

// Inbound frame events.
const (
	FrameActivity         = "activity"
	FrameSubscribe        = "subscribe"
	FrameUnsubscribe      = "unsubscribe"
	FramePing             = "ping"
	FramePong             = "pong"
	FrameReconnectRequest = "reconnect_request"
	FrameRequestMissed    = "request_missed_events"
)

// Outbound frame events.
const (
	FrameEstablished        = "connection:established"
	FrameSubscribeConfirmed = "subscription:confirmed"
	FrameSubscribeDenied    = "subscription:denied"
	FrameSubscribeRemoved   = "subscription:removed"
	FrameMissedEvents       = "missed_events"
	FrameMissedSinceDisco   = "missed_events_since_disconnect"
	FrameRateLimitExceeded  = "rate_limit_exceeded"
	FrameServerShutdown     = "server_shutdown"
	FramePongReply          = "pong"
	FrameError              = "error"
)

// Stable error codes carried in error frames. Internal identifiers and
// stack traces never appear here.
const (
	CodeAuthFailed      = "auth_failed"
	CodeBadFrame        = "bad_frame"
	CodeUnknownEvent    = "unknown_event"
	CodeSessionNotFound = "session_not_found"
	CodeInternal        = "internal_error"
)

// inboundFrame is the envelope every client frame arrives in.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outboundFrame is the envelope every server frame leaves in.
type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// subscribeData is the payload of subscribe/unsubscribe frames.
type subscribeData struct {
	RoomType string `json:"room_type"`
	RoomID   string `json:"room_id"`
}

// activityData is the payload of activity frames.
type activityData struct {
	CurrentPage     string         `json:"current_page,omitempty"`
	ActiveTaskID    string         `json:"active_task_id,omitempty"`
	ActiveProjectID string         `json:"active_project_id,omitempty"`
	CustomData      map[string]any `json:"custom_data,omitempty"`
}

// reconnectData is the payload of reconnect_request frames.
type reconnectData struct {
	SessionID string `json:"session_id"`
}

// establishedData acknowledges a successful handshake. The connection id
// doubles as the session id for later reconnect requests.
type establishedData struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	ServerTime   time.Time `json:"server_time"`
}

// roomData echoes the room a subscription frame addressed.
type roomData struct {
	RoomType string `json:"room_type"`
	RoomID   string `json:"room_id"`
}

// missedData carries a replay batch in capture order.
type missedData struct {
	Events []domain.EventPayload `json:"events"`
	Count  int                   `json:"count"`
}

// rateLimitData is the structured refusal for a throttled frame.
type rateLimitData struct {
	Reason         string  `json:"reason"`
	RetryAfterSecs float64 `json:"retry_after_seconds"`
}

// errorData is the structured payload of error frames.
type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// marshalFrame encodes an outbound frame, returning nil on the (practically
// impossible) marshal failure so callers can skip the send.
func marshalFrame(event string, data any) []byte {
	b, err := json.Marshal(outboundFrame{Event: event, Data: data})
	if err != nil {
		return nil
	}
	return b
}

// eventFrame wraps a broadcast payload: the frame event is the payload type.
func eventFrame(ev domain.EventPayload) []byte {
	return marshalFrame(ev.Type, ev)
}
