// Event publish handler.
//
// This file exposes the internal ingestion endpoint backend services use to
// push realtime events into the fanout:
//   - POST /internal/v1/events
//
// Publishes are idempotent when the caller supplies Idempotency-Key and
// X-Producer-ID: the first accepted publish stores a receipt, retries get
// the original event id back without a second fanout.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-realtime-backend/internal/broadcast"
	"github.com/tbourn/go-realtime-backend/internal/domain"
	"github.com/tbourn/go-realtime-backend/internal/http/middleware"
	"github.com/tbourn/go-realtime-backend/internal/repo"
)

// PublishTarget selects who receives a published event. Kind is one of
// user, users, room, all; room targets require room_type and room_id,
// user targets require user_ids.
type PublishTarget struct {
	Kind     string   `json:"kind" binding:"required,oneof=user users room all"`
	RoomType string   `json:"room_type,omitempty"`
	RoomID   string   `json:"room_id,omitempty"`
	UserIDs  []string `json:"user_ids,omitempty"`
}

// PublishEventRequest is the JSON payload of POST /internal/v1/events.
type PublishEventRequest struct {
	Type       string          `json:"type" binding:"required"`
	Data       json.RawMessage `json:"data,omitempty"`
	FromUserID string          `json:"from_user_id,omitempty"`
	Target     PublishTarget   `json:"target" binding:"required"`
}

// PublishEventResponse acknowledges an accepted (or replayed) publish.
type PublishEventResponse struct {
	EventID string `json:"event_id"`
	Replay  bool   `json:"replay,omitempty"`
}

// PublishEvent validates the payload, resolves the target, and hands the
// event to the broadcaster. Retries carrying a known receipt are answered
// from the receipt without publishing again.
func (h *Handlers) PublishEvent(c *gin.Context) {
	var req PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid publish payload")
		return
	}

	target, errCode, errMsg := resolveTarget(req.Target)
	if errCode != "" {
		fail(c, http.StatusBadRequest, errCode, errMsg)
		return
	}

	ctx := c.Request.Context()
	producer, key, hasKey := middleware.PublishKey(c)

	if hasKey && middleware.IsReplay(c) {
		rec, err := repo.GetPublishReceipt(ctx, h.db, producer, key, time.Now().UTC())
		if err == nil && rec != nil {
			ok(c, http.StatusOK, PublishEventResponse{EventID: rec.EventID, Replay: true})
			return
		}
		// Receipt vanished between middleware lookup and now; publish fresh.
	}

	ev, err := h.bc.Publish(ctx, req.Type, req.Data, req.FromUserID, target)
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Str("type", req.Type).Msg("publish failed")
		fail(c, http.StatusInternalServerError, ErrCodePublishFailed, "event publish failed")
		return
	}

	if hasKey {
		if _, err := repo.CreatePublishReceipt(ctx, h.db, producer, key, ev.ID, h.receiptTTL); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				// Lost a race with a concurrent retry; both publishes were
				// accepted, answer with ours.
				ok(c, http.StatusAccepted, PublishEventResponse{EventID: ev.ID})
				return
			}
			middleware.LoggerFrom(c).Warn().Err(err).Msg("publish receipt not stored")
		}
	}

	ok(c, http.StatusAccepted, PublishEventResponse{EventID: ev.ID})
}

// resolveTarget maps the transport shape onto a broadcast target, returning
// an error code and message when the shape is inconsistent.
func resolveTarget(t PublishTarget) (broadcast.Target, string, string) {
	switch t.Kind {
	case "user":
		if len(t.UserIDs) != 1 {
			return broadcast.Target{}, ErrCodeInvalidTarget, "user target requires exactly one user id"
		}
		return broadcast.ToUser(t.UserIDs[0]), "", ""
	case "users":
		if len(t.UserIDs) == 0 {
			return broadcast.Target{}, ErrCodeInvalidTarget, "users target requires user ids"
		}
		return broadcast.ToUsers(t.UserIDs), "", ""
	case "room":
		rt, err := domain.ParseRoomType(t.RoomType)
		if err != nil || t.RoomID == "" {
			return broadcast.Target{}, ErrCodeInvalidTarget, "room target requires a valid room_type and room_id"
		}
		return broadcast.ToRoom(domain.Room{Type: rt, ID: t.RoomID}), "", ""
	case "all":
		return broadcast.ToAll(), "", ""
	}
	return broadcast.Target{}, ErrCodeInvalidTarget, "unknown target kind"
}
