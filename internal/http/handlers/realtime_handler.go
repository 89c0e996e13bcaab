// Realtime HTTP handlers.
//
// This file exposes the REST surface of the realtime subsystem:
//   - GET /ws                      (websocket upgrade, handled by the gateway)
//   - GET /presence                (list users currently online)
//   - GET /presence/{userID}       (presence snapshot for one user)
//   - GET /stats                   (live gateway and session counters)
//
// Handlers are transport-thin: they validate input, delegate to the realtime
// core, and translate outcomes into HTTP results.
package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-backend/internal/broadcast"
	"github.com/tbourn/go-realtime-backend/internal/gateway"
	"github.com/tbourn/go-realtime-backend/internal/presence"
	"github.com/tbourn/go-realtime-backend/internal/recovery"
	"github.com/tbourn/go-realtime-backend/internal/utils"
)

// Handlers bundles the realtime collaborators the HTTP layer fronts.
type Handlers struct {
	gw      *gateway.Gateway
	bc      *broadcast.Broadcaster
	tracker *presence.Tracker
	manager *recovery.Manager
	db      *gorm.DB

	receiptTTL time.Duration
	instanceID string
}

// New constructs the handler set. receiptTTL bounds how long a publish
// receipt satisfies retries; instanceID identifies this process in stats.
func New(gw *gateway.Gateway, bc *broadcast.Broadcaster, tracker *presence.Tracker, manager *recovery.Manager, db *gorm.DB, receiptTTL time.Duration, instanceID string) *Handlers {
	return &Handlers{
		gw:         gw,
		bc:         bc,
		tracker:    tracker,
		manager:    manager,
		db:         db,
		receiptTTL: receiptTTL,
		instanceID: instanceID,
	}
}

// WS hands the request to the gateway for upgrade. Everything after the
// upgrade happens over frames, not HTTP.
func (h *Handlers) WS(c *gin.Context) {
	h.gw.ServeWS(c.Writer, c.Request)
}

// PresenceResponse is the JSON shape of one user's presence snapshot.
type PresenceResponse struct {
	UserID          string         `json:"user_id"`
	Status          string         `json:"status"`
	LastActivity    time.Time      `json:"last_activity"`
	CurrentPage     string         `json:"current_page,omitempty"`
	ActiveTaskID    string         `json:"active_task_id,omitempty"`
	ActiveProjectID string         `json:"active_project_id,omitempty"`
	CustomData      map[string]any `json:"custom_data,omitempty"`
}

// GetPresence returns the tracked presence of one user, 404 when the user
// has no presence entry (never connected or already swept).
func (h *Handlers) GetPresence(c *gin.Context) {
	userID := c.Param("userID")
	snap, found := h.tracker.Snapshot(userID)
	if !found {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "presence not found")
		return
	}
	ok(c, http.StatusOK, PresenceResponse{
		UserID:          snap.UserID,
		Status:          string(snap.Status),
		LastActivity:    snap.LastActivity,
		CurrentPage:     snap.CurrentPage,
		ActiveTaskID:    snap.ActiveTaskID,
		ActiveProjectID: snap.ActiveProjectID,
		CustomData:      snap.CustomData,
	})
}

// ListOnline returns the ids of users currently marked online, paginated
// through the page and per_page query parameters (per_page capped at 500).
func (h *Handlers) ListOnline(c *gin.Context) {
	users := h.tracker.OnlineUsers()
	sort.Strings(users)

	page := utils.AtoiDefault(c.Query("page"), 1)
	perPage := utils.AtoiDefault(c.Query("per_page"), 100)
	page, perPage = utils.ClampPage(page, perPage, 500)
	lo, hi := utils.PageSlice(len(users), page, perPage)

	ok(c, http.StatusOK, gin.H{
		"online":   users[lo:hi],
		"count":    len(users),
		"page":     page,
		"per_page": perPage,
	})
}

// StatsResponse aggregates the live counters served by GET /stats.
type StatsResponse struct {
	InstanceID         string `json:"instance_id"`
	ActiveConnections  int    `json:"active_connections"`
	ActiveUsers        int    `json:"active_users"`
	ActiveRooms        int    `json:"active_rooms"`
	OnlineUsers        int    `json:"online_users"`
	RecoveringSessions int    `json:"recovering_sessions"`
}

// Stats reports point-in-time gateway, presence and recovery counters.
func (h *Handlers) Stats(c *gin.Context) {
	snap := h.gw.Snapshot()
	ok(c, http.StatusOK, StatsResponse{
		InstanceID:         h.instanceID,
		ActiveConnections:  snap.ActiveConnections,
		ActiveUsers:        snap.ActiveUsers,
		ActiveRooms:        snap.ActiveRooms,
		OnlineUsers:        len(h.tracker.OnlineUsers()),
		RecoveringSessions: len(h.manager.DisconnectedUsers()),
	})
}
