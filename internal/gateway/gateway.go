package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-realtime-backend/internal/config"
	"github.com/tbourn/go-realtime-backend/internal/domain"
	"github.com/tbourn/go-realtime-backend/internal/presence"
	"github.com/tbourn/go-realtime-backend/internal/ratelimit"
	"github.com/tbourn/go-realtime-backend/internal/recovery"
	"github.com/tbourn/go-realtime-backend/internal/rooms"
)

// ErrShuttingDown is returned to handshakes that arrive after Shutdown began.
var ErrShuttingDown = errors.New("gateway shutting down")

// Identity is the verified principal behind a websocket handshake.
type Identity struct {
	UserID      string
	DisplayName string
}

// IdentityVerifier validates the bearer token presented at handshake time.
// It is called exactly once per connection; a failure ends the connection
// with no retry.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_active_connections",
		Help: "Websocket connections currently open.",
	})
	connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_connections_total",
		Help: "Handshake outcomes.",
	}, []string{"outcome"})
	slowConsumerDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_slow_consumer_disconnects_total",
		Help: "Connections closed because their send queue filled.",
	})
)

func init() {
	prometheus.MustRegister(activeConnections, connectionsTotal, slowConsumerDrops)
}

// Stats is a point-in-time view of the gateway, served read-only over HTTP.
type Stats struct {
	ActiveConnections int `json:"active_connections"`
	ActiveUsers       int `json:"active_users"`
	ActiveRooms       int `json:"active_rooms"`
}

// Gateway accepts websocket connections, verifies identity, routes inbound
// frames and delivers outbound ones. It is the broadcast layer's local
// deliverer: publishers enqueue, pumps write.
type Gateway struct {
	cfg      config.WSConfig
	verifier IdentityVerifier
	registry *rooms.Registry
	tracker  *presence.Tracker
	manager  *recovery.Manager
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[string]map[string]*Conn
	closed bool

	shutdownOnce sync.Once
}

// New wires a gateway from its collaborators. CheckOrigin accepts every
// origin; the browser-facing CORS policy is enforced by the HTTP layer.
func New(cfg config.WSConfig, verifier IdentityVerifier, registry *rooms.Registry, tracker *presence.Tracker, manager *recovery.Manager, limiter *ratelimit.Limiter) *Gateway {
	return &Gateway{
		cfg:      cfg,
		verifier: verifier,
		registry: registry,
		tracker:  tracker,
		manager:  manager,
		limiter:  limiter,
		logger:   log.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:  make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
	}
}

// ServeWS upgrades the request and runs the connection until it ends.
// Identity is verified after the upgrade so the failure reaches the client
// as a frame rather than a bare HTTP status.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		connectionsTotal.WithLabelValues("upgrade_failed").Inc()
		return
	}

	ident, err := g.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		connectionsTotal.WithLabelValues("auth_failed").Inc()
		g.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		frame := marshalFrame(FrameError, errorData{Code: CodeAuthFailed, Message: "authentication failed"})
		_ = ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
		_ = ws.WriteMessage(websocket.TextMessage, frame)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, CodeAuthFailed)
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	c := newConn(uuid.NewString(), ident.UserID, clientIP(r), ws, g.cfg.SendQueueSize, time.Now().UTC())

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		c.close(websocket.CloseGoingAway, "shutting down")
		return
	}
	g.conns[c.ID] = c
	set := g.byUser[c.UserID]
	if set == nil {
		set = make(map[string]*Conn)
		g.byUser[c.UserID] = set
	}
	set[c.ID] = c
	g.mu.Unlock()

	// Every connection lives in its owner's user room; no authorization
	// applies to your own room.
	ctx := context.Background()
	if err := g.registry.Join(ctx, c.ID, c.UserID, domain.UserRoom(c.UserID)); err != nil {
		g.logger.Error().Err(err).Str("user_id", c.UserID).Msg("user room join failed")
	}
	g.manager.Register(c.ID, c.UserID)
	g.tracker.MarkActive(ctx, c.UserID, presence.Metadata{})

	activeConnections.Inc()
	connectionsTotal.WithLabelValues("accepted").Inc()
	g.logger.Info().Str("conn_id", c.ID).Str("user_id", c.UserID).Str("ip", c.ip).Msg("connection established")

	c.enqueue(marshalFrame(FrameEstablished, establishedData{
		ConnectionID: c.ID,
		UserID:       c.UserID,
		ServerTime:   c.connectedAt,
	}))

	go g.writePump(c)
	g.readPump(c)
}

// dispatch routes one inbound frame. Pongs bypass the limiter; they answer
// the server's own heartbeat. Everything else is checked first.
func (g *Gateway) dispatch(c *Conn, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
		c.enqueue(marshalFrame(FrameError, errorData{Code: CodeBadFrame, Message: "malformed frame"}))
		return
	}

	if f.Event == FramePong {
		c.stale.Store(false)
		return
	}

	if d := g.limiter.Check(c.UserID, c.ID, c.ip); !d.Allowed {
		c.enqueue(marshalFrame(FrameRateLimitExceeded, rateLimitData{
			Reason:         d.Reason,
			RetryAfterSecs: d.RetryAfter.Seconds(),
		}))
		return
	}

	ctx := context.Background()
	switch f.Event {
	case FrameActivity:
		g.handleActivity(ctx, c, f.Data)
	case FrameSubscribe:
		g.handleSubscribe(ctx, c, f.Data)
	case FrameUnsubscribe:
		g.handleUnsubscribe(c, f.Data)
	case FramePing:
		c.enqueue(marshalFrame(FramePongReply, nil))
	case FrameReconnectRequest:
		g.handleReconnect(ctx, c, f.Data)
	case FrameRequestMissed:
		g.handleRequestMissed(ctx, c)
	default:
		c.enqueue(marshalFrame(FrameError, errorData{Code: CodeUnknownEvent, Message: "unsupported event: " + f.Event}))
	}
}

func (g *Gateway) handleActivity(ctx context.Context, c *Conn, raw json.RawMessage) {
	var a activityData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a); err != nil {
			c.enqueue(marshalFrame(FrameError, errorData{Code: CodeBadFrame, Message: "malformed activity data"}))
			return
		}
	}
	g.tracker.MarkActive(ctx, c.UserID, presence.Metadata{
		CurrentPage:     a.CurrentPage,
		ActiveTaskID:    a.ActiveTaskID,
		ActiveProjectID: a.ActiveProjectID,
		CustomData:      a.CustomData,
	})
}

func (g *Gateway) handleSubscribe(ctx context.Context, c *Conn, raw json.RawMessage) {
	room, ok := parseRoom(c, raw)
	if !ok {
		return
	}
	if err := g.registry.Join(ctx, c.ID, c.UserID, room); err != nil {
		if errors.Is(err, rooms.ErrAccessDenied) {
			c.enqueue(marshalFrame(FrameSubscribeDenied, roomData{RoomType: string(room.Type), RoomID: room.ID}))
			return
		}
		g.logger.Error().Err(err).Str("room", room.Key()).Msg("subscribe failed")
		c.enqueue(marshalFrame(FrameError, errorData{Code: CodeInternal, Message: "subscription failed"}))
		return
	}
	c.enqueue(marshalFrame(FrameSubscribeConfirmed, roomData{RoomType: string(room.Type), RoomID: room.ID}))
}

func (g *Gateway) handleUnsubscribe(c *Conn, raw json.RawMessage) {
	room, ok := parseRoom(c, raw)
	if !ok {
		return
	}
	g.registry.Leave(c.ID, room)
	c.enqueue(marshalFrame(FrameSubscribeRemoved, roomData{RoomType: string(room.Type), RoomID: room.ID}))
}

func (g *Gateway) handleReconnect(ctx context.Context, c *Conn, raw json.RawMessage) {
	var req reconnectData
	if err := json.Unmarshal(raw, &req); err != nil || req.SessionID == "" {
		c.enqueue(marshalFrame(FrameError, errorData{Code: CodeBadFrame, Message: "malformed reconnect data"}))
		return
	}
	replay, err := g.manager.Reconnect(ctx, req.SessionID, c.ID)
	if err != nil {
		if errors.Is(err, recovery.ErrSessionNotFound) {
			c.enqueue(marshalFrame(FrameError, errorData{Code: CodeSessionNotFound, Message: "session expired, starting fresh"}))
			return
		}
		g.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("reconnect failed")
		c.enqueue(marshalFrame(FrameError, errorData{Code: CodeInternal, Message: "reconnect failed"}))
		return
	}
	g.logger.Info().
		Str("conn_id", c.ID).
		Str("session_id", req.SessionID).
		Int("since_disconnect", len(replay.SinceDisconnect)).
		Int("queued", len(replay.Queued)).
		Msg("session resumed")
	c.enqueue(marshalFrame(FrameMissedSinceDisco, missedData{
		Events: replay.SinceDisconnect,
		Count:  len(replay.SinceDisconnect),
	}))
	if len(replay.Queued) > 0 {
		c.enqueue(marshalFrame(FrameMissedEvents, missedData{Events: replay.Queued, Count: len(replay.Queued)}))
	}
}

func (g *Gateway) handleRequestMissed(ctx context.Context, c *Conn) {
	events, err := g.manager.Drain(ctx, c.UserID)
	if err != nil {
		g.logger.Error().Err(err).Str("user_id", c.UserID).Msg("missed event drain failed")
		c.enqueue(marshalFrame(FrameError, errorData{Code: CodeInternal, Message: "missed event lookup failed"}))
		return
	}
	c.enqueue(marshalFrame(FrameMissedEvents, missedData{Events: events, Count: len(events)}))
}

func parseRoom(c *Conn, raw json.RawMessage) (domain.Room, bool) {
	var s subscribeData
	if err := json.Unmarshal(raw, &s); err != nil || s.RoomID == "" {
		c.enqueue(marshalFrame(FrameError, errorData{Code: CodeBadFrame, Message: "malformed room data"}))
		return domain.Room{}, false
	}
	rt, err := domain.ParseRoomType(s.RoomType)
	if err != nil {
		c.enqueue(marshalFrame(FrameError, errorData{Code: CodeBadFrame, Message: err.Error()}))
		return domain.Room{}, false
	}
	return domain.Room{Type: rt, ID: s.RoomID}, true
}

// disconnect tears the connection down exactly once: table removal, room
// eviction, recovery hand-off, presence, then the socket itself.
func (g *Gateway) disconnect(c *Conn, reason string) {
	g.mu.Lock()
	if _, ok := g.conns[c.ID]; !ok {
		g.mu.Unlock()
		c.close(websocket.CloseNormalClosure, reason)
		return
	}
	delete(g.conns, c.ID)
	set := g.byUser[c.UserID]
	delete(set, c.ID)
	if len(set) == 0 {
		delete(g.byUser, c.UserID)
	}
	remaining := len(set)
	g.mu.Unlock()

	joined := g.registry.RemoveConnection(c.ID)
	g.manager.HandleDisconnect(c.ID, reason, joined)
	if remaining == 0 && reason == recovery.ReasonClientLogout {
		// A deliberate logout goes offline immediately; an abrupt drop is
		// left to presence decay in case the user comes back.
		g.tracker.MarkOffline(context.Background(), c.UserID)
	}

	activeConnections.Dec()
	g.logger.Info().Str("conn_id", c.ID).Str("user_id", c.UserID).Str("reason", reason).Msg("connection closed")
	c.close(websocket.CloseNormalClosure, reason)
}

// Enqueue implements broadcast.LocalDeliverer. A connection that cannot
// absorb the frame is dropped rather than allowed to stall the fanout.
func (g *Gateway) Enqueue(connID string, ev domain.EventPayload) bool {
	g.mu.RLock()
	c := g.conns[connID]
	g.mu.RUnlock()
	if c == nil {
		return false
	}
	if !c.enqueue(eventFrame(ev)) {
		slowConsumerDrops.Inc()
		g.logger.Warn().Str("conn_id", connID).Str("user_id", c.UserID).Msg("send queue full")
		go g.disconnect(c, recovery.ReasonSlowConsumer)
		return false
	}
	return true
}

// ConnectionIDs implements broadcast.LocalDeliverer.
func (g *Gateway) ConnectionIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.conns))
	for id := range g.conns {
		out = append(out, id)
	}
	return out
}

// UserConnectionCount implements broadcast.LocalDeliverer.
func (g *Gateway) UserConnectionCount(userID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byUser[userID])
}

// Snapshot reports the live connection counts.
func (g *Gateway) Snapshot() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		ActiveConnections: len(g.conns),
		ActiveUsers:       len(g.byUser),
		ActiveRooms:       g.registry.RoomCount(),
	}
}

// Shutdown notifies every connection and closes them within the configured
// window. Safe to call more than once; later calls are no-ops.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.shutdownOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		conns := make([]*Conn, 0, len(g.conns))
		for _, c := range g.conns {
			conns = append(conns, c)
		}
		g.mu.Unlock()

		g.logger.Info().Int("connections", len(conns)).Msg("shutting down")
		frame := marshalFrame(FrameServerShutdown, map[string]string{"message": "server shutting down"})
		for _, c := range conns {
			c.enqueue(frame)
		}

		deadline := time.NewTimer(g.cfg.ShutdownTimeout)
		defer deadline.Stop()
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
	drain:
		for {
			select {
			case <-ctx.Done():
				break drain
			case <-deadline.C:
				break drain
			case <-tick.C:
				pending := 0
				for _, c := range conns {
					pending += len(c.send)
				}
				if pending == 0 {
					break drain
				}
			}
		}

		for _, c := range conns {
			g.disconnect(c, recovery.ReasonServerShutdown)
		}
	})
}

// bearerToken extracts the handshake credential: the token query parameter
// or an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// clientIP prefers the first forwarded hop so limits track the real caller
// behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
