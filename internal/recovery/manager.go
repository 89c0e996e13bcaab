// Package recovery implements the disconnect/reconnect state machine. Every
// connection registers a session here; a clean disconnect (explicit client
// logout) purges the session after a short grace period, while any other
// disconnect retains it under exponential-backoff expiry so the client can
// reconnect and resume.
//
// While a session sits disconnected, room events it would have received are
// captured into the user's missed-event queue (the manager observes the
// broadcaster for this). On reconnection the manager migrates the retained
// room memberships to the new connection and hands back everything missed
// since the disconnect plus anything queued earlier, clearing both so no
// event is ever replayed twice.
package recovery

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-realtime-backend/internal/config"
	"github.com/tbourn/go-realtime-backend/internal/domain"
	"github.com/tbourn/go-realtime-backend/internal/rooms"
)

// Disconnect reasons the gateway reports. ReasonClientLogout is the only
// clean reason; everything else enters the recovery flow.
const (
	ReasonClientLogout   = "client logout"
	ReasonTransportClose = "transport close"
	ReasonPingTimeout    = "ping timeout"
	ReasonSlowConsumer   = "slow consumer"
	ReasonServerShutdown = "server shutdown"
)

// ErrSessionNotFound is returned by Reconnect when no retained session
// matches the presented id (expired, purged, or never existed).
var ErrSessionNotFound = errors.New("session not found")

var recoveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "realtime_recovery_failures_total",
	Help: "Sessions purged after exhausting reconnection backoff.",
})

func init() {
	prometheus.MustRegister(recoveryFailures)
}

// sessionState is the per-session lifecycle position.
type sessionState int

const (
	stateConnected sessionState = iota
	stateDisconnected
)

// session is the retained state for one connection.
type session struct {
	id             string
	userID         string
	state          sessionState
	reason         string
	clean          bool
	rooms          []domain.Room
	connectedAt    time.Time
	disconnectedAt time.Time
	attempts       int
	nextCheck      time.Time // backoff expiry check (non-clean) or purge time (clean)
}

// Store is the persistence contract for the missed-event queue. Implemented
// over the repository; see the router shim.
type Store interface {
	Append(ctx context.Context, userID string, ev domain.EventPayload) error
	ListSince(ctx context.Context, userID string, since time.Time) ([]domain.MissedEvent, error)
	Delete(ctx context.Context, ids []string) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Replay is what a reconnecting client receives: events captured strictly
// since its disconnect, and anything queued for the user before that.
type Replay struct {
	SinceDisconnect []domain.EventPayload
	Queued          []domain.EventPayload
}

// Manager owns the session table. Safe for concurrent use; the missed-event
// store is never called under the table lock.
type Manager struct {
	cfg      config.RecoveryConfig
	registry *rooms.Registry
	store    Store
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	// now is a test seam; production uses time.Now.
	now func() time.Time
}

// NewManager constructs a Manager. Wire it to the broadcaster with
// Broadcaster.AddRoomObserver(m.ObserveRoomEvent).
func NewManager(cfg config.RecoveryConfig, registry *rooms.Registry, store Store) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		store:    store,
		logger:   log.With().Str("component", "recovery").Logger(),
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// Register records a freshly connected session.
func (m *Manager) Register(sessionID, userID string) {
	now := m.now()
	m.mu.Lock()
	m.sessions[sessionID] = &session{
		id:          sessionID,
		userID:      userID,
		state:       stateConnected,
		connectedAt: now,
	}
	m.mu.Unlock()
}

// HandleDisconnect transitions a session to disconnected. joined is the room
// set the registry removed for the connection; non-clean sessions retain it
// for migration on reconnect. Unknown sessions are ignored.
func (m *Manager) HandleDisconnect(sessionID, reason string, joined []domain.Room) {
	now := m.now()
	clean := reason == ReasonClientLogout

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.state == stateDisconnected {
		return
	}
	s.state = stateDisconnected
	s.reason = reason
	s.clean = clean
	s.disconnectedAt = now
	s.rooms = joined
	s.attempts = 0
	if clean {
		// Grace period absorbs in-flight frames before the purge.
		s.nextCheck = now.Add(m.cfg.GracePeriod)
	} else {
		s.nextCheck = now.Add(m.backoffDelay(0))
	}
}

// Reconnect resumes a retained session on a new connection: room memberships
// migrate to newConnID, the attempt counter resets, and the replay bundle is
// collected and cleared from the store. The retained session is consumed;
// the caller must Register the new connection afterwards.
func (m *Manager) Reconnect(ctx context.Context, sessionID, newConnID string) (*Replay, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.state != stateDisconnected || s.clean {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	userID := s.userID
	joined := s.rooms
	disconnectedAt := s.disconnectedAt
	m.mu.Unlock()

	m.registry.Restore(newConnID, userID, joined)

	all, err := m.store.ListSince(ctx, userID, time.Time{})
	if err != nil {
		return nil, err
	}

	replay := &Replay{}
	ids := make([]string, 0, len(all))
	for i := range all {
		rec := &all[i]
		ev, derr := rec.Event()
		if derr != nil {
			// Undecodable rows are dropped with the delivered batch.
			ids = append(ids, rec.ID)
			continue
		}
		ids = append(ids, rec.ID)
		if rec.MissedAt.After(disconnectedAt) {
			replay.SinceDisconnect = append(replay.SinceDisconnect, ev)
		} else {
			replay.Queued = append(replay.Queued, ev)
		}
	}
	if err := m.store.Delete(ctx, ids); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("session_id", sessionID).
		Str("conn_id", newConnID).
		Str("user_id", userID).
		Int("replayed", len(ids)).
		Msg("session resumed")
	return replay, nil
}

// Drain returns and clears every event queued for the user, regardless of
// any session. Backs the request_missed_events frame.
func (m *Manager) Drain(ctx context.Context, userID string) ([]domain.EventPayload, error) {
	recs, err := m.store.ListSince(ctx, userID, time.Time{})
	if err != nil {
		return nil, err
	}
	out := make([]domain.EventPayload, 0, len(recs))
	ids := make([]string, 0, len(recs))
	for i := range recs {
		ids = append(ids, recs[i].ID)
		if ev, derr := recs[i].Event(); derr == nil {
			out = append(out, ev)
		}
	}
	if err := m.store.Delete(ctx, ids); err != nil {
		return nil, err
	}
	return out, nil
}

// Forget drops a session outright (used when a connection is replaced).
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// ObserveRoomEvent captures ev for every user holding a non-clean
// disconnected session joined to room. At most one capture per user per
// event even when a user left several sessions behind.
func (m *Manager) ObserveRoomEvent(room domain.Room, ev domain.EventPayload) {
	key := room.Key()

	m.mu.Lock()
	users := make(map[string]struct{})
	for _, s := range m.sessions {
		if s.state != stateDisconnected || s.clean {
			continue
		}
		for _, r := range s.rooms {
			if r.Key() == key {
				users[s.userID] = struct{}{}
				break
			}
		}
	}
	m.mu.Unlock()

	for uid := range users {
		if err := m.store.Append(context.Background(), uid, ev); err != nil {
			m.logger.Error().Err(err).Str("user_id", uid).Msg("missed-event capture failed")
		}
	}
}

// DisconnectedUsers reports users with at least one retained non-clean
// session (used by the stats endpoint).
func (m *Manager) DisconnectedUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, s := range m.sessions {
		if s.state != stateDisconnected || s.clean {
			continue
		}
		if _, ok := seen[s.userID]; ok {
			continue
		}
		seen[s.userID] = struct{}{}
		out = append(out, s.userID)
	}
	return out
}

// Sweep advances the state machine: clean sessions past their grace period
// are purged; non-clean sessions whose backoff check came due either
// schedule the next check or, past the attempt budget, are purged with the
// failure counter bumped. Expired missed events are purged from the store.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.state != stateDisconnected || now.Before(s.nextCheck) {
			continue
		}
		if s.clean {
			delete(m.sessions, id)
			continue
		}
		s.attempts++
		if s.attempts > m.cfg.MaxReconnectAttempts {
			delete(m.sessions, id)
			recoveryFailures.Inc()
			m.logger.Info().
				Str("session_id", id).
				Str("user_id", s.userID).
				Int("attempts", s.attempts).
				Msg("session expired after backoff budget")
			continue
		}
		s.nextCheck = now.Add(m.backoffDelay(s.attempts))
	}
	m.mu.Unlock()

	cutoff := now.Add(-m.cfg.MissedEventRetention)
	if n, err := m.store.PurgeBefore(ctx, cutoff); err != nil {
		m.logger.Error().Err(err).Msg("missed-event retention purge failed")
	} else if n > 0 {
		m.logger.Debug().Int64("purged", n).Msg("missed-event retention purge")
	}
}

// Run executes Sweep on the configured interval until the context ends.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}

// backoffDelay computes min(base * multiplier^attempts, max).
func (m *Manager) backoffDelay(attempts int) time.Duration {
	d := float64(m.cfg.BackoffBase) * math.Pow(m.cfg.BackoffMultiplier, float64(attempts))
	if capped := float64(m.cfg.BackoffMax); d > capped {
		d = capped
	}
	return time.Duration(d)
}
