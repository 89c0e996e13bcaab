// Package broadcast implements the event fan-out pipeline. A publish
// resolves its target to connections through the room registry, delivers to
// local sockets, and republishes on the distributed backplane so other
// instances deliver to theirs. Users with zero active connections get the
// payload appended to their missed-event queue instead.
//
// Delivery is fire-and-forget and at-most-once per connection per publish.
// Publish order is preserved within a room because every fan-out runs under
// one mutex straight into per-connection FIFO send queues; nothing under
// that mutex awaits (the backplane publish is a buffered write, not a
// round-trip).
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-realtime-backend/internal/backplane"
	"github.com/tbourn/go-realtime-backend/internal/domain"
	"github.com/tbourn/go-realtime-backend/internal/rooms"
)

var (
	// eventsDelivered counts local socket deliveries by event type.
	eventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Events delivered to local connections.",
		},
		[]string{"type"},
	)

	// missedQueued counts payloads diverted to the missed-event queue.
	missedQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_missed_events_queued_total",
			Help: "Events queued for offline users.",
		},
	)

	// backplaneFailures counts publishes that fell back to local-only delivery.
	backplaneFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_backplane_publish_failures_total",
			Help: "Backplane publishes that failed and degraded to local-only.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsDelivered, missedQueued, backplaneFailures)
}

// TargetKind selects how a publish resolves its audience.
type TargetKind string

const (
	TargetUser  TargetKind = "user"
	TargetUsers TargetKind = "users"
	TargetRoom  TargetKind = "room"
	TargetAll   TargetKind = "all"
)

// Target is a publish audience.
type Target struct {
	Kind    TargetKind  `json:"kind"`
	Room    domain.Room `json:"room,omitempty"`
	UserIDs []string    `json:"user_ids,omitempty"`
}

// ToUser targets every connection of one user.
func ToUser(userID string) Target { return Target{Kind: TargetUser, UserIDs: []string{userID}} }

// ToUsers targets every connection of a set of users.
func ToUsers(userIDs []string) Target { return Target{Kind: TargetUsers, UserIDs: userIDs} }

// ToRoom targets a room's current members.
func ToRoom(room domain.Room) Target { return Target{Kind: TargetRoom, Room: room} }

// ToAll targets every local connection on every instance.
func ToAll() Target { return Target{Kind: TargetAll} }

// LocalDeliverer pushes an event onto one local connection's send queue.
// Implemented by the gateway's connection table. Enqueue returns false when
// the connection is gone or its queue is full; the broadcaster treats both
// as a dropped fire-and-forget delivery.
type LocalDeliverer interface {
	Enqueue(connID string, ev domain.EventPayload) bool
	ConnectionIDs() []string
	UserConnectionCount(userID string) int
}

// MissedStore appends a payload to a user's bounded missed-event queue.
// Implemented over the repository; see the router shim.
type MissedStore interface {
	Append(ctx context.Context, userID string, ev domain.EventPayload) error
}

// RoomObserver sees every room-targeted publish after local delivery. The
// recovery manager registers one to capture events for users whose
// disconnected sessions still hold a membership in the room.
type RoomObserver func(room domain.Room, ev domain.EventPayload)

// envelope is the wire form republished on the backplane. Origin lets an
// instance skip events it already delivered locally.
type envelope struct {
	Origin string              `json:"origin"`
	Target Target              `json:"target"`
	Event  domain.EventPayload `json:"event"`
}

// Broadcaster publishes domain and system events. Safe for concurrent use.
type Broadcaster struct {
	registry *rooms.Registry
	local    LocalDeliverer
	missed   MissedStore
	bp       backplane.Backplane
	subject  string
	instance string
	logger   zerolog.Logger

	// fanoutMu serializes fan-outs; this is what makes per-room publish
	// order hold end to end.
	fanoutMu sync.Mutex

	obsMu     sync.RWMutex
	observers []RoomObserver
}

// New constructs a Broadcaster publishing on the given backplane subject.
// Every instance subscribes to the same subject and filters its own events
// by instance id.
func New(registry *rooms.Registry, local LocalDeliverer, missed MissedStore, bp backplane.Backplane, subject string) (*Broadcaster, error) {
	b := &Broadcaster{
		registry: registry,
		local:    local,
		missed:   missed,
		bp:       bp,
		subject:  subject,
		instance: uuid.NewString(),
		logger:   log.With().Str("component", "broadcaster").Logger(),
	}
	if bp != nil {
		if err := bp.Subscribe(subject, b.onBackplane); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// AddRoomObserver registers an observer invoked for every room-targeted
// publish reaching this instance, whether it originated here or arrived
// over the backplane.
func (b *Broadcaster) AddRoomObserver(o RoomObserver) {
	b.obsMu.Lock()
	b.observers = append(b.observers, o)
	b.obsMu.Unlock()
}

// InstanceID returns the id this instance stamps on backplane envelopes.
func (b *Broadcaster) InstanceID() string { return b.instance }

// Publish stamps a new immutable EventPayload and fans it out to the target:
// local sockets first, then the backplane. A backplane failure degrades to
// local-only delivery and logs a warning.
func (b *Broadcaster) Publish(ctx context.Context, eventType string, data any, fromUserID string, target Target) (domain.EventPayload, error) {
	return b.publish(ctx, eventType, data, fromUserID, target, true)
}

func (b *Broadcaster) publish(ctx context.Context, eventType string, data any, fromUserID string, target Target, capture bool) (domain.EventPayload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return domain.EventPayload{}, err
	}
	ev := domain.EventPayload{
		ID:         uuid.NewString(),
		Type:       eventType,
		Data:       raw,
		FromUserID: fromUserID,
		Timestamp:  time.Now().UTC(),
	}

	b.fanoutMu.Lock()
	b.deliverLocal(ctx, target, ev, capture)
	if b.bp != nil {
		env := envelope{Origin: b.instance, Target: target, Event: ev}
		payload, merr := json.Marshal(env)
		if merr == nil {
			merr = b.bp.Publish(ctx, b.subject, payload)
		}
		if merr != nil {
			backplaneFailures.Inc()
			b.logger.Warn().Err(merr).
				Str("event_type", eventType).
				Msg("backplane unavailable, delivered local-only")
		}
	}
	b.fanoutMu.Unlock()

	b.notifyObservers(target, ev)
	return ev, nil
}

// onBackplane re-emits an event published by another instance to local
// connections. Store-backed missed capture stays with the origin instance so
// a payload is queued at most once; room observers fire on every instance
// because a disconnected session is retained by exactly one manager, and
// that manager may live far from where the event was published.
func (b *Broadcaster) onBackplane(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn().Err(err).Msg("malformed backplane envelope dropped")
		return
	}
	if env.Origin == b.instance {
		return
	}
	b.fanoutMu.Lock()
	b.deliverLocal(context.Background(), env.Target, env.Event, false)
	b.fanoutMu.Unlock()

	b.notifyObservers(env.Target, env.Event)
}

// deliverLocal resolves target to local connections and enqueues the event
// once per connection. capture controls missed-event queuing for offline
// users (origin instance only). Caller holds fanoutMu.
func (b *Broadcaster) deliverLocal(ctx context.Context, target Target, ev domain.EventPayload, capture bool) {
	conns := make(map[string]struct{})

	switch target.Kind {
	case TargetUser, TargetUsers:
		for _, uid := range target.UserIDs {
			members := b.registry.MembersOf(domain.UserRoom(uid))
			for _, c := range members {
				conns[c] = struct{}{}
			}
			if capture && len(members) == 0 && b.local.UserConnectionCount(uid) == 0 {
				// Offline is judged from this instance's tables. A user live
				// only on another instance gets the event there and again
				// from the replay queue; payload ids let consumers drop the
				// duplicate.
				b.queueMissed(ctx, uid, ev)
			}
		}
	case TargetRoom:
		for _, c := range b.registry.MembersOf(target.Room) {
			conns[c] = struct{}{}
		}
	case TargetAll:
		for _, c := range b.local.ConnectionIDs() {
			conns[c] = struct{}{}
		}
	default:
		b.logger.Warn().Str("kind", string(target.Kind)).Msg("unknown publish target dropped")
		return
	}

	for c := range conns {
		if b.local.Enqueue(c, ev) {
			eventsDelivered.WithLabelValues(ev.Type).Inc()
		}
	}
}

// queueMissed appends the payload to the user's missed-event queue.
func (b *Broadcaster) queueMissed(ctx context.Context, userID string, ev domain.EventPayload) {
	if b.missed == nil {
		return
	}
	if err := b.missed.Append(ctx, userID, ev); err != nil {
		b.logger.Error().Err(err).Str("user_id", userID).Msg("missed-event append failed")
		return
	}
	missedQueued.Inc()
}

// notifyObservers runs outside fanoutMu: observers may take their own locks
// and call back into the missed store.
func (b *Broadcaster) notifyObservers(target Target, ev domain.EventPayload) {
	if target.Kind != TargetRoom || target.Room.Type == domain.RoomUser {
		return
	}
	b.obsMu.RLock()
	obs := b.observers
	b.obsMu.RUnlock()
	for _, o := range obs {
		o(target.Room, ev)
	}
}

// PublishToUsers satisfies presence.Publisher: fire-and-forget delivery of a
// presence diff to a set of users. Presence diffs describe the moment they
// were emitted, so offline targets are skipped rather than queued; a stale
// status replayed later would be wrong by definition.
func (b *Broadcaster) PublishToUsers(ctx context.Context, eventType string, data any, fromUserID string, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	if _, err := b.publish(ctx, eventType, data, fromUserID, ToUsers(userIDs), false); err != nil {
		b.logger.Error().Err(err).Str("event_type", eventType).Msg("presence publish failed")
	}
}
