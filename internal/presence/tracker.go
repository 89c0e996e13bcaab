// Package presence tracks each user's aggregated availability. One record
// exists per user regardless of how many connections (tabs, devices) they
// hold; activity reports refresh it and a periodic sweep decays idle users in
// two stages, Online -> Away -> Offline, so a brief network blip never flaps
// a user straight to offline.
//
// Presence changes are broadcast as diffs to the users related to the
// subject, resolved through the injected MembershipResolver. That resolver
// is an external contract backed by the application's team and project
// membership data.
package presence

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-realtime-backend/internal/config"
	"github.com/tbourn/go-realtime-backend/internal/domain"
)

// Event types emitted for presence diffs.
const (
	EventOnline   = "user:online"
	EventOffline  = "user:offline"
	EventActivity = "user:activity"
)

// MembershipResolver resolves the users who should see a subject's presence
// changes (teammates, co-members of active projects). External collaborator;
// implementations may perform I/O and are never called under the tracker's
// lock.
type MembershipResolver interface {
	RelatedUsers(ctx context.Context, userID string) ([]string, error)
}

// Publisher delivers a presence diff to a set of users. Implemented by the
// event broadcaster.
type Publisher interface {
	PublishToUsers(ctx context.Context, eventType string, data any, fromUserID string, userIDs []string)
}

// Metadata is the client-reported activity context merged into the presence
// record on every report. Zero-valued fields leave the current value alone;
// CustomData is merged key-wise.
type Metadata struct {
	CurrentPage     string
	ActiveTaskID    string
	ActiveProjectID string
	CustomData      map[string]any
}

// Tracker owns the presence table. Safe for concurrent use.
type Tracker struct {
	cfg       config.PresenceConfig
	resolver  MembershipResolver
	publisher Publisher

	mu    sync.RWMutex
	table map[string]*domain.UserPresence

	// now is a test seam; production uses time.Now.
	now func() time.Time
}

// NewTracker constructs a Tracker with the given decay thresholds, membership
// resolver, and diff publisher.
func NewTracker(cfg config.PresenceConfig, resolver MembershipResolver, publisher Publisher) *Tracker {
	return &Tracker{
		cfg:       cfg,
		resolver:  resolver,
		publisher: publisher,
		table:     make(map[string]*domain.UserPresence),
		now:       time.Now,
	}
}

// MarkActive records activity for userID: the presence record is created on
// first sight, metadata is merged, status becomes Online, and LastActivity is
// refreshed. A status transition broadcasts EventOnline; a refresh while
// already online broadcasts EventActivity.
func (t *Tracker) MarkActive(ctx context.Context, userID string, meta Metadata) {
	t.mu.Lock()
	p, ok := t.table[userID]
	if !ok {
		p = &domain.UserPresence{UserID: userID}
		t.table[userID] = p
	}
	wentOnline := p.Status != domain.PresenceOnline
	p.Status = domain.PresenceOnline
	p.LastActivity = t.now()
	mergeMetadata(p, meta)
	snap := snapshot(p)
	t.mu.Unlock()

	ev := EventActivity
	if wentOnline {
		ev = EventOnline
	}
	t.broadcast(ctx, ev, snap)
}

// MarkAway forces a user to Away without touching LastActivity, e.g. on an
// explicit "away" report from the client.
func (t *Tracker) MarkAway(ctx context.Context, userID string) {
	t.transition(ctx, userID, domain.PresenceAway, EventActivity)
}

// MarkOffline forces a user to Offline, e.g. when their last connection is
// gone for good.
func (t *Tracker) MarkOffline(ctx context.Context, userID string) {
	t.transition(ctx, userID, domain.PresenceOffline, EventOffline)
}

// transition applies a forced status change and broadcasts it when the
// status actually changed.
func (t *Tracker) transition(ctx context.Context, userID string, status domain.PresenceStatus, eventType string) {
	t.mu.Lock()
	p, ok := t.table[userID]
	if !ok || p.Status == status {
		t.mu.Unlock()
		return
	}
	p.Status = status
	snap := snapshot(p)
	t.mu.Unlock()

	t.broadcast(ctx, eventType, snap)
}

// Snapshot returns a copy of the user's presence record.
func (t *Tracker) Snapshot(userID string) (domain.UserPresence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.table[userID]
	if !ok {
		return domain.UserPresence{}, false
	}
	return snapshot(p), true
}

// OnlineUsers returns the ids of users currently Online.
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.table))
	for id, p := range t.table {
		if p.Status == domain.PresenceOnline {
			out = append(out, id)
		}
	}
	return out
}

// Sweep applies the two-stage decay: Online records idle past AwayThreshold
// drop to Away, Away records idle past OfflineThreshold drop to Offline, and
// records absent past RemoveAfter are deleted. Each stage needs its own sweep
// pass, so a user produces at most one presence broadcast per sweep.
func (t *Tracker) Sweep(ctx context.Context) {
	now := t.now()

	type change struct {
		snap      domain.UserPresence
		eventType string
	}
	var changes []change

	t.mu.Lock()
	for id, p := range t.table {
		age := now.Sub(p.LastActivity)
		switch {
		case age >= t.cfg.RemoveAfter:
			delete(t.table, id)
		case p.Status == domain.PresenceOnline && age >= t.cfg.AwayThreshold:
			p.Status = domain.PresenceAway
			changes = append(changes, change{snapshot(p), EventActivity})
		case p.Status == domain.PresenceAway && age >= t.cfg.OfflineThreshold:
			p.Status = domain.PresenceOffline
			changes = append(changes, change{snapshot(p), EventOffline})
		}
	}
	t.mu.Unlock()

	for _, c := range changes {
		t.broadcast(ctx, c.eventType, c.snap)
	}
}

// Run executes Sweep on the configured interval until the context ends.
func (t *Tracker) Run(ctx context.Context) {
	tick := time.NewTicker(t.cfg.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.Sweep(ctx)
		}
	}
}

// broadcast resolves the subject's related users and publishes the presence
// diff to them plus the subject's other connections. Resolver failures drop
// the fan-out to related users but never the subject's own echo.
func (t *Tracker) broadcast(ctx context.Context, eventType string, snap domain.UserPresence) {
	if t.publisher == nil {
		return
	}
	targets := []string{snap.UserID}
	if t.resolver != nil {
		related, err := t.resolver.RelatedUsers(ctx, snap.UserID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", snap.UserID).Msg("presence membership lookup failed")
		} else {
			targets = append(targets, related...)
		}
	}
	t.publisher.PublishToUsers(ctx, eventType, snap, snap.UserID, targets)
}

// snapshot copies a record for use outside the tracker's lock. CustomData
// is cloned; the table's map keeps mutating under mergeMetadata while the
// copy is marshaled by the publisher.
func snapshot(p *domain.UserPresence) domain.UserPresence {
	snap := *p
	snap.CustomData = maps.Clone(p.CustomData)
	return snap
}

// mergeMetadata folds non-zero metadata fields into the record.
func mergeMetadata(p *domain.UserPresence, meta Metadata) {
	if meta.CurrentPage != "" {
		p.CurrentPage = meta.CurrentPage
	}
	if meta.ActiveTaskID != "" {
		p.ActiveTaskID = meta.ActiveTaskID
	}
	if meta.ActiveProjectID != "" {
		p.ActiveProjectID = meta.ActiveProjectID
	}
	if len(meta.CustomData) > 0 {
		if p.CustomData == nil {
			p.CustomData = make(map[string]any, len(meta.CustomData))
		}
		for k, v := range meta.CustomData {
			p.CustomData[k] = v
		}
	}
}
