package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-realtime-backend/internal/broadcast"
	"github.com/tbourn/go-realtime-backend/internal/config"
	"github.com/tbourn/go-realtime-backend/internal/domain"
	"github.com/tbourn/go-realtime-backend/internal/gateway"
	"github.com/tbourn/go-realtime-backend/internal/http/middleware"
	"github.com/tbourn/go-realtime-backend/internal/presence"
	"github.com/tbourn/go-realtime-backend/internal/ratelimit"
	"github.com/tbourn/go-realtime-backend/internal/recovery"
	"github.com/tbourn/go-realtime-backend/internal/repo"
	"github.com/tbourn/go-realtime-backend/internal/rooms"
)

type allowAll struct{}

func (allowAll) CanJoin(context.Context, string, domain.Room) (bool, error) { return true, nil }

type noRelations struct{}

func (noRelations) RelatedUsers(context.Context, string) ([]string, error) { return nil, nil }

type denyVerifier struct{}

func (denyVerifier) Verify(context.Context, string) (gateway.Identity, error) {
	return gateway.Identity{}, fmt.Errorf("no identities in this fixture")
}

// nullDeliverer satisfies broadcast.LocalDeliverer with no live sockets.
type nullDeliverer struct{}

func (nullDeliverer) Enqueue(string, domain.EventPayload) bool { return false }

func (nullDeliverer) ConnectionIDs() []string { return nil }

func (nullDeliverer) UserConnectionCount(string) int { return 0 }

type nullStore struct{}

func (nullStore) Append(context.Context, string, domain.EventPayload) error { return nil }
func (nullStore) ListSince(context.Context, string, time.Time) ([]domain.MissedEvent, error) {
	return nil, nil
}
func (nullStore) Delete(context.Context, []string) error { return nil }
func (nullStore) PurgeBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fixture struct {
	h       *Handlers
	tracker *presence.Tracker
	db      *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	registry := rooms.NewRegistry(allowAll{})
	bc, err := broadcast.New(registry, nullDeliverer{}, nil, nil, "rt.events")
	if err != nil {
		t.Fatalf("broadcaster: %v", err)
	}

	pcfg := config.PresenceConfig{
		AwayThreshold:    5 * time.Minute,
		OfflineThreshold: 15 * time.Minute,
		RemoveAfter:      24 * time.Hour,
		SweepInterval:    time.Minute,
	}
	tracker := presence.NewTracker(pcfg, noRelations{}, bc)

	rcfg := config.RecoveryConfig{
		GracePeriod:          5 * time.Second,
		BackoffBase:          time.Second,
		BackoffMultiplier:    2,
		BackoffMax:           time.Minute,
		MaxReconnectAttempts: 5,
		MissedEventRetention: time.Hour,
		MaxMissedEvents:      100,
		SweepInterval:        time.Minute,
	}
	manager := recovery.NewManager(rcfg, registry, nullStore{})

	limiter := ratelimit.New(config.LimitsConfig{
		UserPerMinute:      60,
		UserPerHour:        1000,
		SocketPerMinute:    30,
		IPPerMinute:        200,
		ViolationThreshold: 5,
		ViolationWindow:    time.Hour,
		SweepInterval:      time.Minute,
	})

	wcfg := config.WSConfig{
		HeartbeatInterval: 25 * time.Second,
		PongWait:          30 * time.Second,
		WriteWait:         5 * time.Second,
		MaxFrameBytes:     64 << 10,
		SendQueueSize:     8,
		ShutdownTimeout:   time.Second,
	}
	gw := gateway.New(wcfg, denyVerifier{}, registry, tracker, manager, limiter)

	h := New(gw, bc, tracker, manager, db, time.Hour, "instance-test")
	return &fixture{h: h, tracker: tracker, db: db}
}

func (f *fixture) router() *gin.Engine {
	r := gin.New()
	r.GET("/presence", f.h.ListOnline)
	r.GET("/presence/:userID", f.h.GetPresence)
	r.GET("/stats", f.h.Stats)
	r.POST("/events",
		middleware.PublishDedup(middleware.DedupOptions{}, func(ctx context.Context, producer, key string, now time.Time) (bool, error) {
			_, err := repo.GetPublishReceipt(ctx, f.db, producer, key, now)
			return err == nil, nil
		}),
		f.h.PublishEvent,
	)
	return r
}

func TestGetPresence_NotFound(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/presence/u-missing", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", w.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Code != ErrCodeNotFound {
		t.Fatalf("code = %q; want %q", body.Code, ErrCodeNotFound)
	}
}

func TestGetPresence_ReturnsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.tracker.MarkActive(context.Background(), "u1", presence.Metadata{
		CurrentPage:  "/tasks",
		ActiveTaskID: "t1",
	})

	w := httptest.NewRecorder()
	f.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/presence/u1", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	var body PresenceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.UserID != "u1" || body.Status != string(domain.PresenceOnline) ||
		body.CurrentPage != "/tasks" || body.ActiveTaskID != "t1" {
		t.Fatalf("body = %+v", body)
	}
}

func TestListOnline_SortsAndPaginates(t *testing.T) {
	f := newFixture(t)
	for _, uid := range []string{"carol", "alice", "bob"} {
		f.tracker.MarkActive(context.Background(), uid, presence.Metadata{})
	}

	w := httptest.NewRecorder()
	f.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/presence?page=2&per_page=2", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	var body struct {
		Online  []string `json:"online"`
		Count   int      `json:"count"`
		Page    int      `json:"page"`
		PerPage int      `json:"per_page"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Count != 3 || body.Page != 2 || body.PerPage != 2 {
		t.Fatalf("meta = %+v", body)
	}
	if len(body.Online) != 1 || body.Online[0] != "carol" {
		t.Fatalf("online = %v; want [carol]", body.Online)
	}
}

func TestStats_ReportsCounters(t *testing.T) {
	f := newFixture(t)
	f.tracker.MarkActive(context.Background(), "u1", presence.Metadata{})

	w := httptest.NewRecorder()
	f.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	var body StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.InstanceID != "instance-test" {
		t.Fatalf("instance = %q", body.InstanceID)
	}
	if body.ActiveConnections != 0 || body.OnlineUsers != 1 || body.RecoveringSessions != 0 {
		t.Fatalf("counters = %+v", body)
	}
}

func postEvent(t *testing.T, r *gin.Engine, payload string, hdrs map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestPublishEvent_RejectsMalformedPayloads(t *testing.T) {
	f := newFixture(t)
	r := f.router()

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{`},
		{"missing type", `{"target":{"kind":"all"}}`},
		{"unknown kind", `{"type":"x","target":{"kind":"broadcast"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := postEvent(t, r, tt.payload, nil); w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d; want 400", w.Code)
			}
		})
	}
}

func TestPublishEvent_RejectsInconsistentTargets(t *testing.T) {
	f := newFixture(t)
	r := f.router()

	tests := []struct {
		name    string
		payload string
	}{
		{"user without ids", `{"type":"x","target":{"kind":"user"}}`},
		{"user with two ids", `{"type":"x","target":{"kind":"user","user_ids":["a","b"]}}`},
		{"users empty", `{"type":"x","target":{"kind":"users","user_ids":[]}}`},
		{"room bad type", `{"type":"x","target":{"kind":"room","room_type":"galaxy","room_id":"g1"}}`},
		{"room no id", `{"type":"x","target":{"kind":"room","room_type":"project"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postEvent(t, r, tt.payload, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d; want 400", w.Code)
			}
			var body ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("body: %v", err)
			}
			if body.Code != ErrCodeInvalidTarget {
				t.Fatalf("code = %q; want %q", body.Code, ErrCodeInvalidTarget)
			}
		})
	}
}

func TestPublishEvent_AcceptsAndStampsEvent(t *testing.T) {
	f := newFixture(t)
	r := f.router()

	w := postEvent(t, r, `{"type":"task:updated","data":{"id":"t1"},"target":{"kind":"user","user_ids":["u1"]}}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d; want 202", w.Code)
	}
	var body PublishEventResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.EventID == "" || body.Replay {
		t.Fatalf("body = %+v; want fresh event id", body)
	}
}

func TestPublishEvent_IdempotentRetryReplaysReceipt(t *testing.T) {
	f := newFixture(t)
	r := f.router()

	hdrs := map[string]string{
		middleware.HeaderIdempotencyKey: "retry-key-1",
		middleware.HeaderProducerID:     "svc-tasks",
	}
	payload := `{"type":"task:updated","target":{"kind":"user","user_ids":["u1"]}}`

	first := postEvent(t, r, payload, hdrs)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d; want 202", first.Code)
	}
	var acc PublishEventResponse
	if err := json.Unmarshal(first.Body.Bytes(), &acc); err != nil {
		t.Fatalf("first body: %v", err)
	}

	second := postEvent(t, r, payload, hdrs)
	if second.Code != http.StatusOK {
		t.Fatalf("retry status = %d; want 200", second.Code)
	}
	var rep PublishEventResponse
	if err := json.Unmarshal(second.Body.Bytes(), &rep); err != nil {
		t.Fatalf("retry body: %v", err)
	}
	if !rep.Replay || rep.EventID != acc.EventID {
		t.Fatalf("retry = %+v; want replay of %s", rep, acc.EventID)
	}
}
