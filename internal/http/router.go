// Package httpapi wires the HTTP transport (Gin) to the realtime core,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, publish idempotency, and handshake rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - The realtime core stays transport-free; only this package knows Gin
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-backend/internal/backplane"
	"github.com/tbourn/go-realtime-backend/internal/broadcast"
	"github.com/tbourn/go-realtime-backend/internal/config"
	"github.com/tbourn/go-realtime-backend/internal/domain"
	"github.com/tbourn/go-realtime-backend/internal/gateway"
	"github.com/tbourn/go-realtime-backend/internal/http/handlers"
	"github.com/tbourn/go-realtime-backend/internal/http/middleware"
	"github.com/tbourn/go-realtime-backend/internal/presence"
	"github.com/tbourn/go-realtime-backend/internal/ratelimit"
	"github.com/tbourn/go-realtime-backend/internal/recovery"
	"github.com/tbourn/go-realtime-backend/internal/repo"
	"github.com/tbourn/go-realtime-backend/internal/rooms"
)

// missedStoreShim adapts the repository free functions to the MissedStore
// and Store interfaces expected by the broadcaster and the recovery manager.
// It keeps both decoupled from the concrete repo package while reusing the
// existing functions.
type missedStoreShim struct {
	db  *gorm.DB
	max int
}

// Append proxies repo.AppendMissedEvent with the per-user queue bound.
func (s missedStoreShim) Append(ctx context.Context, userID string, ev domain.EventPayload) error {
	_, err := repo.AppendMissedEvent(ctx, s.db, userID, ev, s.max)
	return err
}

// ListSince proxies repo.ListMissedEvents.
func (s missedStoreShim) ListSince(ctx context.Context, userID string, since time.Time) ([]domain.MissedEvent, error) {
	return repo.ListMissedEvents(ctx, s.db, userID, since)
}

// Delete proxies repo.DeleteMissedEvents.
func (s missedStoreShim) Delete(ctx context.Context, ids []string) error {
	return repo.DeleteMissedEvents(ctx, s.db, ids)
}

// PurgeBefore proxies repo.PurgeMissedEventsBefore.
func (s missedStoreShim) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return repo.PurgeMissedEventsBefore(ctx, s.db, cutoff)
}

// localProxy breaks the construction cycle between the broadcaster (which
// needs a local deliverer) and the gateway (which needs the presence tracker
// fed by the broadcaster). Delivery before the gateway is bound reports no
// connections, which is correct: nothing is connected yet.
type localProxy struct{ gw *gateway.Gateway }

func (p *localProxy) Enqueue(connID string, ev domain.EventPayload) bool {
	if p.gw == nil {
		return false
	}
	return p.gw.Enqueue(connID, ev)
}

func (p *localProxy) ConnectionIDs() []string {
	if p.gw == nil {
		return nil
	}
	return p.gw.ConnectionIDs()
}

func (p *localProxy) UserConnectionCount(userID string) int {
	if p.gw == nil {
		return 0
	}
	return p.gw.UserConnectionCount(userID)
}

// Realtime bundles the running pieces the caller owns after registration:
// background sweep loops to start and the gateway to shut down.
type Realtime struct {
	Gateway     *gateway.Gateway
	Broadcaster *broadcast.Broadcaster
	Tracker     *presence.Tracker
	Manager     *recovery.Manager
	Limiter     *ratelimit.Limiter
}

// Run starts every periodic sweep and blocks until ctx is cancelled.
func (rt *Realtime) Run(ctx context.Context) {
	go rt.Tracker.Run(ctx)
	go rt.Manager.Run(ctx)
	go rt.Limiter.Run(ctx)
	<-ctx.Done()
}

// Shutdown drains and closes every websocket connection.
func (rt *Realtime) Shutdown(ctx context.Context) {
	rt.Gateway.Shutdown(ctx)
}

// RegisterRoutes attaches all middleware and endpoints to the given Gin
// engine and wires the realtime core behind them. The returned Realtime
// holds the sweep loops and shutdown hook; nil is returned with the error
// when the backplane subscription fails.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with token/PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Publish dedup (before the rate limiter to allow bypass on replay)
//  8. Handshake/REST rate limiter
//  9. CORS and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, bp backplane.Backplane, verifier gateway.IdentityVerifier, access rooms.AccessResolver, membership presence.MembershipResolver, cfg config.Config) (*Realtime, error) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{middleware.HeaderProducerID},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Publish dedup (before rate limiting)
	r.Use(middleware.PublishDedup(
		middleware.DedupOptions{MaxLen: 200},
		func(ctx context.Context, producerID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetPublishReceipt(ctx, db, producerID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket limiter per user/IP on the HTTP edge
	rl := middleware.NewRateLimiter(cfg.HandshakeRPS, cfg.HandshakeBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey, middleware.HeaderProducerID},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey, middleware.HeaderProducerID},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: realtime core ← registry/limiter/tracker/
	// broadcaster/manager/gateway. The local proxy is bound to the gateway
	// once it exists.
	registry := rooms.NewRegistry(access)
	limiter := ratelimit.New(cfg.Limits)
	store := missedStoreShim{db: db, max: cfg.Recovery.MaxMissedEvents}
	local := &localProxy{}

	subject := cfg.NATS.SubjectPrefix + ".events"
	bc, err := broadcast.New(registry, local, store, bp, subject)
	if err != nil {
		return nil, err
	}

	tracker := presence.NewTracker(cfg.Presence, membership, bc)
	manager := recovery.NewManager(cfg.Recovery, registry, store)
	bc.AddRoomObserver(manager.ObserveRoomEvent)

	gw := gateway.New(cfg.WS, verifier, registry, tracker, manager, limiter)
	local.gw = gw

	h := handlers.New(gw, bc, tracker, manager, db, cfg.IdempotencyTTL, bc.InstanceID())

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.GET("/ws", h.WS)
		api.GET("/presence", h.ListOnline)
		api.GET("/presence/:userID", h.GetPresence)
		api.GET("/stats", h.Stats)
	}

	// Internal ingestion surface for backend services
	internal := r.Group("/internal/v1")
	{
		internal.POST("/events", h.PublishEvent)
	}

	return &Realtime{
		Gateway:     gw,
		Broadcaster: bc,
		Tracker:     tracker,
		Manager:     manager,
		Limiter:     limiter,
	}, nil
}

// limitBody caps the request body for all endpoints using
// http.MaxBytesReader; reads beyond the cap error downstream.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
