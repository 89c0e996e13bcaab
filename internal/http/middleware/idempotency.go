// Package middleware contains the shared Gin middleware of the HTTP layer.
//
// This file implements idempotent-publish support for the internal event
// ingestion endpoint. Backend services retry publishes on timeouts, so each
// request carries an Idempotency-Key scoped to the producer identified by
// X-Producer-ID. The middleware validates and stashes the pair; the handler
// owns the receipt lookup and replay response. A narrow PublishLookup hook
// lets the middleware pre-flag replays so the edge rate limiter can wave
// them through without consuming tokens.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey conveys the client-chosen dedup key for a publish.
// The value must be stable across retries of the same semantic event.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderProducerID names the backend service issuing the publish. Keys are
// only unique within one producer.
const HeaderProducerID = "X-Producer-ID"

// Context keys stashing dedup state; read through the accessors below.
const (
	ctxKeyPublishKey      = "publish.key"
	ctxKeyPublishProducer = "publish.producer"
	ctxKeyPublishReplay   = "publish.replay"
	ctxKeyRateBypass      = "rate.bypass"
)

// PublishKey returns the validated (producer, key) pair stored by
// PublishDedup. The third value reports whether a key was supplied.
func PublishKey(c *gin.Context) (producer, key string, ok bool) {
	v, found := c.Get(ctxKeyPublishKey)
	if !found {
		return "", "", false
	}
	key, _ = v.(string)
	if p, found := c.Get(ctxKeyPublishProducer); found {
		producer, _ = p.(string)
	}
	return producer, key, key != ""
}

// IsReplay reports whether the lookup recognized this request as a retry of
// an already-accepted publish. The handler then serves the stored receipt
// instead of publishing again.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyPublishReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// DedupOptions configures key validation. TTL enforcement lives in the
// lookup, not here.
type DedupOptions struct {
	// MaxLen caps the accepted key length; values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. Defaults to a conservative
	// token pattern: ^[A-Za-z0-9._~\-:]+$
	Pattern *regexp.Regexp
}

// PublishLookup answers whether a still-valid receipt exists for
// (producerID, key) at the given time. Errors mean the lookup failed and
// must not block normal processing.
type PublishLookup func(ctx context.Context, producerID, key string, now time.Time) (exists bool, err error)

// PublishDedup validates the Idempotency-Key header when present, stashes
// the (producer, key) pair, and pre-flags replays via the supplied lookup.
//
//   - No header: no-op.
//   - Invalid key or missing producer: 400 with a compact error body.
//   - Known receipt: replay + rate-bypass flags are set.
func PublishDedup(opts DedupOptions, lookup PublishLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
			})
			return
		}
		producer := c.GetHeader(HeaderProducerID)
		if producer == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "missing_producer",
				"message": "Idempotency-Key requires " + HeaderProducerID,
			})
			return
		}

		c.Set(ctxKeyPublishKey, key)
		c.Set(ctxKeyPublishProducer, producer)

		if lookup != nil {
			if exists, _ := lookup(c.Request.Context(), producer, key, time.Now().UTC()); exists {
				c.Set(ctxKeyPublishReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}

		c.Next()
	}
}
