package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// captureLogs redirects the global zerolog logger into a buffer for the
// duration of the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	var seen string
	r.GET("/x", RequestID(), func(c *gin.Context) {
		v, _ := c.Get(requestIDKey)
		seen, _ = v.(string)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	if seen == "" {
		t.Fatalf("no request id in context")
	}
	if got := w.Header().Get(requestIDHeader); got != seen {
		t.Fatalf("response header = %q; want %q", got, seen)
	}
}

func TestRequestID_PropagatesIncoming(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", RequestID(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(requestIDHeader, "client-rid")
	r.ServeHTTP(w, req)

	if got := w.Header().Get(requestIDHeader); got != "client-rid" {
		t.Fatalf("response header = %q; want client-rid", got)
	}
}

func TestLogger_LevelsFollowStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogs(t)

	r := gin.New()
	r.GET("/ok", RequestID(), Logger(), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/bad", RequestID(), Logger(), func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/boom", RequestID(), Logger(), func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	for _, tt := range []struct {
		path, level string
	}{
		{"/ok", `"level":"info"`},
		{"/bad", `"level":"warn"`},
		{"/boom", `"level":"error"`},
	} {
		buf.Reset()
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if !strings.Contains(buf.String(), tt.level) {
			t.Fatalf("%s log = %s; want %s", tt.path, buf.String(), tt.level)
		}
		if !strings.Contains(buf.String(), `"path":"`+tt.path+`"`) {
			t.Fatalf("%s log missing path: %s", tt.path, buf.String())
		}
	}
}

func TestLogger_UnmatchedRouteFallsBackToRawPath(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogs(t)

	r := gin.New()
	r.Use(RequestID(), Logger())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if !strings.Contains(buf.String(), `"path":"/nope"`) {
		t.Fatalf("log missing raw path: %s", buf.String())
	}
}

func TestRecovery_PanicBecomesJSON500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogs(t)

	r := gin.New()
	r.GET("/x", RequestID(), Recovery(), func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d; want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"code":"internal_error"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("panic not logged: %s", buf.String())
	}
}

func TestRecovery_PanicAfterWriteForcesStatusOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)
	captureLogs(t)

	r := gin.New()
	r.GET("/x", RequestID(), Recovery(), func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("late")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	if strings.Contains(w.Body.String(), "internal_error") {
		t.Fatalf("JSON body written after response started: %s", w.Body.String())
	}
}

func TestLoggerFrom_FallbackAndRequestScoped(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if LoggerFrom(c) == nil {
		t.Fatalf("fallback logger is nil")
	}

	l := log.With().Str("k", "v").Logger()
	c.Set("logger", &l)
	if LoggerFrom(c) != &l {
		t.Fatalf("request-scoped logger not returned")
	}

	c.Set("logger", "not-a-logger")
	if LoggerFrom(c) == nil {
		t.Fatalf("fallback for wrong type is nil")
	}
}

func TestHelpers_asString_and_truncate(t *testing.T) {
	if asString("x") != "x" || asString(42) != "" || asString(nil) != "" {
		t.Fatalf("asString misbehaves")
	}
	if truncate("abc", 0) != "abc" {
		t.Fatalf("truncate with max<=0 must not cut")
	}
	if truncate("abc", 5) != "abc" {
		t.Fatalf("truncate below max must not cut")
	}
	if got := truncate("abcdef", 3); got != "abc…" {
		t.Fatalf("truncate = %q", got)
	}
}
