// Package api is the REST surface: session administration, lifecycle
// commands, attendance recording and reports, push endpoints and ops routes.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"liveclass/internal/attendance"
	"liveclass/internal/auth"
	"liveclass/internal/httpmiddleware"
	"liveclass/internal/lifecycle"
	"liveclass/internal/push"
	"liveclass/internal/session"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps are the collaborators the router serves.
type Deps struct {
	Sessions  *session.Registry
	Scheduler *lifecycle.Scheduler
	Tracker   *attendance.Tracker
	// Push enables /v1/events/ws and /v1/events/stream when set.
	Push *push.Handler

	Auth            auth.Config
	RateLimitPerMin int
	CORSOrigins     []string

	// Health is keyed by dependency name, e.g. "db" or "redis".
	Health map[string]HealthCheck
	// Metrics serves /metrics. Nil uses the default Prometheus registry.
	Metrics http.Handler
	Logger  *slog.Logger
}

type handlers struct {
	sessions  *session.Registry
	scheduler *lifecycle.Scheduler
	tracker   *attendance.Tracker
	log       *slog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = promhttp.Handler()
	}
	h := &handlers{
		sessions:  d.Sessions,
		scheduler: d.Scheduler,
		tracker:   d.Tracker,
		log:       d.Logger.With("component", "api"),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(corsConfig(d.CORSOrigins)))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(d.Metrics))
	r.GET("/healthz", healthz(d.Health))

	v1 := r.Group("/v1", auth.Authenticate(d.Auth))
	v1.Use(httpmiddleware.NewSimpleTokenBucket(d.RateLimitPerMin, d.RateLimitPerMin).GinMiddleware())

	operator := auth.Require(auth.RoleOperator)
	v1.POST("/sessions", operator, h.createSession)
	v1.GET("/sessions", h.listSessions)
	v1.POST("/sessions/sweep", operator, h.sweep)
	v1.GET("/sessions/:id", h.getSession)
	v1.PATCH("/sessions/:id", operator, h.updateSession)
	v1.POST("/sessions/:id/start", operator, h.startSession)
	v1.POST("/sessions/:id/end", operator, h.endSession)

	v1.POST("/attendance/join", h.join)
	v1.POST("/attendance/leave", h.leave)
	v1.GET("/attendance/session/:id", h.roster)
	v1.GET("/attendance/participant/:id", h.history)

	if d.Push != nil {
		v1.GET("/events/ws", d.Push.WebSocket)
		v1.GET("/events/stream", d.Push.Stream)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        24 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		body := gin.H{"status": "ok"}
		status := http.StatusOK
		for name, check := range checks {
			ok := check(ctx)
			body[name] = ok
			if !ok {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
		c.JSON(status, body)
	}
}
