// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
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

	"github.com/gptbase/chat-backend/internal/billing"
	"github.com/gptbase/chat-backend/internal/cache"
	"github.com/gptbase/chat-backend/internal/config"
	"github.com/gptbase/chat-backend/internal/domain"
	"github.com/gptbase/chat-backend/internal/http/handlers"
	"github.com/gptbase/chat-backend/internal/http/middleware"
	"github.com/gptbase/chat-backend/internal/i18n"
	"github.com/gptbase/chat-backend/internal/knowledge"
	"github.com/gptbase/chat-backend/internal/llm"
	"github.com/gptbase/chat-backend/internal/nlp"
	"github.com/gptbase/chat-backend/internal/repo"
	"github.com/gptbase/chat-backend/internal/services"
)

// quotaRepoShim adapts the repository free functions to the
// services.QuotaRepo interface expected by the QuotaService. This keeps
// services decoupled from the concrete repo package while reusing existing
// functions.
type quotaRepoShim struct{}

// GetLatestPlan proxies repo.GetLatestPlan.
func (quotaRepoShim) GetLatestPlan(ctx context.Context, db *gorm.DB, stripeID string) (*domain.Plan, error) {
	return repo.GetLatestPlan(ctx, db, stripeID)
}

// UpdatePlanTokens proxies repo.UpdatePlanTokens.
func (quotaRepoShim) UpdatePlanTokens(ctx context.Context, db *gorm.DB, planID string, remaining int64) error {
	return repo.UpdatePlanTokens(ctx, db, planID, remaining)
}

// SetPlanReachedLimit proxies repo.SetPlanReachedLimit.
func (quotaRepoShim) SetPlanReachedLimit(ctx context.Context, db *gorm.DB, planID string) error {
	return repo.SetPlanReachedLimit(ctx, db, planID)
}

// ClearReachedLimit proxies repo.ClearReachedLimit.
func (quotaRepoShim) ClearReachedLimit(ctx context.Context, db *gorm.DB, stripeID string) error {
	return repo.ClearReachedLimit(ctx, db, stripeID)
}

// CreatePlan proxies repo.CreatePlan.
func (quotaRepoShim) CreatePlan(ctx context.Context, db *gorm.DB, stripeID, subscriptionID, priceID string, tokens int64, startAt, endAt time.Time) (*domain.Plan, error) {
	return repo.CreatePlan(ctx, db, stripeID, subscriptionID, priceID, tokens, startAt, endAt)
}

// DeletePlanBySubscription proxies repo.DeletePlanBySubscription.
func (quotaRepoShim) DeletePlanBySubscription(ctx context.Context, db *gorm.DB, subscriptionID string) error {
	return repo.DeletePlanBySubscription(ctx, db, subscriptionID)
}

// Deps carries the externally constructed collaborators the router wires
// into services: database, cache, knowledge store, completion engine,
// sentiment classifier, invoicer, and locales.
type Deps struct {
	DB        *gorm.DB
	Cache     *cache.ChatCache
	Store     knowledge.Store
	LLM       llm.Client
	Sentiment nlp.Classifier
	Invoices  billing.InvoiceCreator
	Locales   *i18n.Adapter
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), rate limiting,
// CORS and security headers, health and metrics endpoints, and then mounts
// the websocket chat entrypoint and the versioned REST API.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per user/IP)
//  8. CORS and Security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"Stripe-Signature", // webhook signature; useless in logs, sensitive in dumps
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 8) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
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
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
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

	// Dependency injection: services ← repo/db/cache/upstreams
	tenantSvc := &services.TenantService{DB: deps.DB, Cache: deps.Cache}
	quotaSvc := &services.QuotaService{
		DB:                 deps.DB,
		Repo:               quotaRepoShim{},
		Flags:              deps.Cache,
		Invoices:           deps.Invoices,
		DefaultCycleTokens: cfg.Stripe.CycleTokens,
	}
	historySvc := &services.HistoryService{Cache: deps.Cache, LLM: deps.LLM}
	answerSvc := &services.AnswerService{
		Store:     deps.Store,
		LLM:       deps.LLM,
		Sentiment: deps.Sentiment,
		Keywords:  deps.Cache,
	}
	verifySvc := &services.VerifyService{
		V2Secret:    cfg.Recaptcha.V2Secret,
		V3Secret:    cfg.Recaptcha.V3Secret,
		Threshold:   cfg.Recaptcha.V3Threshold,
		CooldownTTL: cfg.Recaptcha.CooldownTTL,
		Cooldowns:   deps.Cache,
		HTTP:        &http.Client{Timeout: cfg.VerifyTimeout},
	}

	h := &handlers.Handler{
		BearerToken: cfg.BearerToken,
		TurnTimeout: cfg.CompletionTimeout,

		Tenants:  tenantSvc,
		Verify:   verifySvc,
		Quota:    quotaSvc,
		History:  historySvc,
		Keywords: deps.Cache,
		FAQ:      deps.Cache,
		Answers:  answerSvc,
		Locales:  deps.Locales,

		HistoryR: historySvc,

		DB:            deps.DB,
		Billing:       quotaSvc,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		EventTTL:      cfg.Stripe.EventTTL,
	}

	// Websocket chat entrypoint (at root, like the widget expects)
	r.GET("/ws/:tenant", h.ChatSocket)

	// Public REST API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		api.GET("/history/:user_id", h.ChatHistory)
		api.POST("/stripe/webhook", h.StripeWebhook)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
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
