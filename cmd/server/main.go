// Command server runs the multi-tenant chat backend: the websocket session
// gateway, the REST history and billing-webhook endpoints, and the
// background FAQ cache synchronizer.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v79"
	"gorm.io/gorm"

	"github.com/gptbase/chat-backend/internal/billing"
	"github.com/gptbase/chat-backend/internal/cache"
	"github.com/gptbase/chat-backend/internal/config"
	"github.com/gptbase/chat-backend/internal/domain"
	httpapi "github.com/gptbase/chat-backend/internal/http"
	"github.com/gptbase/chat-backend/internal/i18n"
	"github.com/gptbase/chat-backend/internal/knowledge"
	"github.com/gptbase/chat-backend/internal/llm"
	"github.com/gptbase/chat-backend/internal/nlp"
	"github.com/gptbase/chat-backend/internal/observability"
	"github.com/gptbase/chat-backend/internal/repo"
	"github.com/gptbase/chat-backend/internal/services"
	"github.com/gptbase/chat-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// tenantLister adapts the repo free function to the synchronizer's
// services.TenantLister interface.
type tenantLister struct{}

// ListTenants proxies repo.ListTenants.
func (tenantLister) ListTenants(ctx context.Context, db *gorm.DB) ([]domain.Tenant, error) {
	return repo.ListTenants(ctx, db)
}

func main() {
	// Load .env if present; real environment variables win.
	if envMap, err := godotenv.Read(); err == nil {
		for k, v := range envMap {
			if os.Getenv(k) == "" {
				os.Setenv(k, v)
			}
		}
	}

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	chatCache, err := cache.Open(cfg.RedisURL, cfg.HistoryTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("open redis failed")
	}
	defer chatCache.Close()
	if err := chatCache.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("redis ping failed")
	}

	llmClient, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.ChatModel, cfg.EmbeddingModel)
	if err != nil {
		log.Fatal().Err(err).Msg("completion client setup failed")
	}

	store, err := knowledge.NewQdrantStore(cfg.QdrantURL, cfg.QdrantAPIKey, llmClient)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.QdrantURL).Msg("knowledge store setup failed")
	}

	var sentiment nlp.Classifier = nlp.NeutralClassifier{}
	if cfg.AzureEndpoint != "" {
		sentiment = nlp.NewAzureClassifier(cfg.AzureEndpoint, cfg.AzureKey)
	}

	stripe.Key = cfg.Stripe.SecretKey
	invoicer := &billing.StripeInvoicer{
		OveragePriceID: cfg.Stripe.OveragePriceID,
		DaysUntilDue:   int64(cfg.Stripe.DaysUntilDue),
	}

	locales, err := i18n.NewAdapter(cfg.LocalesPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.LocalesPath).Msg("load locales failed")
	}

	deps := httpapi.Deps{
		DB:        db,
		Cache:     chatCache,
		Store:     store,
		LLM:       llmClient,
		Sentiment: sentiment,
		Invoices:  invoicer,
		Locales:   locales,
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, deps, cfg)

	// Background FAQ synchronizer, stopped with the process.
	faq := &services.FAQService{
		DB:      db,
		Tenants: tenantLister{},
		Cache:   chatCache,
		LLM:     llmClient,
		Answers: &services.AnswerService{
			Store:     store,
			LLM:       llmClient,
			Sentiment: nlp.NeutralClassifier{},
			Keywords:  chatCache,
		},
		Locales:  locales,
		TopK:     cfg.FAQ.TopK,
		Workers:  cfg.FAQ.Workers,
		Stagger:  cfg.FAQ.Stagger,
		Interval: cfg.FAQ.Interval,
	}
	go faq.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("version", version).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
