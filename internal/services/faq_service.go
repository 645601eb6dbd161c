// Package services – FAQService
//
// This file implements the FAQ cache synchronizer: scheduled background work
// that reconciles each tenant/language's live hot-keyword set against the
// mirror set of cached FAQ entries, generating entries for keywords that
// became hot and deleting entries for keywords that fell out. Per-tenant
// jobs run with bounded concurrency and a staggered start so the generation
// backend is never flooded; a failed tenant job is logged and retried on the
// next schedule tick without affecting the other tenants.
package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/gptbase/chat-backend/internal/domain"
	"github.com/gptbase/chat-backend/internal/i18n"
	"github.com/gptbase/chat-backend/internal/llm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FAQCache is the cache surface the synchronizer reads and writes.
type FAQCache interface {
	TopAsked(ctx context.Context, tenant, lang string, n int) ([]string, error)
	MirrorSet(ctx context.Context, tenant, lang string) ([]string, error)
	ReplaceMirrorSet(ctx context.Context, tenant, lang string, keywords []string) error
	PutFAQ(ctx context.Context, tenant, lang, keyword, question, answer string) error
	DeleteFAQ(ctx context.Context, tenant, lang, keyword string) error
}

// TenantLister enumerates tenants for per-tenant jobs.
type TenantLister interface {
	ListTenants(ctx context.Context, db *gorm.DB) ([]domain.Tenant, error)
}

// AnswerGenerator produces a full retrieval-grounded answer for a question.
type AnswerGenerator interface {
	Generate(ctx context.Context, req AnswerRequest) (string, error)
}

// Localizer serves the supported language set and canned messages.
// Implemented by i18n.Adapter.
type Localizer interface {
	Supported() []string
	Message(lang, key string) string
}

// FAQService keeps the precomputed FAQ cache in sync with keyword traffic.
type FAQService struct {
	DB      *gorm.DB
	Tenants TenantLister
	Cache   FAQCache
	LLM     llm.Client
	Answers AnswerGenerator
	Locales Localizer

	TopK     int           // size of the hot-keyword live set
	Workers  int           // max tenants processed simultaneously
	Stagger  time.Duration // delay between enqueuing tenant jobs
	Interval time.Duration // time between synchronization cycles
}

// Run synchronizes once immediately and then on every interval tick until
// ctx is cancelled. Intended to be launched as a background goroutine.
func (s *FAQService) Run(ctx context.Context) {
	s.SyncAll(ctx)
	interval := s.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

// SyncAll runs one synchronization cycle over every tenant. Tenant jobs are
// staggered and bounded by a counting semaphore of Workers slots; one
// tenant's failure never blocks or poisons the others.
func (s *FAQService) SyncAll(ctx context.Context) {
	tr := otel.Tracer("services/FAQService")
	ctx, span := tr.Start(ctx, "SyncAll")
	defer span.End()

	tenants, err := s.Tenants.ListTenants(ctx, s.DB)
	if err != nil {
		log.Error().Err(err).Msg("faq sync: list tenants failed")
		return
	}

	workers := s.Workers
	if workers < 1 {
		workers = 2
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, tenant := range tenants {
		if i > 0 && s.Stagger > 0 {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case <-time.After(s.Stagger):
			}
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(t domain.Tenant) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.syncTenant(ctx, t); err != nil {
				log.Error().Err(err).
					Str("tenant", t.ID).
					Msg("faq sync: tenant job failed; will retry next cycle")
			}
		}(tenant)
	}
	wg.Wait()
}

// syncTenant reconciles one tenant across all supported languages.
func (s *FAQService) syncTenant(ctx context.Context, tenant domain.Tenant) error {
	tr := otel.Tracer("services/FAQService")
	ctx, span := tr.Start(ctx, "syncTenant",
		trace.WithAttributes(attribute.String("tenant.id", tenant.ID)),
	)
	defer span.End()

	for _, lang := range s.Locales.Supported() {
		if err := s.syncTenantLang(ctx, tenant, lang); err != nil {
			return err
		}
	}
	return nil
}

// syncTenantLang performs the diff-and-apply for one tenant/language.
// Keyword order within a batch is irrelevant; entries are independent. The
// mirror set is replaced only after every entry write succeeded, so a failed
// run leaves the old mirror in place and the next cycle recomputes the same
// diff (entry writes are idempotent overwrites).
func (s *FAQService) syncTenantLang(ctx context.Context, tenant domain.Tenant, lang string) error {
	topK := s.TopK
	if topK < 1 {
		topK = 5
	}
	live, err := s.Cache.TopAsked(ctx, tenant.ID, lang, topK)
	if err != nil {
		return err
	}
	cached, err := s.Cache.MirrorSet(ctx, tenant.ID, lang)
	if err != nil {
		return err
	}

	added, removed := diffKeywords(live, cached)
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	sorry := s.Locales.Message(lang, i18n.MsgSorry)
	langName := s.Locales.Message(lang, i18n.MsgLanguage)

	for _, keyword := range added {
		question, err := s.generateQuestion(ctx, keyword, langName)
		if err != nil {
			return err
		}
		answer, err := s.Answers.Generate(ctx, AnswerRequest{
			Tenant:   tenant.ID,
			Lang:     lang,
			Question: question,
			Query:    keyword,
			Sorry:    sorry,
			Keyword:  keyword,
		})
		if err != nil {
			return err
		}
		if err := s.Cache.PutFAQ(ctx, tenant.ID, lang, keyword, question, answer); err != nil {
			return err
		}
	}

	for _, keyword := range removed {
		if err := s.Cache.DeleteFAQ(ctx, tenant.ID, lang, keyword); err != nil {
			return err
		}
	}

	return s.Cache.ReplaceMirrorSet(ctx, tenant.ID, lang, live)
}

// generateQuestion turns a hot keyword into a natural question in the target
// language.
func (s *FAQService) generateQuestion(ctx context.Context, keyword, langName string) (string, error) {
	reply, err := s.LLM.Complete(ctx, []llm.Message{
		{
			Role: llm.RoleSystem,
			Content: "Convert the following search keyword into one natural " + langName +
				" question a customer would ask about the product documentation. " +
				"Reply with the question only.",
		},
		{Role: llm.RoleUser, Content: keyword},
	}, 0)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// diffKeywords returns live − cached and cached − live.
func diffKeywords(live, cached []string) (added, removed []string) {
	liveSet := make(map[string]struct{}, len(live))
	for _, k := range live {
		liveSet[k] = struct{}{}
	}
	cachedSet := make(map[string]struct{}, len(cached))
	for _, k := range cached {
		cachedSet[k] = struct{}{}
	}
	for _, k := range live {
		if _, ok := cachedSet[k]; !ok {
			added = append(added, k)
		}
	}
	for _, k := range cached {
		if _, ok := liveSet[k]; !ok {
			removed = append(removed, k)
		}
	}
	return added, removed
}
