package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gptbase/chat-backend/internal/cache"
	"github.com/gptbase/chat-backend/internal/domain"
	"github.com/gptbase/chat-backend/internal/i18n"
	"github.com/gptbase/chat-backend/internal/services"
)

// Conn is the transport a Session runs over. The websocket handler adapts a
// gorilla connection to it; tests use an in-memory fake.
type Conn interface {
	// ReadMessage blocks for the next client frame. Any error is treated as
	// a disconnect.
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// TenantResolver resolves a tenant id to its record and billing account.
type TenantResolver interface {
	Resolve(ctx context.Context, tenantID string) (*domain.Tenant, string, error)
}

// Verifier gates chat turns behind the challenge verifier.
type Verifier interface {
	VerifyToken(ctx context.Context, userKey, token string) bool
	VerifyScore(ctx context.Context, userKey, token string) bool
}

// Quota is the usage-budget surface consulted and charged per turn.
type Quota interface {
	Exhausted(ctx context.Context, stripeID string) (bool, error)
	Charge(ctx context.Context, stripeID string, amount int64) error
}

// History is the per-user turn log plus the follow-up query rewrite.
type History interface {
	Append(ctx context.Context, userKey string, turn cache.ChatTurn) error
	Turns(ctx context.Context, userKey string) ([]cache.ChatTurn, error)
	Rewrite(ctx context.Context, question string, history []cache.ChatTurn) (string, error)
}

// AskedRecorder feeds the keyword tracker after a completed turn.
type AskedRecorder interface {
	RecordAsked(ctx context.Context, tenant, lang, keyword string) error
}

// FAQReader serves the precomputed FAQ cache on the hot path.
type FAQReader interface {
	FAQQuestions(ctx context.Context, tenant, lang string) ([]string, error)
	FAQAnswer(ctx context.Context, tenant, lang, question string) (string, error)
}

// Answerer starts a streaming generation run.
type Answerer interface {
	Stream(ctx context.Context, req services.AnswerRequest) (*services.Answer, error)
}

// Localizer normalizes language codes and serves canned messages.
type Localizer interface {
	Normalize(code string) string
	Message(lang, key string) string
}

// Session is the per-connection protocol state machine. One goroutine drives
// it; it owns the connection for its whole life and never outlives Run.
type Session struct {
	Conn        Conn
	TenantID    string // from the URL path
	BearerToken string

	Tenants  TenantResolver
	Verify   Verifier
	Quota    Quota
	History  History
	Keywords AskedRecorder
	FAQ      FAQReader
	Answers  Answerer
	Locales  Localizer

	// TurnTimeout bounds one chat turn end to end (rewrite + retrieval +
	// generation). Zero means no per-turn deadline.
	TurnTimeout time.Duration

	tenant   *domain.Tenant
	stripeID string
	userKey  string
	lang     string
}

// Run executes the session: handshake, authorization, then the dispatch loop
// until the client disconnects or a protocol violation closes the
// connection. A disconnect while blocked on receive is a silent, normal end.
func (s *Session) Run(ctx context.Context) {
	raw, err := s.Conn.ReadMessage()
	if err != nil {
		return
	}
	var hs Handshake
	if err := json.Unmarshal(raw, &hs); err != nil || hs.Auth == "" || hs.UID == "" {
		_ = s.Conn.Close(CloseBadHandshake, "bad handshake")
		return
	}
	if hs.Auth != "Bearer "+s.BearerToken {
		_ = s.Conn.Close(CloseUnauthorized, "unauthorized")
		return
	}
	uid, err := uuid.Parse(hs.UID)
	if err != nil {
		_ = s.Conn.Close(CloseBadHandshake, "bad handshake")
		return
	}
	// History keys use the raw UUID bytes, so equivalent spellings of the
	// same id share one log.
	s.userKey = string(uid[:])

	tenant, stripeID, err := s.Tenants.Resolve(ctx, s.TenantID)
	if err != nil {
		_ = s.Conn.Close(ClosePlanNotFound, "plan or tenant not found")
		return
	}
	s.tenant = tenant
	s.stripeID = stripeID
	s.lang = s.Locales.Normalize("en")

	if err := s.Conn.WriteJSON(ServerMessage{Type: TypeAuthorized}); err != nil {
		return
	}
	sessionsActive.Inc()
	defer sessionsActive.Dec()

	for {
		raw, err := s.Conn.ReadMessage()
		if err != nil {
			return
		}
		var env ClientMessage
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = s.Conn.Close(CloseDecodeError, "decode error")
			return
		}

		switch env.Type {
		case TypeSwitchLang:
			var p SwitchLang
			if err := decodePayload(env, &p); err != nil {
				_ = s.Conn.Close(CloseMalformedPayload, "malformed payload")
				return
			}
			if err := s.switchLanguage(ctx, p.Language); err != nil {
				return
			}

		case TypeChatV2:
			var p ChatV2
			if err := decodePayload(env, &p); err != nil {
				_ = s.Conn.Close(CloseMalformedPayload, "malformed payload")
				return
			}
			if !s.Verify.VerifyToken(ctx, s.userKey, p.Token) {
				if err := s.Conn.WriteJSON(ServerMessage{Type: TypeVerifyRequired}); err != nil {
					return
				}
				continue
			}
			if err := s.chatTurn(ctx, p.Question, p.Cache); err != nil {
				return
			}

		case TypeChatV3:
			var p ChatV3
			if err := decodePayload(env, &p); err != nil {
				_ = s.Conn.Close(CloseMalformedPayload, "malformed payload")
				return
			}
			if !s.Verify.VerifyScore(ctx, s.userKey, p.Token) {
				if err := s.Conn.WriteJSON(ServerMessage{Type: TypeVerifyRequired}); err != nil {
					return
				}
				continue
			}
			if err := s.chatTurn(ctx, p.Question, p.Cache); err != nil {
				return
			}

		default:
			_ = s.Conn.Close(CloseMalformedPayload, "unknown message type")
			return
		}
	}
}

// switchLanguage updates the session language, streams the canned greeting
// as a simulated answer, and sends the tenant's current FAQ question list.
// No quota or verification check applies. A non-nil return means the client
// is gone.
func (s *Session) switchLanguage(ctx context.Context, code string) error {
	s.lang = s.Locales.Normalize(code)

	if err := s.Conn.WriteJSON(ServerMessage{Type: TypeAnswerStart}); err != nil {
		return err
	}
	if err := s.Conn.WriteJSON(ServerMessage{
		Type:    TypeAnswerBody,
		Content: s.Locales.Message(s.lang, i18n.MsgGreetings),
	}); err != nil {
		return err
	}
	if err := s.Conn.WriteJSON(ServerMessage{Type: TypeAnswerEnd}); err != nil {
		return err
	}

	questions, err := s.FAQ.FAQQuestions(ctx, s.tenant.ID, s.lang)
	if err != nil {
		log.Error().Err(err).Str("tenant", s.tenant.ID).Msg("faq question list fetch failed")
		questions = nil
	}
	if questions == nil {
		questions = []string{}
	}
	return s.Conn.WriteJSON(ServerMessage{Type: TypeQuestions, Content: questions})
}

// chatTurn runs one verified chat turn: FAQ cache short-circuit, quota
// fallback, or full rewrite-retrieve-generate streaming. Side effects
// (history append, keyword record, quota charge) run once per completed
// turn, after every fragment was delivered, and stop at the first failure
// so a turn is never partially recorded. A non-nil return means the client
// is gone and the session ends.
func (s *Session) chatTurn(ctx context.Context, question string, cacheAllowed bool) error {
	tr := otel.Tracer("gateway/Session")
	ctx, span := tr.Start(ctx, "chatTurn",
		trace.WithAttributes(
			attribute.String("tenant.id", s.tenant.ID),
			attribute.String("lang", s.lang),
		),
	)
	defer span.End()

	var cancelTurn context.CancelFunc
	if s.TurnTimeout > 0 {
		ctx, cancelTurn = context.WithTimeout(ctx, s.TurnTimeout)
	} else {
		ctx, cancelTurn = context.WithCancel(ctx)
	}
	defer cancelTurn()

	if err := s.Conn.WriteJSON(ServerMessage{Type: TypeAnswerStart}); err != nil {
		return err
	}

	if cacheAllowed {
		answer, err := s.FAQ.FAQAnswer(ctx, s.tenant.ID, s.lang, question)
		if err != nil {
			log.Error().Err(err).Str("tenant", s.tenant.ID).Msg("faq answer lookup failed")
		} else if answer != "" {
			if err := s.Conn.WriteJSON(ServerMessage{Type: TypeAnswerBody, Content: answer}); err != nil {
				return err
			}
			if err := s.History.Append(ctx, s.userKey, cache.ChatTurn{
				UserQuestion: question,
				Answer:       answer,
			}); err != nil {
				log.Error().Err(err).Msg("history append failed for cached answer")
			}
			turnsTotal.WithLabelValues(outcomeCached).Inc()
			return s.Conn.WriteJSON(ServerMessage{Type: TypeAnswerEnd})
		}
	}

	exhausted, err := s.Quota.Exhausted(ctx, s.stripeID)
	if err != nil {
		log.Error().Err(err).Str("stripe_id", s.stripeID).Msg("reach-limit lookup failed")
	}
	if exhausted {
		if err := s.Conn.WriteJSON(ServerMessage{Type: TypeAnswerBody, Content: s.tenant.Fallback}); err != nil {
			return err
		}
		turnsTotal.WithLabelValues(outcomeFallback).Inc()
		return s.Conn.WriteJSON(ServerMessage{Type: TypeAnswerEnd})
	}

	turns, err := s.History.Turns(ctx, s.userKey)
	if err != nil {
		log.Error().Err(err).Msg("history read failed")
		turns = nil
	}
	query, err := s.History.Rewrite(ctx, question, turns)
	if err != nil {
		log.Error().Err(err).Str("tenant", s.tenant.ID).Msg("query rewrite failed; turn aborted")
		turnsTotal.WithLabelValues(outcomeAborted).Inc()
		return s.Conn.WriteJSON(ServerMessage{Type: TypeAnswerEnd})
	}

	ans, err := s.Answers.Stream(ctx, services.AnswerRequest{
		Tenant:   s.tenant.ID,
		Lang:     s.lang,
		Question: question,
		Query:    query,
		Sorry:    s.Locales.Message(s.lang, i18n.MsgSorry),
		// Asked-counting uses the literal question too, so an unanswered
		// turn removes the same tracker member it would have incremented.
		Keyword: question,
	})
	if err != nil {
		log.Error().Err(err).Str("tenant", s.tenant.ID).Msg("answer stream start failed; turn aborted")
		turnsTotal.WithLabelValues(outcomeAborted).Inc()
		return s.Conn.WriteJSON(ServerMessage{Type: TypeAnswerEnd})
	}

	var full strings.Builder
	var writeErr error
	for frag := range ans.Fragments {
		full.WriteString(frag)
		if writeErr == nil {
			if writeErr = s.Conn.WriteJSON(ServerMessage{Type: TypeAnswerBody, Content: frag}); writeErr != nil {
				// Stop the generation backend; the drain below only
				// collects fragments already in flight.
				cancelTurn()
			}
		}
	}
	if writeErr != nil {
		// Client went away mid-stream. The turn never completed, so no
		// side effects apply.
		turnsTotal.WithLabelValues(outcomeAborted).Inc()
		return writeErr
	}
	if err := ans.Err(); err != nil {
		log.Error().Err(err).Str("tenant", s.tenant.ID).Msg("answer stream failed; turn aborted")
		turnsTotal.WithLabelValues(outcomeAborted).Inc()
		return s.Conn.WriteJSON(ServerMessage{Type: TypeAnswerEnd})
	}

	s.commitTurn(ctx, question, query, ans.Background, full.String(), ans.Unanswered())
	turnsTotal.WithLabelValues(outcomeCompleted).Inc()
	return s.Conn.WriteJSON(ServerMessage{Type: TypeAnswerEnd})
}

// commitTurn applies the once-per-completed-turn side effects in order:
// history append, keyword record, quota charge. The chain stops at the first
// failure.
func (s *Session) commitTurn(ctx context.Context, question, query, background, answer string, unanswered bool) {
	if err := s.History.Append(ctx, s.userKey, cache.ChatTurn{
		UserQuestion: question,
		Query:        query,
		Background:   background,
		Answer:       answer,
	}); err != nil {
		log.Error().Err(err).Msg("history append failed")
		return
	}
	if !unanswered {
		// An unanswered turn is not re-counted: the streamer already moved
		// the question to the not-answered counter, and counting it here
		// would make it an FAQ candidate again.
		if err := s.Keywords.RecordAsked(ctx, s.tenant.ID, s.lang, question); err != nil {
			log.Error().Err(err).Str("tenant", s.tenant.ID).Msg("keyword record failed")
			return
		}
	}
	cost := int64(services.EstimateTokens(answer))
	if err := s.Quota.Charge(ctx, s.stripeID, cost); err != nil {
		log.Error().Err(err).
			Str("stripe_id", s.stripeID).
			Int64("amount", cost).
			Msg("quota charge failed")
	}
}
