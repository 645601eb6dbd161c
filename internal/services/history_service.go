// Package services – HistoryService
//
// This file implements the short-lived per-user turn log and the follow-up
// rewrite: turning a context-dependent question ("how much does it cost?")
// into a stand-alone search query using a few-shot prompt primed with the
// user's own recent turns.
package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/gptbase/chat-backend/internal/cache"
	"github.com/gptbase/chat-backend/internal/llm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HistoryCache is the cache surface backing the turn log.
type HistoryCache interface {
	AppendHistory(ctx context.Context, userKey string, turn cache.ChatTurn) error
	History(ctx context.Context, userKey string) ([]cache.ChatTurn, error)
	UserExists(ctx context.Context, userKey string) (bool, error)
}

// HistoryService owns the per-user ordered turn log and the query rewrite.
type HistoryService struct {
	Cache HistoryCache
	LLM   llm.Client
}

// builtinExample is the fixed practice-round exemplar used when the user has
// no history yet.
var builtinExample = cache.ChatTurn{
	UserQuestion: "How much does the standard plan cost per month?",
	Query:        "standard plan monthly price",
}

// queryDelimiterRE extracts the rewritten query from the completion reply.
// The prompt instructs the model to wrap the query in double angle brackets.
var queryDelimiterRE = regexp.MustCompile(`<<\s*(.+?)\s*>>`)

// Append records a completed turn for the user.
func (s *HistoryService) Append(ctx context.Context, userKey string, turn cache.ChatTurn) error {
	return s.Cache.AppendHistory(ctx, userKey, turn)
}

// Turns returns the user's ordered log, oldest first; empty when absent or
// expired.
func (s *HistoryService) Turns(ctx context.Context, userKey string) ([]cache.ChatTurn, error) {
	return s.Cache.History(ctx, userKey)
}

// Exists reports whether the user has a live history log.
func (s *HistoryService) Exists(ctx context.Context, userKey string) (bool, error) {
	return s.Cache.UserExists(ctx, userKey)
}

// Rewrite turns a follow-up question into a stand-alone search query.
//
// The few-shot prompt is primed with a "practice round" exemplar: the
// second-most-recent turn when at least two turns exist, the only turn when
// exactly one exists, or a fixed built-in example when the history is empty.
// When more than one turn exists, the most recent turn is appended as a
// second exemplar. The new question goes last, and the model is asked to
// reply with the query wrapped in << >>; a reply without the delimiter fails
// the turn (ErrNoQueryDelimiter).
func (s *HistoryService) Rewrite(ctx context.Context, question string, history []cache.ChatTurn) (string, error) {
	tr := otel.Tracer("services/HistoryService")
	ctx, span := tr.Start(ctx, "Rewrite",
		trace.WithAttributes(attribute.Int("history.len", len(history))),
	)
	defer span.End()

	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	msgs := []llm.Message{{
		Role: llm.RoleSystem,
		Content: "Rewrite the user's latest question into a stand-alone search query " +
			"for a document database, resolving pronouns and references from the " +
			"earlier questions. Reply with the query wrapped in << and >>.",
	}}
	for _, ex := range rewriteExemplars(history) {
		q := ex.Query
		if q == "" {
			q = ex.UserQuestion
		}
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: "Question: " + ex.UserQuestion},
			llm.Message{Role: llm.RoleAssistant, Content: fmt.Sprintf("<<%s>>", q)},
		)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "Question: " + question})

	reply, err := s.LLM.Complete(ctx, msgs, 0)
	if err != nil {
		return "", fmt.Errorf("rewrite completion: %w", err)
	}

	m := queryDelimiterRE.FindStringSubmatch(reply)
	if m == nil {
		return "", ErrNoQueryDelimiter
	}
	return m[1], nil
}

// rewriteExemplars selects the practice-round exemplar(s) from history.
func rewriteExemplars(history []cache.ChatTurn) []cache.ChatTurn {
	switch len(history) {
	case 0:
		return []cache.ChatTurn{builtinExample}
	case 1:
		return []cache.ChatTurn{history[0]}
	default:
		return []cache.ChatTurn{history[len(history)-2], history[len(history)-1]}
	}
}
