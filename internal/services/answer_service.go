// Package services – AnswerService
//
// This file implements the answer streamer: retrieval-grounded prompt
// construction (with an empathy variant selected by a sentiment signal),
// streaming generation through the completion engine, and detection of the
// language-specific cannot-answer sentinel, which moves the turn's keyword
// to the tracker's not-answered counter.
package services

import (
	"context"
	"strings"

	"github.com/gptbase/chat-backend/internal/knowledge"
	"github.com/gptbase/chat-backend/internal/llm"
	"github.com/gptbase/chat-backend/internal/nlp"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"errors"
	"io"
)

// UnansweredTracker records queries the engine could not answer.
type UnansweredTracker interface {
	RecordUnanswered(ctx context.Context, tenant, lang, keyword string) error
}

// AnswerRequest describes one generation run.
type AnswerRequest struct {
	Tenant   string // tenant id, also the knowledge-store collection
	Lang     string // normalized language code
	Question string // the user's literal question
	Query    string // stand-alone search query (rewritten or the question itself)
	Sorry    string // language-specific cannot-answer sentinel phrase

	// Keyword is the tracker member moved to the not-answered counter when
	// the answer opens with the sentinel. It must match the member used for
	// asked-counting: the session passes the literal question, the FAQ
	// synchronizer the hot keyword.
	Keyword string
}

// Answer is a lazy, finite, non-restartable fragment sequence. Fragments is
// closed after the final fragment (or on error/cancellation); Err reports the
// terminal error once Fragments is closed. Background carries the retrieved
// passages used to ground the answer, for history persistence.
type Answer struct {
	Fragments  <-chan string
	Background string

	err        error
	unanswered bool
	done       chan struct{}
}

// Err returns the terminal stream error, valid after Fragments is closed.
func (a *Answer) Err() error {
	<-a.done
	return a.err
}

// Unanswered reports whether the answer opened with the cannot-answer
// sentinel, valid after Fragments is closed. The consumer uses it to skip
// asked-counting for a turn the tracker already moved to the not-answered
// set.
func (a *Answer) Unanswered() bool {
	<-a.done
	return a.unanswered
}

// NewStaticAnswer returns an Answer whose fragments are already buffered.
// Used by fakes standing in for the streaming pipeline.
func NewStaticAnswer(frags []string, background string) *Answer {
	ch := make(chan string, len(frags))
	for _, f := range frags {
		ch <- f
	}
	close(ch)
	done := make(chan struct{})
	close(done)
	return &Answer{Fragments: ch, Background: background, done: done}
}

// NewStaticUnanswered is NewStaticAnswer with the sentinel flag already set.
func NewStaticUnanswered(frags []string, background string) *Answer {
	a := NewStaticAnswer(frags, background)
	a.unanswered = true
	return a
}

// NewChannelAnswer wraps an externally produced fragment channel; the caller
// owns the channel and must close it. Used by fakes that need a live
// producer.
func NewChannelAnswer(frags <-chan string, background string) *Answer {
	done := make(chan struct{})
	close(done)
	return &Answer{Fragments: frags, Background: background, done: done}
}

// AnswerService builds prompts and streams retrieval-grounded answers.
type AnswerService struct {
	Store     knowledge.Store
	LLM       llm.Client
	Sentiment nlp.Classifier
	Keywords  UnansweredTracker

	// TopK is the number of passages retrieved per query.
	TopK int
}

// Stream retrieves passages for the query, picks the prompt variant from the
// question's sentiment, and starts a streaming completion. The producer stops
// promptly when ctx is cancelled; the consumer decides whether to drain.
func (s *AnswerService) Stream(ctx context.Context, req AnswerRequest) (*Answer, error) {
	tr := otel.Tracer("services/AnswerService")
	ctx, span := tr.Start(ctx, "Stream",
		trace.WithAttributes(
			attribute.String("tenant.id", req.Tenant),
			attribute.String("lang", req.Lang),
		),
	)
	defer span.End()

	topK := s.TopK
	if topK <= 0 {
		topK = 3
	}
	passages, err := s.Store.Search(ctx, req.Tenant, req.Query, topK)
	if err != nil {
		return nil, err
	}
	background := joinPassages(passages)

	sentiment, err := s.Sentiment.Sentiment(ctx, req.Question)
	if err != nil {
		// A broken classifier must not fail the turn.
		log.Warn().Err(err).Msg("sentiment classification failed; using neutral")
		sentiment = nlp.SentimentNeutral
	}

	var msgs []llm.Message
	if sentiment == nlp.SentimentNegative {
		msgs = negativePrompt(background, req.Question, req.Sorry)
	} else {
		msgs = normalPrompt(background, req.Question, req.Sorry)
	}

	stream, err := s.LLM.CompleteStream(ctx, msgs, 0)
	if err != nil {
		return nil, err
	}

	frags := make(chan string)
	ans := &Answer{
		Fragments:  frags,
		Background: background,
		done:       make(chan struct{}),
	}

	go func() {
		defer close(ans.done)
		defer close(frags)
		defer stream.Close()

		var accumulated strings.Builder
		unansweredMarked := false

		for {
			frag, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				ans.err = err
				return
			}

			accumulated.WriteString(frag)
			if !unansweredMarked && req.Sorry != "" &&
				strings.HasPrefix(accumulated.String(), req.Sorry) {
				unansweredMarked = true
				ans.unanswered = true
				if req.Keyword != "" {
					if err := s.Keywords.RecordUnanswered(ctx, req.Tenant, req.Lang, req.Keyword); err != nil {
						log.Error().Err(err).
							Str("tenant", req.Tenant).
							Str("keyword", req.Keyword).
							Msg("record unanswered keyword failed")
					}
				}
			}

			select {
			case frags <- frag:
			case <-ctx.Done():
				ans.err = ctx.Err()
				return
			}
		}
	}()

	return ans, nil
}

// Generate runs the same pipeline non-streaming and returns the full text.
// Used by the FAQ synchronizer.
func (s *AnswerService) Generate(ctx context.Context, req AnswerRequest) (string, error) {
	ans, err := s.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for frag := range ans.Fragments {
		b.WriteString(frag)
	}
	if err := ans.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// joinPassages concatenates retrieved passages, each terminated with the
// triple-quote delimiter referenced by the prompt instructions.
func joinPassages(passages []knowledge.Passage) string {
	var b strings.Builder
	for _, p := range passages {
		b.WriteString(p.Text)
		b.WriteString("\n\"\"\"\n")
	}
	return b.String()
}

func normalPrompt(context, question, sorry string) []llm.Message {
	return []llm.Message{{
		Role: llm.RoleSystem,
		Content: "Use the provided articles delimited by triple quotes to answer \"User_Question\". " +
			"If the answer cannot be found in the articles, write \"" + sorry + "\"\n\n" +
			context + "\nUser_Question: " + question + "\nAnswer (using markdown):\n",
	}}
}

func negativePrompt(context, question, sorry string) []llm.Message {
	return []llm.Message{{
		Role: llm.RoleSystem,
		Content: "Please follow the steps below for question answering:\n\n" +
			"Step 1: Please appease user_questions with negative emotions, the output is the first paragraph of the answer\n" +
			"Step 2: Use the provided articles delimited by triple quotes to answer \"user_question\". " +
			"If the answer cannot be found in the articles, write \"" + sorry + "\". " +
			"the output is the second paragraph of the answer\n\n" +
			context + "\n\nuser_question: " + question + "\nAnswer (using markdown):\n",
	}}
}
