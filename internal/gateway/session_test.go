package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/gptbase/chat-backend/internal/cache"
	"github.com/gptbase/chat-backend/internal/domain"
	"github.com/gptbase/chat-backend/internal/services"
)

const testUID = "123e4567-e89b-12d3-a456-426614174000"

// ----- Fake transport -----

type fakeConn struct {
	in   [][]byte // frames served to ReadMessage
	pos  int
	sent []ServerMessage

	closeCode   int
	closeReason string
	closed      bool

	writeErrAfter int // fail writes after this many successes; 0 disables
	writes        int
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	if c.pos >= len(c.in) {
		return nil, io.EOF // client disconnect
	}
	frame := c.in[c.pos]
	c.pos++
	return frame, nil
}

func (c *fakeConn) WriteJSON(v any) error {
	c.writes++
	if c.writeErrAfter > 0 && c.writes > c.writeErrAfter {
		return errors.New("broken pipe")
	}
	msg, ok := v.(ServerMessage)
	if !ok {
		return fmt.Errorf("unexpected write type %T", v)
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *fakeConn) sentTypes() []string {
	out := make([]string, len(c.sent))
	for i, m := range c.sent {
		out[i] = m.Type
	}
	return out
}

// ----- Fake collaborators -----

type fakeResolver struct {
	tenant *domain.Tenant
	stripe string
	err    error
}

func (f *fakeResolver) Resolve(ctx context.Context, tenantID string) (*domain.Tenant, string, error) {
	return f.tenant, f.stripe, f.err
}

type fakeVerifier struct {
	tokenOK bool
	scoreOK bool
}

func (f *fakeVerifier) VerifyToken(ctx context.Context, userKey, token string) bool { return f.tokenOK }
func (f *fakeVerifier) VerifyScore(ctx context.Context, userKey, token string) bool { return f.scoreOK }

type fakeQuota struct {
	exhausted bool

	charged   []int64
	chargeErr error
}

func (f *fakeQuota) Exhausted(ctx context.Context, stripeID string) (bool, error) {
	return f.exhausted, nil
}

func (f *fakeQuota) Charge(ctx context.Context, stripeID string, amount int64) error {
	f.charged = append(f.charged, amount)
	return f.chargeErr
}

type fakeHistory struct {
	turns     []cache.ChatTurn
	appended  []cache.ChatTurn
	appendErr error

	query      string
	rewriteErr error
}

func (f *fakeHistory) Append(ctx context.Context, userKey string, turn cache.ChatTurn) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, turn)
	return nil
}

func (f *fakeHistory) Turns(ctx context.Context, userKey string) ([]cache.ChatTurn, error) {
	return f.turns, nil
}

func (f *fakeHistory) Rewrite(ctx context.Context, question string, history []cache.ChatTurn) (string, error) {
	if f.rewriteErr != nil {
		return "", f.rewriteErr
	}
	if f.query != "" {
		return f.query, nil
	}
	return question, nil
}

type fakeKeywords struct {
	asked []string
	err   error
}

func (f *fakeKeywords) RecordAsked(ctx context.Context, tenant, lang, keyword string) error {
	if f.err != nil {
		return f.err
	}
	f.asked = append(f.asked, keyword)
	return nil
}

type fakeFAQ struct {
	questions []string
	answers   map[string]string
}

func (f *fakeFAQ) FAQQuestions(ctx context.Context, tenant, lang string) ([]string, error) {
	return f.questions, nil
}

func (f *fakeFAQ) FAQAnswer(ctx context.Context, tenant, lang, question string) (string, error) {
	return f.answers[question], nil
}

type fakeAnswerer struct {
	frags      []string
	err        error
	unanswered bool

	gotReq services.AnswerRequest

	// build overrides the default static answer when set.
	build func(ctx context.Context) *services.Answer
}

func (f *fakeAnswerer) Stream(ctx context.Context, req services.AnswerRequest) (*services.Answer, error) {
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	if f.build != nil {
		return f.build(ctx), nil
	}
	if f.unanswered {
		return services.NewStaticUnanswered(f.frags, "background"), nil
	}
	return services.NewStaticAnswer(f.frags, "background"), nil
}

type fakeLocales struct{}

func (fakeLocales) Normalize(code string) string {
	if code == "ja" {
		return "ja"
	}
	return "en"
}

func (fakeLocales) Message(lang, key string) string { return lang + ":" + key }

// ----- Helpers -----

func newSession(conn *fakeConn) (*Session, *fakeQuota, *fakeHistory, *fakeKeywords) {
	quota := &fakeQuota{}
	hist := &fakeHistory{}
	kw := &fakeKeywords{}
	s := &Session{
		Conn:        conn,
		TenantID:    "t1",
		BearerToken: "secret",
		Tenants:     &fakeResolver{tenant: &domain.Tenant{ID: "t1", Fallback: "limit reached"}, stripe: "acct_1"},
		Verify:      &fakeVerifier{tokenOK: true, scoreOK: true},
		Quota:       quota,
		History:     hist,
		Keywords:    kw,
		FAQ:         &fakeFAQ{},
		Answers:     &fakeAnswerer{frags: []string{"Hello", " there"}},
		Locales:     fakeLocales{},
	}
	return s, quota, hist, kw
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

func handshake(t *testing.T) []byte {
	return frame(t, Handshake{Auth: "Bearer secret", UID: testUID})
}

func chatFrame(t *testing.T, typ, question string, cacheAllowed bool) []byte {
	content := frame(t, map[string]any{"question": question, "v2_token": "tok", "v3_token": "tok", "cache": cacheAllowed})
	return frame(t, map[string]any{"type": typ, "content": json.RawMessage(content)})
}

// ----- Tests -----

func TestRun_BadHandshakeCloses4001(t *testing.T) {
	conn := &fakeConn{in: [][]byte{[]byte(`{"nope`)}}
	s, _, _, _ := newSession(conn)
	s.Run(context.Background())
	if conn.closeCode != CloseBadHandshake {
		t.Fatalf("close code = %d; want %d", conn.closeCode, CloseBadHandshake)
	}
}

func TestRun_WrongCredentialCloses4002(t *testing.T) {
	conn := &fakeConn{in: [][]byte{frame(t, Handshake{Auth: "Bearer wrong", UID: testUID})}}
	s, _, _, _ := newSession(conn)
	s.Run(context.Background())
	if conn.closeCode != CloseUnauthorized {
		t.Fatalf("close code = %d; want %d", conn.closeCode, CloseUnauthorized)
	}
}

func TestRun_BadUUIDCloses4001(t *testing.T) {
	conn := &fakeConn{in: [][]byte{frame(t, Handshake{Auth: "Bearer secret", UID: "not-a-uuid"})}}
	s, _, _, _ := newSession(conn)
	s.Run(context.Background())
	if conn.closeCode != CloseBadHandshake {
		t.Fatalf("close code = %d; want %d", conn.closeCode, CloseBadHandshake)
	}
}

func TestRun_UnknownTenantCloses4005(t *testing.T) {
	conn := &fakeConn{in: [][]byte{handshake(t)}}
	s, _, _, _ := newSession(conn)
	s.Tenants = &fakeResolver{err: services.ErrTenantNotFound}
	s.Run(context.Background())
	if conn.closeCode != ClosePlanNotFound {
		t.Fatalf("close code = %d; want %d", conn.closeCode, ClosePlanNotFound)
	}
}

func TestRun_MalformedEnvelopeCloses4003(t *testing.T) {
	conn := &fakeConn{in: [][]byte{handshake(t), []byte(`{{`)}}
	s, _, _, _ := newSession(conn)
	s.Run(context.Background())
	if conn.closeCode != CloseDecodeError {
		t.Fatalf("close code = %d; want %d", conn.closeCode, CloseDecodeError)
	}
}

func TestRun_UnknownTypeCloses4004(t *testing.T) {
	conn := &fakeConn{in: [][]byte{handshake(t), frame(t, map[string]any{"type": "bogus"})}}
	s, _, _, _ := newSession(conn)
	s.Run(context.Background())
	if conn.closeCode != CloseMalformedPayload {
		t.Fatalf("close code = %d; want %d", conn.closeCode, CloseMalformedPayload)
	}
}

func TestRun_EmptyQuestionCloses4004(t *testing.T) {
	conn := &fakeConn{in: [][]byte{handshake(t), chatFrame(t, TypeChatV2, "", false)}}
	s, _, _, _ := newSession(conn)
	s.Run(context.Background())
	if conn.closeCode != CloseMalformedPayload {
		t.Fatalf("close code = %d; want %d", conn.closeCode, CloseMalformedPayload)
	}
}

func TestRun_DisconnectIsSilent(t *testing.T) {
	conn := &fakeConn{in: [][]byte{handshake(t)}}
	s, _, _, _ := newSession(conn)
	s.Run(context.Background())
	if conn.closed {
		t.Fatalf("silent disconnect must not send a close frame (code %d)", conn.closeCode)
	}
	if len(conn.sent) != 1 || conn.sent[0].Type != TypeAuthorized {
		t.Fatalf("sent = %v; want single authorized", conn.sentTypes())
	}
}

func TestRun_SwitchLangStreamsGreetingAndQuestions(t *testing.T) {
	conn := &fakeConn{in: [][]byte{
		handshake(t),
		frame(t, map[string]any{"type": TypeSwitchLang, "content": map[string]string{"language": "ja"}}),
	}}
	s, quota, _, _ := newSession(conn)
	s.FAQ = &fakeFAQ{questions: []string{"Q1", "Q2"}}
	s.Run(context.Background())

	want := []string{TypeAuthorized, TypeAnswerStart, TypeAnswerBody, TypeAnswerEnd, TypeQuestions}
	got := conn.sentTypes()
	if len(got) != len(want) {
		t.Fatalf("sent = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent[%d] = %s; want %s", i, got[i], want[i])
		}
	}
	if conn.sent[2].Content != "ja:greetings" {
		t.Fatalf("greeting = %v; want localized to ja", conn.sent[2].Content)
	}
	if len(quota.charged) != 0 {
		t.Fatalf("switch_lang must not charge quota")
	}
}

func TestRun_ChatStreamsAndCommitsSideEffects(t *testing.T) {
	conn := &fakeConn{in: [][]byte{handshake(t), chatFrame(t, TypeChatV3, "what is pricing?", false)}}
	s, quota, hist, kw := newSession(conn)
	s.Run(context.Background())

	want := []string{TypeAuthorized, TypeAnswerStart, TypeAnswerBody, TypeAnswerBody, TypeAnswerEnd}
	got := conn.sentTypes()
	if len(got) != len(want) {
		t.Fatalf("sent = %v; want %v", got, want)
	}
	if len(hist.appended) != 1 || hist.appended[0].Answer != "Hello there" {
		t.Fatalf("history = %+v", hist.appended)
	}
	if hist.appended[0].Background != "background" {
		t.Fatalf("background not persisted: %+v", hist.appended[0])
	}
	if len(kw.asked) != 1 || kw.asked[0] != "what is pricing?" {
		t.Fatalf("asked keywords = %v; want the literal question", kw.asked)
	}
	if len(quota.charged) != 1 || quota.charged[0] < 1 {
		t.Fatalf("charged = %v; want one positive charge", quota.charged)
	}
}

func TestRun_UnansweredTurnIsNotCountedAsked(t *testing.T) {
	conn := &fakeConn{in: [][]byte{handshake(t), chatFrame(t, TypeChatV3, "how do I fly?", false)}}
	s, quota, hist, kw := newSession(conn)
	s.Answers = &fakeAnswerer{frags: []string{"en:sorry", ", nothing in the docs."}, unanswered: true}
	s.Run(context.Background())

	if len(kw.asked) != 0 {
		t.Fatalf("asked keywords = %v; an unanswered question must not become an FAQ candidate", kw.asked)
	}
	if len(hist.appended) != 1 {
		t.Fatalf("unanswered turn must still append history: %+v", hist.appended)
	}
	if len(quota.charged) != 1 {
		t.Fatalf("unanswered turn still emitted tokens and must charge: %v", quota.charged)
	}
}

func TestRun_ChatKeywordMatchesAskedCounterMember(t *testing.T) {
	conn := &fakeConn{in: [][]byte{handshake(t), chatFrame(t, TypeChatV2, "what is pricing?", false)}}
	s, _, hist, kw := newSession(conn)
	hist.query = "pricing plans"
	ans := &fakeAnswerer{frags: []string{"x"}}
	s.Answers = ans
	s.Run(context.Background())

	if ans.gotReq.Keyword != "what is pricing?" || ans.gotReq.Query != "pricing plans" {
		t.Fatalf("request = %+v; tracker keyword must be the literal question", ans.gotReq)
	}
	// Both counters address the same member, so an unanswered removal
	// targets exactly what a completed turn would have incremented.
	if len(kw.asked) != 1 || kw.asked[0] != ans.gotReq.Keyword {
		t.Fatalf("asked member %v must match the unanswered member %q", kw.asked, ans.gotReq.Keyword)
	}
}

func TestRun_VerificationFailureEmitsVerifyRequired(t *testing.T) {
	conn := &fakeConn{in: [][]byte{
		handshake(t),
		chatFrame(t, TypeChatV3, "q", false),
		chatFrame(t, TypeChatV2, "q", false),
	}}
	s, quota, _, _ := newSession(conn)
	s.Verify = &fakeVerifier{tokenOK: false, scoreOK: false}
	s.Run(context.Background())

	want := []string{TypeAuthorized, TypeVerifyRequired, TypeVerifyRequired}
	got := conn.sentTypes()
	if len(got) != len(want) {
		t.Fatalf("sent = %v; want %v", got, want)
	}
	if len(quota.charged) != 0 {
		t.Fatalf("failed verification must not consume quota")
	}
	if conn.closed {
		t.Fatalf("session must stay open after failed verification")
	}
}

func TestRun_CacheHitSkipsGenerationAndQuota(t *testing.T) {
	conn := &fakeConn{in: [][]byte{handshake(t), chatFrame(t, TypeChatV2, "What is pricing?", true)}}
	s, quota, hist, kw := newSession(conn)
	s.FAQ = &fakeFAQ{answers: map[string]string{"What is pricing?": "Cached answer."}}
	s.Answers = &fakeAnswerer{err: errors.New("generation must not run")}
	s.Run(context.Background())

	want := []string{TypeAuthorized, TypeAnswerStart, TypeAnswerBody, TypeAnswerEnd}
	got := conn.sentTypes()
	if len(got) != len(want) {
		t.Fatalf("sent = %v; want %v", got, want)
	}
	if conn.sent[2].Content != "Cached answer." {
		t.Fatalf("body = %v; want cached answer as one chunk", conn.sent[2].Content)
	}
	if len(quota.charged) != 0 {
		t.Fatalf("cache hit must not charge quota")
	}
	if len(hist.appended) != 1 || hist.appended[0].Answer != "Cached answer." {
		t.Fatalf("cache hit must append a history turn: %+v", hist.appended)
	}
	if len(kw.asked) != 0 {
		t.Fatalf("cache hit must not record a keyword")
	}
}

func TestRun_CacheMissWithFlagFallsThroughToGeneration(t *testing.T) {
	conn := &fakeConn{in: [][]byte{handshake(t), chatFrame(t, TypeChatV2, "Uncached?", true)}}
	s, quota, _, _ := newSession(conn)
	s.FAQ = &fakeFAQ{answers: map[string]string{"Other question": "x"}}
	s.Run(context.Background())

	if len(quota.charged) != 1 {
		t.Fatalf("cache miss must run generation and charge: %v", quota.charged)
	}
}

func TestRun_ReachedLimitEmitsFallback(t *testing.T) {
	conn := &fakeConn{in: [][]byte{handshake(t), chatFrame(t, TypeChatV2, "q", false)}}
	s, quota, hist, _ := newSession(conn)
	quota.exhausted = true
	s.Answers = &fakeAnswerer{err: errors.New("generation must not run")}
	s.Run(context.Background())

	want := []string{TypeAuthorized, TypeAnswerStart, TypeAnswerBody, TypeAnswerEnd}
	got := conn.sentTypes()
	if len(got) != len(want) {
		t.Fatalf("sent = %v; want %v", got, want)
	}
	if conn.sent[2].Content != "limit reached" {
		t.Fatalf("body = %v; want tenant fallback", conn.sent[2].Content)
	}
	if len(quota.charged) != 0 {
		t.Fatalf("fallback must not mutate quota")
	}
	if len(hist.appended) != 0 {
		t.Fatalf("fallback must not append history")
	}
}

func TestRun_RewriteFailureAbortsTurnKeepsSession(t *testing.T) {
	conn := &fakeConn{in: [][]byte{
		handshake(t),
		chatFrame(t, TypeChatV2, "q1", false),
		chatFrame(t, TypeChatV2, "q2", false),
	}}
	s, quota, _, _ := newSession(conn)
	hist := &fakeHistory{rewriteErr: services.ErrNoQueryDelimiter}
	s.History = hist
	s.Run(context.Background())

	// Both turns abort with start/end and no charges; session survives both.
	want := []string{TypeAuthorized, TypeAnswerStart, TypeAnswerEnd, TypeAnswerStart, TypeAnswerEnd}
	got := conn.sentTypes()
	if len(got) != len(want) {
		t.Fatalf("sent = %v; want %v", got, want)
	}
	if len(quota.charged) != 0 {
		t.Fatalf("aborted turn must not charge")
	}
}

func TestRun_ClientGoneMidStreamSkipsSideEffects(t *testing.T) {
	conn := &fakeConn{
		in:            [][]byte{handshake(t), chatFrame(t, TypeChatV3, "q", false)},
		writeErrAfter: 3, // authorized, answer::start, first body fragment
	}
	s, quota, hist, kw := newSession(conn)
	s.Run(context.Background())

	if len(hist.appended) != 0 || len(kw.asked) != 0 || len(quota.charged) != 0 {
		t.Fatalf("half-delivered turn must not commit side effects: hist=%d kw=%d quota=%d",
			len(hist.appended), len(kw.asked), len(quota.charged))
	}
}

func TestRun_ClientGoneMidStreamStopsGeneration(t *testing.T) {
	conn := &fakeConn{
		in:            [][]byte{handshake(t), chatFrame(t, TypeChatV3, "q", false)},
		writeErrAfter: 3, // authorized, answer::start, first body fragment
	}
	s, _, _, _ := newSession(conn)
	produced := 0
	s.Answers = &fakeAnswerer{build: func(ctx context.Context) *services.Answer {
		frags := make(chan string)
		go func() {
			defer close(frags)
			for i := 0; i < 100; i++ {
				if ctx.Err() != nil {
					return
				}
				select {
				case frags <- "frag":
					produced++
				case <-ctx.Done():
					return
				}
			}
		}()
		return services.NewChannelAnswer(frags, "background")
	}}
	s.Run(context.Background())

	if produced >= 100 {
		t.Fatalf("generation ran to completion after the client vanished (%d fragments)", produced)
	}
}

func TestRun_SideEffectChainStopsAtFirstFailure(t *testing.T) {
	conn := &fakeConn{in: [][]byte{handshake(t), chatFrame(t, TypeChatV3, "q", false)}}
	s, quota, _, kw := newSession(conn)
	s.History = &fakeHistory{appendErr: errors.New("redis down")}
	s.Run(context.Background())

	if len(kw.asked) != 0 || len(quota.charged) != 0 {
		t.Fatalf("append failure must stop keyword/quota writes: kw=%v quota=%v", kw.asked, quota.charged)
	}
}
