package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChatTurn is one completed exchange appended to a user's history. Immutable
// once written.
type ChatTurn struct {
	UserQuestion string `json:"user_question"`
	Query        string `json:"query,omitempty"`      // rewritten stand-alone search query
	Background   string `json:"background,omitempty"` // retrieved snippet used for the answer
	Answer       string `json:"answer"`
}

// ChatCache wraps a Redis client with the operations the session gateway,
// history store, keyword tracker, and FAQ synchronizer need. All methods are
// safe for concurrent use; per-key atomicity comes from Redis itself.
type ChatCache struct {
	rdb        *redis.Client
	historyTTL time.Duration
}

// New constructs a ChatCache around an existing Redis client.
func New(rdb *redis.Client, historyTTL time.Duration) *ChatCache {
	if historyTTL <= 0 {
		historyTTL = 30 * time.Minute
	}
	return &ChatCache{rdb: rdb, historyTTL: historyTTL}
}

// Open parses a redis:// URL and returns a connected ChatCache.
func Open(url string, historyTTL time.Duration) (*ChatCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(opts), historyTTL), nil
}

// Ping verifies connectivity; used at startup.
func (c *ChatCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *ChatCache) Close() error { return c.rdb.Close() }

// ---- per-user history ----

// AppendHistory appends a completed turn to the user's history list. The
// idle-expiry TTL is set only when the list is created; later appends do not
// extend it, so an active conversation still ages out relative to its first
// turn's window.
func (c *ChatCache) AppendHistory(ctx context.Context, userKey string, turn ChatTurn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	exists, err := c.rdb.Exists(ctx, userKey).Result()
	if err != nil {
		return err
	}
	if err := c.rdb.RPush(ctx, userKey, payload).Err(); err != nil {
		return err
	}
	if exists == 0 {
		return c.rdb.Expire(ctx, userKey, c.historyTTL).Err()
	}
	return nil
}

// History returns the user's ordered turn log, oldest first, or an empty
// slice when absent or expired.
func (c *ChatCache) History(ctx context.Context, userKey string) ([]ChatTurn, error) {
	raw, err := c.rdb.LRange(ctx, userKey, 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]ChatTurn, 0, len(raw))
	for _, item := range raw {
		var t ChatTurn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// UserExists reports whether the user has a live (unexpired) history log.
func (c *ChatCache) UserExists(ctx context.Context, userKey string) (bool, error) {
	n, err := c.rdb.Exists(ctx, userKey).Result()
	return n > 0, err
}

// ---- keyword tracker ----

// RecordAsked increments the asked-frequency of a keyword for a
// tenant/language.
func (c *ChatCache) RecordAsked(ctx context.Context, tenant, lang, keyword string) error {
	return c.rdb.ZIncrBy(ctx, keyAskedKeywords(tenant, lang), 1, keyword).Err()
}

// RecordUnanswered removes a keyword from the asked counter (so it stops
// being an FAQ candidate) and increments the separate not-answered counter.
func (c *ChatCache) RecordUnanswered(ctx context.Context, tenant, lang, keyword string) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, keyAskedKeywords(tenant, lang), keyword)
	pipe.ZIncrBy(ctx, keyUnansweredKeywords(tenant, lang), 1, keyword)
	_, err := pipe.Exec(ctx)
	return err
}

// TopAsked returns the n highest-scored asked keywords for a tenant/language.
func (c *ChatCache) TopAsked(ctx context.Context, tenant, lang string, n int) ([]string, error) {
	if n < 1 {
		return nil, nil
	}
	return c.rdb.ZRevRange(ctx, keyAskedKeywords(tenant, lang), 0, int64(n-1)).Result()
}

// ---- FAQ cache + mirror set ----

// MirrorSet returns the synchronizer's record of keywords currently holding a
// cached FAQ entry.
func (c *ChatCache) MirrorSet(ctx context.Context, tenant, lang string) ([]string, error) {
	return c.rdb.SMembers(ctx, keyMirrorSet(tenant, lang)).Result()
}

// ReplaceMirrorSet overwrites the mirror set with the given keywords in a
// single transaction (single-writer replace, not incremental).
func (c *ChatCache) ReplaceMirrorSet(ctx context.Context, tenant, lang string, keywords []string) error {
	key := keyMirrorSet(tenant, lang)
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(keywords) > 0 {
		members := make([]interface{}, len(keywords))
		for i, k := range keywords {
			members[i] = k
		}
		pipe.SAdd(ctx, key, members...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// PutFAQ stores a generated {keyword → question, question → answer} pair.
func (c *ChatCache) PutFAQ(ctx context.Context, tenant, lang, keyword, question, answer string) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, keyKeywordToQuestion(tenant, lang), keyword, question)
	pipe.HSet(ctx, keyQuestionToAnswer(tenant, lang), question, answer)
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteFAQ removes both cache entries for a keyword.
func (c *ChatCache) DeleteFAQ(ctx context.Context, tenant, lang, keyword string) error {
	question, err := c.rdb.HGet(ctx, keyKeywordToQuestion(tenant, lang), keyword).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.HDel(ctx, keyKeywordToQuestion(tenant, lang), keyword)
	pipe.HDel(ctx, keyQuestionToAnswer(tenant, lang), question)
	_, err = pipe.Exec(ctx)
	return err
}

// FAQQuestions returns the current precomputed question list for a
// tenant/language; empty when none have been generated yet.
func (c *ChatCache) FAQQuestions(ctx context.Context, tenant, lang string) ([]string, error) {
	vals, err := c.rdb.HVals(ctx, keyKeywordToQuestion(tenant, lang)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return vals, err
}

// FAQAnswer returns the cached answer for an exact question text, or "" when
// there is no entry.
func (c *ChatCache) FAQAnswer(ctx context.Context, tenant, lang, question string) (string, error) {
	answer, err := c.rdb.HGet(ctx, keyQuestionToAnswer(tenant, lang), question).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return answer, err
}

// ---- reached-limit sentinel ----

// SetReachLimit marks a billing account as exhausted. The sentinel carries no
// TTL; it is cleared exclusively by a successful-payment event.
func (c *ChatCache) SetReachLimit(ctx context.Context, stripeID string) error {
	return c.rdb.Set(ctx, keyReachLimit(stripeID), "1", 0).Err()
}

// ReachLimit reports whether the reached-limit sentinel is set.
func (c *ChatCache) ReachLimit(ctx context.Context, stripeID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, keyReachLimit(stripeID)).Result()
	return n > 0, err
}

// ClearReachLimit removes the sentinel after a successful payment.
func (c *ChatCache) ClearReachLimit(ctx context.Context, stripeID string) error {
	return c.rdb.Del(ctx, keyReachLimit(stripeID)).Err()
}

// ---- tenant → billing-account lookup cache ----

// TenantStripeID returns the cached billing-account id for a tenant, or ""
// on a miss.
func (c *ChatCache) TenantStripeID(ctx context.Context, tenant string) (string, error) {
	v, err := c.rdb.Get(ctx, keyTenantStripe(tenant)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// SetTenantStripeID caches the tenant → billing-account resolution.
func (c *ChatCache) SetTenantStripeID(ctx context.Context, tenant, stripeID string) error {
	return c.rdb.Set(ctx, keyTenantStripe(tenant), stripeID, 0).Err()
}

// ---- verification cool-down markers ----

// SetCooldown marks an identity as blocked after a failed score-based
// verification. The marker expires after ttl as a safety valve; a later
// explicit verification success clears it early.
func (c *ChatCache) SetCooldown(ctx context.Context, userKey string, ttl time.Duration) error {
	return c.rdb.Set(ctx, keyCooldown(userKey), "1", ttl).Err()
}

// InCooldown reports whether the identity currently carries a cool-down marker.
func (c *ChatCache) InCooldown(ctx context.Context, userKey string) (bool, error) {
	n, err := c.rdb.Exists(ctx, keyCooldown(userKey)).Result()
	return n > 0, err
}

// ClearCooldown removes the marker after an explicit verification success.
func (c *ChatCache) ClearCooldown(ctx context.Context, userKey string) error {
	return c.rdb.Del(ctx, keyCooldown(userKey)).Err()
}
