// Package cache implements the Redis-backed keyed store shared by live
// sessions and the background FAQ synchronizer: per-user chat history,
// per-tenant keyword counters, the precomputed FAQ cache with its mirror
// set, the per-account reached-limit sentinel, and the tenant →
// billing-account lookup cache.
package cache

import "fmt"

// Hierarchical key namespace. Keys are segmented with "::"; the first segment
// scopes by tenant (or billing account), the second by language where
// applicable.
func keyAskedKeywords(tenant, lang string) string {
	return fmt.Sprintf("%s::%s::QuestionKeyWord", tenant, lang)
}

func keyUnansweredKeywords(tenant, lang string) string {
	return fmt.Sprintf("%s::%s::NotAnswerKeyWord", tenant, lang)
}

func keyMirrorSet(tenant, lang string) string {
	return fmt.Sprintf("%s::%s::CacheKeyWord", tenant, lang)
}

func keyKeywordToQuestion(tenant, lang string) string {
	return fmt.Sprintf("%s::%s::KeywordToQuestion", tenant, lang)
}

func keyQuestionToAnswer(tenant, lang string) string {
	return fmt.Sprintf("%s::%s::QuestionToAnswer", tenant, lang)
}

func keyReachLimit(stripeID string) string {
	return fmt.Sprintf("%s::reach_limit", stripeID)
}

func keyTenantStripe(tenant string) string {
	return fmt.Sprintf("%s::stripe", tenant)
}

func keyCooldown(userKey string) string {
	return fmt.Sprintf("%s::cooldown", userKey)
}
