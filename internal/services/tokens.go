package services

// EstimateTokens estimates the token count of a text using a Unicode-aware
// heuristic: roughly four ASCII characters per token, one token per
// non-ASCII character (CJK, Cyrillic, emoji). Good enough for quota
// accounting without shipping a tokenizer.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}
