// Package i18n loads per-language canned messages (greetings, the
// cannot-answer sentinel, the quota fallback, language display names) from a
// JSON locales file and resolves client-supplied language codes against the
// supported set using BCP 47 matching.
package i18n

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"golang.org/x/text/language"
)

// Well-known message keys present for every supported language.
const (
	MsgGreetings = "greetings"
	MsgSorry     = "sorry"
	MsgLanguage  = "language"
)

// Adapter resolves language codes and serves canned messages. It is immutable
// after construction and safe for concurrent use.
type Adapter struct {
	messages  map[string]map[string]string
	supported []string
	matcher   language.Matcher
	fallback  string
}

// NewAdapter reads the locales JSON file: a map of language code → message
// key → text. The first language (alphabetically "en" if present, otherwise
// the lexicographically first) becomes the fallback.
func NewAdapter(path string) (*Adapter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read locales: %w", err)
	}
	var messages map[string]map[string]string
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("parse locales: %w", err)
	}
	return NewFromMap(messages)
}

// NewFromMap builds an Adapter from an in-memory locales map.
func NewFromMap(messages map[string]map[string]string) (*Adapter, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("locales: no languages defined")
	}
	supported := make([]string, 0, len(messages))
	for code := range messages {
		supported = append(supported, code)
	}
	sort.Strings(supported)

	fallback := supported[0]
	if _, ok := messages["en"]; ok {
		fallback = "en"
	}

	// Matcher prefers the fallback, then the rest in sorted order.
	tags := make([]language.Tag, 0, len(supported))
	tags = append(tags, language.Make(fallback))
	for _, code := range supported {
		if code != fallback {
			tags = append(tags, language.Make(code))
		}
	}

	return &Adapter{
		messages:  messages,
		supported: supported,
		matcher:   language.NewMatcher(tags),
		fallback:  fallback,
	}, nil
}

// Supported returns the supported language codes in stable order.
func (a *Adapter) Supported() []string {
	out := make([]string, len(a.supported))
	copy(out, a.supported)
	return out
}

// Normalize maps an arbitrary client language code ("ja", "ja-JP", "en_US")
// onto a supported code, falling back to the default language when nothing
// matches.
func (a *Adapter) Normalize(code string) string {
	if _, ok := a.messages[code]; ok {
		return code
	}
	tag, err := language.Parse(code)
	if err != nil {
		return a.fallback
	}
	_, idx, conf := a.matcher.Match(tag)
	if conf == language.No {
		return a.fallback
	}
	// Matcher index order mirrors construction order: fallback first.
	if idx == 0 {
		return a.fallback
	}
	i := 0
	for _, c := range a.supported {
		if c == a.fallback {
			continue
		}
		i++
		if i == idx {
			return c
		}
	}
	return a.fallback
}

// Message returns the canned text for (lang, key), falling back to the
// default language and finally to "" when the key is unknown.
func (a *Adapter) Message(lang, key string) string {
	if m, ok := a.messages[lang]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if m, ok := a.messages[a.fallback]; ok {
		return m[key]
	}
	return ""
}
