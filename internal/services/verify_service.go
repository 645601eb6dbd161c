// Package services – VerifyService
//
// This file implements the challenge/abuse gate in front of chat turns. Two
// verification modes exist, keyed off the declared message kind:
//
//   - Mode A (chat_v2): explicit per-request token verification. A success
//     clears any cool-down marker for the identity; a failure leaves state
//     untouched and reports failure.
//   - Mode B (chat_v3): continuous score-based verification. An identity in
//     cool-down short-circuits to failure without calling the verifier; a
//     score below the threshold sets the cool-down marker.
//
// The cool-down marker carries a TTL as a safety valve in addition to being
// cleared by a later Mode-A success.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// siteVerifyURL is the default challenge-verifier endpoint.
const siteVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// CooldownCache is the cache surface for blocked identities.
type CooldownCache interface {
	SetCooldown(ctx context.Context, userKey string, ttl time.Duration) error
	InCooldown(ctx context.Context, userKey string) (bool, error)
	ClearCooldown(ctx context.Context, userKey string) error
}

// VerifyService gates chat turns behind the challenge verifier.
type VerifyService struct {
	V2Secret    string
	V3Secret    string
	Threshold   float64       // minimum passing v3 score
	CooldownTTL time.Duration // cool-down duration after a failed v3 check
	Cooldowns   CooldownCache

	// HTTP is the client used for verifier calls; the caller sets the
	// timeout. Endpoint overrides the verifier URL in tests.
	HTTP     *http.Client
	Endpoint string
}

type siteVerifyResponse struct {
	Success bool    `json:"success"`
	Score   float64 `json:"score"`
}

// VerifyToken runs Mode A. On success the identity's cool-down marker is
// cleared. Verifier call errors are the failure path, not an internal error:
// the session stays open and the client is asked to re-verify.
func (s *VerifyService) VerifyToken(ctx context.Context, userKey, token string) bool {
	resp, err := s.siteVerify(ctx, s.V2Secret, token)
	if err != nil {
		log.Warn().Err(err).Msg("token verification call failed")
		return false
	}
	if !resp.Success {
		return false
	}
	if err := s.Cooldowns.ClearCooldown(ctx, userKey); err != nil {
		log.Error().Err(err).Msg("clear cooldown failed")
	}
	return true
}

// VerifyScore runs Mode B. Identities in cool-down fail without a verifier
// call; a score below the threshold sets the marker.
func (s *VerifyService) VerifyScore(ctx context.Context, userKey, token string) bool {
	blocked, err := s.Cooldowns.InCooldown(ctx, userKey)
	if err != nil {
		log.Error().Err(err).Msg("cooldown lookup failed")
		return false
	}
	if blocked {
		return false
	}

	resp, err := s.siteVerify(ctx, s.V3Secret, token)
	if err != nil {
		log.Warn().Err(err).Msg("score verification call failed")
		return false
	}
	// A response without a score field decodes to 0 and fails the threshold.
	if resp.Score < s.Threshold {
		if err := s.Cooldowns.SetCooldown(ctx, userKey, s.CooldownTTL); err != nil {
			log.Error().Err(err).Msg("set cooldown failed")
		}
		return false
	}
	return true
}

// siteVerify posts the token to the challenge-verifier endpoint.
func (s *VerifyService) siteVerify(ctx context.Context, secret, token string) (*siteVerifyResponse, error) {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = siteVerifyURL
	}
	form := url.Values{
		"secret":   {secret},
		"response": {token},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := s.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verifier returned status %d", res.StatusCode)
	}
	var parsed siteVerifyResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}
