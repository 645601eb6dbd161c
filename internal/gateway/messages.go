// Package gateway implements the websocket session protocol: the handshake,
// the tagged-union client message envelope, and the per-connection state
// machine that dispatches chat turns to the answer pipeline.
//
// The wire format is JSON. Clients open with a handshake frame
// {"auth": "Bearer <token>", "uid": "<uuid>"} and then exchange
// {"type": ..., "content": ...} envelopes. Every protocol violation closes
// the connection with a distinct 4000-range close code, one per failure
// class, so clients can tell a bad credential from a malformed frame.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Client → server message types.
const (
	TypeSwitchLang = "switch_lang"
	TypeChatV2     = "chat_v2"
	TypeChatV3     = "chat_v3"
)

// Server → client message types.
const (
	TypeAuthorized     = "authorized"
	TypeAnswerStart    = "answer::start"
	TypeAnswerBody     = "answer::body"
	TypeAnswerEnd      = "answer::end"
	TypeQuestions      = "questions"
	TypeVerifyRequired = "v2_req"
)

// Close codes, one per failure class.
const (
	CloseBadHandshake     = 4001
	CloseUnauthorized     = 4002
	CloseDecodeError      = 4003
	CloseMalformedPayload = 4004
	ClosePlanNotFound     = 4005
)

// Handshake is the first frame a client sends after connecting.
type Handshake struct {
	Auth string `json:"auth"`
	UID  string `json:"uid"`
}

// ClientMessage is the tagged envelope for all post-handshake client frames.
// Content stays raw until the type tag selects the payload shape.
type ClientMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// ServerMessage is the envelope for all server frames.
type ServerMessage struct {
	Type    string `json:"type"`
	Content any    `json:"content,omitempty"`
}

// SwitchLang requests a session language change.
type SwitchLang struct {
	Language string `json:"language"`
}

// ChatV2 is a chat turn gated by explicit token verification.
type ChatV2 struct {
	Question string `json:"question"`
	Token    string `json:"v2_token"`
	Cache    bool   `json:"cache"`
}

// ChatV3 is a chat turn gated by continuous score-based verification.
type ChatV3 struct {
	Question string `json:"question"`
	Token    string `json:"v3_token"`
	Cache    bool   `json:"cache"`
}

// decodePayload unmarshals the envelope content into the payload struct for
// the envelope's type tag and rejects empty required fields.
func decodePayload(env ClientMessage, v any) error {
	if len(env.Content) == 0 {
		return fmt.Errorf("message %q: missing content", env.Type)
	}
	if err := json.Unmarshal(env.Content, v); err != nil {
		return fmt.Errorf("message %q: %w", env.Type, err)
	}
	switch p := v.(type) {
	case *SwitchLang:
		if p.Language == "" {
			return fmt.Errorf("message %q: empty language", env.Type)
		}
	case *ChatV2:
		if p.Question == "" {
			return fmt.Errorf("message %q: empty question", env.Type)
		}
	case *ChatV3:
		if p.Question == "" {
			return fmt.Errorf("message %q: empty question", env.Type)
		}
	}
	return nil
}
