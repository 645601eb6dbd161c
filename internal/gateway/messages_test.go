package gateway

import (
	"encoding/json"
	"testing"
)

func TestDecodePayload_SwitchLang(t *testing.T) {
	env := ClientMessage{Type: TypeSwitchLang, Content: json.RawMessage(`{"language":"ja"}`)}
	var p SwitchLang
	if err := decodePayload(env, &p); err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if p.Language != "ja" {
		t.Fatalf("language = %q; want ja", p.Language)
	}
}

func TestDecodePayload_RejectsEmptyFields(t *testing.T) {
	cases := []struct {
		name    string
		env     ClientMessage
		payload any
	}{
		{"missing content", ClientMessage{Type: TypeChatV2}, &ChatV2{}},
		{"empty language", ClientMessage{Type: TypeSwitchLang, Content: json.RawMessage(`{}`)}, &SwitchLang{}},
		{"empty v2 question", ClientMessage{Type: TypeChatV2, Content: json.RawMessage(`{"v2_token":"t"}`)}, &ChatV2{}},
		{"empty v3 question", ClientMessage{Type: TypeChatV3, Content: json.RawMessage(`{"v3_token":"t"}`)}, &ChatV3{}},
		{"wrong shape", ClientMessage{Type: TypeChatV2, Content: json.RawMessage(`[1,2]`)}, &ChatV2{}},
	}
	for _, tc := range cases {
		if err := decodePayload(tc.env, tc.payload); err == nil {
			t.Errorf("%s: decodePayload accepted invalid payload", tc.name)
		}
	}
}

func TestDecodePayload_ChatCarriesCacheFlag(t *testing.T) {
	env := ClientMessage{Type: TypeChatV2, Content: json.RawMessage(`{"question":"q","v2_token":"t","cache":true}`)}
	var p ChatV2
	if err := decodePayload(env, &p); err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if !p.Cache {
		t.Fatalf("cache flag not decoded")
	}
}
