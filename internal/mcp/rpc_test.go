package mcp

import (
	"encoding/json"
	"testing"
)

func TestIsNotification(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{`{"jsonrpc":"2.0","method":"ping"}`, true},
		{`{"jsonrpc":"2.0","id":null,"method":"ping"}`, true},
		{`{"jsonrpc":"2.0","id":0,"method":"ping"}`, false},
		{`{"jsonrpc":"2.0","id":"a","method":"ping"}`, false},
	}
	for _, tt := range tests {
		var req rpcRequest
		if err := json.Unmarshal([]byte(tt.body), &req); err != nil {
			t.Fatal(err)
		}
		if got := req.isNotification(); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestNormalizeToolResultString(t *testing.T) {
	res := normalizeToolResult(json.RawMessage(`"hello"`))
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "hello" {
		t.Errorf("got %+v", res)
	}
}

func TestNormalizeToolResultImageKeys(t *testing.T) {
	for _, key := range []string{"imageData", "data", "base64"} {
		raw := json.RawMessage(`{"` + key + `":"aGk=","mimeType":"image/jpeg"}`)
		res := normalizeToolResult(raw)
		if len(res.Content) != 1 || res.Content[0].Type != "image" {
			t.Fatalf("%s: got %+v", key, res)
		}
		if res.Content[0].Data != "aGk=" || res.Content[0].MimeType != "image/jpeg" {
			t.Errorf("%s: got %+v", key, res.Content[0])
		}
	}
}

func TestNormalizeToolResultImageDefaultsMime(t *testing.T) {
	res := normalizeToolResult(json.RawMessage(`{"imageData":"aGk="}`))
	if res.Content[0].MimeType != "image/png" {
		t.Errorf("got %q, want image/png", res.Content[0].MimeType)
	}
}

func TestNormalizeToolResultError(t *testing.T) {
	res := normalizeToolResult(json.RawMessage(`{"error":"boom"}`))
	if !res.IsError || res.Content[0].Text != "boom" {
		t.Errorf("got %+v", res)
	}
}

func TestNormalizeToolResultObject(t *testing.T) {
	res := normalizeToolResult(json.RawMessage(`{"cpu":42}`))
	if res.IsError || res.Content[0].Type != "text" {
		t.Fatalf("got %+v", res)
	}
	var roundTrip map[string]int
	if err := json.Unmarshal([]byte(res.Content[0].Text), &roundTrip); err != nil {
		t.Fatalf("text is not JSON: %q", res.Content[0].Text)
	}
	if roundTrip["cpu"] != 42 {
		t.Errorf("got %v", roundTrip)
	}
}

func TestNormalizeToolResultPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"content":[{"type":"text","text":"already shaped"}],"isError":true}`)
	res := normalizeToolResult(raw)
	if !res.IsError || res.Content[0].Text != "already shaped" {
		t.Errorf("got %+v", res)
	}
}
