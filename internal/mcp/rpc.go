package mcp

import (
	"bytes"
	"encoding/json"
)

// protocolVersion is the MCP revision this endpoint speaks.
const protocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type rpcRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the request carries no usable id.
func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func okResponse(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{Jsonrpc: "2.0", ID: id, Result: result}
}

func errResponse(id json.RawMessage, code int, message string) rpcResponse {
	return rpcResponse{Jsonrpc: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

// toolContent is one entry in a tools/call result content array.
type toolContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// toolResult is the MCP-shaped tools/call reply.
type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func textResult(text string, isError bool) toolResult {
	return toolResult{Content: []toolContent{{Type: "text", Text: text}}, IsError: isError}
}

// normalizeToolResult converts whatever the agent returned into the MCP
// content shape: strings pass through as text, image payloads become image
// content, embedded errors become isError text, and anything else is
// JSON-serialized into text.
func normalizeToolResult(raw json.RawMessage) toolResult {
	if len(raw) == 0 {
		return textResult("", false)
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return textResult(asString, false)
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return textResult(string(raw), false)
	}

	// Agent results already in MCP shape pass through untouched.
	if _, ok := asObject["content"]; ok {
		var passthrough toolResult
		if err := json.Unmarshal(raw, &passthrough); err == nil && len(passthrough.Content) > 0 {
			return passthrough
		}
	}

	if errRaw, ok := asObject["error"]; ok {
		var msg string
		if json.Unmarshal(errRaw, &msg) != nil {
			msg = string(errRaw)
		}
		return textResult(msg, true)
	}

	for _, key := range []string{"imageData", "data", "base64"} {
		imgRaw, ok := asObject[key]
		if !ok {
			continue
		}
		var img string
		if json.Unmarshal(imgRaw, &img) != nil || img == "" {
			continue
		}
		mime := "image/png"
		if mimeRaw, ok := asObject["mimeType"]; ok {
			var m string
			if json.Unmarshal(mimeRaw, &m) == nil && m != "" {
				mime = m
			}
		}
		return toolResult{Content: []toolContent{{Type: "image", Data: img, MimeType: mime}}}
	}

	pretty, err := json.Marshal(asObject)
	if err != nil {
		return textResult(string(raw), false)
	}
	return textResult(string(pretty), false)
}
