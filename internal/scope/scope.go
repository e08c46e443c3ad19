// Package scope defines the OAuth scopes understood by the broker and the
// scope each JSON-RPC method requires.
package scope

import (
	"fmt"
	"strings"
)

// The five scopes the broker issues and enforces.
const (
	Tools       = "mcp:tools"
	Resources   = "mcp:resources"
	Prompts     = "mcp:prompts"
	AgentsRead  = "mcp:agents:read"
	AgentsWrite = "mcp:agents:write"
)

// All lists every supported scope, in the order advertised by the
// authorization-server metadata document.
var All = []string{Tools, Resources, Prompts, AgentsRead, AgentsWrite}

// methodScopes maps JSON-RPC methods to the scope required to call them.
// Methods absent from the map require a valid token but no particular scope.
var methodScopes = map[string]string{
	"tools/list":     Tools,
	"tools/call":     Tools,
	"resources/list": Resources,
	"prompts/list":   Prompts,
}

// Required returns the scope needed for a JSON-RPC method, or "" when the
// method is ungated.
func Required(method string) string {
	return methodScopes[method]
}

// Has reports whether the granted scope set includes required.
// An empty required always passes.
func Has(granted []string, required string) bool {
	if required == "" {
		return true
	}
	for _, s := range granted {
		if s == required {
			return true
		}
	}
	return false
}

// Validate checks every requested scope against the supported set and
// returns an error naming the offending values.
func Validate(requested []string) error {
	var bad []string
	for _, s := range requested {
		if !known(s) {
			bad = append(bad, s)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("unknown scopes: %s", strings.Join(bad, ", "))
	}
	return nil
}

// Parse splits a space-delimited scope string and validates it.
func Parse(raw string) ([]string, error) {
	scopes := strings.Fields(raw)
	if err := Validate(scopes); err != nil {
		return nil, err
	}
	return scopes, nil
}

func known(s string) bool {
	for _, k := range All {
		if s == k {
			return true
		}
	}
	return false
}
