// Package tool defines tool bindings: the closed set of tool variants a bot can
// expose to the reasoning loop, their parameter schemas, and tool error kinds.
package tool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultTimeout bounds a single tool invocation when the binding sets none.
const DefaultTimeout = 30 * time.Second

// Kind is the tool variant tag.
type Kind string

const (
	KindBuiltin        Kind = "builtin"
	KindHTTPProxy      Kind = "http_proxy"
	KindInternalScript Kind = "internal_script"
)

// Binding is one tool enabled on a bot. Exactly one variant applies per Kind:
// Builtin uses Name only, HTTPProxy may override the tool-server Endpoint,
// InternalScript requires ScriptID.
type Binding struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Kind        Kind            `json:"kind"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Endpoint    string          `json:"endpoint,omitempty"`
	ScriptID    string          `json:"script_id,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
}

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Validate checks that the binding is a well-formed member of the variant set.
func (b *Binding) Validate() error {
	if !nameRegex.MatchString(b.Name) {
		return fmt.Errorf("tool name %q: must be 1-64 characters of [a-zA-Z0-9_-]", b.Name)
	}
	switch b.Kind {
	case KindBuiltin, KindHTTPProxy:
	case KindInternalScript:
		if b.ScriptID == "" {
			return fmt.Errorf("tool %s: script_id is required for internal scripts", b.Name)
		}
	default:
		return fmt.Errorf("tool %s: unknown kind %q", b.Name, b.Kind)
	}
	if len(b.Parameters) > 0 {
		if _, err := compileSchema(b.Parameters); err != nil {
			return fmt.Errorf("tool %s: invalid parameter schema: %w", b.Name, err)
		}
	}
	return nil
}

// EffectiveTimeout returns the binding timeout or the default.
func (b *Binding) EffectiveTimeout(fallback time.Duration) time.Duration {
	if b.Timeout > 0 {
		return b.Timeout
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTimeout
}

// Schema returns the parameter schema, defaulting to an empty object schema.
func (b *Binding) Schema() json.RawMessage {
	if len(b.Parameters) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return b.Parameters
}

// ValidateArgs checks args against the binding's parameter schema.
func (b *Binding) ValidateArgs(args json.RawMessage) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		return errors.New("arguments must be a JSON object")
	}
	if len(b.Parameters) == 0 {
		return nil
	}
	schema, err := compileSchema(b.Parameters)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return err
	}
	return nil
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.parameters.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
