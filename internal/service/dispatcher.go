package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Strob0t/ReplyForge/internal/domain/tool"
	"github.com/Strob0t/ReplyForge/internal/port/llm"
	"github.com/Strob0t/ReplyForge/internal/port/script"
	"github.com/Strob0t/ReplyForge/internal/port/toolserver"
)

// ToolScope identifies whose behalf a tool runs on.
type ToolScope struct {
	TenantID string
	BotID    string
	EventID  string
}

// BuiltinHandler runs an in-process tool.
type BuiltinHandler func(ctx context.Context, scope ToolScope, args json.RawMessage) (json.RawMessage, error)

// Builtin is an in-process tool: its canonical binding and its handler.
type Builtin struct {
	Binding tool.Binding
	Handler BuiltinHandler
}

// ToolDispatcher invokes tool bindings of any kind under one contract: every
// call resolves to a tool.Result within the timeout, never to a Go error.
type ToolDispatcher struct {
	mu       sync.RWMutex
	builtins map[string]Builtin

	http    toolserver.Client
	scripts script.Runner
	timeout time.Duration
}

// NewToolDispatcher creates a dispatcher. http and scripts may be nil, in
// which case bindings of those kinds fail with a failure error.
func NewToolDispatcher(http toolserver.Client, scripts script.Runner, timeout time.Duration) *ToolDispatcher {
	if timeout <= 0 {
		timeout = tool.DefaultTimeout
	}
	return &ToolDispatcher{
		builtins: make(map[string]Builtin),
		http:     http,
		scripts:  scripts,
		timeout:  timeout,
	}
}

// RegisterBuiltin makes an in-process tool available by name.
func (d *ToolDispatcher) RegisterBuiltin(b Builtin) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.builtins[b.Binding.Name] = b
}

func (d *ToolDispatcher) builtin(name string) (Builtin, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.builtins[name]
	return b, ok
}

// resolve fills a builtin binding's description and schema from the registry
// when the bot configuration omits them.
func (d *ToolDispatcher) resolve(b tool.Binding) tool.Binding {
	if b.Kind != tool.KindBuiltin {
		return b
	}
	reg, ok := d.builtin(b.Name)
	if !ok {
		return b
	}
	if b.Description == "" {
		b.Description = reg.Binding.Description
	}
	if len(b.Parameters) == 0 {
		b.Parameters = reg.Binding.Parameters
	}
	return b
}

// Catalogue returns the tool specs offered to the model for the given bindings.
// Builtins that are not registered are left out.
func (d *ToolDispatcher) Catalogue(bindings []tool.Binding) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(bindings))
	for _, b := range bindings {
		if b.Kind == tool.KindBuiltin {
			if _, ok := d.builtin(b.Name); !ok {
				continue
			}
		}
		b = d.resolve(b)
		specs = append(specs, llm.ToolSpec{
			Name:        b.Name,
			Description: b.Description,
			Parameters:  b.Schema(),
		})
	}
	return specs
}

// Dispatch validates args against the binding schema and invokes the tool.
// The call is bounded by the binding timeout; a call that does not return in
// time resolves to a timeout error even if the callee ignores cancellation.
func (d *ToolDispatcher) Dispatch(ctx context.Context, scope ToolScope, binding tool.Binding, args json.RawMessage) tool.Result {
	start := time.Now()
	binding = d.resolve(binding)

	if err := binding.ValidateArgs(args); err != nil {
		return failed(start, tool.ErrorValidation, err.Error())
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	invoke, kindErr := d.invoker(scope, binding)
	if kindErr != nil {
		return tool.Result{Err: kindErr, Duration: time.Since(start)}
	}

	timeout := binding.EffectiveTimeout(d.timeout)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := invoke(callCtx, args)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) && callCtx.Err() != nil {
				return failed(start, tool.ErrorTimeout, fmt.Sprintf("tool %s timed out after %s", binding.Name, timeout))
			}
			kind := tool.ErrorFailure
			if errors.Is(o.err, script.ErrScriptNotFound) {
				kind = tool.ErrorUnknownTool
			}
			return failed(start, kind, o.err.Error())
		}
		if len(o.out) > 0 && !json.Valid(o.out) {
			return failed(start, tool.ErrorFailure, "tool returned malformed JSON")
		}
		return tool.Result{Output: o.out, Duration: time.Since(start)}
	case <-callCtx.Done():
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failed(start, tool.ErrorFailure, "tool call cancelled")
		}
		return failed(start, tool.ErrorTimeout, fmt.Sprintf("tool %s timed out after %s", binding.Name, timeout))
	}
}

type invokeFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

func (d *ToolDispatcher) invoker(scope ToolScope, b tool.Binding) (invokeFunc, *tool.Error) {
	switch b.Kind {
	case tool.KindBuiltin:
		reg, ok := d.builtin(b.Name)
		if !ok {
			return nil, &tool.Error{Kind: tool.ErrorUnknownTool, Message: fmt.Sprintf("no builtin tool named %s", b.Name)}
		}
		return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return reg.Handler(ctx, scope, args)
		}, nil
	case tool.KindHTTPProxy:
		if d.http == nil {
			return nil, &tool.Error{Kind: tool.ErrorFailure, Message: "tool server is not configured"}
		}
		return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return d.http.Invoke(ctx, b.Endpoint, b.Name, args)
		}, nil
	case tool.KindInternalScript:
		if d.scripts == nil {
			return nil, &tool.Error{Kind: tool.ErrorFailure, Message: "script runner is not configured"}
		}
		return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return d.scripts.Run(ctx, b.ScriptID, args)
		}, nil
	default:
		return nil, &tool.Error{Kind: tool.ErrorUnknownTool, Message: fmt.Sprintf("unknown tool kind %q", b.Kind)}
	}
}

func failed(start time.Time, kind tool.ErrorKind, msg string) tool.Result {
	return tool.Result{Err: &tool.Error{Kind: kind, Message: msg}, Duration: time.Since(start)}
}
