package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/Strob0t/ReplyForge/internal/logger"
	"github.com/Strob0t/ReplyForge/internal/port/messagequeue"
	"github.com/Strob0t/ReplyForge/internal/port/script"
)

// ScriptRunner implements script.Runner with core NATS request/reply on
// "<prefix>.<scriptID>". Any service answering that subject is a script host.
type ScriptRunner struct {
	nc     *nats.Conn
	prefix string
}

// NewScriptRunner creates a runner that publishes requests under prefix.
func NewScriptRunner(nc *nats.Conn, prefix string) *ScriptRunner {
	if prefix == "" {
		prefix = messagequeue.SubjectScriptRun
	}
	return &ScriptRunner{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Run sends the arguments to the script and waits for its reply until ctx
// expires. No responders maps to script.ErrScriptNotFound.
func (r *ScriptRunner) Run(ctx context.Context, scriptID string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	data, err := json.Marshal(messagequeue.ScriptRunPayload{ScriptID: scriptID, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("script %s: encode request: %w", scriptID, err)
	}

	req := &nats.Msg{Subject: r.prefix + "." + scriptID, Data: data, Header: nats.Header{}}
	if reqID := logger.RequestID(ctx); reqID != "" {
		req.Header.Set(headerRequestID, reqID)
	}

	resp, err := r.nc.RequestMsgWithContext(ctx, req)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("script %s: %w", scriptID, script.ErrScriptNotFound)
		}
		return nil, fmt.Errorf("script %s: %w", scriptID, err)
	}

	var out messagequeue.ScriptResultPayload
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("script %s: decode reply: %w", scriptID, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("script %s: %s", scriptID, out.Error)
	}
	if len(out.Output) == 0 {
		return json.RawMessage(`null`), nil
	}
	return out.Output, nil
}
