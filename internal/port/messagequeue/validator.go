package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var target any
	switch {
	case subject == SubjectInboundReceived:
		var p InboundReceivedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.ExternalMessageID == "" || p.RoutingKey == "" {
			return fmt.Errorf("schema validation failed for %s: external_message_id and routing_key are required", subject)
		}
		return nil
	case subject == SubjectPipelineCompleted:
		target = &PipelineCompletedPayload{}
	case strings.HasPrefix(subject, SubjectScriptRun+"."):
		target = &ScriptRunPayload{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}
