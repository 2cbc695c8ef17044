// Package slack implements a notifier.Notifier for Slack incoming webhooks.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/slack-go/slack"

	"github.com/Strob0t/ReplyForge/internal/port/notifier"
)

const providerName = "slack"

// maxFields is Slack's limit for fields in one section block.
const maxFields = 10

// Notifier posts tenant alerts to a Slack incoming webhook as Block Kit messages.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewNotifier creates a Slack notifier with the given webhook URL.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Notifier) Name() string { return providerName }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{RichFormatting: true}
}

func (n *Notifier) Send(ctx context.Context, nt notifier.Notification) error {
	if n.webhookURL == "" {
		return notifier.ErrNotConfigured
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.httpClient, buildMessage(nt)); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

// buildMessage renders a header, the alert text, up to maxFields sorted
// fields and a context line naming the alert type. Text is the push fallback.
func buildMessage(nt notifier.Notification) *slack.WebhookMessage {
	header := fmt.Sprintf("%s %s", levelEmoji(nt.Level), nt.Title)

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, header, false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, nt.Message, false, false), nil, nil),
	}

	if len(nt.Fields) > 0 {
		keys := make([]string, 0, len(nt.Fields))
		for k := range nt.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > maxFields {
			keys = keys[:maxFields]
		}
		fields := make([]*slack.TextBlockObject, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n%s", k, nt.Fields[k]), false, false))
		}
		blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))
	}

	if nt.Source != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("_Alert: %s_", nt.Source), false, false),
		))
	}

	return &slack.WebhookMessage{
		Text:   header,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func levelEmoji(level string) string {
	switch level {
	case "critical":
		return ":rotating_light:"
	case "error":
		return ":x:"
	case "warning":
		return ":warning:"
	default:
		return ":information_source:"
	}
}
