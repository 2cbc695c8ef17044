package slack

import "github.com/Strob0t/ReplyForge/internal/port/notifier"

func init() {
	notifier.Register(providerName, func(cfg notifier.ChannelConfig) (notifier.Notifier, error) {
		return NewNotifier(cfg.WebhookURL), nil
	})
}
