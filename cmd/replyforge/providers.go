package main

// Adapter imports register their factories with the port registries.

import (
	"fmt"
	"log/slog"
	"time"

	_ "github.com/Strob0t/ReplyForge/internal/adapter/anthropic"
	_ "github.com/Strob0t/ReplyForge/internal/adapter/discord"
	_ "github.com/Strob0t/ReplyForge/internal/adapter/evolution"
	_ "github.com/Strob0t/ReplyForge/internal/adapter/openai"
	_ "github.com/Strob0t/ReplyForge/internal/adapter/slack"
	_ "github.com/Strob0t/ReplyForge/internal/adapter/telegram"
	"github.com/Strob0t/ReplyForge/internal/config"
	"github.com/Strob0t/ReplyForge/internal/domain/alert"
	"github.com/Strob0t/ReplyForge/internal/port/delivery"
	"github.com/Strob0t/ReplyForge/internal/port/llm"
	"github.com/Strob0t/ReplyForge/internal/port/notifier"
	"github.com/Strob0t/ReplyForge/internal/service"
)

// buildProviders instantiates every provider that has an API key.
func buildProviders(cfg config.Providers) (*service.ProviderSet, error) {
	configured := map[string]config.ProviderConfig{
		"anthropic": cfg.Anthropic,
		"openai":    cfg.OpenAI,
	}
	var providers []llm.Provider
	for _, name := range llm.Available() {
		pc, ok := configured[name]
		if !ok || pc.APIKey == "" {
			continue
		}
		p, err := llm.New(name, map[string]string{
			"api_key":       pc.APIKey,
			"base_url":      pc.BaseURL,
			"default_model": pc.DefaultModel,
			"timeout":       durationString(pc.Timeout),
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		slog.Warn("no language model provider configured; every event will fall back")
	}
	return service.NewProviderSet(cfg.Default, providers...), nil
}

// buildChannels instantiates the delivery channels that have credentials.
func buildChannels(cfg config.Delivery) (*service.ChannelSet, error) {
	configured := map[string]map[string]string{}
	if cfg.EvolutionURL != "" {
		configured["evolution"] = map[string]string{"base_url": cfg.EvolutionURL, "api_key": cfg.EvolutionAPIKey}
	}
	if cfg.TelegramToken != "" {
		configured["telegram"] = map[string]string{"token": cfg.TelegramToken}
	}

	var channels []delivery.Channel
	for _, kind := range delivery.Available() {
		dc, ok := configured[kind]
		if !ok {
			continue
		}
		ch, err := delivery.New(kind, dc)
		if err != nil {
			return nil, fmt.Errorf("delivery channel %s: %w", kind, err)
		}
		channels = append(channels, ch)
	}
	return service.NewChannelSet(cfg.Default, channels...), nil
}

// buildNotifiers instantiates the enabled alert channels with their routes.
// A channel without its own route inherits the global severity floor.
func buildNotifiers(cfg config.Notifications) ([]service.NotificationRoute, error) {
	urls := map[string]string{
		"slack":   cfg.SlackWebhookURL,
		"discord": cfg.DiscordURL,
	}
	var out []service.NotificationRoute
	for _, name := range cfg.EnabledChannels {
		n, err := notifier.New(name, notifier.ChannelConfig{WebhookURL: urls[name]})
		if err != nil {
			return nil, err
		}
		r := service.NotificationRoute{Notifier: n, MinSeverity: alert.Severity(cfg.MinSeverity)}
		if rc, ok := cfg.Routes[name]; ok {
			if rc.MinSeverity != "" {
				r.MinSeverity = alert.Severity(rc.MinSeverity)
			}
			r.Types = rc.Types
		}
		out = append(out, r)
	}
	return out, nil
}

func durationString(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}
