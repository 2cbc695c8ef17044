package notifier

import (
	"fmt"
	"slices"
	"sync"
)

// ChannelConfig carries what an alert channel needs to reach its destination.
type ChannelConfig struct {
	WebhookURL string
}

// Factory builds a channel. The registry has already checked that the
// webhook URL is set.
type Factory func(cfg ChannelConfig) (Notifier, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a channel available by name. Adapters call it from init.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("notifier: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New builds the channel registered as name. A channel enabled without a
// webhook URL fails with ErrNotConfigured rather than at first send.
func New(name string, cfg ChannelConfig) (Notifier, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("notifier: unknown channel %q (have %v)", name, Available())
	}
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("notifier %s: %w: webhook url missing", name, ErrNotConfigured)
	}
	return factory(cfg)
}

// Available returns the registered channel names, sorted.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
