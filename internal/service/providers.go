package service

import (
	"fmt"
	"sort"

	"github.com/Strob0t/ReplyForge/internal/port/llm"
)

// ProviderSet resolves a bot's provider name to a configured provider.
type ProviderSet struct {
	providers   map[string]llm.Provider
	defaultName string
}

// NewProviderSet creates a set. defaultName serves bots that name no provider.
func NewProviderSet(defaultName string, providers ...llm.Provider) *ProviderSet {
	m := make(map[string]llm.Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &ProviderSet{providers: m, defaultName: defaultName}
}

// Get returns the named provider, or the default when name is empty.
func (s *ProviderSet) Get(name string) (llm.Provider, error) {
	if name == "" {
		name = s.defaultName
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return p, nil
}

// Names returns the configured provider names, sorted.
func (s *ProviderSet) Names() []string {
	names := make([]string, 0, len(s.providers))
	for n := range s.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
