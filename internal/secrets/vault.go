// Package secrets holds rotatable credentials, such as the intake webhook
// token and signing secret, and reloads them without a restart.
package secrets

import (
	"fmt"
	"sort"
	"sync"
)

// Well-known keys.
const (
	KeyIntakeToken  = "intake_token"
	KeyIntakeSecret = "intake_secret"
)

// Loader retrieves secrets from a source (env vars, file, remote vault, etc.).
type Loader func() (map[string]string, error)

// Vault holds secret values in memory and supports atomic reloading.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{
		values: vals,
		loader: loader,
	}, nil
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Keys returns the names of the loaded secrets, sorted. Values are never exposed.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reload calls the loader and swaps in the new values atomically.
// If the loader returns an error, existing values are preserved.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = newVals
	v.mu.Unlock()
	return nil
}

// IntakeCredentials returns the current intake token and signing secret.
func (v *Vault) IntakeCredentials() (token, secret string) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[KeyIntakeToken], v.values[KeyIntakeSecret]
}
