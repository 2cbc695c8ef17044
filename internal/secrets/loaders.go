package secrets

import (
	"fmt"
	"maps"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvLoader returns a Loader that reads the given environment variables,
// keyed by the secret name. Missing variables are omitted.
func EnvLoader(vars map[string]string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(vars))
		for key, env := range vars {
			if v := os.Getenv(env); v != "" {
				vals[key] = v
			}
		}
		return vals, nil
	}
}

// StaticLoader returns a Loader that always yields a copy of vals. Empty
// values are omitted.
func StaticLoader(vals map[string]string) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string, len(vals))
		for k, v := range vals {
			if v != "" {
				out[k] = v
			}
		}
		return out, nil
	}
}

// FileLoader returns a Loader that reads a flat YAML mapping of secret names
// to values. The file is re-read on every load, so rotating it and reloading
// the vault picks up new credentials.
func FileLoader(path string) Loader {
	return func() (map[string]string, error) {
		data, err := os.ReadFile(path) //nolint:gosec // G304: operator-configured path
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		vals := make(map[string]string)
		if err := yaml.Unmarshal(data, &vals); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return vals, nil
	}
}

// Chain merges loaders in order; later loaders override earlier keys. Any
// loader error fails the whole load.
func Chain(loaders ...Loader) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string)
		for _, l := range loaders {
			vals, err := l()
			if err != nil {
				return nil, err
			}
			maps.Copy(out, vals)
		}
		return out, nil
	}
}
