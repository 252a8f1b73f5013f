package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// yamlLoader resolves flags from a flat YAML mapping of flag names to
// values. Keys may use dashes or underscores.
func yamlLoader(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return kong.ResolverFunc(func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		for _, name := range []string{flag.Name, strings.ReplaceAll(flag.Name, "-", "_")} {
			raw, ok := values[name]
			if !ok {
				continue
			}
			return configValue(flag.Name, raw)
		}
		return nil, nil
	}), nil
}

func configValue(name string, raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ","), nil
	case map[string]any:
		return nil, fmt.Errorf("config %q: nested values are not supported", name)
	default:
		return fmt.Sprint(v), nil
	}
}
