// Package migrate runs registered payload migration hooks against decoded
// store entries before schema validation.
package migrate

import "fmt"

// Hook rewrites a decoded map payload for a key. Hooks receive a clone of
// the payload and return the payload to carry forward.
type Hook func(key string, payload map[string]any) (map[string]any, error)

// Chain applies hooks in registration order.
type Chain []Hook

// Run passes candidate through every hook. Non-map candidates and empty
// chains pass through unchanged.
func (c Chain) Run(key string, candidate any) (any, error) {
	if len(c) == 0 {
		return candidate, nil
	}

	payload, ok := candidate.(map[string]any)
	if !ok {
		return candidate, nil
	}

	current := cloneMap(payload)
	for _, hook := range c {
		if hook == nil {
			continue
		}
		next, err := hook(key, current)
		if err != nil {
			return nil, fmt.Errorf("migrate: hook for key %q: %w", key, err)
		}
		if next == nil {
			next = map[string]any{}
		}
		current = next
	}
	return current, nil
}

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for key, value := range src {
		if nested, ok := value.(map[string]any); ok {
			dst[key] = cloneMap(nested)
			continue
		}
		dst[key] = value
	}
	return dst
}
