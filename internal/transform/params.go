package transform

import (
	"fmt"
	"sort"
	"strings"
)

// params reads loosely typed parameters decoded from YAML or JSON.
type params map[string]any

func (p params) str(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string, got %T", key, v)
	}
	return strings.TrimSpace(s), nil
}

func (p params) requiredStr(key string) (string, error) {
	s, err := p.str(key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("parameter %q is required", key)
	}
	return s, nil
}

func (p params) boolean(key string) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("parameter %q must be a bool, got %T", key, v)
	}
	return b, nil
}

// list accepts a list of strings or a single string.
func (p params) list(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{strings.TrimSpace(t)}, nil
	case []string:
		return trimAll(key, t)
	case []any:
		out := make([]string, len(t))
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q[%d] must be a string, got %T", key, i, item)
			}
			out[i] = s
		}
		return trimAll(key, out)
	default:
		return nil, fmt.Errorf("parameter %q must be a list of strings, got %T", key, v)
	}
}

func trimAll(key string, in []string) ([]string, error) {
	out := make([]string, len(in))
	for i, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("parameter %q[%d] is empty", key, i)
		}
		out[i] = s
	}
	return out, nil
}

// mapping accepts {string: string} and returns keys sorted for determinism.
func (p params) mapping(key string) ([]string, map[string]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil, nil
	}
	out := map[string]string{}
	switch t := v.(type) {
	case map[string]string:
		for k, s := range t {
			out[strings.TrimSpace(k)] = strings.TrimSpace(s)
		}
	case map[string]any:
		for k, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, nil, fmt.Errorf("parameter %q.%s must be a string, got %T", key, k, item)
			}
			out[strings.TrimSpace(k)] = strings.TrimSpace(s)
		}
	default:
		return nil, nil, fmt.Errorf("parameter %q must be a mapping, got %T", key, v)
	}
	keys := make([]string, 0, len(out))
	for k, s := range out {
		if k == "" || s == "" {
			return nil, nil, fmt.Errorf("parameter %q has an empty entry", key)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, out, nil
}

// known rejects parameters outside allowed.
func (p params) known(allowed ...string) error {
	set := make(map[string]struct{}, len(allowed)+1)
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	set["postcondition"] = struct{}{}
	var unknown []string
	for k := range p {
		if _, ok := set[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown parameters: %s", strings.Join(unknown, ", "))
	}
	return nil
}
