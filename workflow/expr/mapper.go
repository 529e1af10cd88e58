package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Extract resolves a dot path against nested maps (and numeric indices
// against slices). The second return is false when any segment is missing.
func Extract(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = data
	for _, part := range strings.Split(path, ".") {
		switch c := current.(type) {
		case map[string]any:
			next, ok := c[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			current = c[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Set writes a value at a dot path, creating intermediate maps as needed.
// Existing non-map values along the path are replaced.
func Set(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// Transform applies a named transformation to a value. Unknown names pass
// the value through unchanged.
//
// Supported: uppercase, lowercase, json_parse, json_stringify,
// split:<delim>, join:<delim>.
func Transform(name string, value any) (any, error) {
	if name == "" {
		return value, nil
	}
	switch {
	case name == "uppercase":
		return strings.ToUpper(fmt.Sprintf("%v", value)), nil
	case name == "lowercase":
		return strings.ToLower(fmt.Sprintf("%v", value)), nil
	case name == "json_parse":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("json_parse requires a string, got %T", value)
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("json_parse: %w", err)
		}
		return out, nil
	case name == "json_stringify":
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("json_stringify: %w", err)
		}
		return string(b), nil
	case strings.HasPrefix(name, "split:"):
		delim := strings.TrimPrefix(name, "split:")
		parts := strings.Split(fmt.Sprintf("%v", value), delim)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case strings.HasPrefix(name, "join:"):
		delim := strings.TrimPrefix(name, "join:")
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("join requires a list, got %T", value)
		}
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(parts, delim), nil
	default:
		return value, nil
	}
}

// ResolveTemplate substitutes every ${path} occurrence in s with the value
// found at that path. Missing paths substitute an empty string.
func ResolveTemplate(s string, data map[string]any) string {
	var sb strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		end += start
		sb.WriteString(s[:start])
		path := strings.TrimSpace(s[start+2 : end])
		if val, ok := Extract(data, path); ok && val != nil {
			sb.WriteString(fmt.Sprintf("%v", val))
		}
		s = s[end+1:]
	}
}
