// Package signature builds the canonical, human-readable "tool(parts)"
// string used both as the policy-matching key and as the approval
// message's description (spec §4.C).
package signature

import (
	"fmt"
	"sort"
	"strings"
)

// Builder produces the ordered signature parts for one tool's arguments.
type Builder func(args map[string]any) []string

// Registry maps tool names to their builders. Tools with no registered
// builder fall back to the deterministic sorted-keys rendering.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry returns an empty registry; register builders with Register.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register associates a tool name with a part builder.
func (r *Registry) Register(tool string, b Builder) {
	r.builders[tool] = b
}

// DefaultRegistry returns the reference builders for the Home Assistant
// namespace described in spec §4.C.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("ha_call_service", func(args map[string]any) []string {
		domain := str(args["domain"])
		service := str(args["service"])
		return []string{fmt.Sprintf("%s.%s", domain, service), str(args["entity_id"])}
	})
	r.Register("ha_get_state", func(args map[string]any) []string {
		return []string{str(args["entity_id"])}
	})
	r.Register("ha_get_states", func(args map[string]any) []string {
		return nil
	})
	r.Register("ha_fire_event", func(args map[string]any) []string {
		return []string{str(args["event_type"])}
	})
	return r
}

// Build returns the canonical signature for a (tool, args) pair. It is
// deterministic regardless of the iteration order of args.
func (r *Registry) Build(tool string, args map[string]any) string {
	var parts []string
	if b, ok := r.builders[tool]; ok {
		parts = b(args)
	} else {
		parts = fallbackParts(args)
	}
	if len(parts) == 0 {
		return tool
	}
	return fmt.Sprintf("%s(%s)", tool, strings.Join(parts, ", "))
}

// fallbackParts sorts argument keys lexicographically and renders each
// value with str, guaranteeing determinism independent of map iteration
// or the agent's original serialization order.
func fallbackParts(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = str(args[k])
	}
	return parts
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
