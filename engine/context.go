package engine

import (
	"strings"

	"github.com/mohitkumar/nurture/condition"
	"github.com/mohitkumar/nurture/model"
	"github.com/spf13/cast"
)

// applyDelta writes an action's reported changes into the enrollment
// context. Keys are dotted paths into nested maps.
func applyDelta(ctx map[string]any, delta model.ContextDelta) {
	for path, v := range delta.Set {
		setPath(ctx, path, v)
	}
	for _, path := range delta.Unset {
		unsetPath(ctx, path)
	}
	if len(delta.AddTags) > 0 || len(delta.RemoveTags) > 0 {
		ctx[condition.FIELD_TAGS] = mergeTags(ctx[condition.FIELD_TAGS], delta.AddTags, delta.RemoveTags)
	}
}

func setPath(ctx map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	m := ctx
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

func unsetPath(ctx map[string]any, path string) {
	parts := strings.Split(path, ".")
	m := ctx
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}

func mergeTags(current any, add []string, remove []string) []any {
	removed := make(map[string]bool, len(remove))
	for _, t := range remove {
		removed[strings.ToLower(t)] = true
	}
	seen := make(map[string]bool)
	out := make([]any, 0)
	for _, t := range append(cast.ToStringSlice(current), add...) {
		key := strings.ToLower(t)
		if removed[key] || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
