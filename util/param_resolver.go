package util

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var tokenRe = regexp.MustCompile(`{(\$.*?)}`)

// ResolveInputParams replaces {$.path} tokens in string values with the value
// found at that path in data. A string that is exactly one token keeps the
// looked-up value's type.
func ResolveInputParams(data map[string]any, params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	resolveParams(data, params, out)
	return out
}

func resolveParams(data map[string]any, params map[string]any, output map[string]any) {
	for k, v := range params {
		output[k] = resolveValue(data, v)
	}
}

func resolveValue(data map[string]any, v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		resolveParams(data, t, out)
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			out = append(out, resolveValue(data, item))
		}
		return out
	case string:
		return resolveString(data, t)
	default:
		return v
	}
}

func resolveString(data map[string]any, s string) any {
	tokens := tokenRe.FindAllStringSubmatch(s, -1)
	if len(tokens) == 0 {
		return s
	}
	if len(tokens) == 1 && tokens[0][0] == s {
		value, err := Lookup(data, tokens[0][1])
		if err != nil {
			return nil
		}
		return value
	}
	for _, token := range tokens {
		value, err := Lookup(data, token[1])
		repl := ""
		if err == nil && value != nil {
			repl = fmt.Sprintf("%v", value)
		}
		s = strings.ReplaceAll(s, token[0], repl)
	}
	return s
}

// Lookup resolves a field reference against data. Bare references such as
// "contact.email" are treated as "$.contact.email".
func Lookup(data map[string]any, path string) (any, error) {
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	return jsonpath.JsonPathLookup(data, path)
}
