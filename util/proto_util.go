package util

import "google.golang.org/protobuf/types/known/structpb"

// ConvertToStruct drops values structpb cannot represent instead of failing
// the whole map.
func ConvertToStruct(data map[string]any) *structpb.Struct {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(data))}
	for k, v := range data {
		if val, err := structpb.NewValue(normalize(v)); err == nil {
			out.Fields[k] = val
		}
	}
	return out
}

func ConvertFromStruct(s *structpb.Struct) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return s.AsMap()
}

// normalize turns typed slices and maps that came from Go code into the
// []any / map[string]any shapes structpb accepts.
func normalize(v any) any {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = normalize(s)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = normalize(s)
		}
		return out
	default:
		return v
	}
}
