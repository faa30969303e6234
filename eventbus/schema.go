package eventbus

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var eventSchema = gojsonschema.NewGoLoader(map[string]any{
	"type":     "object",
	"required": []any{"type", "contactId"},
	"properties": map[string]any{
		"id":         map[string]any{"type": "string"},
		"type":       map[string]any{"type": "string", "minLength": 1},
		"contactId":  map[string]any{"type": "string", "minLength": 1},
		"payload":    map[string]any{"type": []any{"object", "null"}},
		"occurredAt": map[string]any{"type": "string"},
	},
})

// CheckEvent validates the shape of a raw event message.
func CheckEvent(data []byte) error {
	result, err := gojsonschema.Validate(eventSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("invalid event: %s", strings.Join(problems, "; "))
	}
	return nil
}
