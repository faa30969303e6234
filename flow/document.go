package flow

import (
	"encoding/json"
	"fmt"

	"github.com/mohitkumar/nurture/model"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

var documentSchema = map[string]any{
	"type":     "object",
	"required": []any{"id", "nodes"},
	"properties": map[string]any{
		"id":   map[string]any{"type": "string", "minLength": 1},
		"name": map[string]any{"type": "string"},
		"nodes": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []any{"id", "kind"},
				"properties": map[string]any{
					"id":      map[string]any{"type": "string", "minLength": 1},
					"kind":    map[string]any{"enum": nodeKinds()},
					"subType": map[string]any{"type": "string"},
					"config":  map[string]any{"type": []any{"object", "null"}},
				},
			},
		},
		"edges": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"fromNodeId", "toNodeId"},
				"properties": map[string]any{
					"fromNodeId": map[string]any{"type": "string"},
					"toNodeId":   map[string]any{"type": "string"},
					"branchKey":  map[string]any{"type": "string"},
				},
			},
		},
		"settings": map[string]any{"type": "object"},
	},
}

func nodeKinds() []any {
	kinds := make([]any, len(model.NodeKinds))
	for i, k := range model.NodeKinds {
		kinds[i] = string(k)
	}
	return kinds
}

// CheckDocument validates the shape of a raw flow document before it is
// decoded into typed structures.
func CheckDocument(doc map[string]any) error {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(documentSchema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return err
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		id, _ := doc["id"].(string)
		return &ValidationError{FlowId: id, Problems: problems}
	}
	return nil
}

// DecodeDocument parses a JSON or YAML flow document. YAML is a superset of
// JSON so both go through the YAML decoder first.
func DecodeDocument(data []byte) (*model.FlowDefinition, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid flow document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("empty flow document")
	}
	if err := CheckDocument(doc); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid flow document: %w", err)
	}
	var def model.FlowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("invalid flow document: %w", err)
	}
	return &def, nil
}
