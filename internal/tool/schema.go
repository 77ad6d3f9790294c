package tool

import (
	"encoding/json"
	"fmt"
	"strings"
)

type schemaDoc struct {
	Type       string                `json:"type"`
	Properties map[string]schemaProp `json:"properties"`
	Required   []string              `json:"required"`
}

type schemaProp struct {
	Type string `json:"type"`
}

// ValidateArgs checks tool-call arguments against the tool's declared JSON
// schema. A nil or empty schema accepts anything; malformed arguments or a
// missing required field fail closed with ErrSchema.
func ValidateArgs(schema, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	var doc schemaDoc
	if err := json.Unmarshal(schema, &doc); err != nil {
		return fmt.Errorf("%w: invalid schema: %v", ErrSchema, err)
	}
	if doc.Type != "" && doc.Type != "object" {
		return nil
	}

	parsed := map[string]json.RawMessage{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return fmt.Errorf("%w: arguments are not a JSON object: %v", ErrSchema, err)
		}
	}

	for _, name := range doc.Required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := parsed[name]; !ok {
			return fmt.Errorf("%w: missing required field %q", ErrSchema, name)
		}
	}

	for name, raw := range parsed {
		prop, ok := doc.Properties[name]
		if !ok || prop.Type == "" {
			continue
		}
		if !matchesType(prop.Type, raw) {
			return fmt.Errorf("%w: field %q is not a %s", ErrSchema, name, prop.Type)
		}
	}
	return nil
}

func matchesType(want string, raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return true
	}
	switch want {
	case "string":
		return strings.HasPrefix(s, `"`)
	case "number", "integer":
		var n float64
		return json.Unmarshal(raw, &n) == nil
	case "boolean":
		return s == "true" || s == "false"
	case "array":
		return strings.HasPrefix(s, "[")
	case "object":
		return strings.HasPrefix(s, "{")
	default:
		return true
	}
}
