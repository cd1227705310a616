package llm

import (
	"sort"

	"google.golang.org/genai"
)

// geminiSchema converts a JSON schema, as advertised by tool servers, into
// the subset genai accepts. Keywords Gemini rejects (format, bounds,
// patterns, defaults) are dropped by omission. Every object property is
// marked required, which Gemini needs to emit complete argument objects.
// The input map is never mutated.
func geminiSchema(schema map[string]interface{}) *genai.Schema {
	if len(schema) == 0 {
		return &genai.Schema{Type: genai.TypeObject}
	}

	out := &genai.Schema{
		Type:        geminiType(schema),
		Description: stringField(schema, "description"),
		Enum:        stringSlice(schema["enum"]),
	}

	if props, ok := schema["properties"].(map[string]interface{}); ok && len(props) > 0 {
		out.Type = genai.TypeObject
		out.Properties = make(map[string]*genai.Schema, len(props))
		out.Required = make([]string, 0, len(props))
		for name, prop := range props {
			propMap, _ := prop.(map[string]interface{})
			out.Properties[name] = geminiSchema(propMap)
			out.Required = append(out.Required, name)
		}
		sort.Strings(out.Required)
	}

	if items, ok := schema["items"].(map[string]interface{}); ok {
		out.Items = geminiSchema(items)
	}

	for _, key := range []string{"anyOf", "oneOf"} {
		if variants, ok := schema[key].([]interface{}); ok {
			for _, v := range variants {
				if variant, ok := v.(map[string]interface{}); ok {
					out.AnyOf = append(out.AnyOf, geminiSchema(variant))
				}
			}
		}
	}

	return out
}

func geminiType(schema map[string]interface{}) genai.Type {
	t, _ := schema["type"].(string)
	if t == "" {
		// "type": ["string", "null"] style unions
		if list, ok := schema["type"].([]interface{}); ok {
			for _, v := range list {
				if s, ok := v.(string); ok && s != "null" {
					t = s
					break
				}
			}
		}
	}
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func stringField(schema map[string]interface{}, key string) string {
	if v, ok := schema[key].(string); ok {
		return v
	}
	return ""
}

func stringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		if strs, ok := v.([]string); ok {
			return strs
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
