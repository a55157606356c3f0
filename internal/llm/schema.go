package llm

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

const (
	propertiesKey           = "properties"
	additionalPropertiesKey = "additionalProperties"
	typeKey                 = "type"
	requiredKey             = "required"
	itemsKey                = "items"
)

// generateSchema reflects a strict JSON schema from a Go type for OpenAI
// structured outputs.
func generateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)
	schemaObj, err := schemaToMap(schema)
	if err != nil {
		panic(err)
	}
	ensureStrictCompliance(schemaObj)
	return schemaObj
}

func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ensureStrictCompliance rewrites a reflected schema to meet the strict-mode
// rules of the structured-outputs endpoint: every object forbids additional
// properties and requires all of its fields.
func ensureStrictCompliance(schema map[string]any) {
	if schemaType, ok := schema[typeKey].(string); ok && schemaType == "object" {
		schema[additionalPropertiesKey] = false

		if properties, ok := schema[propertiesKey].(map[string]any); ok {
			var requiredFields []string
			for propName := range properties {
				requiredFields = append(requiredFields, propName)
			}
			if len(requiredFields) > 0 {
				schema[requiredKey] = requiredFields
			}
		}
	}

	if properties, ok := schema[propertiesKey].(map[string]any); ok {
		for _, prop := range properties {
			if propMap, ok := prop.(map[string]any); ok {
				ensureStrictCompliance(propMap)
			}
		}
	}

	if items, ok := schema[itemsKey].(map[string]any); ok {
		ensureStrictCompliance(items)
	}

	if additionalProps, ok := schema[additionalPropertiesKey].(map[string]any); ok {
		ensureStrictCompliance(additionalProps)
	}
}
