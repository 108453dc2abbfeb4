package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// submitSchemaJSON constrains the POST /api/tasks body. Both the top
// level and the options bag close over their properties, so a typo like
// "langauge" is rejected instead of silently ignored.
const submitSchemaJSON = `{
  "type": "object",
  "required": ["path"],
  "additionalProperties": false,
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "output_path": {"type": "string"},
    "priority": {
      "type": "string",
      "enum": ["critical", "high", "normal", "low", "background"]
    },
    "options": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "ocr_engine": {"type": "string", "minLength": 1},
        "language": {"type": "string", "minLength": 2},
        "chunk_size": {"type": "integer", "minimum": 1, "maximum": 50},
        "extract_tables": {"type": "boolean"},
        "extract_images": {"type": "boolean"},
        "preferred_strategy": {"type": "string", "enum": ["speed", "accuracy"]}
      }
    }
  }
}`

var submitSchema = mustCompileSubmitSchema()

func mustCompileSubmitSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("submit.json", strings.NewReader(submitSchemaJSON)); err != nil {
		panic(fmt.Sprintf("failed to add submit schema resource: %v", err))
	}
	schema, err := compiler.Compile("submit.json")
	if err != nil {
		panic(fmt.Sprintf("failed to compile submit schema: %v", err))
	}
	return schema
}

// validateSubmit checks a raw submission body against the schema.
func validateSubmit(raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := submitSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("invalid submission: %s", firstCause(ve))
		}
		return fmt.Errorf("invalid submission: %w", err)
	}
	return nil
}

// firstCause digs to the most specific validation failure so the client
// sees "additionalProperties 'dpi' not allowed" rather than the root
// "doesn't validate" summary.
func firstCause(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		return ve.Message
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}
