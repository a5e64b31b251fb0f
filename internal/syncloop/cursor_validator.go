package syncloop

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// cursorSchemaJSON is the shape a stored cursor must pass before it's
// trusted: {committedTimestampMs, collectionId, id}.
const cursorSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["committedTimestampMs", "collectionId", "id"],
  "properties": {
    "committedTimestampMs": {"type": "number"},
    "collectionId": {"type": "string"},
    "id": {"type": "string"}
  }
}`

type cursorValidator struct {
	schema *jsonschema.Schema
}

func newCursorValidator() (*cursorValidator, error) {
	var doc any
	if err := json.Unmarshal([]byte(cursorSchemaJSON), &doc); err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("rowsync://sync-cursor.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("rowsync://sync-cursor.json")
	if err != nil {
		return nil, err
	}
	return &cursorValidator{schema: schema}, nil
}

func (v *cursorValidator) Validate(instance any) error {
	return v.schema.Validate(instance)
}
