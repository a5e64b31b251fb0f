package httptransport

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// These mirror the push request and event frame shapes closely enough to
// catch a misbehaving peer, without trying to fully pin down every row
// field (rowstore.Row/PendingOp's json tags are the source of truth for
// those).
const pushRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["operations"],
  "properties": {
    "operations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["sequence", "type", "namespace", "collectionId", "id", "hlcTimestampMs", "hlcCounter", "hlcDeviceId"],
        "properties": {
          "sequence": {"type": "integer", "minimum": 0},
          "type": {"enum": ["put", "delete"]},
          "namespace": {"type": "string"},
          "collectionId": {"type": "string"},
          "id": {"type": "string"},
          "hlcTimestampMs": {"type": "integer", "minimum": 0},
          "hlcCounter": {"type": "integer", "minimum": 0},
          "hlcDeviceId": {"type": "string"}
        }
      }
    },
    "namespace": {"type": "string"}
  }
}`

const wsEventSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["serverChanges", "needsAuth"]},
    "changes": {"type": "array"}
  }
}`

// Validator checks wire payloads against the shapes above before they're
// unmarshaled into Go structs. The server runs ValidatePushRequest on every
// push body and answers a violation with 400 bad_request; ValidateWSEvent
// is not called by the client, which decodes event frames directly.
type Validator struct {
	pushRequest *jsonschema.Schema
	wsEvent     *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := addSchemaResource(compiler, "rowsync://push-request.json", pushRequestSchemaJSON); err != nil {
		return nil, fmt.Errorf("httptransport: compile push request schema: %w", err)
	}
	if err := addSchemaResource(compiler, "rowsync://ws-event.json", wsEventSchemaJSON); err != nil {
		return nil, fmt.Errorf("httptransport: compile ws event schema: %w", err)
	}

	pushSchema, err := compiler.Compile("rowsync://push-request.json")
	if err != nil {
		return nil, err
	}
	wsSchema, err := compiler.Compile("rowsync://ws-event.json")
	if err != nil {
		return nil, err
	}
	return &Validator{pushRequest: pushSchema, wsEvent: wsSchema}, nil
}

func addSchemaResource(compiler *jsonschema.Compiler, url, raw string) error {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return err
	}
	return compiler.AddResource(url, doc)
}

func (v *Validator) ValidatePushRequest(body []byte) error {
	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		return fmt.Errorf("httptransport: decode push request: %w", err)
	}
	return v.pushRequest.Validate(instance)
}

func (v *Validator) ValidateWSEvent(body []byte) error {
	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		return fmt.Errorf("httptransport: decode ws event: %w", err)
	}
	return v.wsEvent.Validate(instance)
}
