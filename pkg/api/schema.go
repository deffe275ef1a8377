package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// decideSchema validates the inbound decision request before any kernel
// logic runs. Enums are closed here so nothing deeper ever branches on an
// unvalidated string.
const decideSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tenant_id", "action"],
  "properties": {
    "tenant_id": {"type": "string", "minLength": 1},
    "idempotency_key": {"type": "string"},
    "holdback_bps": {"type": "integer", "minimum": 0, "maximum": 10000},
    "dispute_window_ms": {"type": "integer", "minimum": 0},
    "action": {
      "type": "object",
      "required": ["action_id", "actor_id", "action_type", "risk_tier", "amount_cents"],
      "properties": {
        "action_id": {"type": "string", "minLength": 1},
        "actor_id": {"type": "string", "minLength": 1},
        "action_type": {"type": "string", "minLength": 1},
        "risk_tier": {"enum": ["low", "medium", "high"]},
        "amount_cents": {"type": "integer", "minimum": 0},
        "metadata": {"type": "object"}
      }
    }
  }
}`

var compiledDecideSchema = jsonschema.MustCompileString("decide.json", decideSchema)

// validateDecidePayload checks raw request bytes against the decision
// schema. The returned error text is safe to surface to the client.
func validateDecidePayload(raw []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("body is not valid JSON")
	}
	if err := compiledDecideSchema.Validate(v); err != nil {
		return fmt.Errorf("request does not match schema: %v", err)
	}
	return nil
}
