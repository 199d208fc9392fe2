// Package specvalidate validates the ProxySharing extension block of a
// ProxySpec against a JSON Schema before the spec is accepted into the
// dispatcher fleet, catching malformed `minimumSeatsAvailable` values
// (wrong type, negative) ahead of runtime. The schema is compiled once
// and reused across every validation call.
package specvalidate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultSchemaJSON is the schema for the sharing extension: an
// optional non-negative integer.
const DefaultSchemaJSON = `{
"type": "object",
"properties": {
	"minimumSeatsAvailable": {
		"type": ["integer", "null"],
		"minimum": 0
	}
},
"additionalProperties": false
}`

// Validator compiles a JSON Schema once and validates many documents
// against it.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles schemaJSON into a reusable Validator.
func New(schemaJSON string) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("sharing-extension.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("sharing-extension.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Default builds a Validator for DefaultSchemaJSON.
func Default() (*Validator, error) {
	return New(DefaultSchemaJSON)
}

// ValidateSharingExtension checks raw (the spec's sharing block,
// already marshalled to JSON) against the compiled schema.
func (v *Validator) ValidateSharingExtension(raw json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("unmarshal sharing extension: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("sharing extension invalid: %w", err)
	}
	return nil
}
