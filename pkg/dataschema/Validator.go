package dataschema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrValidation is wrapped by every validation failure so callers can map it
// to a 422 response regardless of the underlying schema error.
var ErrValidation = errors.New("validation failed")

// Validator wraps a compiled JSON Schema. Compile once, validate many times;
// validation itself is pure and safe for concurrent use.
type Validator struct {
	schema *jsonschema.Schema
}

// CompileDoc compiles a JSON Schema document into a validator
func CompileDoc(doc map[string]interface{}) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// CompileJSON compiles a serialized JSON Schema into a validator
func CompileJSON(raw []byte) (*Validator, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	return CompileDoc(doc)
}

// ValidateJSON checks that a JSON payload conforms to the schema.
// Malformed JSON and schema violations both wrap ErrValidation.
func (v *Validator) ValidateJSON(raw []byte) error {
	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: invalid JSON: %s", ErrValidation, err)
	}
	if err := v.schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err)
	}
	return nil
}

// ValidateValue checks a Go value against the schema by serializing it first,
// so that Go types are compared by their JSON rendering.
func (v *Validator) ValidateValue(value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: value does not serialize: %s", ErrValidation, err)
	}
	return v.ValidateJSON(raw)
}
