// Package dataschema derives JSON Schema documents from Go types and renders
// them as TD Data Schemas.
//
// Schema derivation is delegated to a reflection library; this package then
// applies the transformations that separate a TD Data Schema from plain JSON
// Schema: anyOf becomes oneOf, prefixItems becomes items (an array of
// schemas), local $refs are inlined and additionalProperties is dropped from
// the top level. Validation always uses the untransformed JSON Schema.
package dataschema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	invopop "github.com/invopop/jsonschema"

	"github.com/labthings/labthings-go/pkg/td"
)

// MaxInlineDepth is the maximum $ref inlining recursion. Schemas for
// self-referential types exceed it and are rejected.
const MaxInlineDepth = 99

// ErrInlineDepth when a schema contains a reference cycle or is nested deeper
// than a TD document can express
var ErrInlineDepth = errors.New("maximum schema inlining depth exceeded")

// Schema bundles the derived JSON Schema document for a Go type with its TD
// rendering and a compiled validator.
type Schema struct {
	goType reflect.Type
	// doc is the JSON Schema document with local refs inlined. This is what
	// input is validated against.
	doc map[string]interface{}
	// dataSchema is the document after the TD transformations
	dataSchema *td.DataSchema
	validator  *Validator
}

type buildOptions struct {
	constraints *Constraints
	allowExtra  bool
}

// Option modifies schema derivation
type Option func(*buildOptions)

// WithConstraints merges value constraints into the derived schema
func WithConstraints(c Constraints) Option {
	return func(o *buildOptions) {
		o.constraints = &c
	}
}

// AllowExtraFields permits object input with fields beyond those declared
func AllowExtraFields() Option {
	return func(o *buildOptions) {
		o.allowExtra = true
	}
}

// ForType derives the schema for a Go type.
//
// Scalars, slices, arrays, maps, pointers (rendered nullable) and structs are
// supported. Struct fields follow their json tags; fields without omitempty
// and non-pointer fields are required. Returns an error if the type cannot be
// expressed as a TD Data Schema.
func ForType(goType reflect.Type, opts ...Option) (*Schema, error) {
	if goType == nil {
		return nil, errors.New("cannot derive a schema from a nil type")
	}
	var options buildOptions
	for _, opt := range opts {
		opt(&options)
	}

	doc, err := reflectType(goType)
	if err != nil {
		return nil, err
	}
	if options.allowExtra {
		doc["additionalProperties"] = true
	}
	options.constraints.applyTo(doc)

	validator, err := CompileDoc(doc)
	if err != nil {
		return nil, fmt.Errorf("schema for %s does not compile: %w", goType, err)
	}

	dataSchema, err := toDataSchema(doc)
	if err != nil {
		return nil, err
	}

	schema := &Schema{
		goType:     goType,
		doc:        doc,
		dataSchema: dataSchema,
		validator:  validator,
	}
	return schema, nil
}

// ForValue derives the schema for the dynamic type of a value
func ForValue(value interface{}, opts ...Option) (*Schema, error) {
	if value == nil {
		return nil, errors.New("cannot derive a schema from a nil value")
	}
	return ForType(reflect.TypeOf(value), opts...)
}

// GoType returns the Go type this schema was derived from
func (s *Schema) GoType() reflect.Type {
	return s.goType
}

// Doc returns the JSON Schema document used for validation
func (s *Schema) Doc() map[string]interface{} {
	return s.doc
}

// DataSchema returns the TD rendering of the schema
func (s *Schema) DataSchema() *td.DataSchema {
	return s.dataSchema
}

// Validate checks a JSON payload against the schema.
// Returns an error wrapping ErrValidation if the payload does not conform.
func (s *Schema) Validate(raw []byte) error {
	return s.validator.ValidateJSON(raw)
}

// ValidateValue checks a Go value against the schema by serializing it first
func (s *Schema) ValidateValue(value interface{}) error {
	return s.validator.ValidateValue(value)
}

// reflectType runs the reflection library and inlines local refs.
// A pointer type is rendered as its element schema or null.
func reflectType(goType reflect.Type) (map[string]interface{}, error) {
	nullable := false
	if goType.Kind() == reflect.Ptr {
		nullable = true
		goType = goType.Elem()
	}

	var doc map[string]interface{}
	if goType.Kind() == reflect.Struct && goType.NumField() == 0 {
		// reflection yields nothing useful for an empty struct
		doc = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	} else {
		reflector := &invopop.Reflector{Anonymous: true}
		jsonSchema := reflector.ReflectFromType(goType)
		asJSON, err := json.Marshal(jsonSchema)
		if err != nil {
			return nil, fmt.Errorf("reflecting %s: %w", goType, err)
		}
		if err = json.Unmarshal(asJSON, &doc); err != nil {
			return nil, fmt.Errorf("reflecting %s: %w", goType, err)
		}
		// $schema may only appear at a resource root and this document can end
		// up nested inside an anyOf wrapper
		delete(doc, "$schema")
		delete(doc, "$id")
		doc, err = inlineRefs(doc)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", goType, err)
		}
	}

	if nullable {
		doc = map[string]interface{}{
			"anyOf": []interface{}{doc, map[string]interface{}{"type": "null"}},
		}
	}
	return doc, nil
}

// inlineRefs resolves all local $ref pointers against the document's $defs
// section and removes the section. External references are not allowed.
func inlineRefs(doc map[string]interface{}) (map[string]interface{}, error) {
	defs, _ := doc["$defs"].(map[string]interface{})
	inlined, err := inlineNode(doc, defs, 0)
	if err != nil {
		return nil, err
	}
	result := inlined.(map[string]interface{})
	delete(result, "$defs")
	return result, nil
}

// inlineNode walks a schema node. The depth counter increases on every $ref
// hop, not on structural nesting, so only reference chains hit the cap.
func inlineNode(node interface{}, defs map[string]interface{}, depth int) (interface{}, error) {
	if depth > MaxInlineDepth {
		return nil, ErrInlineDepth
	}
	switch n := node.(type) {
	case map[string]interface{}:
		if ref, found := n["$ref"].(string); found {
			name, isLocal := strings.CutPrefix(ref, "#/$defs/")
			if !isLocal {
				return nil, fmt.Errorf("external reference %q is not allowed in a TD", ref)
			}
			def, known := defs[name]
			if !known {
				return nil, fmt.Errorf("unresolved reference %q", ref)
			}
			inlined, err := inlineNode(deepCopy(def), defs, depth+1)
			if err != nil {
				return nil, err
			}
			merged := inlined.(map[string]interface{})
			// sibling keys of $ref override the referenced schema
			for key, value := range n {
				if key == "$ref" {
					continue
				}
				sibling, err := inlineNode(value, defs, depth)
				if err != nil {
					return nil, err
				}
				merged[key] = sibling
			}
			return merged, nil
		}
		out := make(map[string]interface{}, len(n))
		for key, value := range n {
			if key == "$defs" {
				continue
			}
			inlined, err := inlineNode(value, defs, depth)
			if err != nil {
				return nil, err
			}
			out[key] = inlined
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, value := range n {
			inlined, err := inlineNode(value, defs, depth)
			if err != nil {
				return nil, err
			}
			out[i] = inlined
		}
		return out, nil
	default:
		return node, nil
	}
}

// toDataSchema applies the TD transformations to a copy of the JSON Schema
// document and decodes the result.
func toDataSchema(doc map[string]interface{}) (*td.DataSchema, error) {
	transformed := deepCopy(doc).(map[string]interface{})
	// a TD Data Schema has no additionalProperties section; top level entries
	// are folded into properties (a no-op for declared fields) or dropped
	delete(transformed, "additionalProperties")
	transformNode(transformed)

	asJSON, err := json.Marshal(transformed)
	if err != nil {
		return nil, err
	}
	dataSchema := &td.DataSchema{}
	if err = json.Unmarshal(asJSON, dataSchema); err != nil {
		return nil, fmt.Errorf("rendering data schema: %w", err)
	}
	return dataSchema, nil
}

// transformNode rewrites anyOf as oneOf and prefixItems as items, recursively
func transformNode(node interface{}) {
	switch n := node.(type) {
	case map[string]interface{}:
		if anyOf, found := n["anyOf"]; found {
			n["oneOf"] = anyOf
			delete(n, "anyOf")
		}
		if prefixItems, found := n["prefixItems"]; found {
			n["items"] = prefixItems
			delete(n, "prefixItems")
		}
		for _, value := range n {
			transformNode(value)
		}
	case []interface{}:
		for _, value := range n {
			transformNode(value)
		}
	}
}

// deepCopy of a decoded JSON document
func deepCopy(node interface{}) interface{} {
	switch n := node.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(n))
		for key, value := range n {
			out[key] = deepCopy(value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, value := range n {
			out[i] = deepCopy(value)
		}
		return out
	default:
		return node
	}
}
