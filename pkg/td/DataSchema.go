// Package td with native struct definitions of the W3C WoT Thing Description
// document and its affordances.
package td

// DataSchema describes the type and constraints of a value as used in TD
// property affordances, action input/output and event data.
// This follows the WoT TD 1.1 "Data Schema" vocabulary, which is JSON Schema
// with a few restrictions: no anyOf (use oneOf), no prefixItems (items takes
// an array of schemas) and no external $refs.
type DataSchema struct {
	AtType      string `json:"@type,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	// Type is one of the WoTDataType constants: string, number, integer, boolean, object, array or null
	Type      string        `json:"type,omitempty"`
	Unit      string        `json:"unit,omitempty"`
	Const     interface{}   `json:"const,omitempty"`
	Default   interface{}   `json:"default,omitempty"`
	Enum      []interface{} `json:"enum,omitempty"`
	ReadOnly  bool          `json:"readOnly,omitempty"`
	WriteOnly bool          `json:"writeOnly,omitempty"`
	Format    string        `json:"format,omitempty"`
	OneOf     []*DataSchema `json:"oneOf,omitempty"`

	// number and integer constraints
	Minimum          *float64 `json:"minimum,omitempty"`
	Maximum          *float64 `json:"maximum,omitempty"`
	ExclusiveMinimum *float64 `json:"exclusiveMinimum,omitempty"`
	ExclusiveMaximum *float64 `json:"exclusiveMaximum,omitempty"`
	MultipleOf       *float64 `json:"multipleOf,omitempty"`

	// string constraints
	MinLength *int   `json:"minLength,omitempty"`
	MaxLength *int   `json:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty"`

	// array constraints. Items holds a *DataSchema, or a []*DataSchema for
	// tuple-like arrays (the TD rendering of prefixItems).
	Items    interface{} `json:"items,omitempty"`
	MinItems *int        `json:"minItems,omitempty"`
	MaxItems *int        `json:"maxItems,omitempty"`

	// object constraints
	Properties map[string]*DataSchema `json:"properties,omitempty"`
	Required   []string               `json:"required,omitempty"`
	// AdditionalProperties is a bool or a *DataSchema. Top-level entries are
	// folded into Properties or dropped when a document is rendered for a TD.
	AdditionalProperties interface{} `json:"additionalProperties,omitempty"`
}

// Form describes how to activate an affordance operation over a protocol
type Form struct {
	Href        string   `json:"href"`
	ContentType string   `json:"contentType,omitempty"`
	Op          []string `json:"op,omitempty"`
	Subprotocol string   `json:"subprotocol,omitempty"`
}

// Link to a related resource
type Link struct {
	Rel  string `json:"rel,omitempty"`
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

// SecurityScheme for the securityDefinitions section of a TD
type SecurityScheme struct {
	Scheme      string `json:"scheme"`
	Description string `json:"description,omitempty"`
}

// PropertyAffordance describes a readable, and optionally writable and
// observable, value exposed by a Thing.
type PropertyAffordance struct {
	DataSchema
	Observable bool   `json:"observable,omitempty"`
	Forms      []Form `json:"forms,omitempty"`
}

// ActionAffordance describes an invocable operation exposed by a Thing
type ActionAffordance struct {
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Input       *DataSchema `json:"input,omitempty"`
	Output      *DataSchema `json:"output,omitempty"`
	Safe        bool        `json:"safe,omitempty"`
	Idempotent  bool        `json:"idempotent,omitempty"`
	Forms       []Form      `json:"forms,omitempty"`
}

// EventAffordance describes a push notification exposed by a Thing
type EventAffordance struct {
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Data        *DataSchema `json:"data,omitempty"`
	Forms       []Form      `json:"forms,omitempty"`
}
