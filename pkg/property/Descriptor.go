// Package property with the property descriptors of a Thing: typed values
// served over HTTP, validated against a derived schema and observable over
// the observation bus.
//
// Three variants exist. Data properties store their value in the descriptor
// itself and are always observable. Functional properties delegate to a
// getter and optional setter; without a setter they are read-only and cannot
// be observed. Settings are data properties whose value is persisted by the
// owning Thing's settings store on every write.
package property

import (
	"encoding/json"
	"errors"
	"reflect"

	"github.com/labthings/labthings-go/pkg/dataschema"
	"github.com/labthings/labthings-go/pkg/observe"
)

// ErrReadOnly when writing a property that has no setter or is declared
// read-only. The HTTP layer maps this to 405.
var ErrReadOnly = errors.New("property is read-only")

// ErrMissingType when a property is declared with an interface type and no
// explicit value type. Raised eagerly at descriptor construction.
var ErrMissingType = errors.New("property value type cannot be determined")

// ErrInconsistentType when an explicit value type conflicts with the
// declared type. Raised eagerly at descriptor construction.
var ErrInconsistentType = errors.New("explicit value type conflicts with the declared type")

// Descriptor is the property surface consumed by the Thing base, the server
// and the TD builder.
type Descriptor interface {
	Name() string
	Title() string
	Description() string
	ReadOnly() bool
	// Observable is false only for functional properties without a setter
	Observable() bool
	// Schema returns the derived schema used for validation and the TD
	Schema() *dataschema.Schema
	// ReadValue returns the current value for serialization.
	// Reading must be cheap; it is called during every settings save.
	ReadValue() (interface{}, error)
	// WriteJSON validates and stores a value arriving over HTTP.
	// Validation failures wrap dataschema.ErrValidation.
	WriteJSON(raw []byte) error
	// Bind connects the descriptor to its owning Thing.
	// Called once when the Thing is added to a server.
	Bind(binding Binding)
}

// Persistent is the settings variant: a property whose value is saved across
// server restarts.
type Persistent interface {
	Descriptor
	// LoadStored stores a persisted value without publishing a change event
	// and without triggering a save
	LoadStored(raw json.RawMessage) error
}

// Binding connects a descriptor to its owning Thing and server
type Binding struct {
	// ThingName of the owner, fixed when the Thing is added to a server
	ThingName string
	// Bus for publishing propertyStatus messages, nil while unattached
	Bus *observe.Bus
	// OnSettingWrite runs after every successful write to a setting
	OnSettingWrite func()
}

type buildOptions struct {
	title       string
	description string
	readOnly    bool
	constraints *dataschema.Constraints
	valueType   reflect.Type
}

// Option modifies descriptor construction
type Option func(*buildOptions)

// Title sets the human readable title shown in the TD
func Title(title string) Option {
	return func(o *buildOptions) {
		o.title = title
	}
}

// Description sets the description shown in the TD
func Description(description string) Option {
	return func(o *buildOptions) {
		o.description = description
	}
}

// ReadOnly rejects writes over HTTP. The Thing itself can still write the
// value through Set.
func ReadOnly() Option {
	return func(o *buildOptions) {
		o.readOnly = true
	}
}

// WithConstraints attaches value constraints, enforced on HTTP writes
func WithConstraints(constraints dataschema.Constraints) Option {
	return func(o *buildOptions) {
		o.constraints = &constraints
	}
}

// WithValueType sets the schema type explicitly. Required when the property
// is declared with an interface type; an explicit type that disagrees with a
// concrete declared type is ErrInconsistentType.
func WithValueType(valueType reflect.Type) Option {
	return func(o *buildOptions) {
		o.valueType = valueType
	}
}

// meta holds what all descriptor variants share
type meta struct {
	name        string
	title       string
	description string
	readOnly    bool
	schema      *dataschema.Schema
}

func (m *meta) Name() string {
	return m.name
}

// Title returns the configured title, defaulting to the property name
func (m *meta) Title() string {
	if m.title == "" {
		return m.name
	}
	return m.title
}

func (m *meta) Description() string {
	return m.description
}

func (m *meta) Schema() *dataschema.Schema {
	return m.schema
}

// buildMeta resolves the value type and derives the schema.
// declared is the reflect.Type of the Go type parameter.
func buildMeta(name string, declared reflect.Type, opts []Option) (meta, error) {
	var options buildOptions
	for _, opt := range opts {
		opt(&options)
	}

	valueType, err := resolveValueType(declared, options.valueType)
	if err != nil {
		return meta{}, err
	}

	schemaOpts := []dataschema.Option{}
	if options.constraints != nil {
		schemaOpts = append(schemaOpts, dataschema.WithConstraints(*options.constraints))
	}
	schema, err := dataschema.ForType(valueType, schemaOpts...)
	if err != nil {
		return meta{}, err
	}

	return meta{
		name:        name,
		title:       options.title,
		description: options.description,
		readOnly:    options.readOnly,
		schema:      schema,
	}, nil
}

// resolveValueType determines the schema type from the declared type
// parameter and the optional explicit override, per the precedence rules:
// explicit wins when the declared type carries no information; both present
// and disagreeing is a configuration error.
func resolveValueType(declared reflect.Type, explicit reflect.Type) (reflect.Type, error) {
	if declared == nil || declared.Kind() == reflect.Interface {
		if explicit == nil {
			return nil, ErrMissingType
		}
		return explicit, nil
	}
	if explicit != nil && explicit != declared {
		return nil, ErrInconsistentType
	}
	return declared, nil
}

// typeOf returns the reflect.Type of a type parameter, including interface
// types (reflect.TypeOf on a value would lose those)
func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
