// Package action with the action descriptor: a named, invocable operation on
// a Thing whose input and output models are derived from the handler's Go
// signature.
//
// The handler's input parameter must be a struct (or pointer to one); its
// exported fields form the input model, with json tags naming the fields and
// jsonschema tags carrying defaults. The invocation context parameter is the
// dependency surface: invocation ID, captured logger, cancel event, link
// building and blob creation are supplied by the runtime on HTTP invocation.
// Code calling the Go method directly supplies the context itself.
package action

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/labthings/labthings-go/pkg/dataschema"
	"github.com/labthings/labthings-go/pkg/invocation"
)

// Handler is an action body. Input arrives validated and with schema
// defaults filled in; the returned value becomes the invocation output.
type Handler[In any, Out any] func(ictx *invocation.Context, input In) (Out, error)

// Descriptor describes one action and implements the invocation manager's
// Runner contract once bound to a Thing.
type Descriptor struct {
	name        string
	title       string
	description string
	retention   time.Duration

	// inputSchema is never nil; an input struct without fields yields an
	// empty object schema accepting anything
	inputSchema *dataschema.Schema
	// outputSchema is nil when the output type is unconstrained (interface)
	outputSchema *dataschema.Schema

	run func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error)

	thingName string
}

type buildOptions struct {
	title       string
	description string
	retention   time.Duration
	allowExtra  bool
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

// Retention sets how long finished invocations stay queryable.
// The default is invocation.DefaultRetention (300 s).
func Retention(retention time.Duration) Option {
	return func(o *buildOptions) {
		o.retention = retention
	}
}

// AllowExtraInput accepts input fields beyond the declared ones.
// Extra fields pass validation but are not handed to the handler.
func AllowExtraInput() Option {
	return func(o *buildOptions) {
		o.allowExtra = true
	}
}

// New derives an action descriptor from a handler.
//
// In must be a struct or a pointer to one; anything else is a configuration
// error, raised eagerly. Use struct{} for actions without input. An Out of
// type interface{} leaves the output schema open.
func New[In any, Out any](name string, handler Handler[In, Out], opts ...Option) (*Descriptor, error) {
	if handler == nil {
		return nil, fmt.Errorf("action '%s': handler is nil", name)
	}
	var options buildOptions
	for _, opt := range opts {
		opt(&options)
	}

	inputType := reflect.TypeOf((*In)(nil)).Elem()
	structType := inputType
	if structType.Kind() == reflect.Ptr {
		structType = structType.Elem()
	}
	if structType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("action '%s': input must be a struct, not %s", name, inputType)
	}

	schemaOpts := []dataschema.Option{}
	if options.allowExtra {
		schemaOpts = append(schemaOpts, dataschema.AllowExtraFields())
	}
	inputSchema, err := dataschema.ForType(structType, schemaOpts...)
	if err != nil {
		return nil, fmt.Errorf("action '%s' input: %w", name, err)
	}

	var outputSchema *dataschema.Schema
	outputType := reflect.TypeOf((*Out)(nil)).Elem()
	if outputType.Kind() != reflect.Interface {
		outputSchema, err = dataschema.ForType(outputType)
		if err != nil {
			return nil, fmt.Errorf("action '%s' output: %w", name, err)
		}
	}

	desc := &Descriptor{
		name:         name,
		title:        options.title,
		description:  options.description,
		retention:    options.retention,
		inputSchema:  inputSchema,
		outputSchema: outputSchema,
	}
	desc.run = func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
		var input In
		raw = desc.fillDefaults(raw)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &input); err != nil {
				return nil, fmt.Errorf("decoding input: %w", err)
			}
		}
		return handler(ictx, input)
	}
	return desc, nil
}

// Must is New for declarations inside Thing constructors, where a signature
// error is a programming error
func Must[In any, Out any](name string, handler Handler[In, Out], opts ...Option) *Descriptor {
	desc, err := New(name, handler, opts...)
	if err != nil {
		panic(err.Error())
	}
	return desc
}

// Name of the action as declared
func (desc *Descriptor) Name() string {
	return desc.name
}

// Title returns the configured title, defaulting to the action name
func (desc *Descriptor) Title() string {
	if desc.title == "" {
		return desc.name
	}
	return desc.title
}

// Description of the action
func (desc *Descriptor) Description() string {
	return desc.description
}

// InputSchema of the action's input model
func (desc *Descriptor) InputSchema() *dataschema.Schema {
	return desc.inputSchema
}

// OutputSchema of the return value, nil when unconstrained
func (desc *Descriptor) OutputSchema() *dataschema.Schema {
	return desc.outputSchema
}

// ValidateInput checks an HTTP request body against the input model.
// Failures wrap dataschema.ErrValidation (422).
func (desc *Descriptor) ValidateInput(raw []byte) error {
	return desc.inputSchema.Validate(raw)
}

// BindThing fixes the owning Thing's name.
// Called once when the Thing is added to a server.
func (desc *Descriptor) BindThing(thingName string) {
	desc.thingName = thingName
}

// ThingName of the owning Thing, empty while unbound
func (desc *Descriptor) ThingName() string {
	return desc.thingName
}

// ActionName as declared on the Thing
func (desc *Descriptor) ActionName() string {
	return desc.name
}

// ActionHref is the action's endpoint path, {thing.path}{action}
func (desc *Descriptor) ActionHref() string {
	return "/" + desc.thingName + "/" + desc.name
}

// Retention of finished invocations; 0 selects the manager default
func (desc *Descriptor) Retention() time.Duration {
	return desc.retention
}

// Run executes the action body with the already validated input.
// Called by the invocation manager on a worker goroutine.
func (desc *Descriptor) Run(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
	return desc.run(ictx, raw)
}

// fillDefaults merges schema defaults into the input object for fields the
// request left out, so the handler observes declared default values
func (desc *Descriptor) fillDefaults(raw json.RawMessage) json.RawMessage {
	properties, found := desc.inputSchema.Doc()["properties"].(map[string]interface{})
	if !found || len(properties) == 0 {
		return raw
	}

	var input map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &input); err != nil {
			return raw
		}
	}
	if input == nil {
		input = map[string]json.RawMessage{}
	}

	changed := false
	for fieldName, node := range properties {
		fieldSchema, valid := node.(map[string]interface{})
		if !valid {
			continue
		}
		defaultValue, hasDefault := fieldSchema["default"]
		if !hasDefault {
			continue
		}
		if _, present := input[fieldName]; present {
			continue
		}
		encoded, err := json.Marshal(defaultValue)
		if err != nil {
			continue
		}
		input[fieldName] = encoded
		changed = true
	}
	if !changed {
		return raw
	}
	merged, err := json.Marshal(input)
	if err != nil {
		return raw
	}
	return merged
}
