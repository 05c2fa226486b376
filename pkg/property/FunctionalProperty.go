package property

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/labthings/labthings-go/pkg/dataschema"
	"github.com/labthings/labthings-go/pkg/observe"
)

// Functional is a property that delegates to a getter and an optional
// setter, for values that live in the instrument rather than in the Thing.
// Without a setter the property is read-only and cannot be observed: nothing
// would ever publish a change.
type Functional[T any] struct {
	meta
	getter func() (T, error)
	setter func(T) error

	bindMutex sync.Mutex
	binding   Binding
}

// NewFunctional creates a functional property. getter is required; a nil
// setter makes the property read-only and unobservable.
func NewFunctional[T any](name string, getter func() (T, error), setter func(T) error, opts ...Option) (*Functional[T], error) {
	if getter == nil {
		return nil, fmt.Errorf("property '%s': a functional property needs a getter", name)
	}
	m, err := buildMeta(name, typeOf[T](), opts)
	if err != nil {
		return nil, fmt.Errorf("property '%s': %w", name, err)
	}
	return &Functional[T]{meta: m, getter: getter, setter: setter}, nil
}

// MustFunctional is NewFunctional for declarations inside Thing constructors
func MustFunctional[T any](name string, getter func() (T, error), setter func(T) error, opts ...Option) *Functional[T] {
	prop, err := NewFunctional(name, getter, setter, opts...)
	if err != nil {
		panic(err.Error())
	}
	return prop
}

// ReadOnly is true when there is no setter or the property was declared
// read-only
func (prop *Functional[T]) ReadOnly() bool {
	return prop.setter == nil || prop.readOnly
}

// Observable is false without a setter: the runtime has no write path that
// could publish changes
func (prop *Functional[T]) Observable() bool {
	return prop.setter != nil
}

// Bind connects the property to its owning Thing
func (prop *Functional[T]) Bind(binding Binding) {
	prop.bindMutex.Lock()
	defer prop.bindMutex.Unlock()
	prop.binding = binding
}

func (prop *Functional[T]) currentBinding() Binding {
	prop.bindMutex.Lock()
	defer prop.bindMutex.Unlock()
	return prop.binding
}

// Get invokes the getter. Reads are never cached.
func (prop *Functional[T]) Get() (T, error) {
	return prop.getter()
}

// Set invokes the setter and publishes the new value.
// ErrReadOnly when there is no setter.
func (prop *Functional[T]) Set(value T) error {
	if prop.setter == nil {
		return ErrReadOnly
	}
	if err := prop.setter(value); err != nil {
		return err
	}
	return prop.publish(value)
}

// ReadValue returns the getter's result for serialization
func (prop *Functional[T]) ReadValue() (interface{}, error) {
	return prop.getter()
}

// WriteJSON validates a value arriving over HTTP and hands it to the setter
func (prop *Functional[T]) WriteJSON(raw []byte) error {
	if prop.ReadOnly() {
		return ErrReadOnly
	}
	if err := prop.schema.Validate(raw); err != nil {
		return err
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("%w: %s", dataschema.ErrValidation, err)
	}
	return prop.Set(value)
}

func (prop *Functional[T]) publish(value T) error {
	binding := prop.currentBinding()
	if binding.Bus == nil {
		return observe.ErrServerNotRunning
	}
	return binding.Bus.PublishProperty(binding.ThingName, prop.name, value)
}
