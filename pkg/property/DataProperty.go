package property

import (
	"fmt"
	"sync"

	"encoding/json"

	"github.com/labthings/labthings-go/pkg/dataschema"
	"github.com/labthings/labthings-go/pkg/observe"
)

// Data is a property that stores its value in the descriptor itself.
// Reads return the stored value; writes store the value and publish a
// propertyStatus message. Data properties are always observable.
type Data[T any] struct {
	meta
	persistent bool

	mu          sync.RWMutex
	value       T
	initialized bool
	factory     func() T

	bindMutex sync.Mutex
	binding   Binding
}

// NewData creates a data property with an initial value.
// Configuration errors (ErrMissingType, ErrInconsistentType, a type that has
// no schema) surface here, eagerly.
func NewData[T any](name string, initial T, opts ...Option) (*Data[T], error) {
	prop, err := newData[T](name, opts)
	if err != nil {
		return nil, err
	}
	prop.value = initial
	prop.initialized = true
	return prop, nil
}

// NewDataFactory creates a data property whose initial value is produced by
// the factory on first read
func NewDataFactory[T any](name string, factory func() T, opts ...Option) (*Data[T], error) {
	prop, err := newData[T](name, opts)
	if err != nil {
		return nil, err
	}
	prop.factory = factory
	return prop, nil
}

// MustData is NewData for declarations inside Thing constructors, where a
// schema error is a programming error
func MustData[T any](name string, initial T, opts ...Option) *Data[T] {
	prop, err := NewData(name, initial, opts...)
	if err != nil {
		panic(fmt.Sprintf("property '%s': %s", name, err))
	}
	return prop
}

func newData[T any](name string, opts []Option) (*Data[T], error) {
	m, err := buildMeta(name, typeOf[T](), opts)
	if err != nil {
		return nil, fmt.Errorf("property '%s': %w", name, err)
	}
	return &Data[T]{meta: m}, nil
}

// ReadOnly reports whether HTTP writes are rejected
func (prop *Data[T]) ReadOnly() bool {
	return prop.readOnly
}

// Observable is always true for data properties: the Thing can write them
// even when they are read-only externally.
func (prop *Data[T]) Observable() bool {
	return true
}

// Bind connects the property to its owning Thing
func (prop *Data[T]) Bind(binding Binding) {
	prop.bindMutex.Lock()
	defer prop.bindMutex.Unlock()
	prop.binding = binding
}

func (prop *Data[T]) currentBinding() Binding {
	prop.bindMutex.Lock()
	defer prop.bindMutex.Unlock()
	return prop.binding
}

// Get returns the stored value, producing it from the factory on first read
func (prop *Data[T]) Get() T {
	prop.mu.RLock()
	if prop.initialized {
		value := prop.value
		prop.mu.RUnlock()
		return value
	}
	prop.mu.RUnlock()

	prop.mu.Lock()
	defer prop.mu.Unlock()
	if !prop.initialized {
		if prop.factory != nil {
			prop.value = prop.factory()
		}
		prop.initialized = true
	}
	return prop.value
}

// Set stores the value and publishes a propertyStatus message. In-process
// writes bypass validation. The store happens even when publishing fails;
// observe.ErrServerNotRunning is returned when no server is serving yet.
func (prop *Data[T]) Set(value T) error {
	prop.mu.Lock()
	prop.value = value
	prop.initialized = true
	prop.mu.Unlock()

	err := prop.publish(value)
	if prop.persistent {
		prop.notifySettingWrite()
	}
	return err
}

// ReadValue returns the current value for serialization
func (prop *Data[T]) ReadValue() (interface{}, error) {
	return prop.Get(), nil
}

// WriteJSON validates and stores a value arriving over HTTP
func (prop *Data[T]) WriteJSON(raw []byte) error {
	if prop.readOnly {
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

// publish the new value to observers. The value mutex is never held here so
// writing the property from inside a subscriber callback cannot deadlock.
func (prop *Data[T]) publish(value T) error {
	binding := prop.currentBinding()
	if binding.Bus == nil {
		return observe.ErrServerNotRunning
	}
	return binding.Bus.PublishProperty(binding.ThingName, prop.name, value)
}

func (prop *Data[T]) notifySettingWrite() {
	binding := prop.currentBinding()
	if binding.OnSettingWrite != nil {
		binding.OnSettingWrite()
	}
}
