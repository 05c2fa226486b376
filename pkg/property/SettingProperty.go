package property

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Setting is a data property whose value is persisted. Every successful
// write additionally triggers the owning Thing's settings save; loading a
// stored value at startup does neither publish nor save.
type Setting[T any] struct {
	*Data[T]
}

// NewSetting creates a persisted property with a default value, used when no
// stored value exists yet
func NewSetting[T any](name string, initial T, opts ...Option) (*Setting[T], error) {
	data, err := NewData(name, initial, opts...)
	if err != nil {
		return nil, err
	}
	data.persistent = true
	return &Setting[T]{Data: data}, nil
}

// MustSetting is NewSetting for declarations inside Thing constructors
func MustSetting[T any](name string, initial T, opts ...Option) *Setting[T] {
	prop, err := NewSetting(name, initial, opts...)
	if err != nil {
		panic(fmt.Sprintf("setting '%s': %s", name, err))
	}
	return prop
}

// LoadStored stores a value read from the settings file, silently: no
// propertyStatus message and no save. A value that no longer conforms to the
// schema is still applied when it decodes; constraints may have tightened
// since it was written.
func (prop *Setting[T]) LoadStored(raw json.RawMessage) error {
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("stored value for setting '%s' does not decode: %w", prop.name, err)
	}
	if err := prop.schema.Validate(raw); err != nil {
		logrus.Warningf("Setting.LoadStored: stored value for '%s' violates its schema, applying anyway: %s",
			prop.name, err)
	}
	prop.mu.Lock()
	prop.value = value
	prop.initialized = true
	prop.mu.Unlock()
	return nil
}
