package property_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labthings/labthings-go/pkg/dataschema"
	"github.com/labthings/labthings-go/pkg/observe"
	"github.com/labthings/labthings-go/pkg/property"
)

func startedBus() *observe.Bus {
	bus := observe.NewBus()
	bus.Start()
	return bus
}

func TestDataProperty(t *testing.T) {
	logrus.Infof("--- TestDataProperty ---")

	prop, err := property.NewData("count", 42)
	require.NoError(t, err)
	assert.Equal(t, "count", prop.Name())
	assert.Equal(t, 42, prop.Get())
	assert.False(t, prop.ReadOnly())
	assert.True(t, prop.Observable())

	// unbound writes store the value but report the missing server
	err = prop.Set(43)
	assert.ErrorIs(t, err, observe.ErrServerNotRunning)
	assert.Equal(t, 43, prop.Get())

	// bound writes publish to the bus
	bus := startedBus()
	sub := observe.NewSubscriber("test")
	bus.Subscribe(observe.PropertyKey("thing1", "count"), sub)
	prop.Bind(property.Binding{ThingName: "thing1", Bus: bus})

	err = prop.Set(44)
	assert.NoError(t, err)
	message := <-sub.C()
	assert.Contains(t, string(message), "propertyStatus")
	assert.Contains(t, string(message), "44")
}

func TestDataPropertyFactory(t *testing.T) {
	logrus.Infof("--- TestDataPropertyFactory ---")

	calls := 0
	prop, err := property.NewDataFactory("items", func() []string {
		calls++
		return []string{"a", "b"}
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, prop.Get())
	assert.Equal(t, []string{"a", "b"}, prop.Get())
	// the factory runs once
	assert.Equal(t, 1, calls)
}

func TestWriteJSON(t *testing.T) {
	logrus.Infof("--- TestWriteJSON ---")

	prop, err := property.NewData("level", 1.0, property.WithConstraints(
		dataschema.Constraints{GE: dataschema.Float(0), LE: dataschema.Float(10)}))
	require.NoError(t, err)

	err = prop.WriteJSON([]byte("5.5"))
	assert.ErrorIs(t, err, observe.ErrServerNotRunning)
	assert.Equal(t, 5.5, prop.Get())

	// out of range and wrong type are validation errors
	err = prop.WriteJSON([]byte("11"))
	assert.ErrorIs(t, err, dataschema.ErrValidation)
	err = prop.WriteJSON([]byte(`"high"`))
	assert.ErrorIs(t, err, dataschema.ErrValidation)
	assert.Equal(t, 5.5, prop.Get())
}

func TestReadOnlyProperty(t *testing.T) {
	logrus.Infof("--- TestReadOnlyProperty ---")

	prop, err := property.NewData("count", 0, property.ReadOnly())
	require.NoError(t, err)
	assert.True(t, prop.ReadOnly())
	// read-only applies to HTTP writes only
	assert.True(t, prop.Observable())

	err = prop.WriteJSON([]byte("1"))
	assert.ErrorIs(t, err, property.ErrReadOnly)
	assert.Equal(t, 0, prop.Get())

	// the Thing itself can still write
	err = prop.Set(1)
	assert.ErrorIs(t, err, observe.ErrServerNotRunning)
	assert.Equal(t, 1, prop.Get())
}

func TestInterfaceTypedProperty(t *testing.T) {
	logrus.Infof("--- TestInterfaceTypedProperty ---")

	// an interface-typed property needs an explicit value type
	_, err := property.NewData[interface{}]("anything", nil)
	assert.ErrorIs(t, err, property.ErrMissingType)

	prop, err := property.NewData[interface{}]("anything", "text",
		property.WithValueType(reflect.TypeOf("")))
	require.NoError(t, err)
	err = prop.WriteJSON([]byte("123"))
	assert.ErrorIs(t, err, dataschema.ErrValidation)

	// an explicit type conflicting with a concrete declared type is rejected
	_, err = property.NewData("count", 1,
		property.WithValueType(reflect.TypeOf("")))
	assert.ErrorIs(t, err, property.ErrInconsistentType)
}

func TestFunctionalProperty(t *testing.T) {
	logrus.Infof("--- TestFunctionalProperty ---")

	stored := 21.5
	prop, err := property.NewFunctional("temperature",
		func() (float64, error) { return stored, nil },
		func(value float64) error { stored = value; return nil })
	require.NoError(t, err)
	assert.False(t, prop.ReadOnly())
	assert.True(t, prop.Observable())

	value, err := prop.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, 21.5, value)

	err = prop.WriteJSON([]byte("25"))
	assert.ErrorIs(t, err, observe.ErrServerNotRunning)
	assert.Equal(t, 25.0, stored)
}

func TestFunctionalPropertyWithoutSetter(t *testing.T) {
	logrus.Infof("--- TestFunctionalPropertyWithoutSetter ---")

	prop, err := property.NewFunctional("uptime",
		func() (int, error) { return 100, nil }, nil)
	require.NoError(t, err)
	assert.True(t, prop.ReadOnly())
	// a getter-only property has no change signal
	assert.False(t, prop.Observable())

	err = prop.WriteJSON([]byte("1"))
	assert.ErrorIs(t, err, property.ErrReadOnly)
}

func TestSettingProperty(t *testing.T) {
	logrus.Infof("--- TestSettingProperty ---")

	saves := 0
	setting, err := property.NewSetting("greeting", "Hello")
	require.NoError(t, err)
	setting.Bind(property.Binding{
		ThingName:      "thing1",
		OnSettingWrite: func() { saves++ },
	})

	err = setting.Set("Hi")
	assert.ErrorIs(t, err, observe.ErrServerNotRunning)
	assert.Equal(t, 1, saves)
	assert.Equal(t, "Hi", setting.Get())

	// loading a stored value neither publishes nor saves
	err = setting.LoadStored(json.RawMessage(`"Howdy"`))
	assert.NoError(t, err)
	assert.Equal(t, 1, saves)
	assert.Equal(t, "Howdy", setting.Get())
}

func TestSettingLoadStoredLenient(t *testing.T) {
	logrus.Infof("--- TestSettingLoadStoredLenient ---")

	setting, err := property.NewSetting("level", 5, property.WithConstraints(
		dataschema.Constraints{GE: dataschema.Float(0), LE: dataschema.Float(10)}))
	require.NoError(t, err)

	// undecodable values are skipped
	err = setting.LoadStored(json.RawMessage(`"high"`))
	assert.Error(t, err)
	assert.Equal(t, 5, setting.Get())

	// out-of-range values are warned about but applied
	err = setting.LoadStored(json.RawMessage(`42`))
	assert.NoError(t, err)
	assert.Equal(t, 42, setting.Get())
}
