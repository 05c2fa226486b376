package dataschema_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labthings/labthings-go/pkg/dataschema"
)

type innerModel struct {
	Depth int `json:"depth"`
}

type outerModel struct {
	Name    string      `json:"name"`
	Gain    float64     `json:"gain,omitempty"`
	Inner   innerModel  `json:"inner"`
	Started *time.Time  `json:"started,omitempty"`
	Tags    []string    `json:"tags,omitempty"`
	Extra   interface{} `json:"-"`
}

type recursiveModel struct {
	Children []*recursiveModel `json:"children,omitempty"`
}

func TestScalarSchemas(t *testing.T) {
	logrus.Infof("--- TestScalarSchemas ---")

	cases := []struct {
		goType   reflect.Type
		wantType string
	}{
		{reflect.TypeOf(0), "integer"},
		{reflect.TypeOf(1.5), "number"},
		{reflect.TypeOf(""), "string"},
		{reflect.TypeOf(true), "boolean"},
	}
	for _, tc := range cases {
		schema, err := dataschema.ForType(tc.goType)
		require.NoError(t, err, "type %s", tc.goType)
		assert.Equal(t, tc.wantType, schema.DataSchema().Type, "type %s", tc.goType)
	}
}

func TestStructSchema(t *testing.T) {
	logrus.Infof("--- TestStructSchema ---")

	schema, err := dataschema.ForType(reflect.TypeOf(outerModel{}))
	require.NoError(t, err)

	// step 1 the rendered data schema is an object with inlined properties
	ds := schema.DataSchema()
	assert.Equal(t, "object", ds.Type)
	require.Contains(t, ds.Properties, "name")
	assert.Equal(t, "string", ds.Properties["name"].Type)
	require.Contains(t, ds.Properties, "inner")
	assert.Equal(t, "object", ds.Properties["inner"].Type)
	require.Contains(t, ds.Properties["inner"].Properties, "depth")

	// step 2 fields without omitempty are required
	assert.Contains(t, ds.Required, "name")
	assert.Contains(t, ds.Required, "inner")
	assert.NotContains(t, ds.Required, "gain")

	// step 3 no references survive inlining
	_, hasRef := schema.Doc()["$ref"]
	assert.False(t, hasRef)
	_, hasDefs := schema.Doc()["$defs"]
	assert.False(t, hasDefs)
}

func TestStructValidation(t *testing.T) {
	logrus.Infof("--- TestStructValidation ---")

	schema, err := dataschema.ForType(reflect.TypeOf(outerModel{}))
	require.NoError(t, err)

	assert.NoError(t, schema.Validate([]byte(`{"name":"x","inner":{"depth":3}}`)))
	assert.ErrorIs(t, schema.Validate([]byte(`{"inner":{"depth":3}}`)), dataschema.ErrValidation)
	assert.ErrorIs(t, schema.Validate([]byte(`{"name":7,"inner":{"depth":3}}`)), dataschema.ErrValidation)
	assert.ErrorIs(t, schema.Validate([]byte(`not json`)), dataschema.ErrValidation)

	// extra fields are rejected unless explicitly allowed
	strict := schema.Validate([]byte(`{"name":"x","inner":{"depth":3},"bogus":1}`))
	assert.ErrorIs(t, strict, dataschema.ErrValidation)

	open, err := dataschema.ForType(reflect.TypeOf(outerModel{}), dataschema.AllowExtraFields())
	require.NoError(t, err)
	assert.NoError(t, open.Validate([]byte(`{"name":"x","inner":{"depth":3},"bogus":1}`)))
}

func TestConstraints(t *testing.T) {
	logrus.Infof("--- TestConstraints ---")

	schema, err := dataschema.ForType(reflect.TypeOf(0.0), dataschema.WithConstraints(dataschema.Constraints{
		GE: dataschema.Float(-273.15),
		LE: dataschema.Float(1000),
	}))
	require.NoError(t, err)

	assert.NoError(t, schema.Validate([]byte(`100.5`)))
	assert.ErrorIs(t, schema.Validate([]byte(`-300`)), dataschema.ErrValidation)
	assert.ErrorIs(t, schema.Validate([]byte(`"hot"`)), dataschema.ErrValidation)

	ds := schema.DataSchema()
	require.NotNil(t, ds.Minimum)
	assert.Equal(t, -273.15, *ds.Minimum)
	require.NotNil(t, ds.Maximum)
	assert.Equal(t, float64(1000), *ds.Maximum)
}

func TestValidationIsIdempotent(t *testing.T) {
	logrus.Infof("--- TestValidationIsIdempotent ---")

	schema, err := dataschema.ForType(reflect.TypeOf(0), dataschema.WithConstraints(dataschema.Constraints{
		GE: dataschema.Float(0),
	}))
	require.NoError(t, err)

	// validating the same payload repeatedly gives the same outcome
	for i := 0; i < 3; i++ {
		assert.NoError(t, schema.Validate([]byte(`5`)))
	}
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, schema.Validate([]byte(`-5`)), dataschema.ErrValidation)
	}
}

func TestNullableType(t *testing.T) {
	logrus.Infof("--- TestNullableType ---")

	schema, err := dataschema.ForType(reflect.TypeOf((*float64)(nil)))
	require.NoError(t, err)

	// anyOf is rendered as oneOf in the data schema
	ds := schema.DataSchema()
	require.Len(t, ds.OneOf, 2)

	assert.NoError(t, schema.Validate([]byte(`1.5`)))
	assert.NoError(t, schema.Validate([]byte(`null`)))
	assert.ErrorIs(t, schema.Validate([]byte(`"x"`)), dataschema.ErrValidation)
}

func TestRecursiveTypeRejected(t *testing.T) {
	logrus.Infof("--- TestRecursiveTypeRejected ---")

	_, err := dataschema.ForType(reflect.TypeOf(recursiveModel{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, dataschema.ErrInlineDepth)
}

func TestArraySchema(t *testing.T) {
	logrus.Infof("--- TestArraySchema ---")

	schema, err := dataschema.ForType(reflect.TypeOf([]string{}))
	require.NoError(t, err)
	assert.Equal(t, "array", schema.DataSchema().Type)
	assert.NoError(t, schema.Validate([]byte(`["a","b"]`)))
	assert.ErrorIs(t, schema.Validate([]byte(`[1]`)), dataschema.ErrValidation)
}

func TestForValue(t *testing.T) {
	logrus.Infof("--- TestForValue ---")

	schema, err := dataschema.ForValue(42)
	require.NoError(t, err)
	assert.Equal(t, "integer", schema.DataSchema().Type)
	assert.Equal(t, reflect.TypeOf(42), schema.GoType())

	_, err = dataschema.ForValue(nil)
	assert.Error(t, err)
}
