package dataschema

// Constraints with the numeric and string restrictions that can be attached
// to a property value, in addition to what its type implies.
//
// GT/GE/LT/LE map to exclusiveMinimum/minimum/exclusiveMaximum/maximum in the
// schema. AllowInfNaN is accepted for parity with schema documents produced
// elsewhere; JSON cannot carry Infinity or NaN literals so the decoder
// rejects such input regardless.
type Constraints struct {
	GT          *float64
	GE          *float64
	LT          *float64
	LE          *float64
	MultipleOf  *float64
	MinLength   *int
	MaxLength   *int
	Pattern     string
	AllowInfNaN bool
}

// applyTo merges the constraints into a JSON Schema document
func (c *Constraints) applyTo(doc map[string]interface{}) {
	if c == nil {
		return
	}
	if c.GT != nil {
		doc["exclusiveMinimum"] = *c.GT
	}
	if c.GE != nil {
		doc["minimum"] = *c.GE
	}
	if c.LT != nil {
		doc["exclusiveMaximum"] = *c.LT
	}
	if c.LE != nil {
		doc["maximum"] = *c.LE
	}
	if c.MultipleOf != nil {
		doc["multipleOf"] = *c.MultipleOf
	}
	if c.MinLength != nil {
		doc["minLength"] = *c.MinLength
	}
	if c.MaxLength != nil {
		doc["maxLength"] = *c.MaxLength
	}
	if c.Pattern != "" {
		doc["pattern"] = c.Pattern
	}
}

// Float is a convenience for building numeric constraint fields
func Float(v float64) *float64 {
	return &v
}

// Int is a convenience for building length constraint fields
func Int(v int) *int {
	return &v
}
