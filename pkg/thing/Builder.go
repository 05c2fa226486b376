package thing

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/labthings/labthings-go/pkg/action"
	"github.com/labthings/labthings-go/pkg/property"
)

var descriptorType = reflect.TypeOf((*property.Descriptor)(nil)).Elem()
var actionType = reflect.TypeOf((*action.Descriptor)(nil))
var slotRefType = reflect.TypeOf((*slotRef)(nil)).Elem()
var baseType = reflect.TypeOf(Base{})

// Init registers the affordances and slots a Thing declares as struct
// fields, in declaration order. A declared field left nil is a configuration
// error naming the field; so are duplicate affordance names. Descriptors
// already registered through AddProperty/AddAction are left alone. Init runs
// once; Attach calls it, an explicit earlier call is harmless.
func Init(t Thing) error {
	b := t.base()
	if b.built {
		return nil
	}

	value := reflect.ValueOf(t)
	if value.Kind() != reflect.Ptr || value.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("a thing must be a pointer to a struct, not %T", t)
	}
	structValue := value.Elem()
	structType := structValue.Type()

	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if !field.IsExported() {
			continue
		}
		if field.Anonymous && field.Type == baseType {
			continue
		}

		switch {
		case field.Type.Implements(descriptorType):
			fieldValue := structValue.Field(i)
			if fieldValue.IsNil() {
				return fmt.Errorf("thing %T: property field '%s' is nil; construct it before Init",
					t, field.Name)
			}
			desc := fieldValue.Interface().(property.Descriptor)
			if err := registerProperty(b, t, field.Name, desc); err != nil {
				return err
			}

		case field.Type == actionType:
			fieldValue := structValue.Field(i)
			if fieldValue.IsNil() {
				return fmt.Errorf("thing %T: action field '%s' is nil; construct it before Init",
					t, field.Name)
			}
			desc := fieldValue.Interface().(*action.Descriptor)
			if b.GetAction(desc.Name()) == desc {
				continue
			}
			if err := b.AddAction(desc); err != nil {
				return fmt.Errorf("thing %T: action field '%s': %w", t, field.Name, err)
			}

		case field.Type.Implements(slotRefType):
			fieldValue := structValue.Field(i)
			if fieldValue.IsNil() {
				return fmt.Errorf("thing %T: slot field '%s' is nil; construct it before Init",
					t, field.Name)
			}
			ref := fieldValue.Interface().(slotRef)
			slotName := fieldSlotName(field)
			if err := b.addSlot(slotName, ref); err != nil {
				return fmt.Errorf("thing %T: slot field '%s': %w", t, field.Name, err)
			}
		}
	}

	b.built = true
	logrus.Debugf("Init: thing %T declares %d properties, %d actions, %d slots",
		t, len(b.propOrder), len(b.actionOrder), len(b.slotOrder))
	return nil
}

func registerProperty(b *Base, t Thing, fieldName string, desc property.Descriptor) error {
	if b.GetProperty(desc.Name()) == desc {
		return nil
	}
	if err := b.AddProperty(desc); err != nil {
		return fmt.Errorf("thing %T: property field '%s': %w", t, fieldName, err)
	}
	return nil
}

// fieldSlotName is the slot's name for configuration lookups: the `slot` tag
// when present, the lowercased field name otherwise
func fieldSlotName(field reflect.StructField) string {
	if tag := field.Tag.Get("slot"); tag != "" {
		return tag
	}
	return strings.ToLower(field.Name)
}
